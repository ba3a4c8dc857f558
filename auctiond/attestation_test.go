package main

import (
	"encoding/json"
	"errors"
	"testing"

	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/escrowauction/auctionapi"
)

func TestGenerateNonce(t *testing.T) {
	n1, err := generateNonce()
	assert.NoError(t, err)
	n2, err := generateNonce()
	assert.NoError(t, err)

	check.Equal(t, 64, len(n1))
	check.NotEqual(t, n1, n2)
}

func TestGenerateKeyAttestation(t *testing.T) {
	km, err := NewKeyManager()
	assert.NoError(t, err)

	coseBytes, err := GenerateKeyAttestation(CreateMockEnclave(t), km, "auction-7")
	assert.NoError(t, err)

	doc, userDataBytes, err := coseBytes.ParseAttestationDoc()
	assert.NoError(t, err)
	check.Equal(t, "test-enclave-12345", doc.ModuleID)
	check.Equal(t, "3b4c", doc.PCRs.ImageFileHash)
	check.Equal(t, 64, len(doc.Nonce))

	var userData auctionapi.KeyAttestationUserData
	assert.NoError(t, json.Unmarshal(userDataBytes, &userData))
	check.Equal(t, KeyAlgorithm, userData.KeyAlgorithm)
	check.Equal(t, "auction-7", userData.AuctionID)

	pemStr, err := km.PublicKeyPEM()
	assert.NoError(t, err)
	check.Equal(t, pemStr, userData.PublicKey)
}

func TestGenerateKeyAttestation_Errors(t *testing.T) {
	km, err := NewKeyManager()
	assert.NoError(t, err)

	_, err = GenerateKeyAttestation(nil, km, "a")
	check.Error(t, err)

	failing := &MockEnclaveHandle{AttestFunc: func(enclave.AttestationOptions) ([]byte, error) {
		return nil, errors.New("nsm unavailable")
	}}
	_, err = GenerateKeyAttestation(failing, km, "a")
	check.Error(t, err)

	_, err = HandleKeyRequest(failing, km, "a")
	check.Error(t, err)
}
