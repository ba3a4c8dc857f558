package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"

	"github.com/cloudx-io/escrowauction/auctionapi"
)

// EnclaveAttester interface for dependency injection and testing
type EnclaveAttester interface {
	Attest(options enclave.AttestationOptions) ([]byte, error)
}

// getEnclaveAttester attempts to get the NSM attester, returns error if not available
func getEnclaveAttester() (EnclaveAttester, error) {
	handle, err := enclave.GetOrInitializeHandle()
	if err != nil {
		return nil, fmt.Errorf("NSM not available: %w", err)
	}
	return handle, nil
}

func generateNonce() (string, error) {
	randomBytes := make([]byte, 32) // 256 bits of entropy
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate secure nonce - %w", err)
	}
	return hex.EncodeToString(randomBytes), nil
}

// GenerateKeyAttestation binds the audit public key to the running enclave
func GenerateKeyAttestation(attester EnclaveAttester, km *KeyManager, auctionID string) (auctionapi.AttestationCOSE, error) {
	if attester == nil {
		return nil, fmt.Errorf("enclave attester is nil")
	}

	publicKeyPEM, err := km.PublicKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("failed to convert public key to PEM: %w", err)
	}

	userDataBytes, err := json.Marshal(&auctionapi.KeyAttestationUserData{
		KeyAlgorithm: KeyAlgorithm,
		PublicKey:    publicKeyPEM,
		AuctionID:    auctionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key user data: %w", err)
	}

	nonce, err := generateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate attestation nonce: %w", err)
	}

	attestationCBOR, err := attester.Attest(enclave.AttestationOptions{
		UserData: userDataBytes,
		Nonce:    []byte(nonce),
	})
	if err != nil {
		return nil, fmt.Errorf("NSM attestation failed: %w", err)
	}
	log.Infof("key attestation generated: %d bytes", len(attestationCBOR))

	return auctionapi.AttestationCOSE(attestationCBOR), nil
}

// HandleKeyRequest returns the audit public key, attested when an attester
// is available.
func HandleKeyRequest(attester EnclaveAttester, km *KeyManager, auctionID string) (*auctionapi.KeyResponse, error) {
	publicKeyPEM, err := km.PublicKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("failed to export public key: %w", err)
	}

	resp := &auctionapi.KeyResponse{
		Type:      "key_response",
		PublicKey: publicKeyPEM,
	}
	if attester == nil {
		return resp, nil
	}

	attestationCOSE, err := GenerateKeyAttestation(attester, km, auctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key attestation: %w", err)
	}

	doc, userDataBytes, err := attestationCOSE.ParseAttestationDoc()
	if err != nil {
		return nil, fmt.Errorf("failed to parse key attestation: %w", err)
	}
	var userData auctionapi.KeyAttestationUserData
	if err := json.Unmarshal(userDataBytes, &userData); err != nil {
		return nil, fmt.Errorf("failed to parse key attestation user data: %w", err)
	}

	resp.KeyAttestation = &auctionapi.KeyAttestationDoc{
		AttestationDoc: doc,
		UserData:       &userData,
	}
	resp.AttestationCOSEBase64 = attestationCOSE.EncodeBase64()
	return resp, nil
}
