package auctionapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/escrowauction/core"
)

func TestAttestationCOSE_EncodeBase64(t *testing.T) {
	coseBytes := AttestationCOSE([]byte("mock-cose-attestation-data"))

	encoded := coseBytes.EncodeBase64()
	check.NotEqual(t, "", encoded)

	decoded, err := encoded.Decode()
	check.Nil(t, err)
	check.Equal(t, coseBytes, decoded)
}

func TestAttestationCOSEBase64_DecodeInvalid(t *testing.T) {
	_, err := AttestationCOSEBase64("not base64!!").Decode()
	check.Error(t, err)
}

func TestParseAttestationDoc(t *testing.T) {
	userData := []byte(`{"key_algorithm":"ECDSA-P256","public_key":"pem","auction_id":"a1"}`)
	payload, err := cbor.Marshal(nitroDocument{
		ModuleID:    "i-123-enc456",
		Digest:      "SHA384",
		Timestamp:   1700000000123,
		PCRs:        map[uint64][]byte{0: {0xab, 0xcd}, 1: {0x01}, 8: {0xff}},
		Certificate: []byte{1, 2, 3},
		CABundle:    [][]byte{{4, 5}},
		UserData:    userData,
		Nonce:       []byte("nonce"),
	})
	assert.NoError(t, err)
	coseBytes, err := cbor.Marshal([]any{[]byte{0xa0}, map[any]any{}, payload, []byte("sig")})
	assert.NoError(t, err)

	doc, gotUserData, err := AttestationCOSE(coseBytes).ParseAttestationDoc()
	assert.NoError(t, err)

	check.Equal(t, "i-123-enc456", doc.ModuleID)
	check.Equal(t, "SHA384", doc.DigestAlgorithm)
	check.Equal(t, int64(1700000000123), doc.Timestamp.UnixMilli())
	check.Equal(t, "abcd", doc.PCRs.ImageFileHash)
	check.Equal(t, "01", doc.PCRs.KernelHash)
	check.Equal(t, "", doc.PCRs.ApplicationHash)
	check.Equal(t, "ff", doc.PCRs.SigningCertHash)
	check.Equal(t, "AQID", doc.Certificate)
	check.Equal(t, []string{"BAU="}, doc.CABundle)
	check.Equal(t, "nonce", doc.Nonce)
	check.Equal(t, userData, gotUserData)

	var ud KeyAttestationUserData
	assert.NoError(t, json.Unmarshal(gotUserData, &ud))
	check.Equal(t, "a1", ud.AuctionID)
}

func TestExtractCOSEPayload_WrongShape(t *testing.T) {
	coseBytes, err := cbor.Marshal([]any{[]byte{}, []byte{}})
	assert.NoError(t, err)

	_, err = ExtractCOSEPayload(coseBytes)
	check.Error(t, err)

	_, err = ExtractCOSEPayload([]byte{0xff})
	check.Error(t, err)
}

func TestCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCode
	}{
		{core.ErrUnauthorized, CodeUnauthorized},
		{fmt.Errorf("%w: deadline passed", core.ErrAuctionInactive), CodeAuctionInactive},
		{core.ErrBidTooLow, CodeBidTooLow},
		{errors.Join(fmt.Errorf("%w: alice", core.ErrTransferFailure)), CodeTransferFailure},
		{core.ErrNotEligible, CodeNotEligible},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			check.Equal(t, tt.want, CodeFor(tt.err))
		})
	}
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(core.ErrAlreadyFinalized)
	check.Equal(t, "error", resp.Type)
	check.Equal(t, CodeAlreadyFinalized, resp.Code)
	check.Equal(t, core.ErrAlreadyFinalized.Error(), resp.Message)
}

func TestCodeFor_RequestErrors(t *testing.T) {
	check.Equal(t, CodeBadRequest, CodeFor(fmt.Errorf("%w: unknown type", ErrBadRequest)))
	check.Equal(t, CodeRateLimited, CodeFor(ErrRateLimited))
}
