package auctionapi

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// PCRs represents the Platform Configuration Registers from AWS Nitro Enclaves
type PCRs struct {
	// PCR0: Hash of the Enclave Image File (EIF)
	ImageFileHash string `json:"0"`

	// PCR1: Hash of the Linux kernel and initial RAM data (initramfs)
	KernelHash string `json:"1"`

	// PCR2: Hash of user applications, excluding the boot ramfs
	ApplicationHash string `json:"2"`

	// PCR3: Hash of the IAM role assigned to the parent instance
	IAMRoleHash string `json:"3"`

	// PCR4: Hash of the parent instance's ID
	InstanceIDHash string `json:"4"`

	// PCR8: Hash of the enclave image file's signing certificate
	SigningCertHash string `json:"8,omitempty"`
}

// AttestationDoc is the decoded form of a Nitro attestation document.
type AttestationDoc struct {
	ModuleID        string    `json:"module_id"`
	Timestamp       time.Time `json:"timestamp"`
	DigestAlgorithm string    `json:"digest"`
	PCRs            PCRs      `json:"pcrs"`

	// Certificate and CABundle are base64 DER.
	Certificate string   `json:"certificate"`
	CABundle    []string `json:"cabundle"`

	PublicKey string `json:"public_key"`
	Nonce     string `json:"nonce"`
}

// KeyAttestationDoc binds the audit signing key to an attested enclave.
type KeyAttestationDoc struct {
	AttestationDoc
	UserData *KeyAttestationUserData `json:"user_data"`
}

// KeyAttestationUserData is the JSON embedded as user data when the audit
// signing key is attested.
type KeyAttestationUserData struct {
	KeyAlgorithm string `json:"key_algorithm"` // e.g., "ECDSA-P256"
	PublicKey    string `json:"public_key"`    // PEM-encoded public key
	AuctionID    string `json:"auction_id"`
}

// AttestationCOSE is a raw COSE_Sign1 attestation as returned by the Nitro
// Security Module.
type AttestationCOSE []byte

// AttestationCOSEBase64 is the transport form of AttestationCOSE.
type AttestationCOSEBase64 string

// EncodeBase64 returns the base64 transport form.
func (c AttestationCOSE) EncodeBase64() AttestationCOSEBase64 {
	return AttestationCOSEBase64(base64.StdEncoding.EncodeToString(c))
}

// Decode returns the raw COSE bytes.
func (b AttestationCOSEBase64) Decode() (AttestationCOSE, error) {
	raw, err := base64.StdEncoding.DecodeString(string(b))
	if err != nil {
		return nil, err
	}
	return AttestationCOSE(raw), nil
}

// nitroDocument represents the raw CBOR structure from AWS Nitro Enclaves
type nitroDocument struct {
	ModuleID    string            `cbor:"module_id"`
	Digest      string            `cbor:"digest"`
	Timestamp   uint64            `cbor:"timestamp"`
	PCRs        map[uint64][]byte `cbor:"pcrs"`
	Certificate []byte            `cbor:"certificate"`
	CABundle    [][]byte          `cbor:"cabundle"`
	PublicKey   []byte            `cbor:"public_key"`
	UserData    []byte            `cbor:"user_data"`
	Nonce       []byte            `cbor:"nonce"`
}

// ParseAttestationDoc decodes the attestation payload. The user data is
// returned raw so callers can unmarshal the type they expect.
func (c AttestationCOSE) ParseAttestationDoc() (AttestationDoc, []byte, error) {
	payload, err := ExtractCOSEPayload(c)
	if err != nil {
		return AttestationDoc{}, nil, err
	}

	var raw nitroDocument
	if err := cbor.Unmarshal(payload, &raw); err != nil {
		return AttestationDoc{}, nil, fmt.Errorf("parse attestation payload: %w", err)
	}

	doc := AttestationDoc{
		ModuleID:        raw.ModuleID,
		Timestamp:       time.UnixMilli(int64(raw.Timestamp)).UTC(),
		DigestAlgorithm: raw.Digest,
		PCRs:            extractPCRs(raw.PCRs),
		Certificate:     base64.StdEncoding.EncodeToString(raw.Certificate),
		CABundle:        encodeCertificateBundle(raw.CABundle),
		PublicKey:       string(raw.PublicKey),
		Nonce:           string(raw.Nonce),
	}
	return doc, raw.UserData, nil
}

// ExtractCOSEPayload extracts the payload from a COSE_Sign1 4-element array
// COSE_Sign1 structure: [protected, unprotected, payload, signature]
func ExtractCOSEPayload(coseBytes []byte) ([]byte, error) {
	var coseArray []any
	if err := cbor.Unmarshal(coseBytes, &coseArray); err != nil {
		return nil, fmt.Errorf("parse COSE array: %w", err)
	}

	if len(coseArray) != 4 {
		return nil, fmt.Errorf("invalid COSE_Sign1 structure: expected 4 elements, got %d", len(coseArray))
	}

	payload, ok := coseArray[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid payload in COSE structure")
	}
	return payload, nil
}

func formatPCR(pcrData []byte) string {
	if len(pcrData) == 0 {
		return ""
	}
	return fmt.Sprintf("%x", pcrData)
}

func encodeCertificateBundle(bundle [][]byte) []string {
	result := make([]string, len(bundle))
	for i, cert := range bundle {
		result[i] = base64.StdEncoding.EncodeToString(cert)
	}
	return result
}

func extractPCRs(raw map[uint64][]byte) PCRs {
	return PCRs{
		ImageFileHash:   formatPCR(raw[0]),
		KernelHash:      formatPCR(raw[1]),
		ApplicationHash: formatPCR(raw[2]),
		IAMRoleHash:     formatPCR(raw[3]),
		InstanceIDHash:  formatPCR(raw[4]),
		SigningCertHash: formatPCR(raw[8]),
	}
}
