package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudx-io/escrowauction/auctionapi"
)

// ValidateKeyAttestation validates an attestation of the daemon's audit
// signing key.
//
// Parameters:
//   - attestationCOSEBase64: Base64-encoded COSE_Sign1 bytes from KeyResponse.AttestationCOSEBase64
//   - expectedPublicKey: PEM-encoded public key to validate (from KeyResponse.PublicKey)
//   - knownPCRs: known-good enclave measurements (see LoadPCRsFromFile)
//
// Returns:
//   - KeyValidationResult with detailed results (call result.IsValid() to check overall status)
//   - error if validation cannot be performed (e.g., malformed input)
func ValidateKeyAttestation(attestationCOSEBase64 auctionapi.AttestationCOSEBase64, expectedPublicKey string, knownPCRs []PCRSet) (*KeyValidationResult, error) {
	baseResult, err := validateCommonAttestation(attestationCOSEBase64, knownPCRs)
	if err != nil {
		return nil, err
	}

	keyAttestation, err := parseKeyAttestationFromCOSE(attestationCOSEBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse attestation from attestation_cose_base64: %w", err)
	}

	result := &KeyValidationResult{
		BaseValidationResult: *baseResult,
	}

	if keyAttestation.UserData == nil || keyAttestation.UserData.PublicKey == "" {
		result.ValidationDetails = append(result.ValidationDetails, "Public key missing from attestation")
		return result, nil
	}

	result.AuctionID = keyAttestation.UserData.AuctionID
	// Trim whitespace from both keys (handles trailing newlines from PEM encoding)
	if strings.TrimSpace(expectedPublicKey) == strings.TrimSpace(keyAttestation.UserData.PublicKey) {
		result.PublicKeyMatch = true
		result.ValidationDetails = append(result.ValidationDetails,
			fmt.Sprintf("Public key matches attestation (%s, auction %s)", keyAttestation.UserData.KeyAlgorithm, result.AuctionID))
	} else {
		result.ValidationDetails = append(result.ValidationDetails, "Public key mismatch: provided key does not match attested key")
	}

	return result, nil
}

// parseKeyAttestationFromCOSE parses a KeyAttestationDoc from base64-encoded COSE bytes
func parseKeyAttestationFromCOSE(attestationCOSEB64 auctionapi.AttestationCOSEBase64) (*auctionapi.KeyAttestationDoc, error) {
	coseBytes, err := attestationCOSEB64.Decode()
	if err != nil {
		return nil, fmt.Errorf("decode COSE bytes: %w", err)
	}

	attestationDoc, userDataBytes, err := coseBytes.ParseAttestationDoc()
	if err != nil {
		return nil, fmt.Errorf("parse attestation document: %w", err)
	}

	var keyUserData auctionapi.KeyAttestationUserData
	if len(userDataBytes) > 0 {
		if err := json.Unmarshal(userDataBytes, &keyUserData); err != nil {
			return nil, fmt.Errorf("parse user data: %w", err)
		}
	}

	return &auctionapi.KeyAttestationDoc{
		AttestationDoc: attestationDoc,
		UserData:       &keyUserData,
	}, nil
}
