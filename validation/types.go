package validation

import "github.com/cloudx-io/escrowauction/auctionapi"

// BaseValidationResult contains common validation results for all attestation types
type BaseValidationResult struct {
	PCRsValid         bool
	CertificateValid  bool
	SignatureValid    bool
	ValidationDetails []string
}

// KeyValidationResult contains validation results specific to key attestations
type KeyValidationResult struct {
	BaseValidationResult
	PublicKeyMatch bool
	AuctionID      string
}

// IsValid returns true if all key validation checks passed
func (r *KeyValidationResult) IsValid() bool {
	return r.PCRsValid && r.CertificateValid && r.SignatureValid && r.PublicKeyMatch
}

// AuditValidationResult contains validation results for one audit record
type AuditValidationResult struct {
	SignatureValid    bool
	CommitmentValid   bool
	Record            *auctionapi.AuditRecord
	ValidationDetails []string
}

// IsValid returns true if the record is authentic and its commitments hold
func (r *AuditValidationResult) IsValid() bool {
	return r.SignatureValid && r.CommitmentValid
}

// AuditTrailResult contains validation results for an ordered audit trail
type AuditTrailResult struct {
	Records           []*AuditValidationResult
	SequenceValid     bool
	ValidationDetails []string
}

// IsValid returns true if every record is valid and the sequence is consistent
func (r *AuditTrailResult) IsValid() bool {
	if !r.SequenceValid {
		return false
	}
	for _, rec := range r.Records {
		if !rec.IsValid() {
			return false
		}
	}
	return true
}

// PCRSet represents a known-good set of PCR measurements
type PCRSet struct {
	PCR0       string `json:"pcr0"`
	PCR1       string `json:"pcr1"`
	PCR2       string `json:"pcr2"`
	CommitHash string `json:"commit_hash"` // repo commit used to build the enclave image
}

// PCRConfig represents the PCR configuration file structure
type PCRConfig struct {
	PCRSets []PCRSet `json:"pcr_sets"`
}
