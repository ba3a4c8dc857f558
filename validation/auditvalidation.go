package validation

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/cloudx-io/escrowauction/auctionapi"
	"github.com/cloudx-io/escrowauction/core"
	"github.com/cloudx-io/escrowauction/feed"
)

// AuditValidationInput contains the inputs needed to validate one audit
// feed message.
type AuditValidationInput struct {
	Message   []byte // tagged COSE_Sign1 as published on the feed
	PublicKey string // PEM audit key from KeyResponse.PublicKey

	// Bid, when set, must be the bid a new-offer record commits to.
	Bid *core.Bid
	// Settlement, when set, must be the settlement an auction-ended record
	// commits to. Without it only the presence of the commitment is checked.
	Settlement *core.Settlement
}

// ValidateAuditRecord verifies the signature of an audit message and the
// hash commitments it carries.
//
// Returns:
//   - AuditValidationResult with detailed results (call result.IsValid() to check overall status)
//   - error if validation cannot be performed (e.g., malformed public key)
func ValidateAuditRecord(input *AuditValidationInput) (*AuditValidationResult, error) {
	pub, err := ParseAuditPublicKey(input.PublicKey)
	if err != nil {
		return nil, err
	}
	return validateAuditRecord(input, pub), nil
}

func validateAuditRecord(input *AuditValidationInput, pub *ecdsa.PublicKey) *AuditValidationResult {
	result := &AuditValidationResult{ValidationDetails: []string{}}

	payload, err := feed.Verify(input.Message, pub)
	if err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Signature verification failed: %v", err))
		return result
	}
	result.SignatureValid = true
	result.ValidationDetails = append(result.ValidationDetails, "COSE signature verified")

	var rec auctionapi.AuditRecord
	if err := cbor.Unmarshal(payload, &rec); err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Audit record could not be decoded: %v", err))
		return result
	}
	result.Record = &rec

	switch rec.Kind {
	case core.EventNewOffer:
		result.CommitmentValid = validateBidCommitment(input.Bid, &rec, result)
	case core.EventAuctionEnded:
		result.CommitmentValid = validateSettlementCommitment(input.Settlement, &rec, result)
	default:
		result.CommitmentValid = true
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("No commitment carried by %s records", rec.Kind))
	}
	return result
}

func validateBidCommitment(bid *core.Bid, rec *auctionapi.AuditRecord, result *AuditValidationResult) bool {
	if rec.BidHashNonce == "" || rec.BidHash == "" {
		result.ValidationDetails = append(result.ValidationDetails, "Bid hash or nonce missing from record")
		return false
	}

	computed := core.ComputeBidHash(rec.BidID, rec.Subject, rec.Amount, rec.BidHashNonce)
	if computed != rec.BidHash {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Bid hash mismatch. Computed: %s, record has: %s", computed, rec.BidHash))
		return false
	}

	if bid != nil {
		expected := core.ComputeBidHash(bid.ID, bid.Bidder, bid.Amount, rec.BidHashNonce)
		if expected != rec.BidHash {
			result.ValidationDetails = append(result.ValidationDetails,
				fmt.Sprintf("Record does not commit to bid %s by %s for %d", bid.ID, bid.Bidder, bid.Amount))
			return false
		}
	}

	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Bid hash verified: %s", rec.BidHash))
	return true
}

func validateSettlementCommitment(s *core.Settlement, rec *auctionapi.AuditRecord, result *AuditValidationResult) bool {
	if rec.SettlementHashNonce == "" || rec.SettlementHash == "" {
		result.ValidationDetails = append(result.ValidationDetails, "Settlement hash or nonce missing from record")
		return false
	}
	if s == nil {
		result.ValidationDetails = append(result.ValidationDetails, "Settlement not supplied, commitment present but unchecked")
		return true
	}

	computed := core.ComputeSettlementHash(s, rec.SettlementHashNonce)
	if computed != rec.SettlementHash {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Settlement hash mismatch. Computed: %s, record has: %s", computed, rec.SettlementHash))
		return false
	}
	if len(s.Payouts) != rec.PayoutCount || len(s.Failures) != rec.FailureCount {
		result.ValidationDetails = append(result.ValidationDetails,
			fmt.Sprintf("Settlement counts mismatch: %d payouts/%d failures supplied, record has %d/%d",
				len(s.Payouts), len(s.Failures), rec.PayoutCount, rec.FailureCount))
		return false
	}

	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Settlement hash verified: %s", rec.SettlementHash))
	return true
}

// ValidateAuditTrail validates every message of one auction's audit trail,
// given in publication order, and checks that the sequence is one the
// auction could have produced: a single auction id, non-decreasing
// timestamps, strictly increasing offers, no bidding or partial refunds
// after the auction ended and no claims before it.
func ValidateAuditTrail(messages [][]byte, publicKeyPEM string) (*AuditTrailResult, error) {
	pub, err := ParseAuditPublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	result := &AuditTrailResult{SequenceValid: true, ValidationDetails: []string{}}
	fail := func(format string, args ...any) {
		result.SequenceValid = false
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf(format, args...))
	}

	var (
		auctionID string
		prev      *auctionapi.AuditRecord
		lastOffer int64
		ended     bool
	)
	for i, msg := range messages {
		r := validateAuditRecord(&AuditValidationInput{Message: msg}, pub)
		result.Records = append(result.Records, r)
		if r.Record == nil {
			fail("Record #%d could not be read", i)
			continue
		}
		rec := r.Record

		if auctionID == "" {
			auctionID = rec.AuctionID
		} else if rec.AuctionID != auctionID {
			fail("Record #%d belongs to auction %s, trail is for %s", i, rec.AuctionID, auctionID)
		}
		if prev != nil && rec.Timestamp.Before(prev.Timestamp) {
			fail("Record #%d is older than the record before it", i)
		}

		switch rec.Kind {
		case core.EventNewOffer:
			if ended {
				fail("Record #%d: offer after the auction ended", i)
			}
			if rec.Amount <= lastOffer {
				fail("Record #%d: offer of %d does not exceed previous offer of %d", i, rec.Amount, lastOffer)
			}
			lastOffer = rec.Amount
		case core.EventPartialRefund:
			if ended {
				fail("Record #%d: partial refund after the auction ended", i)
			}
		case core.EventAuctionEnded:
			if ended {
				fail("Record #%d: auction ended twice", i)
			}
			if rec.Amount != lastOffer {
				fail("Record #%d: winning amount %d is not the last offer %d", i, rec.Amount, lastOffer)
			}
			ended = true
		case core.EventRefundClaimed:
			if !ended {
				fail("Record #%d: refund claimed before the auction ended", i)
			}
		}
		prev = rec
	}

	if result.SequenceValid {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Sequence of %d records is consistent", len(messages)))
	}
	return result, nil
}
