package feed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/cloudx-io/escrowauction/auctionapi"
	"github.com/cloudx-io/escrowauction/core"
)

// Notifier turns auction events into signed audit records.
type Notifier struct {
	pub    Publisher
	signer *Signer
	enc    cbor.EncMode
	nonce  func() (string, error)
}

var _ core.Notifier = (*Notifier)(nil)

// NewNotifier returns a notifier publishing through pub.
func NewNotifier(pub Publisher, signer *Signer) (*Notifier, error) {
	enc, err := EncMode()
	if err != nil {
		return nil, err
	}
	return &Notifier{
		pub:    pub,
		signer: signer,
		enc:    enc,
		nonce:  generateNonce,
	}, nil
}

// EncMode is the CBOR encoding used for audit records.
func EncMode() (cbor.EncMode, error) {
	enc, err := cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("creating cbor encoder: %w", err)
	}
	return enc, nil
}

// Notify implements core.Notifier.
func (n *Notifier) Notify(ctx context.Context, e core.Event) error {
	topic, ok := TopicFor(e.Kind)
	if !ok {
		return fmt.Errorf("no topic for event %q", e.Kind)
	}

	rec, err := n.Record(e)
	if err != nil {
		return err
	}
	payload, err := n.enc.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding audit record: %w", err)
	}
	msg, err := n.signer.Sign(payload)
	if err != nil {
		return err
	}
	if err := n.pub.PublishMsg(ctx, topic, msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	log.Debugf("published %s for auction %s (event %s)", topic, rec.AuctionID, rec.EventID)
	return nil
}

// Record builds the audit record for e, committing to bid and settlement
// details with fresh nonces.
func (n *Notifier) Record(e core.Event) (auctionapi.AuditRecord, error) {
	rec := auctionapi.AuditRecord{
		EventID:   uuid.New().String(),
		AuctionID: e.AuctionID,
		Kind:      e.Kind,
		Subject:   e.Subject,
		Amount:    e.Amount,
		Timestamp: e.At.UTC(),
		BidID:     e.BidID,
	}

	switch e.Kind {
	case core.EventNewOffer:
		nonce, err := n.nonce()
		if err != nil {
			return rec, err
		}
		rec.BidHashNonce = nonce
		rec.BidHash = core.ComputeBidHash(e.BidID, e.Subject, e.Amount, nonce)
	case core.EventAuctionEnded:
		if e.Settlement == nil {
			return rec, errors.New("auction ended event without settlement")
		}
		nonce, err := n.nonce()
		if err != nil {
			return rec, err
		}
		rec.SettlementHashNonce = nonce
		rec.SettlementHash = core.ComputeSettlementHash(e.Settlement, nonce)
		rec.PayoutCount = len(e.Settlement.Payouts)
		rec.FailureCount = len(e.Settlement.Failures)
	}
	return rec, nil
}

// generateNonce creates a random 32-byte nonce for hash commitments.
func generateNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Tee fans an event out to several notifiers. Every notifier is called;
// the errors are joined.
type Tee []core.Notifier

// Notify implements core.Notifier.
func (t Tee) Notify(ctx context.Context, e core.Event) error {
	var errs []error
	for _, n := range t {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
