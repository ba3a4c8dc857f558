package auctionapi

import (
	"time"

	"github.com/cloudx-io/escrowauction/core"
)

// AuditRecord is the payload of one signed audit feed message. Bid and
// settlement details are published as salted hash commitments so the feed
// can be verified later without exposing raw bidder data to subscribers.
type AuditRecord struct {
	EventID   string         `json:"event_id" cbor:"event_id"`
	AuctionID string         `json:"auction_id" cbor:"auction_id"`
	Kind      core.EventKind `json:"kind" cbor:"kind"`
	Subject   core.Identity  `json:"subject,omitempty" cbor:"subject,omitempty"`
	Amount    int64          `json:"amount" cbor:"amount"`
	Timestamp time.Time      `json:"timestamp" cbor:"timestamp"`

	// Set for new offers.
	BidID        string `json:"bid_id,omitempty" cbor:"bid_id,omitempty"`
	BidHash      string `json:"bid_hash,omitempty" cbor:"bid_hash,omitempty"`
	BidHashNonce string `json:"bid_hash_nonce,omitempty" cbor:"bid_hash_nonce,omitempty"`

	// Set when the auction ends.
	SettlementHash      string `json:"settlement_hash,omitempty" cbor:"settlement_hash,omitempty"`
	SettlementHashNonce string `json:"settlement_hash_nonce,omitempty" cbor:"settlement_hash_nonce,omitempty"`
	PayoutCount         int    `json:"payout_count,omitempty" cbor:"payout_count,omitempty"`
	FailureCount        int    `json:"failure_count,omitempty" cbor:"failure_count,omitempty"`
}

// SignedAuditRecord pairs the COSE_Sign1 message with its decoded record.
// It is the line format of exported audit trails.
type SignedAuditRecord struct {
	Topic   string      `json:"topic"`
	Message []byte      `json:"message"` // tagged COSE_Sign1
	Record  AuditRecord `json:"record"`
}
