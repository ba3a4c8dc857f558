package core

import (
	"time"
)

// Identity is an opaque caller identity (account, address or principal).
// The empty identity is never a valid participant or owner.
type Identity string

// Bid is a single accepted offer. Bids are immutable once appended to the
// auction's bid sequence.
type Bid struct {
	ID       string    `json:"id" cbor:"id"`
	Bidder   Identity  `json:"bidder" cbor:"bidder"`
	Amount   int64     `json:"amount" cbor:"amount"`
	PlacedAt time.Time `json:"placed_at" cbor:"placed_at"`
}

// Participant is the per-bidder ledger entry, created lazily on first bid.
type Participant struct {
	Bidder Identity `json:"bidder" cbor:"bidder"`

	// History holds every accepted bid amount in insertion order. Entries
	// zeroed by a partial refund stay in place so positions are preserved.
	History []int64 `json:"history" cbor:"history"`

	// Balance is the amount still held in escrow on behalf of the bidder.
	Balance int64 `json:"balance" cbor:"balance"`

	// Withdrawn is set once the bidder has been paid out at settlement.
	Withdrawn bool `json:"withdrawn" cbor:"withdrawn"`
}

func (p Participant) clone() Participant {
	p.History = append([]int64(nil), p.History...)
	return p
}

// Config holds the auction parameters. They are fixed for the lifetime of
// an auction and persisted with its state.
type Config struct {
	Duration         time.Duration `json:"duration" cbor:"duration"`
	ExtensionWindow  time.Duration `json:"extension_window" cbor:"extension_window"`
	IncrementPercent int64         `json:"increment_percent" cbor:"increment_percent"`
	FeePercent       int64         `json:"fee_percent" cbor:"fee_percent"`
}

// DefaultConfig returns the standard parameters: a 7 day auction, 10 minute
// anti-sniping extension, 5% minimum increment and 2% settlement fee.
func DefaultConfig() Config {
	return Config{
		Duration:         7 * 24 * time.Hour,
		ExtensionWindow:  10 * time.Minute,
		IncrementPercent: 5,
		FeePercent:       2,
	}
}

// EventKind names a notification emitted by the auction.
type EventKind string

const (
	EventNewOffer            EventKind = "new_offer"
	EventPartialRefund       EventKind = "partial_refund"
	EventAuctionEnded        EventKind = "auction_ended"
	EventEmergencyWithdrawal EventKind = "emergency_withdrawal"
	EventPayoutFailed        EventKind = "payout_failed"
	EventRefundClaimed       EventKind = "refund_claimed"
)

// Event is an observable state change. Subject is the bidder for offers and
// refunds, the winner for AuctionEnded and the owner for withdrawals.
type Event struct {
	Kind      EventKind `json:"kind"`
	AuctionID string    `json:"auction_id"`
	Subject   Identity  `json:"subject"`
	Amount    int64     `json:"amount"`
	BidID     string    `json:"bid_id,omitempty"`
	At        time.Time `json:"at"`

	// Settlement is set on AuctionEnded only.
	Settlement *Settlement `json:"settlement,omitempty"`
}

// Payout records a settled non-winner.
type Payout struct {
	Bidder  Identity `json:"bidder"`
	Balance int64    `json:"balance"`
	Amount  int64    `json:"amount"`
	Fee     int64    `json:"fee"`
}

// PayoutFailure records a non-winner whose transfer was rejected during
// settlement. The participant's ledger is left untouched.
type PayoutFailure struct {
	Bidder Identity `json:"bidder"`
	Amount int64    `json:"amount"`
	Reason string   `json:"reason"`
}

// Settlement is the outcome of Finalize.
type Settlement struct {
	// Winner is the winning bid (nil if the auction received no bids)
	Winner   *Bid            `json:"winner,omitempty"`
	Payouts  []Payout        `json:"payouts"`
	Failures []PayoutFailure `json:"failures,omitempty"`
}

// Status is a read-only summary of an auction at a point in time.
type Status struct {
	ID             string    `json:"id"`
	Owner          Identity  `json:"owner"`
	StartTime      time.Time `json:"start_time"`
	Deadline       time.Time `json:"deadline"`
	Ended          bool      `json:"ended"`
	Active         bool      `json:"active"`
	Finalizable    bool      `json:"finalizable"`
	Winner         *Bid      `json:"winner,omitempty"`
	MinimumNextBid int64     `json:"minimum_next_bid"`
	BidCount       int       `json:"bid_count"`
	Participants   int       `json:"participants"`
}

// Standing is a bidder's best offer and its rank.
type Standing struct {
	Rank   int      `json:"rank"`
	Bidder Identity `json:"bidder"`
	Best   Bid      `json:"best"`
}
