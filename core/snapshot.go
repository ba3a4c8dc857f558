package core

import (
	"fmt"
	"math"
	"time"
)

// Snapshot is the complete state of one auction. It is what a Journal
// persists and what Restore rebuilds an Auction from.
type Snapshot struct {
	ID        string    `json:"id" cbor:"id"`
	Owner     Identity  `json:"owner" cbor:"owner"`
	Config    Config    `json:"config" cbor:"config"`
	StartTime time.Time `json:"start_time" cbor:"start_time"`
	Deadline  time.Time `json:"deadline" cbor:"deadline"`
	Ended     bool      `json:"ended" cbor:"ended"`

	// Winner is nil until the first bid is accepted.
	Winner *Bid `json:"winner,omitempty" cbor:"winner,omitempty"`

	// Bids is the global bid sequence in insertion order.
	Bids []Bid `json:"bids" cbor:"bids"`

	Participants map[Identity]Participant `json:"participants" cbor:"participants"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	c := s
	if s.Winner != nil {
		w := *s.Winner
		c.Winner = &w
	}
	c.Bids = append([]Bid(nil), s.Bids...)
	c.Participants = make(map[Identity]Participant, len(s.Participants))
	for bidder, p := range s.Participants {
		c.Participants[bidder] = p.clone()
	}
	return c
}

// isActive reports whether bids and partial refunds are accepted at now.
func (s *Snapshot) isActive(now time.Time) bool {
	return now.Before(s.Deadline) && !s.Ended
}

// isFinalizable reports whether settlement may run at now.
func (s *Snapshot) isFinalizable(now time.Time) bool {
	return !now.Before(s.Deadline) || s.Ended
}

// checkActive maps an inactive auction to the matching sentinel.
func (s *Snapshot) checkActive(now time.Time) error {
	if s.Ended {
		return ErrAuctionEnded
	}
	if !s.isActive(now) {
		return fmt.Errorf("%w: deadline %s passed", ErrAuctionInactive, s.Deadline.UTC().Format(time.RFC3339))
	}
	return nil
}

// maybeExtend pushes the deadline out by one extension window when now
// falls within the window. Repeated late bids extend repeatedly.
func (s *Snapshot) maybeExtend(now time.Time) bool {
	if s.Deadline.Sub(now) <= s.Config.ExtensionWindow {
		s.Deadline = s.Deadline.Add(s.Config.ExtensionWindow)
		return true
	}
	return false
}

func (s *Snapshot) winningAmount() int64 {
	if s.Winner == nil {
		return 0
	}
	return s.Winner.Amount
}

func (s *Snapshot) isWinner(bidder Identity) bool {
	return s.Winner != nil && s.Winner.Bidder == bidder
}

// checkBalance rejects a bid that would push the bidder's escrowed
// balance past math.MaxInt64.
func (s *Snapshot) checkBalance(bidder Identity, amount int64) error {
	balance := s.Participants[bidder].Balance
	if amount > math.MaxInt64-balance {
		return fmt.Errorf("%w: %s holds %d in escrow, %d more overflows the ledger", ErrInvalidAmount, bidder, balance, amount)
	}
	return nil
}

// applyBid appends the bid to the ledger, the global sequence and makes it
// the winner.
func (s *Snapshot) applyBid(bid Bid) {
	p, ok := s.Participants[bid.Bidder]
	if !ok {
		p = Participant{Bidder: bid.Bidder}
	}
	p.History = append(p.History, bid.Amount)
	p.Balance += bid.Amount
	s.Participants[bid.Bidder] = p

	s.Bids = append(s.Bids, bid)
	w := bid
	s.Winner = &w
}

// validate checks the structural invariants of a restored snapshot.
func (s *Snapshot) validate() error {
	if s.ID == "" {
		return fmt.Errorf("snapshot has no auction id")
	}
	if s.Owner == "" {
		return fmt.Errorf("snapshot %s: %w: empty owner", s.ID, ErrInvalidIdentity)
	}
	if err := s.Config.validate(); err != nil {
		return fmt.Errorf("snapshot %s: %w", s.ID, err)
	}
	if s.Deadline.Before(s.StartTime) {
		return fmt.Errorf("snapshot %s: deadline before start time", s.ID)
	}
	for bidder, p := range s.Participants {
		var total int64
		for _, amount := range p.History {
			if amount < 0 || amount > math.MaxInt64-total {
				return fmt.Errorf("snapshot %s: participant %s history out of range", s.ID, bidder)
			}
			total += amount
		}
		if p.Balance < 0 || p.Balance > total {
			return fmt.Errorf("snapshot %s: participant %s balance %d outside [0, %d]", s.ID, bidder, p.Balance, total)
		}
	}
	return nil
}

func (c Config) validate() error {
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %s", c.Duration)
	}
	if c.ExtensionWindow < 0 {
		return fmt.Errorf("extension window must not be negative, got %s", c.ExtensionWindow)
	}
	if c.IncrementPercent < 0 {
		return fmt.Errorf("increment percent must not be negative, got %d", c.IncrementPercent)
	}
	if c.FeePercent < 0 || c.FeePercent > 100 {
		return fmt.Errorf("fee percent must be within [0, 100], got %d", c.FeePercent)
	}
	return nil
}
