package core

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	golog "github.com/ipfs/go-log/v2"
	"github.com/oklog/ulid/v2"
)

var log = golog.Logger("auction/core")

// Payments moves value between participants and the auction's escrow account.
type Payments interface {
	// Collect moves amount from the bidder's funds into escrow.
	Collect(ctx context.Context, from Identity, amount int64) error
	// Transfer moves amount out of escrow to the recipient.
	Transfer(ctx context.Context, to Identity, amount int64) error
	// Balance returns the escrow balance.
	Balance(ctx context.Context) (int64, error)
}

// Journal persists auction state after each committed change.
type Journal interface {
	Commit(ctx context.Context, s Snapshot) error
}

// Notifier receives events after they are committed. Notification errors
// are logged and never roll back a state change.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

type options struct {
	config   *Config
	journal  Journal
	notifier Notifier
}

// Option configures an Auction.
type Option func(*options)

// WithConfig overrides DefaultConfig for a new auction. It is ignored by
// Restore, which uses the persisted configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.config = &cfg
	}
}

// WithJournal persists every committed state change.
func WithJournal(j Journal) Option {
	return func(o *options) {
		o.journal = j
	}
}

// WithNotifier delivers committed events.
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// Auction is a single-item English auction with escrowed bids.
//
// Every operation runs under one lock, payment calls included, so operations
// are totally ordered. An operation validates against the current state,
// stages its effects on a copy and only then moves value and commits.
type Auction struct {
	mu       sync.Mutex
	state    Snapshot
	payments Payments
	journal  Journal
	notifier Notifier
	entropy  io.Reader
}

// New opens an auction owned by owner that accepts bids from start until
// start plus the configured duration. The initial state is journaled.
func New(ctx context.Context, id string, owner Identity, start time.Time, payments Payments, opts ...Option) (*Auction, error) {
	if id == "" {
		return nil, fmt.Errorf("auction id is empty")
	}
	if owner == "" {
		return nil, fmt.Errorf("owner: %w", ErrInvalidIdentity)
	}
	if payments == nil {
		return nil, fmt.Errorf("payments is nil")
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := DefaultConfig()
	if o.config != nil {
		cfg = *o.config
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := newAuction(Snapshot{
		ID:           id,
		Owner:        owner,
		Config:       cfg,
		StartTime:    start,
		Deadline:     start.Add(cfg.Duration),
		Participants: make(map[Identity]Participant),
	}, payments, o)

	if err := a.persist(ctx, a.state); err != nil {
		return nil, err
	}
	log.Infof("auction %s opened by %s, deadline %s", id, owner, a.state.Deadline.UTC().Format(time.RFC3339))
	return a, nil
}

// Restore rebuilds an auction from a persisted snapshot.
func Restore(snap Snapshot, payments Payments, opts ...Option) (*Auction, error) {
	if payments == nil {
		return nil, fmt.Errorf("payments is nil")
	}
	if err := snap.validate(); err != nil {
		return nil, fmt.Errorf("restoring auction: %w", err)
	}
	if snap.Participants == nil {
		snap.Participants = make(map[Identity]Participant)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	a := newAuction(snap.Clone(), payments, o)
	log.Infof("auction %s restored with %d bids (ended=%t)", snap.ID, len(snap.Bids), snap.Ended)
	return a, nil
}

func newAuction(state Snapshot, payments Payments, o options) *Auction {
	return &Auction{
		state:    state,
		payments: payments,
		journal:  o.journal,
		notifier: o.notifier,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

// ID returns the auction id.
func (a *Auction) ID() string {
	return a.state.ID
}

// Owner returns the auction owner.
func (a *Auction) Owner() Identity {
	return a.state.Owner
}

// PlaceBid collects amount from bidder into escrow and makes it the winning
// bid. The amount must exceed floor(winning × 105 / 100) under the default
// config. A bid placed within the extension window of the deadline pushes
// the deadline out by one window.
func (a *Auction) PlaceBid(ctx context.Context, bidder Identity, amount int64, now time.Time) (Bid, error) {
	if bidder == "" {
		return Bid{}, ErrInvalidIdentity
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Step 1: Validate against current state
	if err := a.state.checkActive(now); err != nil {
		return Bid{}, err
	}
	winning := a.state.winningAmount()
	if !BidClearsIncrement(amount, winning, a.state.Config.IncrementPercent) {
		return Bid{}, fmt.Errorf("%w: %d, minimum is %d", ErrBidTooLow, amount,
			MinimumNextBid(winning, a.state.Config.IncrementPercent))
	}
	if err := a.state.checkBalance(bidder, amount); err != nil {
		return Bid{}, err
	}

	id, err := ulid.New(ulid.Timestamp(now), a.entropy)
	if err != nil {
		return Bid{}, fmt.Errorf("generating bid id: %w", err)
	}
	bid := Bid{ID: id.String(), Bidder: bidder, Amount: amount, PlacedAt: now}

	// Step 2: Stage the effects on a copy
	next := a.state.Clone()
	next.applyBid(bid)
	extended := next.maybeExtend(now)

	// Step 3: Collect funds into escrow
	if err := a.payments.Collect(ctx, bidder, amount); err != nil {
		return Bid{}, fmt.Errorf("%w: collecting %d from %s: %w", ErrTransferFailure, amount, bidder, err)
	}

	// Step 4: Persist, returning the funds if the journal rejects the bid
	if err := a.persist(ctx, next); err != nil {
		if rerr := a.payments.Transfer(ctx, bidder, amount); rerr != nil {
			log.Errorf("returning %d to %s after journal failure: %s", amount, bidder, rerr)
		}
		return Bid{}, err
	}
	a.state = next

	log.Infof("auction %s: bid %s accepted from %s for %d", a.state.ID, bid.ID, bidder, amount)
	if extended {
		log.Infof("auction %s: deadline extended to %s", a.state.ID, a.state.Deadline.UTC().Format(time.RFC3339))
	}

	a.notify(ctx, Event{
		Kind:    EventNewOffer,
		Subject: bidder,
		Amount:  amount,
		BidID:   bid.ID,
		At:      now,
	})
	return bid, nil
}

// PartialRefund returns all of bidder's bids except the most recent while
// the auction is active. It returns the refunded amount.
func (a *Auction) PartialRefund(ctx context.Context, bidder Identity, now time.Time) (int64, error) {
	if bidder == "" {
		return 0, ErrInvalidIdentity
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.state.checkActive(now); err != nil {
		return 0, err
	}
	p, ok := a.state.Participants[bidder]
	if !ok || len(p.History) <= 1 {
		return 0, ErrNoPriorBids
	}

	next := a.state.Clone()
	staged := next.Participants[bidder]
	var refund int64
	for i := 0; i < len(staged.History)-1; i++ {
		if staged.History[i] > math.MaxInt64-refund {
			return 0, fmt.Errorf("%w: refund of %s overflows", ErrInvalidAmount, bidder)
		}
		refund += staged.History[i]
		staged.History[i] = 0
	}
	if refund == 0 {
		return 0, ErrNothingToRefund
	}
	staged.Balance -= refund
	next.Participants[bidder] = staged

	if err := a.payments.Transfer(ctx, bidder, refund); err != nil {
		return 0, fmt.Errorf("%w: refunding %d to %s: %w", ErrTransferFailure, refund, bidder, err)
	}

	// The refund has left escrow, so the in-memory state follows it even if
	// the journal fails.
	a.state = next
	jerr := a.persist(ctx, a.state)

	log.Infof("auction %s: partial refund of %d to %s", a.state.ID, refund, bidder)
	a.notify(ctx, Event{
		Kind:    EventPartialRefund,
		Subject: bidder,
		Amount:  refund,
		At:      now,
	})
	return refund, jerr
}

// Finalize ends the auction and pays every non-winner their escrowed balance
// less the settlement fee. Only the owner may call it, once, at or after the
// deadline.
//
// Payout failures do not stop settlement. A failed participant keeps their
// balance and may retry through ClaimRefund. The returned Settlement lists
// both outcomes and the error joins one ErrTransferFailure per failure.
func (a *Auction) Finalize(ctx context.Context, caller Identity, now time.Time) (*Settlement, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if caller != a.state.Owner {
		return nil, ErrUnauthorized
	}
	if !a.state.isFinalizable(now) {
		return nil, fmt.Errorf("%w: deadline is %s", ErrAuctionStillActive, a.state.Deadline.UTC().Format(time.RFC3339))
	}
	if a.state.Ended {
		return nil, ErrAlreadyFinalized
	}

	// Step 1: Mark ended before any value moves
	next := a.state.Clone()
	next.Ended = true
	if err := a.persist(ctx, next); err != nil {
		return nil, err
	}
	a.state = next

	settlement := &Settlement{Payouts: []Payout{}}
	if a.state.Winner != nil {
		w := *a.state.Winner
		settlement.Winner = &w
	}

	// Step 2: Walk the bid sequence, paying each non-winner once
	var errs []error
	failed := make(map[Identity]bool)
	for _, bid := range a.state.Bids {
		bidder := bid.Bidder
		if a.state.isWinner(bidder) || failed[bidder] {
			continue
		}
		p := a.state.Participants[bidder]
		if p.Withdrawn || p.Balance <= 0 {
			continue
		}

		payout, fee := SettlementPayout(p.Balance, a.state.Config.FeePercent)
		if payout > 0 {
			if err := a.payments.Transfer(ctx, bidder, payout); err != nil {
				failed[bidder] = true
				errs = append(errs, fmt.Errorf("%w: payout of %d to %s: %w", ErrTransferFailure, payout, bidder, err))
				settlement.Failures = append(settlement.Failures, PayoutFailure{
					Bidder: bidder,
					Amount: payout,
					Reason: err.Error(),
				})
				log.Errorf("auction %s: payout of %d to %s failed: %s", a.state.ID, payout, bidder, err)
				a.notify(ctx, Event{
					Kind:    EventPayoutFailed,
					Subject: bidder,
					Amount:  payout,
					At:      now,
				})
				continue
			}
		}

		settlement.Payouts = append(settlement.Payouts, Payout{
			Bidder:  bidder,
			Balance: p.Balance,
			Amount:  payout,
			Fee:     fee,
		})
		p.Withdrawn = true
		p.Balance = 0
		a.state.Participants[bidder] = p
		if err := a.persist(ctx, a.state); err != nil {
			errs = append(errs, err)
		}
	}

	// Step 3: Announce the result
	var winner Identity
	var amount int64
	if settlement.Winner != nil {
		winner = settlement.Winner.Bidder
		amount = settlement.Winner.Amount
	}
	log.Infof("auction %s ended: winner %q at %d, %d payouts, %d failures",
		a.state.ID, winner, amount, len(settlement.Payouts), len(settlement.Failures))
	a.notify(ctx, Event{
		Kind:       EventAuctionEnded,
		Subject:    winner,
		Amount:     amount,
		At:         now,
		Settlement: settlement,
	})

	return settlement, errors.Join(errs...)
}

// ClaimRefund pays a non-winner whose settlement payout failed. It applies
// the same fee as Finalize and succeeds at most once per bidder.
func (a *Auction) ClaimRefund(ctx context.Context, bidder Identity, now time.Time) (int64, error) {
	if bidder == "" {
		return 0, ErrInvalidIdentity
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.state.Ended {
		return 0, ErrNotFinalized
	}
	p, ok := a.state.Participants[bidder]
	if !ok || a.state.isWinner(bidder) || p.Withdrawn || p.Balance <= 0 {
		return 0, ErrNotEligible
	}

	payout, _ := SettlementPayout(p.Balance, a.state.Config.FeePercent)
	if payout > 0 {
		if err := a.payments.Transfer(ctx, bidder, payout); err != nil {
			return 0, fmt.Errorf("%w: refund of %d to %s: %w", ErrTransferFailure, payout, bidder, err)
		}
	}

	p.Withdrawn = true
	p.Balance = 0
	a.state.Participants[bidder] = p
	jerr := a.persist(ctx, a.state)

	log.Infof("auction %s: refund of %d claimed by %s", a.state.ID, payout, bidder)
	a.notify(ctx, Event{
		Kind:    EventRefundClaimed,
		Subject: bidder,
		Amount:  payout,
		At:      now,
	})
	return payout, jerr
}

// EmergencyWithdraw transfers the entire escrow balance to the owner,
// regardless of auction state. Participant ledgers are not touched, so
// later payouts may fail for lack of funds.
func (a *Auction) EmergencyWithdraw(ctx context.Context, caller Identity, now time.Time) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if caller != a.state.Owner {
		return 0, ErrUnauthorized
	}
	balance, err := a.payments.Balance(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading escrow balance: %w", err)
	}
	if balance <= 0 {
		return 0, ErrNoBalance
	}
	if err := a.payments.Transfer(ctx, a.state.Owner, balance); err != nil {
		return 0, fmt.Errorf("%w: sweeping %d to %s: %w", ErrTransferFailure, balance, a.state.Owner, err)
	}

	log.Warnf("auction %s: emergency withdrawal of %d by %s", a.state.ID, balance, caller)
	a.notify(ctx, Event{
		Kind:    EventEmergencyWithdrawal,
		Subject: a.state.Owner,
		Amount:  balance,
		At:      now,
	})
	return balance, nil
}

// Winner returns the current winning bid, if any.
func (a *Auction) Winner() (Bid, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Winner == nil {
		return Bid{}, false
	}
	return *a.state.Winner, true
}

// Bids returns the global bid sequence in insertion order.
func (a *Auction) Bids() []Bid {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]Bid(nil), a.state.Bids...)
}

// Participant returns the ledger entry for bidder.
func (a *Auction) Participant(bidder Identity) (Participant, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.state.Participants[bidder]
	if !ok {
		return Participant{}, false
	}
	return p.clone(), true
}

// MinimumNextBid returns the smallest amount PlaceBid would accept.
func (a *Auction) MinimumNextBid() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return MinimumNextBid(a.state.winningAmount(), a.state.Config.IncrementPercent)
}

// Status summarizes the auction as seen at now.
func (a *Auction) Status(now time.Time) Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{
		ID:             a.state.ID,
		Owner:          a.state.Owner,
		StartTime:      a.state.StartTime,
		Deadline:       a.state.Deadline,
		Ended:          a.state.Ended,
		Active:         a.state.isActive(now),
		Finalizable:    a.state.isFinalizable(now),
		MinimumNextBid: MinimumNextBid(a.state.winningAmount(), a.state.Config.IncrementPercent),
		BidCount:       len(a.state.Bids),
		Participants:   len(a.state.Participants),
	}
	if a.state.Winner != nil {
		w := *a.state.Winner
		st.Winner = &w
	}
	return st
}

// Standings ranks bidders by their best bid.
func (a *Auction) Standings() []Standing {
	a.mu.Lock()
	defer a.mu.Unlock()

	return RankBidders(a.state.Bids)
}

// Snapshot returns a copy of the full auction state.
func (a *Auction) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state.Clone()
}

func (a *Auction) persist(ctx context.Context, s Snapshot) error {
	if a.journal == nil {
		return nil
	}
	if err := a.journal.Commit(ctx, s); err != nil {
		log.Errorf("auction %s: journal commit: %s", s.ID, err)
		return fmt.Errorf("%w: %w", ErrJournal, err)
	}
	return nil
}

func (a *Auction) notify(ctx context.Context, e Event) {
	if a.notifier == nil {
		return
	}
	e.AuctionID = a.state.ID
	if err := a.notifier.Notify(ctx, e); err != nil {
		log.Warnf("auction %s: notifying %s: %s", a.state.ID, e.Kind, err)
	}
}
