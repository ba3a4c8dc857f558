package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errRecipientRejected = errors.New("recipient rejected")

// fakePayments is a minimal in-memory escrow used by the core tests.
type fakePayments struct {
	mu          sync.Mutex
	wallets     map[Identity]int64
	escrow      int64
	received    map[Identity]int64
	reject      map[Identity]bool
	failCollect bool
	transfers   []string
}

func newFakePayments(funds map[Identity]int64) *fakePayments {
	wallets := make(map[Identity]int64, len(funds))
	for who, amount := range funds {
		wallets[who] = amount
	}
	return &fakePayments{
		wallets:  wallets,
		received: make(map[Identity]int64),
		reject:   make(map[Identity]bool),
	}
}

func (p *fakePayments) Collect(_ context.Context, from Identity, amount int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCollect {
		return fmt.Errorf("collect disabled")
	}
	if p.wallets[from] < amount {
		return fmt.Errorf("%s cannot cover %d", from, amount)
	}
	p.wallets[from] -= amount
	p.escrow += amount
	return nil
}

func (p *fakePayments) Transfer(_ context.Context, to Identity, amount int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject[to] {
		return errRecipientRejected
	}
	if p.escrow < amount {
		return fmt.Errorf("escrow cannot cover %d", amount)
	}
	p.escrow -= amount
	p.wallets[to] += amount
	p.received[to] += amount
	p.transfers = append(p.transfers, fmt.Sprintf("%s:%d", to, amount))
	return nil
}

func (p *fakePayments) Balance(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.escrow, nil
}

// memJournal keeps every committed snapshot.
type memJournal struct {
	mu        sync.Mutex
	snapshots []Snapshot
	fail      bool
}

func (j *memJournal) Commit(_ context.Context, s Snapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return fmt.Errorf("disk full")
	}
	j.snapshots = append(j.snapshots, s.Clone())
	return nil
}

func (j *memJournal) last() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshots[len(j.snapshots)-1]
}

// recordingNotifier keeps every event it receives.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, e Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) kinds() []EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]EventKind, len(n.events))
	for i, e := range n.events {
		kinds[i] = e.Kind
	}
	return kinds
}

const (
	testOwner Identity = "owner"
	alice     Identity = "alice"
	bob       Identity = "bob"
	carol     Identity = "carol"
)

var epoch = time.Unix(0, 0).UTC()

// at returns the instant s seconds after the test epoch.
func at(s int64) time.Time {
	return epoch.Add(time.Duration(s) * time.Second)
}

type testAuction struct {
	*Auction
	payments *fakePayments
	journal  *memJournal
	notifier *recordingNotifier
}

func newTestAuction(t *testing.T) *testAuction {
	t.Helper()
	payments := newFakePayments(map[Identity]int64{
		alice: 1_000_000,
		bob:   1_000_000,
		carol: 1_000_000,
	})
	journal := &memJournal{}
	notifier := &recordingNotifier{}
	a, err := New(context.Background(), "auction-1", testOwner, epoch, payments,
		WithJournal(journal), WithNotifier(notifier))
	if err != nil {
		t.Fatalf("creating auction: %v", err)
	}
	return &testAuction{Auction: a, payments: payments, journal: journal, notifier: notifier}
}
