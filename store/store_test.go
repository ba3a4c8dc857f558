package store

import (
	"context"
	"errors"
	"testing"
	"time"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/escrowauction/core"
	"github.com/cloudx-io/escrowauction/escrow"
)

var epoch = time.Unix(0, 0).UTC()

func at(s int64) time.Time {
	return epoch.Add(time.Duration(s) * time.Second)
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(dssync.MutexWrap(ds.NewMapDatastore()))
	assert.NoError(t, err)
	return s
}

func newVault(t *testing.T) *escrow.Vault {
	t.Helper()
	ctx := context.Background()
	v := escrow.NewVault()
	for _, who := range []core.Identity{"alice", "bob", "carol"} {
		assert.NoError(t, v.Deposit(ctx, who, 100_000))
	}
	return v
}

func TestStore_CommitAndLoad(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	v := newVault(t)

	a, err := core.New(ctx, "auction-1", "owner", epoch, v, core.WithJournal(s))
	assert.NoError(t, err)

	// The opening state is persisted with no bids
	snap, err := s.Load(ctx, "auction-1")
	assert.NoError(t, err)
	check.Equal(t, 0, len(snap.Bids))
	check.Equal(t, core.Identity("owner"), snap.Owner)

	_, err = a.PlaceBid(ctx, "alice", 100, at(1))
	assert.NoError(t, err)
	_, err = a.PlaceBid(ctx, "bob", 106, at(2))
	assert.NoError(t, err)
	_, err = a.PlaceBid(ctx, "alice", 200, at(604795))
	assert.NoError(t, err)
	_, err = a.PartialRefund(ctx, "alice", at(604796))
	assert.NoError(t, err)

	snap, err = s.Load(ctx, "auction-1")
	assert.NoError(t, err)
	check.Equal(t, a.Snapshot(), snap)
	check.Equal(t, at(605400), snap.Deadline)
	check.Equal(t, []int64{0, 200}, snap.Participants["alice"].History)
}

func TestStore_RestoreAfterSettlement(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	v := newVault(t)

	a, err := core.New(ctx, "auction-1", "owner", epoch, v, core.WithJournal(s))
	assert.NoError(t, err)
	_, err = a.PlaceBid(ctx, "alice", 100, at(1))
	assert.NoError(t, err)
	_, err = a.PlaceBid(ctx, "bob", 106, at(2))
	assert.NoError(t, err)
	_, err = a.Finalize(ctx, "owner", at(604800))
	assert.NoError(t, err)

	snap, err := s.Load(ctx, "auction-1")
	assert.NoError(t, err)
	check.True(t, snap.Ended)
	check.True(t, snap.Participants["alice"].Withdrawn)

	restored, err := core.Restore(snap, v, core.WithJournal(s))
	assert.NoError(t, err)
	_, err = restored.Finalize(ctx, "owner", at(604801))
	check.True(t, errors.Is(err, core.ErrAlreadyFinalized))

	winner, ok := restored.Winner()
	check.True(t, ok)
	check.Equal(t, core.Identity("bob"), winner.Bidder)
}

func TestStore_CommitFromFreshStoreResumesSequence(t *testing.T) {
	ctx := context.Background()
	backing := dssync.MutexWrap(ds.NewMapDatastore())
	v := newVault(t)

	first, err := New(backing)
	assert.NoError(t, err)
	a, err := core.New(ctx, "auction-1", "owner", epoch, v, core.WithJournal(first))
	assert.NoError(t, err)
	_, err = a.PlaceBid(ctx, "alice", 100, at(1))
	assert.NoError(t, err)

	// A second store over the same datastore picks up the persisted bid count
	second, err := New(backing)
	assert.NoError(t, err)
	snap, err := second.Load(ctx, "auction-1")
	assert.NoError(t, err)
	restored, err := core.Restore(snap, v, core.WithJournal(second))
	assert.NoError(t, err)
	_, err = restored.PlaceBid(ctx, "bob", 200, at(2))
	assert.NoError(t, err)

	bids, err := second.ListBids(ctx, "auction-1", Query{Limit: -1})
	assert.NoError(t, err)
	check.Equal(t, 2, len(bids))
	check.Equal(t, restored.Bids(), bids)
}

func TestStore_ListBidsPaging(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	v := newVault(t)

	a, err := core.New(ctx, "auction-1", "owner", epoch, v, core.WithJournal(s))
	assert.NoError(t, err)
	for i := int64(1); i <= 12; i++ {
		_, err := a.PlaceBid(ctx, "alice", a.MinimumNextBid(), at(i))
		assert.NoError(t, err)
	}

	page, err := s.ListBids(ctx, "auction-1", Query{Offset: 10, Limit: 5})
	assert.NoError(t, err)
	check.Equal(t, 2, len(page))
	check.Equal(t, a.Bids()[10], page[0])

	all, err := s.ListBids(ctx, "auction-1", Query{})
	assert.NoError(t, err)
	check.Equal(t, a.Bids(), all)

	_, err = s.ListBids(ctx, "missing", Query{})
	check.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_ListAuctions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	v := newVault(t)

	for _, id := range []string{"b-auction", "a-auction"} {
		a, err := core.New(ctx, id, "owner", epoch, v, core.WithJournal(s))
		assert.NoError(t, err)
		_, err = a.PlaceBid(ctx, "alice", 100, at(1))
		assert.NoError(t, err)
	}

	ids, err := s.ListAuctions(ctx)
	assert.NoError(t, err)
	check.Equal(t, []string{"a-auction", "b-auction"}, ids)
}

func TestStore_LoadMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.Load(context.Background(), "missing")
	check.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_CommitRejectsShrinkingBidSequence(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	snap := core.Snapshot{
		ID:           "auction-1",
		Owner:        "owner",
		Config:       core.DefaultConfig(),
		StartTime:    epoch,
		Deadline:     at(604800),
		Participants: map[core.Identity]core.Participant{},
		Bids:         []core.Bid{{ID: "1", Bidder: "alice", Amount: 1, PlacedAt: at(1)}},
	}
	assert.NoError(t, s.Commit(ctx, snap))

	snap.Bids = nil
	err := s.Commit(ctx, snap)
	check.True(t, errors.Is(err, ErrCorrupt))
}

func TestOpen_LevelDBSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	v := newVault(t)

	s, err := Open(dir)
	assert.NoError(t, err)
	a, err := core.New(ctx, "auction-1", "owner", epoch, v, core.WithJournal(s))
	assert.NoError(t, err)
	_, err = a.PlaceBid(ctx, "alice", 100, at(1))
	assert.NoError(t, err)
	_, err = a.PlaceBid(ctx, "bob", 106, at(2))
	assert.NoError(t, err)
	assert.NoError(t, s.Close())

	reopened, err := Open(dir)
	assert.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	snap, err := reopened.Load(ctx, "auction-1")
	assert.NoError(t, err)
	check.Equal(t, a.Snapshot(), snap)
}

func TestVault_SurvivesReopenAndSettles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	assert.NoError(t, err)
	_, err = s.LoadVault(ctx, "auction-1")
	check.True(t, errors.Is(err, ErrNotFound))

	v, err := escrow.RestoreVault(escrow.State{}, s.VaultLedger("auction-1"))
	assert.NoError(t, err)
	assert.NoError(t, v.Deposit(ctx, "alice", 1_000))
	assert.NoError(t, v.Deposit(ctx, "bob", 1_000))

	a, err := core.New(ctx, "auction-1", "owner", epoch, v, core.WithJournal(s))
	assert.NoError(t, err)
	_, err = a.PlaceBid(ctx, "alice", 100, at(1))
	assert.NoError(t, err)
	_, err = a.PlaceBid(ctx, "bob", 200, at(2))
	assert.NoError(t, err)
	assert.NoError(t, s.Close())

	reopened, err := Open(dir)
	assert.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	state, err := reopened.LoadVault(ctx, "auction-1")
	assert.NoError(t, err)
	check.Equal(t, int64(300), state.Escrow)
	check.Equal(t, int64(900), state.Wallets["alice"])

	v2, err := escrow.RestoreVault(state, reopened.VaultLedger("auction-1"))
	assert.NoError(t, err)
	snap, err := reopened.Load(ctx, "auction-1")
	assert.NoError(t, err)
	restored, err := core.Restore(snap, v2, core.WithJournal(reopened))
	assert.NoError(t, err)

	settlement, err := restored.Finalize(ctx, "owner", at(604800))
	assert.NoError(t, err)
	check.Equal(t, 0, len(settlement.Failures))
	check.Equal(t, []core.Payout{{Bidder: "alice", Balance: 100, Amount: 98, Fee: 2}}, settlement.Payouts)
	check.Equal(t, int64(998), v2.Wallet("alice"))

	// The payout is persisted too
	state, err = reopened.LoadVault(ctx, "auction-1")
	assert.NoError(t, err)
	check.Equal(t, int64(202), state.Escrow)
	check.Equal(t, int64(998), state.Wallets["alice"])
}
