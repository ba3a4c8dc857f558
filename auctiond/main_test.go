package main

import (
	"context"
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/escrowauction/core"
	"github.com/cloudx-io/escrowauction/escrow"
	"github.com/cloudx-io/escrowauction/store"
)

func testParams() auctionParams {
	return auctionParams{
		ID:     "auction-1",
		Owner:  testOwner,
		Config: core.DefaultConfig(),
		Start:  epoch,
	}
}

func TestOpenAuction_EscrowSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(dir)
	assert.NoError(t, err)
	a, vault, err := openAuction(ctx, st, testParams(), nil)
	assert.NoError(t, err)
	assert.NoError(t, vault.Deposit(ctx, "alice", 1_000))
	assert.NoError(t, vault.Deposit(ctx, "bob", 1_000))
	_, err = a.PlaceBid(ctx, "alice", 100, epoch.Add(1))
	assert.NoError(t, err)
	_, err = a.PlaceBid(ctx, "bob", 200, epoch.Add(2))
	assert.NoError(t, err)
	assert.NoError(t, st.Close())

	reopened, err := store.Open(dir)
	assert.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	// The owner is only needed to create the auction
	params := testParams()
	params.Owner = ""
	restored, vault, err := openAuction(ctx, reopened, params, nil)
	assert.NoError(t, err)
	balance, err := vault.Balance(ctx)
	assert.NoError(t, err)
	check.Equal(t, int64(300), balance)

	settlement, err := restored.Finalize(ctx, testOwner, epoch.Add(core.DefaultConfig().Duration))
	assert.NoError(t, err)
	check.Equal(t, 0, len(settlement.Failures))
	check.Equal(t, int64(998), vault.Wallet("alice"))

	withdrawn, err := restored.EmergencyWithdraw(ctx, testOwner, epoch.Add(core.DefaultConfig().Duration))
	assert.NoError(t, err)
	check.Equal(t, int64(202), withdrawn)
}

func TestOpenAuction_RefusesBalancesWithoutVault(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open("")
	assert.NoError(t, err)
	defer func() { _ = st.Close() }()

	// An auction journaled against an unpersisted vault
	vault := escrow.NewVault()
	assert.NoError(t, vault.Deposit(ctx, "alice", 1_000))
	a, err := core.New(ctx, "auction-1", testOwner, epoch, vault, core.WithJournal(st))
	assert.NoError(t, err)
	_, err = a.PlaceBid(ctx, "alice", 100, epoch.Add(1))
	assert.NoError(t, err)

	_, _, err = openAuction(ctx, st, testParams(), nil)
	check.Error(t, err)
}

func TestOpenAuction_RequiresOwnerToCreate(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open("")
	assert.NoError(t, err)
	defer func() { _ = st.Close() }()

	params := testParams()
	params.Owner = ""
	_, _, err = openAuction(ctx, st, params, nil)
	check.Error(t, err)

	_, err = st.Load(ctx, "auction-1")
	check.Error(t, err)
}
