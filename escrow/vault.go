// Package escrow provides an in-process payment collaborator for auctions.
// A Vault keeps participant wallets and a single escrow account, and can
// be told to reject transfers to exercise settlement failure handling.
//
// A vault built with RestoreVault saves its balances to a Ledger after
// every change, so escrowed funds survive a daemon restart together with
// the auction journal.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/dustin/go-humanize"
	golog "github.com/ipfs/go-log/v2"

	"github.com/cloudx-io/escrowauction/core"
)

var log = golog.Logger("auction/escrow")

var (
	// ErrInsufficientFunds indicates the payer's wallet cannot cover the amount.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInsufficientEscrow indicates the escrow account cannot cover the amount.
	ErrInsufficientEscrow = errors.New("insufficient escrow balance")
	// ErrInvalidAmount indicates a non-positive amount.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrOverflow indicates a deposit would push the vault's holdings past math.MaxInt64.
	ErrOverflow = errors.New("vault holdings overflow")
	// ErrRejected is the default error for a rejected recipient.
	ErrRejected = errors.New("recipient rejected transfer")
	// ErrPersist indicates the vault balances could not be saved.
	ErrPersist = errors.New("saving vault balances failed")
)

// State is the persisted form of a vault.
type State struct {
	Wallets map[core.Identity]int64 `cbor:"wallets"`
	Escrow  int64                   `cbor:"escrow"`
}

// Ledger persists vault balances.
type Ledger interface {
	SaveVault(ctx context.Context, s State) error
}

// Vault is a thread-safe ledger of wallets plus one escrow account.
type Vault struct {
	mu       sync.Mutex
	wallets  map[core.Identity]int64
	escrow   int64
	rejectTo map[core.Identity]error

	// total is the sum of all wallets and escrow. Every balance is bounded
	// by it, so guarding deposits keeps all arithmetic in range.
	total  int64
	ledger Ledger
}

var _ core.Payments = (*Vault)(nil)

// NewVault returns an empty vault that is not persisted.
func NewVault() *Vault {
	return &Vault{
		wallets:  make(map[core.Identity]int64),
		rejectTo: make(map[core.Identity]error),
	}
}

// RestoreVault returns a vault holding the balances in s. Every later
// change is saved to ledger before it is acknowledged.
func RestoreVault(s State, ledger Ledger) (*Vault, error) {
	v := NewVault()
	v.ledger = ledger
	if s.Escrow < 0 {
		return nil, fmt.Errorf("restoring vault: negative escrow %d", s.Escrow)
	}
	v.escrow = s.Escrow
	v.total = s.Escrow
	for who, balance := range s.Wallets {
		if balance < 0 || balance > math.MaxInt64-v.total {
			return nil, fmt.Errorf("restoring vault: wallet of %s out of range", who)
		}
		v.wallets[who] = balance
		v.total += balance
	}
	log.Infof("vault restored, escrow %s across %d wallets", humanize.Comma(v.escrow), len(v.wallets))
	return v, nil
}

// Deposit credits amount to who's wallet.
func (v *Vault) Deposit(ctx context.Context, who core.Identity, amount int64) error {
	if who == "" {
		return core.ErrInvalidIdentity
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if amount > math.MaxInt64-v.total {
		return fmt.Errorf("%w: vault holds %s, cannot accept %s more", ErrOverflow,
			humanize.Comma(v.total), humanize.Comma(amount))
	}
	v.wallets[who] += amount
	v.total += amount
	if err := v.save(ctx); err != nil {
		v.wallets[who] -= amount
		v.total -= amount
		return err
	}
	log.Debugf("deposited %s to %s", humanize.Comma(amount), who)
	return nil
}

// Wallet returns who's wallet balance.
func (v *Vault) Wallet(who core.Identity) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.wallets[who]
}

// Total returns the sum of all wallets and the escrow account. It only
// changes through Deposit.
func (v *Vault) Total() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.total
}

// State returns a copy of the vault balances.
func (v *Vault) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state()
}

// RejectTransfersTo makes every subsequent Transfer to who fail with err
// (ErrRejected if err is nil) until AcceptTransfersTo is called.
func (v *Vault) RejectTransfersTo(who core.Identity, err error) {
	if err == nil {
		err = ErrRejected
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejectTo[who] = err
}

// AcceptTransfersTo clears a rejection set by RejectTransfersTo.
func (v *Vault) AcceptTransfersTo(who core.Identity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.rejectTo, who)
}

// Collect moves amount from the payer's wallet into escrow.
func (v *Vault) Collect(ctx context.Context, from core.Identity, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.wallets[from] < amount {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientFunds, from,
			humanize.Comma(v.wallets[from]), humanize.Comma(amount))
	}
	v.wallets[from] -= amount
	v.escrow += amount
	if err := v.save(ctx); err != nil {
		v.wallets[from] += amount
		v.escrow -= amount
		return err
	}
	log.Debugf("collected %s from %s, escrow now %s", humanize.Comma(amount), from, humanize.Comma(v.escrow))
	return nil
}

// Transfer moves amount from escrow to the recipient's wallet.
func (v *Vault) Transfer(ctx context.Context, to core.Identity, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err, ok := v.rejectTo[to]; ok {
		return err
	}
	if v.escrow < amount {
		return fmt.Errorf("%w: escrow holds %s, needs %s", ErrInsufficientEscrow,
			humanize.Comma(v.escrow), humanize.Comma(amount))
	}
	v.escrow -= amount
	v.wallets[to] += amount
	if err := v.save(ctx); err != nil {
		v.escrow += amount
		v.wallets[to] -= amount
		return err
	}
	log.Debugf("transferred %s to %s, escrow now %s", humanize.Comma(amount), to, humanize.Comma(v.escrow))
	return nil
}

// Balance returns the escrow balance.
func (v *Vault) Balance(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.escrow, nil
}

func (v *Vault) state() State {
	wallets := make(map[core.Identity]int64, len(v.wallets))
	for who, balance := range v.wallets {
		wallets[who] = balance
	}
	return State{Wallets: wallets, Escrow: v.escrow}
}

// save must be called with v.mu held.
func (v *Vault) save(ctx context.Context) error {
	if v.ledger == nil {
		return nil
	}
	if err := v.ledger.SaveVault(ctx, v.state()); err != nil {
		log.Errorf("saving vault: %s", err)
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}
