package core

import "errors"

var (
	// ErrUnauthorized indicates the caller is not the auction owner.
	ErrUnauthorized = errors.New("caller is not the auction owner")
	// ErrAuctionInactive indicates the bidding window has closed.
	ErrAuctionInactive = errors.New("auction is not active")
	// ErrAuctionEnded indicates the auction has been finalized.
	ErrAuctionEnded = errors.New("auction has ended")
	// ErrAuctionStillActive indicates settlement was requested before the deadline.
	ErrAuctionStillActive = errors.New("auction is still active")
	// ErrAlreadyFinalized indicates settlement has already run.
	ErrAlreadyFinalized = errors.New("auction already finalized")
	// ErrNotFinalized indicates settlement has not run yet.
	ErrNotFinalized = errors.New("auction not finalized")
	// ErrBidTooLow indicates the bid does not clear the minimum increment.
	ErrBidTooLow = errors.New("bid below minimum increment")
	// ErrInvalidAmount indicates an amount the ledger cannot represent.
	ErrInvalidAmount = errors.New("amount out of range")
	// ErrNoPriorBids indicates the bidder has fewer than two bids.
	ErrNoPriorBids = errors.New("no prior bids to refund")
	// ErrNothingToRefund indicates the superseded bids were already reclaimed.
	ErrNothingToRefund = errors.New("nothing to refund")
	// ErrNoBalance indicates the escrow account is empty.
	ErrNoBalance = errors.New("escrow balance is zero")
	// ErrTransferFailure indicates the payment collaborator rejected a transfer.
	ErrTransferFailure = errors.New("transfer failed")
	// ErrNotEligible indicates the bidder has no outstanding settlement payout.
	ErrNotEligible = errors.New("bidder not eligible for refund")
	// ErrInvalidIdentity indicates an empty caller identity.
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrJournal indicates the state could not be persisted.
	ErrJournal = errors.New("journal commit failed")
)
