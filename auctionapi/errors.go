package auctionapi

import (
	"errors"

	"github.com/cloudx-io/escrowauction/core"
)

var (
	// ErrBadRequest indicates a malformed or unknown request.
	ErrBadRequest = errors.New("bad request")
	// ErrRateLimited indicates the caller exceeded its request rate.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// ErrorCode is a stable machine-readable error identifier.
type ErrorCode string

const (
	CodeUnauthorized       ErrorCode = "unauthorized"
	CodeAuctionInactive    ErrorCode = "auction_inactive"
	CodeAuctionEnded       ErrorCode = "auction_ended"
	CodeAuctionStillActive ErrorCode = "auction_still_active"
	CodeAlreadyFinalized   ErrorCode = "already_finalized"
	CodeNotFinalized       ErrorCode = "not_finalized"
	CodeBidTooLow          ErrorCode = "bid_too_low"
	CodeInvalidAmount      ErrorCode = "invalid_amount"
	CodeNoPriorBids        ErrorCode = "no_prior_bids"
	CodeNothingToRefund    ErrorCode = "nothing_to_refund"
	CodeNoBalance          ErrorCode = "no_balance"
	CodeTransferFailure    ErrorCode = "transfer_failure"
	CodeNotEligible        ErrorCode = "not_eligible"
	CodeInvalidIdentity    ErrorCode = "invalid_identity"
	CodeJournal            ErrorCode = "journal_failure"
	CodeBadRequest         ErrorCode = "bad_request"
	CodeRateLimited        ErrorCode = "rate_limited"
	CodeInternal           ErrorCode = "internal"
)

var codes = []struct {
	err  error
	code ErrorCode
}{
	{core.ErrUnauthorized, CodeUnauthorized},
	{core.ErrAuctionInactive, CodeAuctionInactive},
	{core.ErrAuctionEnded, CodeAuctionEnded},
	{core.ErrAuctionStillActive, CodeAuctionStillActive},
	{core.ErrAlreadyFinalized, CodeAlreadyFinalized},
	{core.ErrNotFinalized, CodeNotFinalized},
	{core.ErrBidTooLow, CodeBidTooLow},
	{core.ErrInvalidAmount, CodeInvalidAmount},
	{core.ErrNoPriorBids, CodeNoPriorBids},
	{core.ErrNothingToRefund, CodeNothingToRefund},
	{core.ErrNoBalance, CodeNoBalance},
	{core.ErrTransferFailure, CodeTransferFailure},
	{core.ErrNotEligible, CodeNotEligible},
	{core.ErrInvalidIdentity, CodeInvalidIdentity},
	{core.ErrJournal, CodeJournal},
	{ErrBadRequest, CodeBadRequest},
	{ErrRateLimited, CodeRateLimited},
}

// CodeFor maps an auction error to its wire code.
func CodeFor(err error) ErrorCode {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// NewErrorResponse builds the error reply for err.
func NewErrorResponse(err error) ErrorResponse {
	return ErrorResponse{
		Type:    "error",
		Code:    CodeFor(err),
		Message: err.Error(),
	}
}
