package auctionapi

import (
	"github.com/cloudx-io/escrowauction/core"
)

// Request types accepted by the auction daemon. Every request is a single
// JSON object whose "type" field selects the operation.
const (
	TypePing              = "ping"
	TypeKeyRequest        = "key_request"
	TypeDeposit           = "deposit"
	TypePlaceBid          = "place_bid"
	TypePartialRefund     = "partial_refund"
	TypeFinalize          = "finalize"
	TypeClaimRefund       = "claim_refund"
	TypeEmergencyWithdraw = "emergency_withdraw"
	TypeGetWinner         = "get_winner"
	TypeListBids          = "list_bids"
	TypeGetStatus         = "get_status"
	TypeGetParticipant    = "get_participant"
	TypeGetStandings      = "get_standings"
)

// Request is the envelope shared by all daemon requests. Token is a signed
// caller-identity token; read-only requests may omit it.
type Request struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

// DepositRequest credits a wallet in the daemon's development vault.
type DepositRequest struct {
	Request
	Amount int64 `json:"amount"`
}

// PlaceBidRequest places a bid on behalf of the token's subject.
type PlaceBidRequest struct {
	Request
	Amount int64 `json:"amount"`
}

// ListBidsRequest pages through the bid sequence. A zero Limit returns the
// default page size and -1 returns the maximum.
type ListBidsRequest struct {
	Request
	Offset int `json:"offset,omitempty"`
	Limit  int `json:"limit,omitempty"`
}

// GetParticipantRequest reads one ledger entry.
type GetParticipantRequest struct {
	Request
	Bidder core.Identity `json:"bidder"`
}

// ErrorResponse reports a rejected request.
type ErrorResponse struct {
	Type    string    `json:"type"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// PongResponse answers a ping.
type PongResponse struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// DepositResponse reports the wallet balance after a deposit.
type DepositResponse struct {
	Type   string        `json:"type"`
	Bidder core.Identity `json:"bidder"`
	Wallet int64         `json:"wallet"`
}

// BidResponse reports an accepted bid.
type BidResponse struct {
	Type           string `json:"type"`
	Bid            core.Bid `json:"bid"`
	Deadline       int64    `json:"deadline"`
	MinimumNextBid int64    `json:"minimum_next_bid"`
}

// AmountResponse reports the value moved by a refund, claim or withdrawal.
// Message carries a warning when the value moved but the new state could
// not be journaled.
type AmountResponse struct {
	Type    string        `json:"type"`
	Caller  core.Identity `json:"caller"`
	Amount  int64         `json:"amount"`
	Message string        `json:"message,omitempty"`
}

// SettlementResponse reports the outcome of finalization. Failures are
// listed in the settlement; Success is false when any payout failed.
type SettlementResponse struct {
	Type       string           `json:"type"`
	Success    bool             `json:"success"`
	Message    string           `json:"message,omitempty"`
	Settlement *core.Settlement `json:"settlement"`
}

// WinnerResponse reports the current winning bid. Found is false before
// the first bid.
type WinnerResponse struct {
	Type   string        `json:"type"`
	Found  bool          `json:"found"`
	Amount int64         `json:"amount"`
	Bidder core.Identity `json:"bidder,omitempty"`
	BidID  string        `json:"bid_id,omitempty"`
}

// BidsResponse lists bids in insertion order.
type BidsResponse struct {
	Type string     `json:"type"`
	Bids []core.Bid `json:"bids"`
}

// StatusResponse reports the auction summary.
type StatusResponse struct {
	Type   string      `json:"type"`
	Status core.Status `json:"status"`
}

// ParticipantResponse reports one ledger entry.
type ParticipantResponse struct {
	Type        string           `json:"type"`
	Found       bool             `json:"found"`
	Participant core.Participant `json:"participant"`
}

// StandingsResponse ranks bidders by their best bid.
type StandingsResponse struct {
	Type      string          `json:"type"`
	Standings []core.Standing `json:"standings"`
}

// KeyResponse publishes the audit signing key, attested when the daemon
// runs inside a Nitro enclave.
type KeyResponse struct {
	Type                  string                `json:"type"`
	PublicKey             string                `json:"public_key"` // PEM format
	KeyAttestation        *KeyAttestationDoc    `json:"key_attestation,omitempty"`
	AttestationCOSEBase64 AttestationCOSEBase64 `json:"attestation_cose_base64,omitempty"`
}
