package core

import (
	"github.com/shopspring/decimal"
)

// SettlementPayout splits a non-winner's escrowed balance into the amount
// returned to them and the fee retained in escrow.
//
// Formula: payout = floor(balance × (100 - feePercent) / 100), fee = balance - payout
//
// With the default 2% fee a balance of 300 pays out 294 and a balance of 1
// pays out 0.
func SettlementPayout(balance, feePercent int64) (payout, fee int64) {
	if balance <= 0 {
		return 0, 0
	}

	// Use decimal arithmetic so balance × factor cannot overflow
	balanceDecimal := decimal.NewFromInt(balance)
	factorDecimal := decimal.NewFromInt(100 - feePercent)

	payout = balanceDecimal.Mul(factorDecimal).Div(hundred).Floor().IntPart()
	return payout, balance - payout
}
