package core

import (
	"math"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// incrementThreshold returns floor(winning × (100 + incrementPercent) / 100).
// A bid must be strictly greater than this value to be accepted.
// Computed in decimal so large amounts do not overflow int64.
func incrementThreshold(winning, incrementPercent int64) decimal.Decimal {
	factor := decimal.NewFromInt(100 + incrementPercent)
	return decimal.NewFromInt(winning).Mul(factor).Div(hundred).Floor()
}

// BidClearsIncrement returns true if amount strictly exceeds the winning
// amount raised by incrementPercent, using integer floor division.
//
// With the default 5% increment a winning bid of 100 requires at least 106,
// and a winning amount of 0 accepts any positive bid.
func BidClearsIncrement(amount, winning, incrementPercent int64) bool {
	return decimal.NewFromInt(amount).GreaterThan(incrementThreshold(winning, incrementPercent))
}

// MinimumNextBid returns the smallest amount that clears the increment over
// winning. It saturates at math.MaxInt64 when no representable amount can.
func MinimumNextBid(winning, incrementPercent int64) int64 {
	next := incrementThreshold(winning, incrementPercent).Add(decimal.NewFromInt(1))
	if next.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return math.MaxInt64
	}
	return next.IntPart()
}
