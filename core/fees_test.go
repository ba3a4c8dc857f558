package core

import (
	"math"
	"testing"

	"github.com/peterldowns/testy/check"
)

func TestSettlementPayout(t *testing.T) {
	tests := []struct {
		name           string
		balance        int64
		feePercent     int64
		expectedPayout int64
		expectedFee    int64
	}{
		{"round balance", 100, 2, 98, 2},
		{"three hundred", 300, 2, 294, 6},
		{"fractional payout truncates", 49, 2, 48, 1},
		{"tiny balance pays nothing", 1, 2, 0, 1},
		{"zero balance", 0, 2, 0, 0},
		{"negative balance", -10, 2, 0, 0},
		{"no fee", 123, 0, 123, 0},
		{"full fee", 123, 100, 0, 123},
		{"large balance does not overflow", math.MaxInt64, 2, 9038904596117680290, 184467440737095517},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payout, fee := SettlementPayout(tt.balance, tt.feePercent)
			check.Equal(t, tt.expectedPayout, payout)
			check.Equal(t, tt.expectedFee, fee)
		})
	}
}
