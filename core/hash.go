package core

import (
	"crypto/sha256"
	"fmt"
	"sort"
)

// ComputeBidHash computes the commitment published for an accepted bid.
// This is used by the audit feed (to publish hashes) and validation (to verify them).
//
// Formula: SHA256(bid_id + "|" + bidder + "|" + amount + "|" + nonce)
func ComputeBidHash(bidID string, bidder Identity, amount int64, nonce string) string {
	data := fmt.Sprintf("%s|%s|%d|%s", bidID, bidder, amount, nonce)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// ComputeSettlementHash computes the commitment published when an auction ends.
//
// Formula: SHA256(nonce + "|" + winner_bid_id + ":" + winner_amount + sorted_payouts)
// where sorted_payouts = "|bidder1:amount1|bidder2:amount2|..." (sorted by bidder)
// and failed payouts contribute "|bidder:failed".
func ComputeSettlementHash(s *Settlement, nonce string) string {
	data := nonce
	if s.Winner != nil {
		data += fmt.Sprintf("|%s:%d", s.Winner.ID, s.Winner.Amount)
	} else {
		data += "|none"
	}

	// Sort bidders to ensure deterministic hash calculation
	entries := make(map[Identity]string, len(s.Payouts)+len(s.Failures))
	for _, p := range s.Payouts {
		entries[p.Bidder] = fmt.Sprintf("%d", p.Amount)
	}
	for _, f := range s.Failures {
		entries[f.Bidder] = "failed"
	}
	bidders := make([]string, 0, len(entries))
	for bidder := range entries {
		bidders = append(bidders, string(bidder))
	}
	sort.Strings(bidders)

	for _, bidder := range bidders {
		data += fmt.Sprintf("|%s:%s", bidder, entries[Identity(bidder)])
	}
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}
