package core

import (
	"sort"
)

// RankBidders returns each bidder's highest bid ranked by amount descending.
// Bidders with equal best amounts keep the order in which they first bid.
func RankBidders(bids []Bid) []Standing {
	if len(bids) == 0 {
		return []Standing{}
	}

	// Find highest bid per bidder while preserving order of first occurrence
	best := make(map[Identity]Bid)
	order := make([]Identity, 0, len(bids))

	for _, bid := range bids {
		existing, seen := best[bid.Bidder]
		if !seen {
			order = append(order, bid.Bidder)
		}
		if !seen || bid.Amount > existing.Amount {
			best[bid.Bidder] = bid
		}
	}

	standings := make([]Standing, 0, len(order))
	for _, bidder := range order {
		standings = append(standings, Standing{Bidder: bidder, Best: best[bidder]})
	}

	sort.SliceStable(standings, func(i, j int) bool {
		return standings[i].Best.Amount > standings[j].Best.Amount
	})

	for i := range standings {
		standings[i].Rank = i + 1
	}
	return standings
}
