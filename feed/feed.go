// Package feed publishes the auction's signed audit trail. Every event the
// auction emits becomes a CBOR audit record, wrapped in a COSE_Sign1
// envelope signed with the daemon's audit key, and published to a topic
// named after the event kind.
package feed

import (
	"context"

	golog "github.com/ipfs/go-log/v2"

	"github.com/cloudx-io/escrowauction/core"
)

var log = golog.Logger("auction/feed")

// Publisher is a message-broker for async message communication.
type Publisher interface {
	// PublishMsg publishes a message to the desired topic.
	PublishMsg(ctx context.Context, topicName TopicName, data []byte) error
}

// TopicName is a topic name.
type TopicName string

const (
	// NewOfferTopic is the topic name for accepted bids.
	NewOfferTopic TopicName = "auction.new-offer"
	// PartialRefundTopic is the topic name for partial refunds.
	PartialRefundTopic TopicName = "auction.partial-refund"
	// AuctionEndedTopic is the topic name for settlement results.
	AuctionEndedTopic TopicName = "auction.ended"
	// EmergencyWithdrawalTopic is the topic name for owner withdrawals.
	EmergencyWithdrawalTopic TopicName = "auction.emergency-withdrawal"
	// PayoutFailedTopic is the topic name for rejected settlement transfers.
	PayoutFailedTopic TopicName = "auction.payout-failed"
	// RefundClaimedTopic is the topic name for post-settlement claims.
	RefundClaimedTopic TopicName = "auction.refund-claimed"
)

var topics = map[core.EventKind]TopicName{
	core.EventNewOffer:            NewOfferTopic,
	core.EventPartialRefund:       PartialRefundTopic,
	core.EventAuctionEnded:        AuctionEndedTopic,
	core.EventEmergencyWithdrawal: EmergencyWithdrawalTopic,
	core.EventPayoutFailed:        PayoutFailedTopic,
	core.EventRefundClaimed:       RefundClaimedTopic,
}

// TopicFor returns the topic an event kind is published on.
func TopicFor(kind core.EventKind) (TopicName, bool) {
	t, ok := topics[kind]
	return t, ok
}

// Topics lists every audit topic.
func Topics() []TopicName {
	return []TopicName{
		NewOfferTopic,
		PartialRefundTopic,
		AuctionEndedTopic,
		EmergencyWithdrawalTopic,
		PayoutFailedTopic,
		RefundClaimedTopic,
	}
}
