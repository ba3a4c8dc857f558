// Package memfeed is an in-memory feed.Publisher for tests and local runs.
package memfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/escrowauction/auctionapi"
	"github.com/cloudx-io/escrowauction/feed"
)

// Feed keeps every published message in memory.
type Feed struct {
	lock          sync.Mutex
	topicMessages map[feed.TopicName][][]byte
	log           []Message
}

// Message is one published message.
type Message struct {
	Topic feed.TopicName
	Data  []byte
}

var _ feed.Publisher = (*Feed)(nil)

// New returns an empty feed.
func New() *Feed {
	return &Feed{
		topicMessages: map[feed.TopicName][][]byte{},
	}
}

// PublishMsg implements feed.Publisher.
func (f *Feed) PublishMsg(ctx context.Context, topicName feed.TopicName, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.lock.Lock()
	defer f.lock.Unlock()

	msg := append([]byte(nil), data...)
	f.topicMessages[topicName] = append(f.topicMessages[topicName], msg)
	f.log = append(f.log, Message{Topic: topicName, Data: msg})
	return nil
}

// TotalPublished returns the number of messages across all topics.
func (f *Feed) TotalPublished() int {
	f.lock.Lock()
	defer f.lock.Unlock()

	var count int
	for _, msgs := range f.topicMessages {
		count += len(msgs)
	}
	return count
}

// TotalPublishedTopic returns the number of messages on one topic.
func (f *Feed) TotalPublishedTopic(name feed.TopicName) int {
	f.lock.Lock()
	defer f.lock.Unlock()

	return len(f.topicMessages[name])
}

// GetMsg returns the idx-th message published on name.
func (f *Feed) GetMsg(name feed.TopicName, idx int) ([]byte, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	topic := f.topicMessages[name]
	if idx >= len(topic) {
		return nil, fmt.Errorf("topic queue has length %d smaller than idx access %d", len(topic), idx)
	}
	return topic[idx], nil
}

// Messages returns every message in publish order.
func (f *Feed) Messages() []Message {
	f.lock.Lock()
	defer f.lock.Unlock()

	return append([]Message(nil), f.log...)
}

// WriteTrail writes every message in publish order as JSON lines of
// auctionapi.SignedAuditRecord. Signatures are not checked.
func (f *Feed) WriteTrail(w io.Writer) error {
	enc := json.NewEncoder(w)
	for i, m := range f.Messages() {
		var sign1 cose.Sign1Message
		if err := sign1.UnmarshalCBOR(m.Data); err != nil {
			return fmt.Errorf("message %d on %s: %w", i, m.Topic, err)
		}
		var rec auctionapi.AuditRecord
		if err := cbor.Unmarshal(sign1.Payload, &rec); err != nil {
			return fmt.Errorf("message %d on %s: %w", i, m.Topic, err)
		}
		line := auctionapi.SignedAuditRecord{
			Topic:   string(m.Topic),
			Message: m.Data,
			Record:  rec,
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}
