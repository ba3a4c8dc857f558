// Package redisfeed publishes audit messages to Redis. Each message goes to
// a pub/sub channel for live subscribers and is appended to a capped stream
// of the same name so late readers can replay the trail.
package redisfeed

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	golog "github.com/ipfs/go-log/v2"

	"github.com/cloudx-io/escrowauction/feed"
)

var log = golog.Logger("auction/feed/redis")

// DefaultStreamMaxLen bounds each topic stream.
const DefaultStreamMaxLen = 100000

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// StreamMaxLen caps each stream approximately. Zero means
	// DefaultStreamMaxLen.
	StreamMaxLen int64
}

// Feed is a Redis-backed feed.Publisher.
type Feed struct {
	client *redis.Client
	prefix string
	maxLen int64
}

var _ feed.Publisher = (*Feed)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, conf Config) (*Feed, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Addr,
		Password: conf.Password,
		DB:       conf.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", conf.Addr, err)
	}
	maxLen := conf.StreamMaxLen
	if maxLen == 0 {
		maxLen = DefaultStreamMaxLen
	}
	log.Infof("publishing audit feed to redis at %s", conf.Addr)
	return &Feed{client: client, prefix: conf.Prefix, maxLen: maxLen}, nil
}

// PublishMsg implements feed.Publisher.
func (f *Feed) PublishMsg(ctx context.Context, topicName feed.TopicName, data []byte) error {
	name := f.Key(topicName)
	if err := f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: name,
		MaxLen: f.maxLen,
		Approx: true,
		Values: map[string]interface{}{"msg": data},
	}).Err(); err != nil {
		return fmt.Errorf("appending to stream %s: %w", name, err)
	}
	if err := f.client.Publish(ctx, name, data).Err(); err != nil {
		return fmt.Errorf("publishing to channel %s: %w", name, err)
	}
	return nil
}

// Replay returns up to count messages from the topic stream, oldest first.
func (f *Feed) Replay(ctx context.Context, topicName feed.TopicName, count int64) ([][]byte, error) {
	entries, err := f.client.XRangeN(ctx, f.Key(topicName), "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("reading stream %s: %w", f.Key(topicName), err)
	}
	msgs := make([][]byte, 0, len(entries))
	for _, e := range entries {
		s, ok := e.Values["msg"].(string)
		if !ok {
			return nil, fmt.Errorf("stream entry %s has no message", e.ID)
		}
		msgs = append(msgs, []byte(s))
	}
	return msgs, nil
}

// Key returns the channel and stream name used for a topic.
func (f *Feed) Key(topicName feed.TopicName) string {
	return f.prefix + string(topicName)
}

// Close closes the Redis client.
func (f *Feed) Close() error {
	return f.client.Close()
}
