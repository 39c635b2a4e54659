package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes delivered batches to a Redis pub/sub channel,
// grounded on kubernaut's go.mod adoption of redis/go-redis/v9 for its
// gateway's Redis-backed state — the only repo in the corpus wiring
// Redis pub/sub, reused here for the cross-process delivery mode spec.md
// allows as an alternative to the in-process queue.
type RedisSink struct {
	client *redis.Client
	prefix string
}

// NewRedisSink wraps an existing Redis client. prefix namespaces channel
// names (e.g. "kbagent:events:") so this bus doesn't collide with other
// consumers of the same Redis instance.
func NewRedisSink(client *redis.Client, prefix string) *RedisSink {
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) channelName(channel string) string {
	return s.prefix + channel
}

// Deliver publishes batch as a single JSON-encoded message.
func (s *RedisSink) Deliver(ctx context.Context, channel string, batch []Event) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("events: marshal batch: %w", err)
	}
	if err := s.client.Publish(ctx, s.channelName(channel), payload).Err(); err != nil {
		return fmt.Errorf("events: publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of decoded batches for the given logical
// channel name, along with a close function. A message that fails to
// decode is skipped silently: no error is reported and it is not retried.
func (s *RedisSink) Subscribe(ctx context.Context, channel string) (<-chan []Event, func() error) {
	pubsub := s.client.Subscribe(ctx, s.channelName(channel))
	out := make(chan []Event, 16)

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var batch []Event
			if err := json.Unmarshal([]byte(msg.Payload), &batch); err != nil {
				continue
			}
			out <- batch
		}
	}()

	return out, pubsub.Close
}

var _ Sink = (*RedisSink)(nil)
