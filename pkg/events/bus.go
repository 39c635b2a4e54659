package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Sink delivers a batch of events for one channel to its subscribers.
// InProcessSink and RedisSink are the two implementations.
type Sink interface {
	Deliver(ctx context.Context, channel string, batch []Event) error
}

// BatchConfig bounds how long events wait before being flushed to a Sink.
type BatchConfig struct {
	MaxSize int           // flush once a channel's pending batch reaches this size
	MaxAge  time.Duration // flush a non-empty batch after this long regardless of size
}

// DefaultBatchConfig matches spec.md §4.4's "batched... to reduce
// per-subscriber overhead; a single event batches as itself" — small
// batches, short age so a lone event is delivered promptly.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{MaxSize: 20, MaxAge: 200 * time.Millisecond}
}

// RateConfig configures the token-bucket limiters guarding the bus
// (spec.md §4.4: "a global token-bucket rate limiter (per-second and
// per-minute buckets, configurable)").
type RateConfig struct {
	PerSecond int
	PerMinute int
}

// DefaultRateConfig is a permissive default suitable for a single-node
// deployment processing a handful of items concurrently.
func DefaultRateConfig() RateConfig {
	return RateConfig{PerSecond: 50, PerMinute: 2000}
}

// Stats tracks the bus's emitted, rejected, rate-limited and delivered
// counters, read through Bus.StatsSnapshot.
type Stats struct {
	mu        sync.Mutex
	Emitted   int64
	Rejected  int64
	RateLimited int64
	Delivered int64
}

func (s *Stats) incr(field *int64) {
	s.mu.Lock()
	*field++
	s.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Emitted: s.Emitted, Rejected: s.Rejected, RateLimited: s.RateLimited, Delivered: s.Delivered}
}

type channelBatch struct {
	mu      sync.Mutex
	pending []Event
	timer   *time.Timer
}

// Bus validates, rate-limits, batches, and delivers events to a Sink. It
// is safe for concurrent use by every phase executor and the pipeline
// orchestrator (spec.md §4.4: "safe for concurrent emission").
type Bus struct {
	sink    Sink
	replay  *ReplayBuffer
	batch   BatchConfig
	perSec  *rate.Limiter
	perMin  *rate.Limiter
	stats   Stats

	mu       sync.Mutex
	channels map[string]*channelBatch
}

// NewBus constructs a Bus delivering to sink, replaying the last N events
// per channel via an internal ReplayBuffer on reconnect.
func NewBus(sink Sink, rateCfg RateConfig, batchCfg BatchConfig, replayDepth int) *Bus {
	return &Bus{
		sink:     sink,
		replay:   NewReplayBuffer(replayDepth),
		batch:    batchCfg,
		perSec:   rate.NewLimiter(rate.Limit(rateCfg.PerSecond), rateCfg.PerSecond),
		perMin:   rate.NewLimiter(rate.Limit(float64(rateCfg.PerMinute)/60.0), rateCfg.PerMinute),
		channels: make(map[string]*channelBatch),
	}
}

// Emit validates ev, applies rate limiting, and enqueues it onto
// channel's pending batch, flushing immediately if the batch is full.
func (b *Bus) Emit(ctx context.Context, channel string, ev Event) error {
	b.stats.incr(&b.stats.Emitted)

	if err := ev.Validate(); err != nil {
		b.stats.incr(&b.stats.Rejected)
		return fmt.Errorf("events: rejected: %w", err)
	}

	if !b.perSec.Allow() || !b.perMin.Allow() {
		b.stats.incr(&b.stats.RateLimited)
		return nil
	}

	cb := b.channelFor(channel)
	cb.mu.Lock()
	cb.pending = append(cb.pending, ev)
	flush := len(cb.pending) >= b.batch.MaxSize
	if !flush && cb.timer == nil {
		cb.timer = time.AfterFunc(b.batch.MaxAge, func() { b.flush(ctx, channel) })
	}
	cb.mu.Unlock()

	if flush {
		b.flush(ctx, channel)
	}
	return nil
}

func (b *Bus) channelFor(channel string) *channelBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.channels[channel]
	if !ok {
		cb = &channelBatch{}
		b.channels[channel] = cb
	}
	return cb
}

// flush delivers and clears channel's pending batch, if non-empty.
func (b *Bus) flush(ctx context.Context, channel string) {
	cb := b.channelFor(channel)
	cb.mu.Lock()
	if cb.timer != nil {
		cb.timer.Stop()
		cb.timer = nil
	}
	batch := cb.pending
	cb.pending = nil
	cb.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	b.replay.Record(channel, batch)
	if err := b.sink.Deliver(ctx, channel, batch); err != nil {
		slog.Warn("events: delivery failed", "channel", channel, "error", err)
		return
	}
	b.stats.incr(&b.stats.Delivered)
}

// Flush forces delivery of any pending batch on channel, useful at the
// end of a run so the last events aren't held by the age timer.
func (b *Bus) Flush(ctx context.Context, channel string) {
	b.flush(ctx, channel)
}

// Replay returns the events recorded for channel since a reconnecting
// subscriber last saw sinceSeq (see ReplayBuffer for semantics).
func (b *Bus) Replay(channel string, sinceSeq int64) []Event {
	return b.replay.Since(channel, sinceSeq)
}

// StatsSnapshot returns a copy of the bus's counters.
func (b *Bus) StatsSnapshot() Stats {
	return b.stats.Snapshot()
}
