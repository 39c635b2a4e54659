package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniredisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisSink_PublishesAndSubscriberReceives(t *testing.T) {
	client := newMiniredisClient(t)
	sink := NewRedisSink(client, "kbagent:events:")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received, closeSub := sink.Subscribe(ctx, "task:1")
	defer closeSub()

	time.Sleep(50 * time.Millisecond) // let the subscription establish

	batch := []Event{{Kind: KindPhaseUpdate, PhaseID: "cache", Status: PhaseActive}}
	require.NoError(t, sink.Deliver(context.Background(), "task:1", batch))

	select {
	case got := <-received:
		require.Len(t, got, 1)
		require.Equal(t, "cache", got[0].PhaseID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for redis pub/sub delivery")
	}
}

func TestBus_WithRedisSink(t *testing.T) {
	client := newMiniredisClient(t)
	sink := NewRedisSink(client, "kbagent:events:")
	bus := NewBus(sink, DefaultRateConfig(), BatchConfig{MaxSize: 1, MaxAge: time.Second}, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received, closeSub := sink.Subscribe(ctx, "task:1")
	defer closeSub()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, bus.Emit(context.Background(), "task:1", Event{Kind: KindTaskStatus, TaskID: "t1", TaskStatus: "running"}))

	select {
	case got := <-received:
		require.Len(t, got, 1)
		require.Equal(t, "t1", got[0].TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for redis-backed bus delivery")
	}
}
