package events

import (
	"context"
	"sync"
)

// InProcessSink fans a delivered batch out to every subscriber currently
// registered on its channel, via buffered channels — the delivery mode
// used when no Redis instance is configured (a single-node deployment,
// spec.md's Non-goals explicitly scope this system to "single-node with
// a shared database and a shared in-process or Redis-backed queue").
type InProcessSink struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan []Event]struct{}
}

// NewInProcessSink constructs an empty in-process fan-out sink.
func NewInProcessSink() *InProcessSink {
	return &InProcessSink{subscribers: make(map[string]map[chan []Event]struct{})}
}

// Subscribe registers a new subscriber channel for channel name and
// returns it along with an unsubscribe function. The returned channel is
// buffered; a slow subscriber that doesn't drain it will miss batches
// rather than block delivery to other subscribers.
func (s *InProcessSink) Subscribe(channel string, bufferSize int) (<-chan []Event, func()) {
	ch := make(chan []Event, bufferSize)

	s.mu.Lock()
	if s.subscribers[channel] == nil {
		s.subscribers[channel] = make(map[chan []Event]struct{})
	}
	s.subscribers[channel][ch] = struct{}{}
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		delete(s.subscribers[channel], ch)
		s.mu.Unlock()
		close(ch)
	}
	return ch, unsubscribe
}

// Deliver sends batch to every current subscriber of channel, dropping it
// for any subscriber whose buffer is full rather than blocking.
func (s *InProcessSink) Deliver(_ context.Context, channel string, batch []Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for ch := range s.subscribers[channel] {
		select {
		case ch <- batch:
		default:
		}
	}
	return nil
}

var _ Sink = (*InProcessSink)(nil)
