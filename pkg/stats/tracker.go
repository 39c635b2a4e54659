// Package stats maintains the rolling per-phase average-seconds-per-item
// figure the pipeline orchestrator uses to seed phase_update's
// estimated_seconds_remaining, backed by Store.UpsertPhaseStats /
// Store.GetPhaseStats with an in-memory cache so a hot phase loop never
// pays a store round trip just to read the current average.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/kbagent/core/pkg/metrics"
	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/store"
)

// Tracker caches model.PhaseStat by phase ID, refreshing the cache on
// every Update and lazily seeding it from the store on first Average call.
type Tracker struct {
	st      store.Store
	metrics *metrics.Collectors

	mu     sync.RWMutex
	loaded bool
	byID   map[string]model.PhaseStat
}

// New constructs a Tracker over st. m may be nil if Prometheus export
// isn't wired (e.g. in tests).
func New(st store.Store, m *metrics.Collectors) *Tracker {
	return &Tracker{st: st, metrics: m, byID: make(map[string]model.PhaseStat)}
}

// Update persists a phase run's delta and refreshes both the in-memory
// cache and the Prometheus export.
func (t *Tracker) Update(ctx context.Context, phaseID string, items int, dur time.Duration) error {
	if err := t.st.UpsertPhaseStats(ctx, phaseID, int64(items), dur.Seconds()); err != nil {
		return err
	}

	t.mu.Lock()
	stat := t.byID[phaseID]
	stat.PhaseID = phaseID
	stat.ItemsProcessedTotal += int64(items)
	stat.DurationSecondsTotal += dur.Seconds()
	t.byID[phaseID] = stat
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.AvgSecondsPerItem.WithLabelValues(phaseID).Set(stat.AvgSecondsPerItem())
	}
	return nil
}

// Average returns the current running average seconds-per-item for
// phaseID, lazily loading the cache from the store on first call. Returns
// 0 if the phase has never processed an item.
func (t *Tracker) Average(ctx context.Context, phaseID string) (time.Duration, error) {
	if err := t.ensureLoaded(ctx); err != nil {
		return 0, err
	}

	t.mu.RLock()
	stat := t.byID[phaseID]
	t.mu.RUnlock()

	return time.Duration(stat.AvgSecondsPerItem() * float64(time.Second)), nil
}

// Reload re-reads every phase's stat from the store and replaces the
// cache wholesale. Used by callers (the pipeline orchestrator) that write
// phase stats directly through Store.UpsertPhaseStats themselves — e.g.
// phases.Runner — so Tracker never double-counts a delta by writing it
// again through Update.
func (t *Tracker) Reload(ctx context.Context) error {
	stats, err := t.st.GetPhaseStats(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.byID = make(map[string]model.PhaseStat, len(stats))
	for _, s := range stats {
		t.byID[s.PhaseID] = s
	}
	t.loaded = true
	t.mu.Unlock()

	if t.metrics != nil {
		for _, s := range stats {
			t.metrics.AvgSecondsPerItem.WithLabelValues(s.PhaseID).Set(s.AvgSecondsPerItem())
		}
	}
	return nil
}

func (t *Tracker) ensureLoaded(ctx context.Context) error {
	t.mu.RLock()
	loaded := t.loaded
	t.mu.RUnlock()
	if loaded {
		return nil
	}

	stats, err := t.st.GetPhaseStats(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded {
		return nil
	}
	for _, s := range stats {
		t.byID[s.PhaseID] = s
	}
	t.loaded = true
	return nil
}
