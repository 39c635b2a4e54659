// Package phases implements the five per-item pipeline stages (cache,
// media, categorize, generate, db-sync) behind one shared Runner that
// implements the common eight-step shape spec.md §4.6 describes, so
// each executor only has to say what makes an item eligible and how to
// process one.
package phases

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kbagent/core/pkg/events"
	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/store"
)

// defaultConcurrency bounds per-item goroutines when a Runner's
// Concurrency is not positive. No executor owns a semaphore of its own:
// the pipeline orchestrator sets Runner.Concurrency per phase, to NumGPUs
// for categorize and generate.
const defaultConcurrency = 4

// Executor is the per-phase behavior the Runner drives through the
// common shape of spec.md §4.6.
type Executor interface {
	Phase() string
	// PrereqSatisfied reports whether item has completed the phase this
	// one depends on, the first half of the "eligible" test.
	PrereqSatisfied(item model.Item) bool
	// NeedsWork reports whether item still needs this phase's work,
	// honoring the run's force flag for this phase.
	NeedsWork(item model.Item, force bool) bool
	// Process performs the phase's work on item in place. A returned
	// error is recorded into item.PhaseErrors by the Runner; Process
	// itself should not mutate the done-flag on failure.
	Process(ctx context.Context, item *model.Item) error
}

// Result summarizes one phase run over one batch.
type Result struct {
	Phase       string
	Eligible    int
	AlreadyDone int
	Processed   int
	Errored     int
	Skipped     bool
	Interrupted bool
}

// Runner drives any Executor through the shared eligibility → plan →
// process → persist → stats sequence, emitting phase_update events at
// each of the transitions spec.md §4.6 names.
type Runner struct {
	Store       store.Store
	Bus         *events.Bus
	Concurrency int
}

// NewRunner constructs a Runner with the default per-item concurrency.
func NewRunner(st store.Store, bus *events.Bus) *Runner {
	return &Runner{Store: st, Bus: bus, Concurrency: defaultConcurrency}
}

func (r *Runner) concurrency() int {
	if r.Concurrency > 0 {
		return r.Concurrency
	}
	return defaultConcurrency
}

// Run executes exec over items for one task's channel, per the common
// shape of spec.md §4.6 (steps 1-8). avgPerItem seeds the estimated-time-
// remaining figure on the "active" transition; it may be zero.
func (r *Runner) Run(ctx context.Context, channel string, items []model.Item, prefs model.Preferences, avgPerItem time.Duration, exec Executor) (Result, error) {
	phase := exec.Phase()
	force := prefs.ForceFlagFor(phase)

	var eligible []model.Item
	for _, it := range items {
		if exec.PrereqSatisfied(it) && !it.HasPhaseError() {
			eligible = append(eligible, it)
		}
	}

	var needsWork, alreadyDone []model.Item
	for _, it := range eligible {
		if exec.NeedsWork(it, force) {
			needsWork = append(needsWork, it)
		} else {
			alreadyDone = append(alreadyDone, it)
		}
	}

	res := Result{Phase: phase, Eligible: len(eligible), AlreadyDone: len(alreadyDone)}

	r.emit(ctx, channel, events.Event{
		Kind: events.KindPhaseUpdate, Timestamp: time.Now(),
		PhaseID: phase, Status: events.PhasePending,
		ProcessedCount: events.IntPtr(len(alreadyDone)), TotalCount: events.IntPtr(len(eligible)),
	})

	if len(needsWork) == 0 {
		res.Skipped = true
		r.emit(ctx, channel, events.Event{
			Kind: events.KindPhaseUpdate, Timestamp: time.Now(),
			PhaseID: phase, Status: events.PhaseCompleted,
			ProcessedCount: events.IntPtr(len(alreadyDone)), TotalCount: events.IntPtr(len(eligible)),
		})
		return res, nil
	}

	r.emit(ctx, channel, events.Event{
		Kind: events.KindPhaseUpdate, Timestamp: time.Now(),
		PhaseID: phase, Status: events.PhaseActive,
		TotalCount:                events.IntPtr(len(needsWork)),
		EstimatedSecondsRemaining: events.FloatPtr(avgPerItem.Seconds() * float64(len(needsWork))),
	})

	start := time.Now()
	var processed, errored int64
	var mu sync.Mutex
	interrupted := false

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency())

	for i := range needsWork {
		item := needsWork[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			err := exec.Process(gctx, &item)
			if err != nil {
				item.SetPhaseError(phase, err.Error())
				atomic.AddInt64(&errored, 1)
			}

			if perr := r.Store.PutItem(ctx, item); perr != nil {
				return fmt.Errorf("phases: persisting item %s after %s: %w", item.ID, phase, perr)
			}

			n := atomic.AddInt64(&processed, 1)
			mu.Lock()
			r.emit(ctx, channel, events.Event{
				Kind: events.KindPhaseUpdate, Timestamp: time.Now(),
				PhaseID: phase, Status: events.PhaseInProgress,
				ProcessedCount: events.IntPtr(int(n)), TotalCount: events.IntPtr(len(needsWork)),
			})
			mu.Unlock()
			return nil
		})
	}

	runErr := g.Wait()
	if runErr == nil && ctx.Err() != nil {
		interrupted = true
	}

	res.Processed = int(processed)
	res.Errored = int(errored)
	res.Interrupted = interrupted

	if processed > 0 {
		if serr := r.Store.UpsertPhaseStats(ctx, phase, processed, time.Since(start).Seconds()); serr != nil {
			return res, fmt.Errorf("phases: recording %s stats: %w", phase, serr)
		}
	}

	if interrupted {
		r.emit(ctx, channel, events.Event{
			Kind: events.KindPhaseUpdate, Timestamp: time.Now(),
			PhaseID: phase, Status: events.PhaseInterrupted,
			ProcessedCount: events.IntPtr(int(processed)), TotalCount: events.IntPtr(len(needsWork)),
		})
		return res, runErr
	}
	if runErr != nil {
		return res, runErr
	}

	r.emit(ctx, channel, events.Event{
		Kind: events.KindPhaseUpdate, Timestamp: time.Now(),
		PhaseID: phase, Status: events.PhaseCompleted,
		ProcessedCount: events.IntPtr(int(processed)), TotalCount: events.IntPtr(len(needsWork)),
		ErrorCount: events.IntPtr(int(errored)),
	})
	return res, nil
}

func (r *Runner) emit(ctx context.Context, channel string, ev events.Event) {
	if r.Bus == nil {
		return
	}
	_ = r.Bus.Emit(ctx, channel, ev)
}
