// Package pipeline sequences the five pkg/phases executors over one
// batch of items, per spec.md §4.7: cache, then media, then categorize,
// then generate, then db-sync, with a cache/media shortcut for
// LLM-only reruns. Grounded on tarsy's pkg/agent/orchestrator for the
// phase-sequencing shape and pkg/queue.SessionExecutor/ExecutionResult
// for the task-handler contract the worker pool drives this through.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kbagent/core/pkg/events"
	"github.com/kbagent/core/pkg/metrics"
	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/phases"
	"github.com/kbagent/core/pkg/stats"
	"github.com/kbagent/core/pkg/store"
	"github.com/kbagent/core/pkg/validator"
)

// itemConcurrency bounds the cache, media, and db-sync phases, which
// aren't GPU-bound; categorize and generate instead run at NumGPUs,
// since the Runner's errgroup.SetLimit IS the semaphore spec.md §4.6.3
// describes — there is no second, independent GPU semaphore.
const itemConcurrency = 4

// Summary is the outcome of one Orchestrator.Run call, the data behind
// Task.ResultSummary.
type Summary struct {
	Outcome        model.ResultOutcome
	ItemsTotal     int
	ItemsProcessed int
	ItemsErrored   int
	Warnings       []string
	PhaseResults   []phases.Result
}

// ResultSummary projects Summary down to the persisted shape stored on
// Task.ResultSummary, dropping the PhaseResults detail that only matters
// for the duration of one Run call.
func (s Summary) ResultSummary() model.ResultSummary {
	return model.ResultSummary{
		Outcome:        s.Outcome,
		ItemsTotal:     s.ItemsTotal,
		ItemsProcessed: s.ItemsProcessed,
		ItemsErrored:   s.ItemsErrored,
		Warnings:       s.Warnings,
	}
}

// ExecutionResult is the lightweight terminal state an Orchestrator
// reports back to the worker pool through Execute — all intermediate
// state (phase_update events, per-item persistence) was already written
// by Run as it went, mirroring tarsy's ExecutionResult doc comment.
type ExecutionResult struct {
	Status  model.TaskStatus
	Summary *Summary
	Error   error
}

// Orchestrator wires the validator and the five phase executors behind
// one Runner, implementing the queue.SessionExecutor-shaped interface
// (Execute) the worker pool drives tasks through.
type Orchestrator struct {
	Store   store.Store
	Bus     *events.Bus
	Tracker *stats.Tracker
	Metrics *metrics.Collectors

	Validator *validator.Validator
	Runner    *phases.Runner

	Cache      *phases.CacheExecutor
	Media      *phases.MediaExecutor
	Categorize *phases.CategorizeExecutor
	Generate   *phases.GenerateExecutor
	DBSync     *phases.DBSyncExecutor

	NumGPUs int
}

// New constructs an Orchestrator from its already-built collaborators.
// NumGPUs bounds concurrency for the two model-calling phases
// (categorize, generate); it defaults to 1 if non-positive.
func New(st store.Store, bus *events.Bus, tracker *stats.Tracker, m *metrics.Collectors,
	v *validator.Validator, cache *phases.CacheExecutor, media *phases.MediaExecutor,
	categorize *phases.CategorizeExecutor, generate *phases.GenerateExecutor, dbsync *phases.DBSyncExecutor,
	numGPUs int) *Orchestrator {
	if numGPUs <= 0 {
		numGPUs = 1
	}
	return &Orchestrator{
		Store: st, Bus: bus, Tracker: tracker, Metrics: m,
		Validator: v, Runner: phases.NewRunner(st, bus),
		Cache: cache, Media: media, Categorize: categorize, Generate: generate, DBSync: dbsync,
		NumGPUs: numGPUs,
	}
}

// Execute runs task's preferences over the currently eligible backlog
// and reports a terminal ExecutionResult, the shape the worker pool
// (pkg/queue) drives every task through.
func (o *Orchestrator) Execute(ctx context.Context, task model.Task) *ExecutionResult {
	items, err := o.Store.BulkListEligible(ctx)
	if err != nil {
		return &ExecutionResult{Status: model.TaskStatusFailed, Error: fmt.Errorf("pipeline: listing eligible items: %w", err)}
	}

	channel := "task:" + task.ID
	summary, err := o.Run(ctx, channel, items, task.Preferences)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return &ExecutionResult{Status: model.TaskStatusFailed, Summary: &summary, Error: err}
	}

	status := model.TaskStatusSucceeded
	if summary.Outcome == model.OutcomeInterrupted {
		status = model.TaskStatusCanceled
	}
	return &ExecutionResult{Status: status, Summary: &summary, Error: err}
}

// Run applies the validator, then the five phases in fixed order, over
// items on channel. It mutates items in place (the validator's repairs)
// but re-reads each item from the store between phases, since Runner
// persists per-item mutations through Store.PutItem rather than handing
// them back by value.
func (o *Orchestrator) Run(ctx context.Context, channel string, items []model.Item, prefs model.Preferences) (Summary, error) {
	summary := Summary{ItemsTotal: len(items)}

	// Clear last run's recorded failures before validation runs, so a
	// collision the validator flags below survives into this run's phase
	// eligibility and finalize() instead of being wiped out as stale state.
	for i := range items {
		items[i].ClearPhaseErrors()
	}

	report, err := o.Validator.Run(ctx, o.Store, items)
	if err != nil {
		return summary, fmt.Errorf("pipeline: validation pass: %w", err)
	}
	for _, c := range report.Collisions {
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("kb_dir_path collision at %s: items %v", c.Path, c.ItemIDs))
	}

	llmOnly := prefs.LLMOnlyRerun()

	o.Runner.Concurrency = itemConcurrency
	if llmOnly {
		o.skipPhase(ctx, channel, model.PhaseCache, items, &summary)
	} else {
		items, err = o.runPhase(ctx, channel, items, prefs, o.Cache, &summary)
		if err != nil {
			return o.finalize(ctx, items, summary, err)
		}
	}

	if llmOnly {
		o.skipPhase(ctx, channel, model.PhaseMedia, items, &summary)
	} else {
		o.Media.Force = prefs.ForceReprocessMedia
		items, err = o.runPhase(ctx, channel, items, prefs, o.Media, &summary)
		if err != nil {
			return o.finalize(ctx, items, summary, err)
		}
	}

	o.Runner.Concurrency = o.NumGPUs
	items, err = o.runPhase(ctx, channel, items, prefs, o.Categorize, &summary)
	if err != nil {
		return o.finalize(ctx, items, summary, err)
	}

	o.Generate.ResetBatch()
	items, err = o.runPhase(ctx, channel, items, prefs, o.Generate, &summary)
	if err != nil {
		return o.finalize(ctx, items, summary, err)
	}

	o.Runner.Concurrency = itemConcurrency
	items, err = o.runPhase(ctx, channel, items, prefs, o.DBSync, &summary)
	if err != nil {
		return o.finalize(ctx, items, summary, err)
	}

	return o.finalize(ctx, items, summary, nil)
}

// runPhase seeds the ETA from the historical average, runs exec through
// the shared Runner, reloads the stats cache (Runner already wrote the
// raw delta through Store.UpsertPhaseStats, so Tracker must not write it
// again), records the result, and returns the refreshed item set.
func (o *Orchestrator) runPhase(ctx context.Context, channel string, items []model.Item, prefs model.Preferences, exec phases.Executor, summary *Summary) ([]model.Item, error) {
	var avg time.Duration
	if o.Tracker != nil {
		avg, _ = o.Tracker.Average(ctx, exec.Phase())
	}

	res, err := o.Runner.Run(ctx, channel, items, prefs, avg, exec)
	summary.PhaseResults = append(summary.PhaseResults, res)

	if o.Tracker != nil {
		_ = o.Tracker.Reload(ctx)
	}
	if o.Metrics != nil && o.Tracker != nil && res.Processed > 0 {
		seconds, _ := o.Tracker.Average(ctx, exec.Phase())
		o.Metrics.ObserveRun(exec.Phase(), res.Processed, res.Errored, seconds.Seconds(), seconds.Seconds()*float64(res.Processed))
	}

	refreshed, rerr := o.refetch(ctx, items)
	if rerr != nil {
		if err == nil {
			err = rerr
		}
		return items, err
	}
	return refreshed, err
}

// skipPhase emits the pending→completed transition directly, without
// invoking the Runner, for a phase the LLM-only shortcut bypasses
// entirely, and records a Skipped Result so callers can see it was
// deliberately bypassed rather than simply empty.
func (o *Orchestrator) skipPhase(ctx context.Context, channel, phase string, items []model.Item, summary *Summary) {
	n := len(items)
	summary.PhaseResults = append(summary.PhaseResults, phases.Result{Phase: phase, Eligible: n, AlreadyDone: n, Skipped: true})

	if o.Bus == nil {
		return
	}
	_ = o.Bus.Emit(ctx, channel, events.Event{
		Kind: events.KindPhaseUpdate, Timestamp: time.Now(),
		PhaseID: phase, Status: events.PhaseSkipped,
		PhaseMessage: "skipped: llm-only rerun", ProcessedCount: events.IntPtr(n), TotalCount: events.IntPtr(n),
	})
}

// refetch re-reads each item in items from the store by ID, picking up
// whatever the just-completed phase persisted.
func (o *Orchestrator) refetch(ctx context.Context, items []model.Item) ([]model.Item, error) {
	out := make([]model.Item, len(items))
	for i, it := range items {
		fresh, err := o.Store.GetItem(ctx, it.ID)
		if err != nil {
			return nil, fmt.Errorf("pipeline: re-reading item %s: %w", it.ID, err)
		}
		out[i] = fresh
	}
	return out, nil
}

// finalize classifies the run's outcome and per-item totals (spec.md
// §4.7: an item counts as processed only if it carries no phase error
// from this run and every phase flag is true; everything else is left
// for the next run's eligibility query to pick back up).
func (o *Orchestrator) finalize(ctx context.Context, items []model.Item, summary Summary, runErr error) (Summary, error) {
	for _, it := range items {
		if it.HasPhaseError() {
			summary.ItemsErrored++
			continue
		}
		if it.AllFlagsTrue() {
			summary.ItemsProcessed++
		}
	}

	switch {
	case ctx.Err() != nil || (runErr != nil && errors.Is(runErr, context.Canceled)):
		summary.Outcome = model.OutcomeInterrupted
	case runErr != nil:
		summary.Outcome = model.OutcomeCompletedWithErrors
	case summary.ItemsErrored > 0:
		summary.Outcome = model.OutcomeCompletedWithErrors
	case len(summary.Warnings) > 0:
		summary.Outcome = model.OutcomeCompletedWithWarning
	default:
		summary.Outcome = model.OutcomeCompleted
	}

	return summary, runErr
}
