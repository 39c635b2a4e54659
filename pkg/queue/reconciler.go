package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/store"
)

// reconcilerTickInterval is fixed rather than configurable: it only
// needs to be comfortably smaller than StaleThreshold to catch a stuck
// task promptly, and every pod runs this independently and idempotently
// (the same task is simply marked failed twice if two pods race, which
// UpdateTaskStatus tolerates).
const reconcilerTickInterval = 30 * time.Second

// reconciler periodically reclaims tasks whose worker stopped
// heartbeating, grounded on tarsy's orphan.go. It scans both running and
// pending tasks: a pending task with no worker ever picking it up is just
// as stuck as a running one whose heartbeats stopped (spec.md §6.5). Per
// this repo's Open Question 3 decision, a reclaimed task is marked failed
// but no individual item's phase flags are reset — tarsy's
// markSessionTimedOut likewise only ever moves the session itself to a
// terminal state, never rolls back lower-granularity timeline state.
type reconciler struct {
	store     store.Store
	threshold time.Duration

	mu         sync.Mutex
	lastScan   time.Time
	reconciled int
}

func newReconciler(st store.Store, threshold time.Duration) *reconciler {
	return &reconciler{store: st, threshold: threshold}
}

func (r *reconciler) run(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(reconcilerTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if err := r.reconcileOnce(ctx); err != nil {
				slog.Error("stale task reconciliation failed", "error", err)
			}
		}
	}
}

func (r *reconciler) reconcileOnce(ctx context.Context) error {
	running, err := r.store.ListTasksByStatus(ctx, model.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("listing running tasks: %w", err)
	}
	pending, err := r.store.ListTasksByStatus(ctx, model.TaskStatusPending)
	if err != nil {
		return fmt.Errorf("listing pending tasks: %w", err)
	}

	cutoff := time.Now().Add(-r.threshold)
	stale := make([]model.Task, 0)
	for _, t := range append(running, pending...) {
		// A task with no heartbeat yet (crashed daemon or down worker
		// pool between CreateTask and the first poll) is stale since it
		// was created, not exempt from reconciliation.
		since := t.CreatedAt
		if t.LastHeartbeatAt != nil {
			since = *t.LastHeartbeatAt
		}
		if since.Before(cutoff) {
			stale = append(stale, t)
		}
	}

	r.mu.Lock()
	r.lastScan = time.Now()
	r.mu.Unlock()

	if len(stale) == 0 {
		return nil
	}
	slog.Warn("detected stale tasks", "count", len(stale))

	recovered := 0
	for _, t := range stale {
		reference := "created at " + t.CreatedAt.Format(time.RFC3339)
		if t.LastHeartbeatAt != nil {
			reference = "no heartbeat since " + t.LastHeartbeatAt.Format(time.RFC3339)
		}
		errMsg := fmt.Sprintf("stale: %s", reference)
		if err := r.store.UpdateTaskStatus(ctx, t.ID, model.TaskStatusFailed, errMsg, nil); err != nil {
			slog.Error("failed to reconcile stale task", "task_id", t.ID, "error", err)
			continue
		}
		recovered++
	}

	r.mu.Lock()
	r.reconciled += recovered
	r.mu.Unlock()
	return nil
}

// CleanupStartupOrphans marks every still-"running" task failed at
// daemon startup, before the pool begins polling. Tasks have no pod
// owner column here (unlike tarsy's sessions), so unlike
// CleanupStartupOrphans's pod_id-scoped query, this assumes a single
// daemon process per database — any task still "running" when the
// daemon starts must belong to a prior, now-dead process.
func CleanupStartupOrphans(ctx context.Context, st store.Store) error {
	running, err := st.ListTasksByStatus(ctx, model.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("listing running tasks at startup: %w", err)
	}
	if len(running) == 0 {
		return nil
	}

	slog.Warn("found startup orphans from a previous run", "count", len(running))
	for _, t := range running {
		errMsg := "stale: task was running when the daemon last started"
		if err := st.UpdateTaskStatus(ctx, t.ID, model.TaskStatusFailed, errMsg, nil); err != nil {
			slog.Error("failed to mark startup orphan", "task_id", t.ID, "error", err)
			continue
		}
		slog.Info("startup orphan recovered", "task_id", t.ID)
	}
	return nil
}

// Snapshot reports the reconciler's last scan time and cumulative
// recovered count, for the pool's Health/stats surface.
func (r *reconciler) Snapshot() (lastScan time.Time, reconciled int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastScan, r.reconciled
}
