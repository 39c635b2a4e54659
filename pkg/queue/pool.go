package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kbagent/core/pkg/config"
	"github.com/kbagent/core/pkg/events"
	"github.com/kbagent/core/pkg/store"
)

// Pool manages a fixed-size set of Workers pulling tasks off the same
// backlog, plus the stale-task reconciler. Grounded on tarsy's
// WorkerPool (pool.go): a cancel registry keyed by task ID, graceful
// Stop that lets in-flight workers finish, and a Health snapshot.
type Pool struct {
	podID    string
	store    store.Store
	cfg      config.QueueConfig
	executor Executor
	bus      *events.Bus
	backlog  Backlog
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	activeTasks map[string]context.CancelFunc
	mu          sync.RWMutex
	started     bool

	reconciler *reconciler
}

// NewPool constructs a Pool of cfg.WorkerCount Workers. podID prefixes
// the worker IDs and is reported by Health; the stale-task reconciler
// does not use it. bus
// may be nil (no task_status events emitted). Workers claim tasks directly
// off the store (QueueConfig.Backend == "db").
func NewPool(podID string, st store.Store, cfg config.QueueConfig, executor Executor, bus *events.Bus) *Pool {
	return newPool(podID, st, cfg, executor, bus, nil)
}

// NewPoolWithBacklog is NewPool for QueueConfig.Backend == "redis":
// workers pop candidate task IDs off backlog and claim each by ID through
// the store, instead of each worker running its own ORDER BY scan.
func NewPoolWithBacklog(podID string, st store.Store, cfg config.QueueConfig, executor Executor, bus *events.Bus, backlog Backlog) *Pool {
	return newPool(podID, st, cfg, executor, bus, backlog)
}

func newPool(podID string, st store.Store, cfg config.QueueConfig, executor Executor, bus *events.Bus, backlog Backlog) *Pool {
	return &Pool{
		podID:       podID,
		store:       st,
		cfg:         cfg,
		executor:    executor,
		bus:         bus,
		backlog:     backlog,
		workers:     make([]*Worker, 0, cfg.WorkerCount),
		stopCh:      make(chan struct{}),
		activeTasks: make(map[string]context.CancelFunc),
	}
}

// Start spawns the worker goroutines and the stale-task reconciler. Safe
// to call only once; a second call is a no-op.
func (p *Pool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("worker pool already started, ignoring duplicate start", "pod_id", p.podID)
		return
	}
	p.started = true

	slog.Info("starting worker pool", "pod_id", p.podID, "worker_count", p.cfg.WorkerCount)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		w := newWorker(fmt.Sprintf("%s-worker-%d", p.podID, i), p.podID, p.store, p.cfg, p.executor, p, p.bus, p.backlog)
		p.workers = append(p.workers, w)
		w.start(ctx)
	}

	p.reconciler = newReconciler(p.store, p.cfg.StaleThreshold)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reconciler.run(ctx, p.stopCh)
	}()
}

// Stop signals every worker and the reconciler to stop, then waits for
// in-flight tasks to finish (graceful shutdown, never killed mid-task).
func (p *Pool) Stop() {
	active := p.activeTaskIDs()
	if len(active) > 0 {
		slog.Info("waiting for active tasks to complete", "count", len(active), "task_ids", active)
	}

	for _, w := range p.workers {
		w.stop()
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("worker pool stopped")
}

// RegisterTask stores taskID's cancel func so CancelTask can reach it.
func (p *Pool) RegisterTask(taskID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeTasks[taskID] = cancel
}

// UnregisterTask drops taskID's cancel func once it's no longer running.
func (p *Pool) UnregisterTask(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeTasks, taskID)
}

// CancelTask cancels taskID's context if a worker on this pod is
// currently running it. Returns true if found.
func (p *Pool) CancelTask(taskID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeTasks[taskID]; ok {
		cancel()
		return true
	}
	return false
}

func (p *Pool) activeTaskIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.activeTasks))
	for id := range p.activeTasks {
		out = append(out, id)
	}
	return out
}

// Health reports per-worker busy/idle state for the stats CLI command.
func (p *Pool) Health() PoolHealth {
	workers := make([]WorkerHealth, len(p.workers))
	for i, w := range p.workers {
		workers[i] = w.health()
	}
	h := PoolHealth{PodID: p.podID, WorkerCount: len(p.workers), Workers: workers}
	if p.reconciler != nil {
		h.LastReconcileScan, h.TasksReconciled = p.reconciler.Snapshot()
	}
	return h
}
