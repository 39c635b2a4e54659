package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/kbagent/core/pkg/config"
	"github.com/kbagent/core/pkg/events"
	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/store"
)

// registry is the subset of Pool a worker needs for task cancellation,
// mirroring tarsy's SessionRegistry interface.
type registry interface {
	RegisterTask(taskID string, cancel context.CancelFunc)
	UnregisterTask(taskID string)
}

// claimer abstracts how a worker picks the next task to run, so the same
// poll loop serves both the db backend (store.Store.ClaimNextTask orders
// the backlog itself) and the redis backend (a Backlog orders it, Postgres
// only arbitrates the claim).
type claimer interface {
	claimNext(ctx context.Context) (model.Task, bool, error)
}

// storeClaimer is the default claimer: QueueConfig.Backend == "db".
type storeClaimer struct{ store store.Store }

func (c storeClaimer) claimNext(ctx context.Context) (model.Task, bool, error) {
	return c.store.ClaimNextTask(ctx)
}

// backlogClaimer is used when QueueConfig.Backend == "redis". It pops
// candidate IDs off the backlog and claims each by ID until one succeeds
// or the backlog is drained; a pop that loses the Postgres race (another
// pod claimed it first, or CleanupStartupOrphans already failed it) is
// expected under concurrent pollers and simply tries the next candidate.
type backlogClaimer struct {
	store   store.Store
	backlog Backlog
}

func (c backlogClaimer) claimNext(ctx context.Context) (model.Task, bool, error) {
	const maxAttempts = 8
	for i := 0; i < maxAttempts; i++ {
		taskID, ok, err := c.backlog.Pop(ctx)
		if err != nil {
			return model.Task{}, false, err
		}
		if !ok {
			return model.Task{}, false, nil
		}
		task, claimed, err := c.store.ClaimTaskByID(ctx, taskID)
		if err != nil {
			return model.Task{}, false, err
		}
		if claimed {
			return task, true, nil
		}
	}
	return model.Task{}, false, nil
}

// Worker polls the store for the next pending task, claims it, runs it
// under executor with a heartbeat goroutine, and writes back its
// terminal status. Grounded on tarsy's Worker (worker.go), with the
// Slack/WebSocket notification hooks dropped (no such surfaces here).
type Worker struct {
	id       string
	podID    string
	store    store.Store
	cfg      config.QueueConfig
	executor Executor
	claim    claimer
	pool     registry
	bus      *events.Bus
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu            sync.RWMutex
	busy          bool
	currentTaskID string
}

func newWorker(id, podID string, st store.Store, cfg config.QueueConfig, executor Executor, pool registry, bus *events.Bus, backlog Backlog) *Worker {
	var c claimer
	if backlog != nil {
		c = backlogClaimer{store: st, backlog: backlog}
	} else {
		c = storeClaimer{store: st}
	}
	return &Worker{
		id:       id,
		podID:    podID,
		store:    st,
		cfg:      cfg,
		executor: executor,
		claim:    c,
		pool:     pool,
		bus:      bus,
		stopCh:   make(chan struct{}),
	}
}

func (w *Worker) start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *Worker) stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{ID: w.id, Busy: w.busy, CurrentTaskID: w.currentTaskID}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoTasksAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("error processing task", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims one task, if any, and runs it to completion.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	task, ok, err := w.claim.claimNext(ctx)
	if err != nil {
		return fmt.Errorf("claiming next task: %w", err)
	}
	if !ok {
		return ErrNoTasksAvailable
	}

	log := slog.With("task_id", task.ID, "worker_id", w.id)
	log.Info("task claimed")
	w.publishStatus(ctx, task.ID, model.TaskStatusRunning)

	w.setBusy(task.ID)
	defer w.setIdle()

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.pool.RegisterTask(task.ID, cancel)
	defer w.pool.UnregisterTask(task.ID)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(taskCtx)
	go w.runHeartbeat(heartbeatCtx, task)
	defer cancelHeartbeat()

	result := w.executor.Execute(taskCtx, task)
	if result == nil {
		result = w.synthesizeResult(taskCtx)
	}

	cancelHeartbeat()

	errMsg := ""
	if result.Error != nil {
		errMsg = result.Error.Error()
	}
	if err := w.store.UpdateTaskStatus(context.Background(), task.ID, result.Status, errMsg, result.Summary); err != nil {
		log.Error("failed to update terminal task status", "error", err)
		return fmt.Errorf("updating terminal status: %w", err)
	}
	w.publishStatus(context.Background(), task.ID, result.Status)

	log.Info("task processing complete", "status", result.Status)
	return nil
}

// publishStatus emits a task_status event, a no-op if no Bus is wired.
func (w *Worker) publishStatus(ctx context.Context, taskID string, status model.TaskStatus) {
	if w.bus == nil {
		return
	}
	_ = w.bus.Emit(ctx, "task:"+taskID, events.Event{
		Kind: events.KindTaskStatus, Timestamp: time.Now(),
		TaskID: taskID, TaskStatus: string(status),
	})
}

// synthesizeResult builds a safe terminal result when the executor
// returns nil, e.g. a panic-recovery path upstream swallowed the value;
// tarsy's worker.go does this same nil-guard before writing status.
func (w *Worker) synthesizeResult(ctx context.Context) *ExecutionResult {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &ExecutionResult{Status: model.TaskStatusFailed, Error: fmt.Errorf("task exceeded its deadline")}
	case errors.Is(ctx.Err(), context.Canceled):
		return &ExecutionResult{Status: model.TaskStatusCanceled, Error: context.Canceled}
	default:
		return &ExecutionResult{Status: model.TaskStatusFailed, Error: fmt.Errorf("executor returned a nil result")}
	}
}

// runHeartbeat periodically stamps last_heartbeat_at so the stale-task
// reconciler can tell this task's worker is still alive.
func (w *Worker) runHeartbeat(ctx context.Context, task model.Task) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	phase := ""
	if task.CurrentPhase != nil {
		phase = *task.CurrentPhase
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.HeartbeatTask(ctx, task.ID, phase, task.CurrentPhaseMessage, task.ProgressPercent); err != nil {
				slog.Warn("heartbeat update failed", "task_id", task.ID, "error", err)
			}
		}
	}
}

// pollInterval jitters the configured poll interval by up to ±20%, so
// WorkerCount workers polling the same backlog don't thunder in lockstep.
func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval
	if base <= 0 {
		return time.Second
	}
	jitter := base / 5
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setBusy(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.busy = true
	w.currentTaskID = taskID
}

func (w *Worker) setIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.busy = false
	w.currentTaskID = ""
}
