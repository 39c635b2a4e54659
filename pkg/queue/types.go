// Package queue is the task registry and worker pool (spec.md §4.8):
// Registry.Submit enqueues a pending task, Pool runs a fixed number of
// Workers that each poll, claim, heartbeat and execute one task at a
// time, and a stale-task reconciler reclaims tasks whose worker died
// mid-run. Grounded directly on tarsy's pkg/queue (pool.go, worker.go,
// orphan.go, types.go), generalized from "alert session" to
// "processing task".
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/kbagent/core/pkg/model"
)

// ErrNoTasksAvailable is returned by a claim attempt when the backlog is
// empty, mirroring tarsy's ErrNoSessionsAvailable.
var ErrNoTasksAvailable = errors.New("queue: no tasks available")

// ErrAtCapacity marks a pool whose every worker slot is occupied;
// Worker.run backs off on it as on ErrNoTasksAvailable. No function in
// this package returns it.
var ErrAtCapacity = errors.New("queue: pool at capacity")

// Executor runs one task to completion and reports its terminal state.
// pkg/pipeline.Orchestrator satisfies this, mirroring tarsy's
// SessionExecutor interface — queue stays decoupled from pipeline so it
// never needs to import it directly.
type Executor interface {
	Execute(ctx context.Context, task model.Task) *ExecutionResult
}

// ExecutionResult is the terminal state an Executor reports back to a
// Worker, mirroring tarsy's queue.ExecutionResult shape.
type ExecutionResult struct {
	Status  model.TaskStatus
	Summary *model.ResultSummary
	Error   error
}

// ExecutorFunc adapts a plain function to Executor, letting cmd/kbagentd
// wire pkg/pipeline.Orchestrator.Execute in without pkg/queue importing
// pkg/pipeline directly.
type ExecutorFunc func(ctx context.Context, task model.Task) *ExecutionResult

func (f ExecutorFunc) Execute(ctx context.Context, task model.Task) *ExecutionResult {
	return f(ctx, task)
}

// PoolHealth is the worker pool's health snapshot, surfaced by the CLI's
// `stats` command.
type PoolHealth struct {
	PodID             string         `json:"pod_id"`
	WorkerCount       int            `json:"worker_count"`
	Workers           []WorkerHealth `json:"workers"`
	LastReconcileScan time.Time      `json:"last_reconcile_scan,omitempty"`
	TasksReconciled   int            `json:"tasks_reconciled"`
}

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	ID            string `json:"id"`
	Busy          bool   `json:"busy"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
}
