// Package store persists items, tasks, phase statistics and kb_item rows.
// The PostgreSQL implementation (postgres.go) is hand-written SQL over
// jackc/pgx/v5, not generated code — see DESIGN.md for why. An in-memory
// implementation (memory.go) backs fast pipeline and phase-executor tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kbagent/core/pkg/model"
)

// ErrNotFound is returned when a lookup by ID finds nothing.
var ErrNotFound = errors.New("store: not found")

// ErrKBDirPathCollision is returned by PutItem/UpsertKBItem when the item's
// kb_dir_path would collide with a different item's (spec.md §9, Open
// Question 1: always error, never auto-suffix).
var ErrKBDirPathCollision = errors.New("store: kb_dir_path collision")

// KBItemRow is the row written to the kb_item table by the db-sync phase
// (columns per spec.md §6.5).
type KBItemRow struct {
	ItemID          string
	Content         string
	MainCategory    string
	SubCategory     string
	ItemName        string
	ArticleTitle    string
	KBDirPath       string
	KBMediaPaths    []string
	SourceURL       string
	CreatedAtSource *time.Time
	SyncedAt        time.Time
}

// Store is the persistence boundary the rest of the pipeline depends on.
// All methods take a context so the caller can bound or cancel the call.
type Store interface {
	// Items
	GetItem(ctx context.Context, itemID string) (model.Item, error)
	PutItem(ctx context.Context, item model.Item) error
	// BulkListEligible returns every item not yet fully processed
	// (AllFlagsTrue() == false), ordered by CreatedAt, for a pipeline run.
	BulkListEligible(ctx context.Context) ([]model.Item, error)
	// ListAll returns every known item, used by the cache-audit CLI command.
	ListAll(ctx context.Context) ([]model.Item, error)

	// Tasks
	CreateTask(ctx context.Context, task model.Task) error
	UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus, errMsg string, result *model.ResultSummary) error
	GetTask(ctx context.Context, taskID string) (model.Task, error)
	ListTasksByStatus(ctx context.Context, status model.TaskStatus) ([]model.Task, error)
	// ClaimNextTask atomically claims the oldest pending task, transitioning
	// it to running and stamping StartedAt, for a worker's poll loop. ok is
	// false if no pending task was available.
	ClaimNextTask(ctx context.Context) (task model.Task, ok bool, err error)
	// ClaimTaskByID atomically claims taskID if and only if it is still
	// pending, transitioning it to running the same way ClaimNextTask does.
	// Used by the Redis-backed queue backend, where Redis orders the
	// backlog but Postgres remains the source of truth for task state: a
	// worker pops an ID from Redis, then must still win the race against
	// any other pod that polled the same ID before it expired from the
	// sorted set. ok is false if the task was missing or already claimed.
	ClaimTaskByID(ctx context.Context, taskID string) (task model.Task, ok bool, err error)
	// CancelTask marks a running or pending task canceled, for the CLI's
	// cancel-task command; a no-op (ok=false) if the task is already terminal.
	CancelTask(ctx context.Context, taskID string) (ok bool, err error)
	HeartbeatTask(ctx context.Context, taskID string, phase, phaseMessage string, progressPercent int) error

	// Stats
	UpsertPhaseStats(ctx context.Context, phaseID string, itemsProcessedDelta int64, durationSecondsDelta float64) error
	GetPhaseStats(ctx context.Context) ([]model.PhaseStat, error)

	// KB items
	UpsertKBItem(ctx context.Context, row KBItemRow) error
	// KBDirPathInUse reports whether dirPath is already claimed by an item
	// other than excludeItemID, for the pre-write collision check.
	KBDirPathInUse(ctx context.Context, dirPath, excludeItemID string) (bool, error)
}
