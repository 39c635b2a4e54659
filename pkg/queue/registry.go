package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/store"
)

// Registry enqueues new tasks, the entry point the submit-task CLI
// command and any future HTTP surface call through.
type Registry struct {
	Store store.Store
	// Backlog, when set (QueueConfig.Backend == "redis"), also receives the
	// new task ID so redis-backed pools can pop it without scanning Store.
	Backlog Backlog
}

// NewRegistry constructs a Registry over st that claims directly against
// the store (QueueConfig.Backend == "db").
func NewRegistry(st store.Store) *Registry {
	return &Registry{Store: st}
}

// NewRegistryWithBacklog is NewRegistry for QueueConfig.Backend == "redis".
func NewRegistryWithBacklog(st store.Store, backlog Backlog) *Registry {
	return &Registry{Store: st, Backlog: backlog}
}

// Submit creates a pending task row and returns its generated ID, for a
// Worker to later claim.
func (r *Registry) Submit(ctx context.Context, kind string, prefs model.Preferences) (string, error) {
	task := model.Task{
		ID:          uuid.NewString(),
		Kind:        kind,
		Status:      model.TaskStatusPending,
		Preferences: prefs,
		CreatedAt:   time.Now(),
	}
	if err := r.Store.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("queue: submit task: %w", err)
	}
	if r.Backlog != nil {
		if err := r.Backlog.Push(ctx, task.ID, task.CreatedAt); err != nil {
			return "", fmt.Errorf("queue: submit task: %w", err)
		}
	}
	return task.ID, nil
}
