package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/store"
)

func TestReconciler_MarksStaleRunningTaskFailed(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, st.CreateTask(ctx, model.Task{
		ID: "stuck", Status: model.TaskStatusPending, CreatedAt: time.Now(),
	}))
	task, ok, err := st.ClaimNextTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "stuck", task.ID)

	// A negative threshold pushes the staleness cutoff into the future,
	// so the just-stamped heartbeat already reads as stale without
	// needing to fake the passage of real time.
	r := newReconciler(st, -time.Hour)
	require.NoError(t, r.reconcileOnce(ctx))

	final, err := st.GetTask(ctx, "stuck")
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusFailed, final.Status)

	lastScan, reconciled := r.Snapshot()
	require.False(t, lastScan.IsZero())
	require.Equal(t, 1, reconciled)
}

func TestReconciler_LeavesFreshHeartbeatAlone(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.CreateTask(ctx, model.Task{ID: "fresh", Status: model.TaskStatusPending, CreatedAt: time.Now()}))
	_, ok, err := st.ClaimNextTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	r := newReconciler(st, time.Hour)
	require.NoError(t, r.reconcileOnce(ctx))

	task, err := st.GetTask(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusRunning, task.Status)
}

func TestReconciler_MarksStalePendingTaskFailed(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	// Never claimed, so LastHeartbeatAt stays nil; staleness must fall
	// back to CreatedAt instead of skipping the task outright.
	require.NoError(t, st.CreateTask(ctx, model.Task{
		ID: "unclaimed", Status: model.TaskStatusPending, CreatedAt: time.Now(),
	}))

	r := newReconciler(st, -time.Hour)
	require.NoError(t, r.reconcileOnce(ctx))

	final, err := st.GetTask(ctx, "unclaimed")
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusFailed, final.Status)
}

func TestReconciler_LeavesFreshPendingTaskAlone(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.CreateTask(ctx, model.Task{
		ID: "just-created", Status: model.TaskStatusPending, CreatedAt: time.Now(),
	}))

	r := newReconciler(st, time.Hour)
	require.NoError(t, r.reconcileOnce(ctx))

	task, err := st.GetTask(ctx, "just-created")
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusPending, task.Status)
}

func TestCleanupStartupOrphans_MarksRunningTasksFailed(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.CreateTask(ctx, model.Task{ID: "orphan", Status: model.TaskStatusPending, CreatedAt: time.Now()}))
	_, ok, err := st.ClaimNextTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, CleanupStartupOrphans(ctx, st))

	task, err := st.GetTask(ctx, "orphan")
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusFailed, task.Status)
}
