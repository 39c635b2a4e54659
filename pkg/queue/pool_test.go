package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kbagent/core/pkg/config"
	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/store"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		Backend:           "db",
		WorkerCount:       1,
		HeartbeatInterval: 10 * time.Millisecond,
		StaleThreshold:    time.Hour,
		PollInterval:      5 * time.Millisecond,
	}
}

func TestPool_ClaimsAndCompletesTask(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, st.CreateTask(ctx, model.Task{ID: "t1", Status: model.TaskStatusPending, CreatedAt: time.Now()}))

	done := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, task model.Task) *ExecutionResult {
		close(done)
		return &ExecutionResult{Status: model.TaskStatusSucceeded, Summary: &model.ResultSummary{Outcome: model.OutcomeCompleted}}
	})

	pool := NewPool("pod-1", st, testQueueConfig(), exec, nil)
	pool.Start(ctx)
	defer pool.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task was never executed")
	}

	require.Eventually(t, func() bool {
		task, err := st.GetTask(ctx, "t1")
		return err == nil && task.Status == model.TaskStatusSucceeded
	}, time.Second, 5*time.Millisecond)
}

func TestPool_CancelTaskCancelsRunningContext(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.CreateTask(ctx, model.Task{ID: "t1", Status: model.TaskStatusPending, CreatedAt: time.Now()}))

	started := make(chan struct{})
	exec := ExecutorFunc(func(taskCtx context.Context, task model.Task) *ExecutionResult {
		close(started)
		<-taskCtx.Done()
		return &ExecutionResult{Status: model.TaskStatusCanceled, Error: taskCtx.Err()}
	})

	pool := NewPool("pod-1", st, testQueueConfig(), exec, nil)
	pool.Start(ctx)
	defer pool.Stop()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	require.Eventually(t, func() bool { return pool.CancelTask("t1") }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		task, err := st.GetTask(ctx, "t1")
		return err == nil && task.Status == model.TaskStatusCanceled
	}, time.Second, 5*time.Millisecond)
}

func TestPool_HealthReportsWorkerCount(t *testing.T) {
	st := store.NewMemory()
	pool := NewPool("pod-1", st, testQueueConfig(), ExecutorFunc(func(ctx context.Context, task model.Task) *ExecutionResult {
		return &ExecutionResult{Status: model.TaskStatusSucceeded}
	}), nil)
	pool.Start(context.Background())
	defer pool.Stop()

	h := pool.Health()
	require.Equal(t, "pod-1", h.PodID)
	require.Len(t, h.Workers, 1)
}
