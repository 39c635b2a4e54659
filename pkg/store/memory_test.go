package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kbagent/core/pkg/model"
)

func TestMemory_PutAndGetItem(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	item := model.Item{ID: "item-1", SourceURL: "https://example.com/1", CreatedAt: time.Now()}
	require.NoError(t, m.PutItem(ctx, item))

	got, err := m.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/1", got.SourceURL)

	_, err = m.GetItem(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_PutItem_RejectsKBDirPathCollision(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	dir := "programming/go/goroutines"
	require.NoError(t, m.PutItem(ctx, model.Item{ID: "a", KBDirPath: &dir, CreatedAt: time.Now()}))

	err := m.PutItem(ctx, model.Item{ID: "b", KBDirPath: &dir, CreatedAt: time.Now()})
	require.True(t, errors.Is(err, ErrKBDirPathCollision))
}

func TestMemory_BulkListEligible_ExcludesFullyProcessed(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.PutItem(ctx, model.Item{ID: "done", CreatedAt: time.Now(),
		CacheComplete: true, MediaProcessed: true, CategoriesProcessed: true, ArticleCreated: true, DBSynced: true}))
	require.NoError(t, m.PutItem(ctx, model.Item{ID: "pending", CreatedAt: time.Now()}))

	eligible, err := m.BulkListEligible(ctx)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	require.Equal(t, "pending", eligible[0].ID)
}

func TestMemory_TaskLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	task := model.Task{ID: "task-1", Kind: "full-run", Status: model.TaskStatusPending, CreatedAt: time.Now()}
	require.NoError(t, m.CreateTask(ctx, task))

	require.NoError(t, m.HeartbeatTask(ctx, "task-1", model.PhaseCache, "caching item 3/10", 30))
	got, err := m.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, 30, got.ProgressPercent)
	require.NotNil(t, got.LastHeartbeatAt)

	require.NoError(t, m.UpdateTaskStatus(ctx, "task-1", model.TaskStatusSucceeded, "", &model.ResultSummary{Outcome: model.OutcomeCompleted, ItemsTotal: 10}))
	got, err = m.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, got.Status.IsTerminal())
	require.NotNil(t, got.CompletedAt)
	require.Equal(t, model.OutcomeCompleted, got.ResultSummary.Outcome)
}

func TestMemory_ClaimTaskByID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.CreateTask(ctx, model.Task{ID: "task-1", Status: model.TaskStatusPending, CreatedAt: time.Now()}))

	task, ok, err := m.ClaimTaskByID(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.TaskStatusRunning, task.Status)
	require.NotNil(t, task.StartedAt)

	_, ok, err = m.ClaimTaskByID(ctx, "task-1")
	require.NoError(t, err)
	require.False(t, ok, "already-running task should not be claimable again")

	_, ok, err = m.ClaimTaskByID(ctx, "does-not-exist")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemory_PhaseStats_Accumulate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.UpsertPhaseStats(ctx, model.PhaseGenerate, 3, 9.0))
	require.NoError(t, m.UpsertPhaseStats(ctx, model.PhaseGenerate, 2, 6.0))

	stats, err := m.GetPhaseStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, int64(5), stats[0].ItemsProcessedTotal)
	require.InDelta(t, 3.0, stats[0].AvgSecondsPerItem(), 0.001)
}

func TestMemory_KBDirPathInUse(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	dir := "programming/go/channels"
	require.NoError(t, m.PutItem(ctx, model.Item{ID: "a", KBDirPath: &dir, CreatedAt: time.Now()}))

	inUse, err := m.KBDirPathInUse(ctx, dir, "b")
	require.NoError(t, err)
	require.True(t, inUse)

	inUse, err = m.KBDirPathInUse(ctx, dir, "a")
	require.NoError(t, err)
	require.False(t, inUse)
}
