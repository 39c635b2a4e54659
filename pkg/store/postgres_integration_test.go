//go:build integration

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kbagent/core/pkg/model"
)

// newTestStore starts a disposable PostgreSQL container, applies
// schema.sql, and returns a connected Postgres store. Mirrors tarsy's
// pkg/database.newTestClient helper, minus the ent-schema auto-migration
// step this repo doesn't use.
func newTestStore(t *testing.T) *Postgres {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("kbagent_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	schema, err := os.ReadFile(filepath.Join(".", "schema.sql"))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)

	s := &Postgres{pool: pool}
	t.Cleanup(s.Close)
	return s
}

func TestPostgres_PutAndGetItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := model.Item{ID: "item-1", SourceURL: "https://example.com/1", CreatedAt: time.Now()}
	require.NoError(t, s.PutItem(ctx, item))

	got, err := s.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.Equal(t, item.SourceURL, got.SourceURL)
}

func TestPostgres_PutItem_EnforcesKBDirPathUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir := "programming/go/goroutines"
	require.NoError(t, s.PutItem(ctx, model.Item{ID: "a", KBDirPath: &dir, CreatedAt: time.Now()}))

	err := s.PutItem(ctx, model.Item{ID: "b", KBDirPath: &dir, CreatedAt: time.Now()})
	require.ErrorIs(t, err, ErrKBDirPathCollision)
}

func TestPostgres_TaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := model.Task{ID: "task-1", Kind: "full-run", Status: model.TaskStatusPending, CreatedAt: time.Now()}
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.HeartbeatTask(ctx, "task-1", model.PhaseMedia, "describing media 2/5", 40))
	got, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, 40, got.ProgressPercent)

	require.NoError(t, s.UpdateTaskStatus(ctx, "task-1", model.TaskStatusFailed, "boom", nil))
	got, err = s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusFailed, got.Status)
	require.Equal(t, "boom", got.ErrorMessage)
}

func TestPostgres_ClaimTaskByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, model.Task{ID: "task-1", Kind: "full-run", Status: model.TaskStatusPending, CreatedAt: time.Now()}))

	task, ok, err := s.ClaimTaskByID(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.TaskStatusRunning, task.Status)

	_, ok, err = s.ClaimTaskByID(ctx, "task-1")
	require.NoError(t, err)
	require.False(t, ok, "already-running task should not be claimable again")
}

func TestPostgres_PhaseStats_Accumulate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPhaseStats(ctx, model.PhaseCategorize, 4, 12.0))
	require.NoError(t, s.UpsertPhaseStats(ctx, model.PhaseCategorize, 1, 3.0))

	stats, err := s.GetPhaseStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, int64(5), stats[0].ItemsProcessedTotal)
}
