package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/store"
)

// fakeBacklog is an in-process stand-in for RedisBacklog, ordered the same
// way (oldest push popped first), so backlogClaimer can be exercised
// without a real Redis instance.
type fakeBacklog struct {
	ids []string
}

func (f *fakeBacklog) Push(_ context.Context, taskID string, _ time.Time) error {
	f.ids = append(f.ids, taskID)
	return nil
}

func (f *fakeBacklog) Pop(_ context.Context) (string, bool, error) {
	if len(f.ids) == 0 {
		return "", false, nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, true, nil
}

func TestBacklogClaimer_ClaimsPoppedTask(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.CreateTask(ctx, model.Task{ID: "t1", Status: model.TaskStatusPending, CreatedAt: time.Now()}))

	bl := &fakeBacklog{}
	require.NoError(t, bl.Push(ctx, "t1", time.Now()))

	c := backlogClaimer{store: st, backlog: bl}
	task, ok, err := c.claimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t1", task.ID)
	require.Equal(t, model.TaskStatusRunning, task.Status)
}

func TestBacklogClaimer_SkipsAlreadyClaimedAndFallsThrough(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.CreateTask(ctx, model.Task{ID: "stale", Status: model.TaskStatusRunning, CreatedAt: time.Now()}))
	require.NoError(t, st.CreateTask(ctx, model.Task{ID: "fresh", Status: model.TaskStatusPending, CreatedAt: time.Now()}))

	bl := &fakeBacklog{}
	require.NoError(t, bl.Push(ctx, "stale", time.Now()))
	require.NoError(t, bl.Push(ctx, "fresh", time.Now()))

	c := backlogClaimer{store: st, backlog: bl}
	task, ok, err := c.claimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fresh", task.ID)
}

func TestBacklogClaimer_EmptyBacklogReturnsNotOK(t *testing.T) {
	st := store.NewMemory()
	c := backlogClaimer{store: st, backlog: &fakeBacklog{}}
	_, ok, err := c.claimNext(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}
