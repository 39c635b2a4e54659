package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/store"
)

func TestRegistry_SubmitCreatesPendingTask(t *testing.T) {
	st := store.NewMemory()
	r := NewRegistry(st)

	id, err := r.Submit(context.Background(), "reprocess", model.Preferences{ForceRecache: true})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task, err := st.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusPending, task.Status)
	require.Equal(t, "reprocess", task.Kind)
	require.True(t, task.Preferences.ForceRecache)
}
