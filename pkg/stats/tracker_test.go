package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/store"
)

func TestTracker_UpdateThenAverage(t *testing.T) {
	st := store.NewMemory()
	tr := New(st, nil)
	ctx := context.Background()

	require.NoError(t, tr.Update(ctx, model.PhaseCache, 4, 8*time.Second))

	avg, err := tr.Average(ctx, model.PhaseCache)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, avg)
}

func TestTracker_AverageSeedsFromStoreWhenUnseen(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.UpsertPhaseStats(ctx, model.PhaseMedia, 10, 30))

	tr := New(st, nil)
	avg, err := tr.Average(ctx, model.PhaseMedia)
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, avg)
}

func TestTracker_AverageIsZeroForUnknownPhase(t *testing.T) {
	tr := New(store.NewMemory(), nil)
	avg, err := tr.Average(context.Background(), "unknown")
	require.NoError(t, err)
	require.Zero(t, avg)
}
