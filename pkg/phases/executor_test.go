package phases

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kbagent/core/pkg/events"
	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/store"
)

type fakeExecutor struct {
	phase      string
	prereq     func(model.Item) bool
	needsWork  func(model.Item, bool) bool
	process    func(context.Context, *model.Item) error
}

func (f *fakeExecutor) Phase() string                                   { return f.phase }
func (f *fakeExecutor) PrereqSatisfied(item model.Item) bool            { return f.prereq(item) }
func (f *fakeExecutor) NeedsWork(item model.Item, force bool) bool      { return f.needsWork(item, force) }
func (f *fakeExecutor) Process(ctx context.Context, item *model.Item) error { return f.process(ctx, item) }

func TestRunner_SkipsWhenNoItemsNeedWork(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.PutItem(ctx, model.Item{ID: "a", CreatedAt: time.Now(), CacheComplete: true}))

	r := NewRunner(st, nil)
	exec := &fakeExecutor{
		phase:     model.PhaseCache,
		prereq:    func(model.Item) bool { return true },
		needsWork: func(it model.Item, force bool) bool { return !it.CacheComplete },
		process:   func(context.Context, *model.Item) error { t.Fatal("should not be called"); return nil },
	}

	items, err := st.ListAll(ctx)
	require.NoError(t, err)

	res, err := r.Run(ctx, "task:1", items, model.Preferences{}, 0, exec)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, 0, res.Processed)
}

func TestRunner_ProcessesNeedsWorkAndPersists(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.PutItem(ctx, model.Item{ID: "a", CreatedAt: time.Now()}))
	require.NoError(t, st.PutItem(ctx, model.Item{ID: "b", CreatedAt: time.Now()}))

	r := NewRunner(st, nil)
	exec := &fakeExecutor{
		phase:     model.PhaseCache,
		prereq:    func(model.Item) bool { return true },
		needsWork: func(it model.Item, force bool) bool { return !it.CacheComplete },
		process: func(_ context.Context, item *model.Item) error {
			item.CacheComplete = true
			return nil
		},
	}

	items, err := st.ListAll(ctx)
	require.NoError(t, err)

	res, err := r.Run(ctx, "task:1", items, model.Preferences{}, time.Millisecond, exec)
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed)
	require.Equal(t, 0, res.Errored)

	got, err := st.GetItem(ctx, "a")
	require.NoError(t, err)
	require.True(t, got.CacheComplete)

	stats, err := st.GetPhaseStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, int64(2), stats[0].ItemsProcessedTotal)
}

func TestRunner_RecordsPerItemErrorWithoutAbortingOthers(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.PutItem(ctx, model.Item{ID: "fails", CreatedAt: time.Now()}))
	require.NoError(t, st.PutItem(ctx, model.Item{ID: "ok", CreatedAt: time.Now()}))

	r := NewRunner(st, nil)
	exec := &fakeExecutor{
		phase:     model.PhaseCache,
		prereq:    func(model.Item) bool { return true },
		needsWork: func(it model.Item, force bool) bool { return !it.CacheComplete },
		process: func(_ context.Context, item *model.Item) error {
			if item.ID == "fails" {
				return errNamed("boom")
			}
			item.CacheComplete = true
			return nil
		},
	}

	items, err := st.ListAll(ctx)
	require.NoError(t, err)

	res, err := r.Run(ctx, "task:1", items, model.Preferences{}, 0, exec)
	require.NoError(t, err)
	require.Equal(t, 1, res.Errored)
	require.Equal(t, 2, res.Processed)

	failed, err := st.GetItem(ctx, "fails")
	require.NoError(t, err)
	require.False(t, failed.CacheComplete)
	require.Equal(t, "boom", failed.PhaseErrors[model.PhaseCache])
}

func TestRunner_EmitsPhaseUpdateEvents(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.PutItem(ctx, model.Item{ID: "a", CreatedAt: time.Now()}))

	sink := events.NewInProcessSink()
	bus := events.NewBus(sink, events.DefaultRateConfig(), events.BatchConfig{MaxSize: 1, MaxAge: time.Millisecond}, 10)
	sub, unsub := sink.Subscribe("task:1", 10)
	defer unsub()

	r := NewRunner(st, bus)
	exec := &fakeExecutor{
		phase:     model.PhaseCache,
		prereq:    func(model.Item) bool { return true },
		needsWork: func(it model.Item, force bool) bool { return true },
		process: func(_ context.Context, item *model.Item) error {
			item.CacheComplete = true
			return nil
		},
	}

	items, err := st.ListAll(ctx)
	require.NoError(t, err)
	_, err = r.Run(ctx, "task:1", items, model.Preferences{}, 0, exec)
	require.NoError(t, err)

	select {
	case batch := <-sub:
		require.NotEmpty(t, batch)
	case <-time.After(time.Second):
		t.Fatal("expected at least one event batch")
	}
}

type namedErr string

func (e namedErr) Error() string { return string(e) }

func errNamed(s string) error { return namedErr(s) }
