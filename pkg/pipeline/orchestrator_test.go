package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kbagent/core/pkg/category"
	"github.com/kbagent/core/pkg/events"
	"github.com/kbagent/core/pkg/llm"
	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/phases"
	"github.com/kbagent/core/pkg/prompt"
	"github.com/kbagent/core/pkg/stats"
	"github.com/kbagent/core/pkg/store"
	"github.com/kbagent/core/pkg/validator"
)

type fakeBackend struct {
	generateResponses []string
	generateCalls     int
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Generate(ctx context.Context, modelName, p string, params llm.GenerateParams) (string, error) {
	i := f.generateCalls
	f.generateCalls++
	if i >= len(f.generateResponses) {
		return f.generateResponses[len(f.generateResponses)-1], nil
	}
	return f.generateResponses[i], nil
}

func (f *fakeBackend) Chat(ctx context.Context, modelName string, messages []llm.Message, params llm.ChatParams) (string, error) {
	return "", nil
}

func (f *fakeBackend) Embed(ctx context.Context, modelName, text string, timeout time.Duration) ([]float64, error) {
	return nil, nil
}

func (f *fakeBackend) ListModels(ctx context.Context) ([]llm.Model, error) { return nil, nil }

func (f *fakeBackend) Health(ctx context.Context) (llm.HealthStatus, error) {
	return llm.HealthStatus{Status: "healthy"}, nil
}

var _ llm.Backend = (*fakeBackend)(nil)

func writePrompt(t *testing.T, dir, id, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".yaml"), []byte(contents), 0o644))
}

func newTestOrchestrator(t *testing.T, st store.Store, backend llm.Backend) (*Orchestrator, *events.Bus) {
	t.Helper()

	dir := t.TempDir()
	writePrompt(t, dir, "media_description", "id: media_description\ntemplate: \"describe {{.source_url}}\"\n")
	writePrompt(t, dir, "categorization", "id: categorization\ntemplate: \"classify {{.context}}\"\n")
	writePrompt(t, dir, "kb_item_generation", "id: kb_item_generation\ntemplate: \"write {{.context}}\"\n")
	renderer, err := prompt.NewRenderer(dir)
	require.NoError(t, err)
	t.Cleanup(func() { renderer.Close() })

	kbRoot := t.TempDir()

	sink := events.NewInProcessSink()
	bus := events.NewBus(sink, events.DefaultRateConfig(), events.BatchConfig{MaxSize: 1, MaxAge: time.Millisecond}, 10)

	cache := phases.NewCacheExecutor(nil, t.TempDir())
	media := phases.NewMediaExecutor(backend, renderer, "vision-model", false)
	categorize := phases.NewCategorizeExecutor(backend, renderer, category.NewStoreBacked(st), "text-model", "", false, 2, 64, 1)
	generate := phases.NewGenerateExecutor(backend, renderer, st, kbRoot, false, "text-model", "", 2)
	dbsync := phases.NewDBSyncExecutor(st)

	tracker := stats.New(st, nil)

	o := New(st, bus, tracker, nil, validator.New(), cache, media, categorize, generate, dbsync, 1)
	return o, bus
}

func TestOrchestrator_RunProcessesItemThroughAllPhases(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	item := model.Item{
		ID: "item-1", SourceURL: "https://example.com/1", CreatedAt: time.Now(),
		Segments: []model.Segment{{Text: "goroutines are cheap and easy to use"}},
	}
	require.NoError(t, st.PutItem(ctx, item))

	backend := &fakeBackend{generateResponses: []string{
		`{"main_category":"Programming","sub_category":"Go","item_name":"Goroutines"}`,
		`{"suggested_title": "Understanding Goroutines", "sections": [{"heading": "Overview", "content_paragraphs": ["Goroutines are cheap."]}]}`,
	}}

	o, _ := newTestOrchestrator(t, st, backend)

	summary, err := o.Run(ctx, "task:1", []model.Item{item}, model.Preferences{})
	require.NoError(t, err)
	require.Equal(t, model.OutcomeCompleted, summary.Outcome)
	require.Equal(t, 1, summary.ItemsProcessed)
	require.Equal(t, 0, summary.ItemsErrored)
	require.Len(t, summary.PhaseResults, 5)

	got, err := st.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.True(t, got.AllFlagsTrue())
	require.Equal(t, "programming", *got.MainCategory)
	require.NotNil(t, got.KBDirPath)
}

func TestOrchestrator_LLMOnlyRerunSkipsCacheAndMedia(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	main, sub, name := "programming", "go", "goroutines"
	item := model.Item{
		ID: "item-1", SourceURL: "https://example.com/1", CreatedAt: time.Now(),
		Segments: []model.Segment{{Text: "goroutines are cheap"}},
		MainCategory: &main, SubCategory: &sub, ItemName: &name,
		CacheComplete: true, MediaProcessed: true, CategoriesProcessed: true,
	}
	require.NoError(t, st.PutItem(ctx, item))

	backend := &fakeBackend{generateResponses: []string{
		`{"suggested_title": "Understanding Goroutines", "sections": [{"heading": "Overview", "content_paragraphs": ["Goroutines are cheap."]}]}`,
	}}

	o, _ := newTestOrchestrator(t, st, backend)

	prefs := model.Preferences{ForceRegenerateArticles: true}
	require.True(t, prefs.LLMOnlyRerun())

	summary, err := o.Run(ctx, "task:1", []model.Item{item}, prefs)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeCompleted, summary.Outcome)
	require.Equal(t, 1, summary.ItemsProcessed)

	// cache and media results should be marked skipped, not run.
	require.Equal(t, model.PhaseCache, summary.PhaseResults[0].Phase)
	require.True(t, summary.PhaseResults[0].Skipped)
	require.Equal(t, model.PhaseMedia, summary.PhaseResults[1].Phase)
	require.True(t, summary.PhaseResults[1].Skipped)
}

func TestOrchestrator_ExecuteSucceedsWithEmptyBacklog(t *testing.T) {
	st := store.NewMemory()
	o, _ := newTestOrchestrator(t, st, &fakeBackend{})

	task := model.Task{ID: "task-1", Preferences: model.Preferences{}}
	res := o.Execute(context.Background(), task)
	require.Equal(t, model.TaskStatusSucceeded, res.Status)
	require.NotNil(t, res.Summary)
	require.Equal(t, 0, res.Summary.ItemsTotal)
}
