package phases

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/prompt"
	"github.com/kbagent/core/pkg/store"
)

func newGenerateRenderer(t *testing.T) *prompt.Renderer {
	t.Helper()
	dir := t.TempDir()
	writeTestPrompt(t, dir, "kb_item_generation", `
id: kb_item_generation
template: "write {{.context}}"
`)
	r, err := prompt.NewRenderer(dir)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

const articleJSON = `{
  "suggested_title": "Understanding Goroutines",
  "sections": [{"heading": "Overview", "content_paragraphs": ["Goroutines are cheap."]}]
}`

func classifiedItem(id string) model.Item {
	main, sub, name := "programming", "go", "goroutines"
	return model.Item{
		ID: id, Segments: []model.Segment{{Text: "goroutines are cheap"}},
		MainCategory: &main, SubCategory: &sub, ItemName: &name,
		CategoriesProcessed: true,
	}
}

func TestGenerateExecutor_WritesReadmeAndCommitsPath(t *testing.T) {
	kbRoot := t.TempDir()
	st := store.NewMemory()
	backend := &fakeBackend{generateResponses: []string{articleJSON}}
	exec := NewGenerateExecutor(backend, newGenerateRenderer(t), st, kbRoot, false, "llama3", "", 1)

	item := classifiedItem("item-1")
	require.NoError(t, exec.Process(context.Background(), &item))

	require.True(t, item.ArticleCreated)
	require.NotNil(t, item.KBDirPath)
	readme := filepath.Join(*item.KBDirPath, "README.md")
	require.FileExists(t, readme)
	data, err := os.ReadFile(readme)
	require.NoError(t, err)
	require.Contains(t, string(data), "Understanding Goroutines")
}

func TestGenerateExecutor_RejectsInBatchCollision(t *testing.T) {
	kbRoot := t.TempDir()
	st := store.NewMemory()
	backend := &fakeBackend{generateResponses: []string{articleJSON}}
	exec := NewGenerateExecutor(backend, newGenerateRenderer(t), st, kbRoot, false, "llama3", "", 1)

	a := classifiedItem("a")
	b := classifiedItem("b")

	require.NoError(t, exec.Process(context.Background(), &a))
	err := exec.Process(context.Background(), &b)
	require.Error(t, err)
	require.False(t, b.ArticleCreated)
}

func TestGenerateExecutor_ResetBatchClearsCollisionState(t *testing.T) {
	kbRoot := t.TempDir()
	st := store.NewMemory()
	backend := &fakeBackend{generateResponses: []string{articleJSON}}
	exec := NewGenerateExecutor(backend, newGenerateRenderer(t), st, kbRoot, false, "llama3", "", 1)

	a := classifiedItem("a")
	require.NoError(t, exec.Process(context.Background(), &a))

	exec.ResetBatch()

	b := classifiedItem("b")
	require.NoError(t, exec.Process(context.Background(), &b))
}
