package phases

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/store"
)

func TestDBSyncExecutor_UpsertsKBItemRow(t *testing.T) {
	st := store.NewMemory()
	exec := NewDBSyncExecutor(st)

	main, sub, name, dir := "programming", "go", "goroutines", "/kb/programming/go/goroutines"
	title := "Understanding Goroutines"
	item := model.Item{
		ID: "item-1", SourceURL: "https://example.com/1", CreatedAt: time.Now(),
		MainCategory: &main, SubCategory: &sub, ItemName: &name, KBDirPath: &dir,
		ArticleTitle: &title, ArticleCreated: true,
	}

	require.NoError(t, exec.Process(context.Background(), &item))
	require.True(t, item.DBSynced)
}

func TestDBSyncExecutor_RequiresClassificationAndPath(t *testing.T) {
	exec := NewDBSyncExecutor(store.NewMemory())
	item := model.Item{ID: "item-1", ArticleCreated: true}
	require.Error(t, exec.Process(context.Background(), &item))
}
