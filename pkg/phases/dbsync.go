package phases

import (
	"context"
	"fmt"
	"time"

	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/store"
)

// DBSyncExecutor implements the db-sync phase (spec.md §4.6.5): upserts
// the downstream kb_item row (schema in spec.md §6.5) from an item's
// classification, content and path fields.
type DBSyncExecutor struct {
	Store store.Store
}

func NewDBSyncExecutor(st store.Store) *DBSyncExecutor {
	return &DBSyncExecutor{Store: st}
}

func (e *DBSyncExecutor) Phase() string { return model.PhaseDBSync }

func (e *DBSyncExecutor) PrereqSatisfied(item model.Item) bool { return item.ArticleCreated }

func (e *DBSyncExecutor) NeedsWork(item model.Item, force bool) bool {
	return force || !item.DBSynced
}

func (e *DBSyncExecutor) Process(ctx context.Context, item *model.Item) error {
	if item.MainCategory == nil || item.SubCategory == nil || item.ItemName == nil || item.KBDirPath == nil {
		return fmt.Errorf("phases: db-sync: item %s is missing classification or kb_dir_path", item.ID)
	}

	createdAtSource := item.CreatedAt
	row := store.KBItemRow{
		ItemID:          item.ID,
		Content:         item.FullText(),
		MainCategory:    *item.MainCategory,
		SubCategory:     *item.SubCategory,
		ItemName:        *item.ItemName,
		SourceURL:       item.SourceURL,
		KBDirPath:       *item.KBDirPath,
		KBMediaPaths:    item.KBMediaPaths,
		CreatedAtSource: &createdAtSource,
		SyncedAt:        time.Now(),
	}
	if item.ArticleTitle != nil {
		row.ArticleTitle = *item.ArticleTitle
	}

	if err := e.Store.UpsertKBItem(ctx, row); err != nil {
		return fmt.Errorf("phases: db-sync: item %s: %w", item.ID, err)
	}

	item.DBSynced = true
	return nil
}

var _ Executor = (*DBSyncExecutor)(nil)
