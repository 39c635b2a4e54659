// Package validator runs the pre-flight cache consistency pass over a
// batch of items before any phase executor touches them: it repairs
// flags that have drifted from reality on disk, and it detects
// kb_dir_path collisions within the batch.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/store"
)

// Repair describes one auto-repair applied to an item, for reporting
// (e.g. the cache-audit CLI command).
type Repair struct {
	ItemID string
	Field  string
	Detail string
}

// Collision describes a kb_dir_path shared by two items in the same batch.
type Collision struct {
	Path     string
	ItemIDs  []string
}

// Report summarizes one validation pass.
type Report struct {
	Repairs    []Repair
	Collisions []Collision
}

// FileExists abstracts the filesystem check so tests don't need real
// README files on disk; Validator's default is os.Stat.
type FileExists func(path string) bool

func defaultFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Validator runs the consistency pass described in the cache consistency
// validator design, persisting every repair through Store before any
// phase executor runs.
type Validator struct {
	fileExists FileExists
}

// New constructs a Validator that checks README existence against the
// real filesystem.
func New() *Validator {
	return &Validator{fileExists: defaultFileExists}
}

// NewWithFileExists constructs a Validator with a substitute file-existence
// check, for tests.
func NewWithFileExists(fn FileExists) *Validator {
	return &Validator{fileExists: fn}
}

// Run applies the five auto-repair rules to every item in place, persists
// repaired items via st.PutItem, then runs the batch-wide kb_dir_path
// collision pass. Per the always-error decision (see DESIGN.md), a
// collision is not auto-resolved — every item sharing the path is marked
// errored for the generate phase and persisted before Run returns, so the
// phase Runner's eligibility check, which leaves out items carrying a
// phase error, skips them in the generate and db-sync phases of this run
// while finalize() still counts them as errored rather than silently
// processed.
func (v *Validator) Run(ctx context.Context, st store.Store, items []model.Item) (Report, error) {
	var report Report

	for i := range items {
		repairs := v.repairItem(&items[i])
		if len(repairs) == 0 {
			continue
		}
		report.Repairs = append(report.Repairs, repairs...)
		if err := st.PutItem(ctx, items[i]); err != nil {
			if errors.Is(err, store.ErrKBDirPathCollision) {
				// This item shares kb_dir_path with another item in the
				// batch; the collision pass below detects the same group
				// and persists every member (one keeps the path, the rest
				// give it up), so this repair's write is retried there.
				continue
			}
			return report, fmt.Errorf("validator: persisting repaired item %s: %w", items[i].ID, err)
		}
	}

	report.Collisions = detectCollisions(items)
	if len(report.Collisions) == 0 {
		return report, nil
	}

	byID := make(map[string]int, len(items))
	for i := range items {
		byID[items[i].ID] = i
	}

	for _, c := range report.Collisions {
		slog.Warn("validator: kb_dir_path collision detected", "path", c.Path, "item_ids", c.ItemIDs)
		msg := fmt.Sprintf("kb_dir_path collision at %q shared with %v", c.Path, c.ItemIDs)
		for _, id := range c.ItemIDs {
			i, ok := byID[id]
			if !ok {
				continue
			}
			items[i].SetPhaseError(model.PhaseGenerate, msg)
			err := st.PutItem(ctx, items[i])
			if errors.Is(err, store.ErrKBDirPathCollision) {
				// Store.PutItem enforces the same kb_dir_path uniqueness
				// this loop is already reporting, so only the first member
				// of a group can ever win that write. The loser never
				// legitimately held this directory — clear its claim and
				// its article_created flag so the write (now just an error
				// annotation) goes through and a later run generates it
				// again.
				items[i].KBDirPath = nil
				items[i].ArticleCreated = false
				err = st.PutItem(ctx, items[i])
			}
			if err != nil {
				return report, fmt.Errorf("validator: persisting collision error on item %s: %w", id, err)
			}
		}
	}

	return report, nil
}

func (v *Validator) repairItem(item *model.Item) []Repair {
	var repairs []Repair

	// Rule 1: article_created true but kb_dir_path empty or README missing.
	if item.ArticleCreated {
		missing := item.KBDirPath == nil || *item.KBDirPath == "" || !v.fileExists(readmePath(*item.KBDirPath))
		if missing {
			item.ArticleCreated = false
			repairs = append(repairs, repair(item.ID, "article_created", "reset to false: kb_dir_path empty or README missing on disk"))
		}
	}

	// Rule 2: article_created false but README exists on disk.
	if !item.ArticleCreated && item.KBDirPath != nil && *item.KBDirPath != "" && v.fileExists(readmePath(*item.KBDirPath)) {
		item.ArticleCreated = true
		repairs = append(repairs, repair(item.ID, "article_created", "set to true: README found on disk"))
	}

	// Rule 3: categories_processed true but a classification attribute is empty.
	if item.CategoriesProcessed && !item.ClassificationComplete() {
		item.CategoriesProcessed = false
		repairs = append(repairs, repair(item.ID, "categories_processed", "reset to false: classification incomplete"))
	}

	// Rule 4: db_synced true but categories_processed false.
	if item.DBSynced && !item.CategoriesProcessed {
		item.DBSynced = false
		repairs = append(repairs, repair(item.ID, "db_synced", "reset to false: categories_processed is false"))
	}

	// Rule 5: media_processed true but non-video cached media lacks a description.
	if item.MediaProcessed && !item.AllNonVideoMediaDescribed() {
		item.MediaProcessed = false
		repairs = append(repairs, repair(item.ID, "media_processed", "reset to false: non-video cached media missing description"))
	}

	for _, r := range repairs {
		slog.Warn("validator: auto-repair applied", "item_id", r.ItemID, "field", r.Field, "detail", r.Detail)
	}
	return repairs
}

func readmePath(kbDirPath string) string {
	return kbDirPath + "/README.md"
}

func repair(itemID, field, detail string) Repair {
	return Repair{ItemID: itemID, Field: field, Detail: detail}
}

// detectCollisions groups items sharing a non-empty kb_dir_path.
func detectCollisions(items []model.Item) []Collision {
	byPath := make(map[string][]string)
	for _, item := range items {
		if item.KBDirPath == nil || *item.KBDirPath == "" {
			continue
		}
		byPath[*item.KBDirPath] = append(byPath[*item.KBDirPath], item.ID)
	}

	var collisions []Collision
	for path, ids := range byPath {
		if len(ids) > 1 {
			collisions = append(collisions, Collision{Path: path, ItemIDs: ids})
		}
	}
	return collisions
}
