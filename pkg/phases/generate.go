package phases

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kbagent/core/pkg/llm"
	"github.com/kbagent/core/pkg/markdown"
	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/prompt"
	"github.com/kbagent/core/pkg/store"
)

// GenerateExecutor implements the generate phase (spec.md §4.6.4):
// renders a structured article from an item's full context, converts it
// to Markdown, computes the item's kb_dir_path, and commits the README
// plus copied media to disk only after uniqueness has been asserted both
// within the current batch and against the state store.
type GenerateExecutor struct {
	Backend       llm.Backend
	Renderer      *prompt.Renderer
	Store         store.Store
	KBRoot        string
	Reasoning     bool
	Model         string
	FallbackModel string
	MaxRetries    int

	batchMu  sync.Mutex
	batchSet map[string]string // kb_dir_path -> item_id, reset per batch via ResetBatch
}

func NewGenerateExecutor(backend llm.Backend, renderer *prompt.Renderer, st store.Store, kbRoot string, reasoning bool, modelName, fallbackModel string, maxRetries int) *GenerateExecutor {
	return &GenerateExecutor{
		Backend: backend, Renderer: renderer, Store: st, KBRoot: kbRoot,
		Reasoning: reasoning, Model: modelName, FallbackModel: fallbackModel, MaxRetries: maxRetries,
		batchSet: make(map[string]string),
	}
}

// ResetBatch clears the in-batch kb_dir_path collision map. The pipeline
// orchestrator calls this once before each generate-phase run, since a
// fresh batch must not see collisions left over from a previous run.
func (e *GenerateExecutor) ResetBatch() {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()
	e.batchSet = make(map[string]string)
}

func (e *GenerateExecutor) Phase() string { return model.PhaseGenerate }

func (e *GenerateExecutor) PrereqSatisfied(item model.Item) bool { return item.CategoriesProcessed }

func (e *GenerateExecutor) NeedsWork(item model.Item, force bool) bool {
	return force || !item.ArticleCreated
}

func (e *GenerateExecutor) Process(ctx context.Context, item *model.Item) error {
	if item.MainCategory == nil || item.SubCategory == nil || item.ItemName == nil {
		return fmt.Errorf("phases: generate: item %s has no classification", item.ID)
	}

	article, rawJSON, err := e.renderArticle(ctx, item)
	if err != nil {
		return fmt.Errorf("phases: generate: item %s: %w", item.ID, err)
	}

	dirPath := filepath.Join(e.KBRoot, *item.MainCategory, *item.SubCategory, *item.ItemName)

	if err := e.claimBatchSlot(dirPath, item.ID); err != nil {
		return err
	}
	inUse, err := e.Store.KBDirPathInUse(ctx, dirPath, item.ID)
	if err != nil {
		return fmt.Errorf("phases: generate: checking kb_dir_path uniqueness: %w", err)
	}
	if inUse {
		return fmt.Errorf("%w: %s", store.ErrKBDirPathCollision, dirPath)
	}

	mediaPaths, err := e.writeArticle(dirPath, article, item)
	if err != nil {
		return fmt.Errorf("phases: generate: writing item %s: %w", item.ID, err)
	}

	title := article.SuggestedTitle
	md := article.ToMarkdown()
	item.ArticleTitle = &title
	item.ArticleMarkdown = &md
	item.ArticleRawJSON = &rawJSON
	item.KBDirPath = &dirPath
	item.KBMediaPaths = mediaPaths
	item.ArticleCreated = true
	return nil
}

// claimBatchSlot records dirPath as claimed by itemID within the current
// batch, failing if a different item already claimed it this run.
func (e *GenerateExecutor) claimBatchSlot(dirPath, itemID string) error {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()
	if existing, ok := e.batchSet[dirPath]; ok && existing != itemID {
		return fmt.Errorf("%w: %s (claimed by item %s in this batch)", store.ErrKBDirPathCollision, dirPath, existing)
	}
	e.batchSet[dirPath] = itemID
	return nil
}

func (e *GenerateExecutor) renderArticle(ctx context.Context, item *model.Item) (markdown.Article, string, error) {
	params := map[string]interface{}{
		"context":       e.fullContext(*item),
		"urls":          strings.Join(item.URLs, "\n"),
		"main_category": *item.MainCategory,
		"sub_category":  *item.SubCategory,
		"item_name":     *item.ItemName,
	}

	modelType := prompt.ModelStandard
	if e.Reasoning {
		modelType = prompt.ModelReasoning
	}

	var lastErr error
	for attempt := 0; attempt <= e.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return markdown.Article{}, "", ctx.Err()
		}

		modelName := e.Model
		if e.FallbackModel != "" && attempt > e.MaxRetries/2 {
			modelName = e.FallbackModel
		}

		rendered, err := e.Renderer.Render("kb_item_generation", modelType, params, "")
		if err != nil {
			return markdown.Article{}, "", err
		}

		var raw string
		if e.Reasoning && len(rendered.Messages) > 0 {
			raw, err = e.Backend.Chat(ctx, modelName, rendered.Messages, llm.ChatParams{Temperature: 0.3})
		} else {
			raw, err = e.Backend.Generate(ctx, modelName, rendered.Text, llm.GenerateParams{Temperature: 0.3, Options: llm.Options{JSONMode: true}})
		}
		if err != nil {
			lastErr = err
			continue
		}

		candidate := extractJSONObject(raw)
		var article markdown.Article
		if err := json.Unmarshal([]byte(candidate), &article); err != nil {
			lastErr = fmt.Errorf("parsing article JSON: %w", err)
			continue
		}
		if strings.TrimSpace(article.SuggestedTitle) == "" || len(article.Sections) == 0 {
			lastErr = fmt.Errorf("article JSON missing title or sections")
			continue
		}
		return article, candidate, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("exhausted retries")
	}
	return markdown.Article{}, "", lastErr
}

func (e *GenerateExecutor) fullContext(item model.Item) string {
	var b strings.Builder
	for _, seg := range item.Segments {
		b.WriteString(seg.Text)
		b.WriteString("\n\n")
	}
	for _, m := range item.Media {
		if m.HasDescription() {
			fmt.Fprintf(&b, "[media] %s\n", *m.Description)
		}
	}
	return strings.TrimSpace(b.String())
}

// writeArticle commits README.md and copies media into dirPath/media/,
// only after every uniqueness check in Process has already passed.
func (e *GenerateExecutor) writeArticle(dirPath string, article markdown.Article, item *model.Item) ([]string, error) {
	mediaDir := filepath.Join(dirPath, "media")
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return nil, err
	}

	if err := os.WriteFile(filepath.Join(dirPath, "README.md"), []byte(article.ToMarkdown()), 0o644); err != nil {
		return nil, err
	}

	var mediaPaths []string
	for idx, m := range item.Media {
		if m.LocalCachePath == nil || *m.LocalCachePath == "" {
			continue
		}
		dst := filepath.Join(mediaDir, fmt.Sprintf("%s_%d%s", item.ID, idx, filepath.Ext(*m.LocalCachePath)))
		if err := copyFile(*m.LocalCachePath, dst); err != nil {
			return nil, fmt.Errorf("copying media %d: %w", idx, err)
		}
		mediaPaths = append(mediaPaths, dst)
	}
	return mediaPaths, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

var _ Executor = (*GenerateExecutor)(nil)
