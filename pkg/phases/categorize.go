package phases

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/kbagent/core/pkg/category"
	"github.com/kbagent/core/pkg/llm"
	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/prompt"
)

// categoryResponse is the JSON shape the categorization prompt must
// produce (spec.md §4.6.3).
type categoryResponse struct {
	MainCategory string `json:"main_category"`
	SubCategory  string `json:"sub_category"`
	ItemName     string `json:"item_name"`
}

// CategorizeExecutor implements the categorize phase (spec.md §4.6.3):
// classifies each item into a filesystem-safe (main, sub, item_name)
// triple, retrying parse/validation failures up to MaxRetries and
// escalating to FallbackModel once the primary attempt budget is spent.
// NumGPUs items run concurrently — the concurrency bound is owned by
// the phases.Runner driving this executor (see pipeline wiring), sized
// to NumGPUs so this executor's round-robin counter never assigns more
// distinct devices than are actually in flight.
type CategorizeExecutor struct {
	Backend      llm.Backend
	Renderer     *prompt.Renderer
	Categories   category.Manager
	Reasoning    bool
	Model        string
	FallbackModel string
	MaxRetries   int
	MaxComponentLen int
	NumGPUs      int

	nextGPU int64 // round-robin counter, advanced atomically
}

func NewCategorizeExecutor(backend llm.Backend, renderer *prompt.Renderer, categories category.Manager, modelName, fallbackModel string, reasoning bool, maxRetries, maxComponentLen, numGPUs int) *CategorizeExecutor {
	if numGPUs <= 0 {
		numGPUs = 1
	}
	if maxComponentLen <= 0 {
		maxComponentLen = 64
	}
	return &CategorizeExecutor{
		Backend: backend, Renderer: renderer, Categories: categories,
		Model: modelName, FallbackModel: fallbackModel, Reasoning: reasoning,
		MaxRetries: maxRetries, MaxComponentLen: maxComponentLen, NumGPUs: numGPUs,
	}
}

func (e *CategorizeExecutor) Phase() string { return model.PhaseCategorize }

func (e *CategorizeExecutor) PrereqSatisfied(item model.Item) bool { return item.MediaProcessed }

func (e *CategorizeExecutor) NeedsWork(item model.Item, force bool) bool {
	return force || !item.CategoriesProcessed
}

// Process classifies item, retrying on parse or validation failure.
func (e *CategorizeExecutor) Process(ctx context.Context, item *model.Item) error {
	if len(item.Segments) == 0 && item.FullText() == "" && len(item.Media) == 0 {
		return fmt.Errorf("%w: item %s has zero segments, text and media", llm.ErrValidation, item.ID)
	}

	categories, err := e.Categories.GetCategories(ctx)
	if err != nil {
		return fmt.Errorf("phases: categorize: listing categories: %w", err)
	}
	listing := category.FormatListing(categories)
	gpuDevice := int(atomic.AddInt64(&e.nextGPU, 1)-1) % e.NumGPUs

	params := map[string]interface{}{
		"context":           e.assembleContext(*item),
		"existing_categories": listing,
	}

	var lastErr error
	var messages []llm.Message
	for attempt := 0; attempt <= e.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		modelName := e.Model
		if e.FallbackModel != "" && attempt > e.MaxRetries/2 {
			modelName = e.FallbackModel
		}

		raw, err := e.callModel(ctx, modelName, params, gpuDevice, attempt, &messages, lastErr)
		if err != nil {
			lastErr = err
			continue
		}

		resp, err := parseCategoryResponse(raw)
		if err != nil {
			lastErr = err
			continue
		}

		main := model.NormalizeCategoryComponent(resp.MainCategory, e.MaxComponentLen)
		sub := model.NormalizeCategoryComponent(resp.SubCategory, e.MaxComponentLen)
		name := model.NormalizeCategoryComponent(resp.ItemName, e.MaxComponentLen)
		if main == "" || sub == "" || name == "" {
			lastErr = fmt.Errorf("phases: categorize: normalized classification has an empty component")
			continue
		}

		if err := e.Categories.EnsureCategory(ctx, main, sub); err != nil {
			return fmt.Errorf("phases: categorize: ensuring category %s/%s: %w", main, sub, err)
		}

		item.MainCategory = &main
		item.SubCategory = &sub
		item.ItemName = &name
		item.CategoriesProcessed = true
		return nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("phases: categorize: exhausted retries")
	}
	return fmt.Errorf("phases: categorize: item %s: %w", item.ID, lastErr)
}

func (e *CategorizeExecutor) assembleContext(item model.Item) string {
	var b strings.Builder
	for _, seg := range item.Segments {
		b.WriteString(seg.Text)
		b.WriteString("\n\n")
	}
	for _, m := range item.Media {
		if m.HasDescription() {
			b.WriteString("[media] ")
			b.WriteString(*m.Description)
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// callModel renders and calls the backend. In chat/reasoning mode, on
// retry it appends a corrective user turn to the running conversation
// instead of starting over, per spec.md §4.6.3.
func (e *CategorizeExecutor) callModel(ctx context.Context, modelName string, params map[string]interface{}, gpuDevice, attempt int, messages *[]llm.Message, prevErr error) (string, error) {
	options := llm.Options{JSONMode: true, GPUDevice: &gpuDevice}

	if e.Reasoning {
		if attempt == 0 {
			rendered, err := e.Renderer.Render("categorization", prompt.ModelReasoning, params, "")
			if err != nil {
				return "", err
			}
			*messages = append(*messages, rendered.Messages...)
		} else {
			*messages = append(*messages, llm.Message{
				Role:    llm.RoleUser,
				Content: correctiveTurn(prevErr),
			})
		}
		return e.Backend.Chat(ctx, modelName, *messages, llm.ChatParams{Temperature: 0.1, Options: options})
	}

	rendered, err := e.Renderer.Render("categorization", prompt.ModelStandard, params, "")
	if err != nil {
		return "", err
	}
	return e.Backend.Generate(ctx, modelName, rendered.Text, llm.GenerateParams{Temperature: 0.1, Options: options})
}

func correctiveTurn(prevErr error) string {
	if prevErr == nil {
		return "Your previous response was not valid. Reply with only the JSON object {\"main_category\":..., \"sub_category\":..., \"item_name\":...}."
	}
	return fmt.Sprintf("Your previous response was invalid (%s). Reply with only the JSON object {\"main_category\":..., \"sub_category\":..., \"item_name\":...}.", prevErr.Error())
}

func parseCategoryResponse(raw string) (categoryResponse, error) {
	candidate := extractJSONObject(raw)
	var resp categoryResponse
	if err := json.Unmarshal([]byte(candidate), &resp); err != nil {
		return categoryResponse{}, fmt.Errorf("phases: categorize: parsing response JSON: %w", err)
	}
	if strings.TrimSpace(resp.MainCategory) == "" || strings.TrimSpace(resp.SubCategory) == "" || strings.TrimSpace(resp.ItemName) == "" {
		return categoryResponse{}, fmt.Errorf("phases: categorize: response missing a required field")
	}
	return resp, nil
}

var _ Executor = (*CategorizeExecutor)(nil)
