package phases

import (
	"context"
	"fmt"
	"strings"

	"github.com/kbagent/core/pkg/llm"
	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/prompt"
)

// MediaExecutor implements the media phase (spec.md §4.6.2): describes
// every cached, non-video media item via the vision-capable model,
// leaving video items' descriptions null by design (Open Question 2).
type MediaExecutor struct {
	Backend     llm.Backend
	Renderer    *prompt.Renderer
	VisionModel string
	Reasoning   bool

	// Force, when true, re-describes every non-video media item
	// regardless of an existing description — set by the pipeline
	// orchestrator before a Runner.Run call made under
	// force_reprocess_media, then cleared afterward.
	Force bool
}

func NewMediaExecutor(backend llm.Backend, renderer *prompt.Renderer, visionModel string, reasoning bool) *MediaExecutor {
	return &MediaExecutor{Backend: backend, Renderer: renderer, VisionModel: visionModel, Reasoning: reasoning}
}

func (e *MediaExecutor) Phase() string { return model.PhaseMedia }

func (e *MediaExecutor) PrereqSatisfied(item model.Item) bool { return item.CacheComplete }

func (e *MediaExecutor) NeedsWork(item model.Item, force bool) bool {
	if force {
		return true
	}
	return !item.MediaProcessed
}

// Process describes every non-video media item still lacking a
// description (or, under Force, every non-video media item at all),
// leaving video items untouched.
func (e *MediaExecutor) Process(ctx context.Context, item *model.Item) error {
	for idx := range item.Media {
		m := &item.Media[idx]
		if m.IsVideo || m.LocalCachePath == nil || *m.LocalCachePath == "" {
			continue
		}
		if !e.Force && m.HasDescription() {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		desc, err := e.describe(ctx, m)
		if err != nil {
			return fmt.Errorf("phases: media: describing item %s media %d: %w", item.ID, idx, err)
		}
		m.Description = &desc
	}

	item.MediaProcessed = item.AllNonVideoMediaDescribed()
	return nil
}

func (e *MediaExecutor) describe(ctx context.Context, m *model.MediaItem) (string, error) {
	path := ""
	if m.LocalCachePath != nil {
		path = *m.LocalCachePath
	}

	params := map[string]interface{}{
		"source_url":      m.SourceURL,
		"local_cache_path": path,
		"mime_type":        m.MimeType,
	}

	modelType := prompt.ModelStandard
	if e.Reasoning {
		modelType = prompt.ModelReasoning
	}

	rendered, err := e.Renderer.Render("media_description", modelType, params, "")
	if err != nil {
		return "", err
	}

	var out string
	if e.Reasoning && len(rendered.Messages) > 0 {
		out, err = e.Backend.Chat(ctx, e.VisionModel, rendered.Messages, llm.ChatParams{Temperature: 0.2})
	} else {
		out, err = e.Backend.Generate(ctx, e.VisionModel, rendered.Text, llm.GenerateParams{Temperature: 0.2})
	}
	if err != nil {
		return "", err
	}

	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("phases: media: backend returned empty description")
	}
	return out, nil
}

var _ Executor = (*MediaExecutor)(nil)
