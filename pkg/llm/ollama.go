package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OllamaConfig configures the Ollama-shaped backend (spec.md §6.1).
type OllamaConfig struct {
	BaseURL           string
	Timeout           time.Duration
	MaxRetries        int
	ConcurrentRequests int
}

// OllamaBackend talks to an Ollama-compatible HTTP API:
// POST /api/generate, POST /api/chat, POST /api/embed, GET /api/tags.
type OllamaBackend struct {
	cfg    OllamaConfig
	client httpDoer
	call   *caller
}

// NewOllamaBackend constructs an Ollama backend. client defaults to
// http.DefaultClient when nil, so tests can inject a fake transport.
func NewOllamaBackend(cfg OllamaConfig, client httpDoer) *OllamaBackend {
	if client == nil {
		client = http.DefaultClient
	}
	retry := DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	return &OllamaBackend{
		cfg:    cfg,
		client: client,
		call:   newCaller("ollama", cfg.ConcurrentRequests, retry),
	}
}

func (b *OllamaBackend) Name() string { return "ollama" }

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
	Format  string                 `json:"format,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (b *OllamaBackend) Generate(ctx context.Context, model, prompt string, params GenerateParams) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", newErr(ErrValidation, b.Name(), "generate", fmt.Errorf("prompt must not be empty"))
	}

	req := ollamaGenerateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: optionsToMap(params.Temperature, params.TopP, params.MaxTokens, params.Options),
	}
	if params.Options.JSONMode {
		req.Format = "json"
	}

	var resp ollamaGenerateResponse
	timeout := effectiveTimeout(params.Timeout, b.cfg.Timeout)
	err := b.call.do(ctx, "generate", func(ctx context.Context) error {
		return doJSON(ctx, b.client, b.Name(), "generate", http.MethodPost, b.cfg.BaseURL+"/api/generate", req, &resp, timeout)
	})
	if err != nil {
		return "", err
	}
	return resp.Response, nil
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaChatMessage    `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
	Format   string                 `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
}

func (b *OllamaBackend) Chat(ctx context.Context, model string, messages []Message, params ChatParams) (string, error) {
	if len(messages) == 0 {
		return "", newErr(ErrValidation, b.Name(), "chat", fmt.Errorf("messages must not be empty"))
	}

	req := ollamaChatRequest{
		Model:   model,
		Stream:  false,
		Options: optionsToMap(params.Temperature, params.TopP, 0, params.Options),
	}
	if params.Options.JSONMode {
		req.Format = "json"
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, ollamaChatMessage{Role: string(m.Role), Content: m.Content})
	}

	var resp ollamaChatResponse
	timeout := effectiveTimeout(params.Timeout, b.cfg.Timeout)
	err := b.call.do(ctx, "chat", func(ctx context.Context) error {
		return doJSON(ctx, b.client, b.Name(), "chat", http.MethodPost, b.cfg.BaseURL+"/api/chat", req, &resp, timeout)
	})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

func (b *OllamaBackend) Embed(ctx context.Context, model, text string, timeout time.Duration) ([]float64, error) {
	if strings.TrimSpace(text) == "" {
		return nil, newErr(ErrValidation, b.Name(), "embed", fmt.Errorf("text must not be empty or whitespace-only"))
	}

	var resp ollamaEmbedResponse
	err := b.call.do(ctx, "embed", func(ctx context.Context) error {
		req := ollamaEmbedRequest{Model: model, Input: text}
		return doJSON(ctx, b.client, b.Name(), "embed", http.MethodPost, b.cfg.BaseURL+"/api/embed", req, &resp, effectiveTimeout(timeout, b.cfg.Timeout))
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, newErr(ErrGeneric, b.Name(), "embed", fmt.Errorf("backend returned no embeddings"))
	}
	return resp.Embeddings[0], nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (b *OllamaBackend) ListModels(ctx context.Context) ([]Model, error) {
	var resp ollamaTagsResponse
	err := b.call.do(ctx, "list_models", func(ctx context.Context) error {
		return doJSON(ctx, b.client, b.Name(), "list_models", http.MethodGet, b.cfg.BaseURL+"/api/tags", nil, &resp, b.cfg.Timeout)
	})
	if err != nil {
		return nil, err
	}
	out := make([]Model, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, Model{ID: m.Name, Name: m.Name})
	}
	return out, nil
}

func (b *OllamaBackend) Health(ctx context.Context) (HealthStatus, error) {
	models, err := b.ListModels(ctx)
	if err != nil {
		return HealthStatus{Status: "unhealthy", ConfiguredURL: b.cfg.BaseURL, LastError: err.Error()}, nil
	}
	return HealthStatus{Status: "healthy", ConfiguredURL: b.cfg.BaseURL, AvailableModelCount: len(models)}, nil
}

// optionsToMap projects the conventional sampler set into Ollama's
// "options" object, silently dropping unsupported options (spec.md §4.1).
func optionsToMap(temperature, topP float64, maxTokens int, o Options) map[string]interface{} {
	m := map[string]interface{}{
		"temperature": temperature,
		"top_p":       topP,
	}
	if maxTokens > 0 {
		m["num_predict"] = maxTokens
	}
	if o.Seed != nil {
		m["seed"] = *o.Seed
	}
	if len(o.Stop) > 0 {
		m["stop"] = o.Stop
	}
	if o.TopK != nil {
		m["top_k"] = *o.TopK
	}
	if o.MinP != nil {
		m["min_p"] = *o.MinP
	}
	if o.FreqPenalty != nil {
		m["frequency_penalty"] = *o.FreqPenalty
	}
	if o.PresPenalty != nil {
		m["presence_penalty"] = *o.PresPenalty
	}
	if o.GPUDevice != nil {
		m["gpu_device"] = *o.GPUDevice
	}
	return m
}

func effectiveTimeout(requested, fallback time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	return fallback
}
