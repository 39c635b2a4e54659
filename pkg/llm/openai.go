package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OpenAICompatConfig configures the OpenAI-shaped backend (spec.md §6.1).
type OpenAICompatConfig struct {
	BaseURL            string
	APIKey             string
	Timeout            time.Duration
	MaxRetries         int
	ConcurrentRequests int
}

// OpenAICompatBackend talks to an OpenAI-compatible HTTP API:
// POST /v1/completions, POST /v1/chat/completions, POST /v1/embeddings,
// GET /v1/models.
type OpenAICompatBackend struct {
	cfg    OpenAICompatConfig
	client httpDoer
	call   *caller
}

// NewOpenAICompatBackend constructs an OpenAI-compatible backend.
func NewOpenAICompatBackend(cfg OpenAICompatConfig, client httpDoer) *OpenAICompatBackend {
	if client == nil {
		client = http.DefaultClient
	}
	retry := DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	return &OpenAICompatBackend{
		cfg:    cfg,
		client: &authDoer{inner: client, apiKey: cfg.APIKey},
		call:   newCaller("openai-compat", cfg.ConcurrentRequests, retry),
	}
}

// authDoer injects the Authorization header on every request, so the
// shared doJSON helper doesn't need to know about per-backend auth.
type authDoer struct {
	inner  httpDoer
	apiKey string
}

func (d *authDoer) Do(req *http.Request) (*http.Response, error) {
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}
	return d.inner.Do(req)
}

func (b *OpenAICompatBackend) Name() string { return "openai-compat" }

type openAICompletionRequest struct {
	Model            string   `json:"model"`
	Prompt           string   `json:"prompt"`
	Temperature      float64  `json:"temperature"`
	TopP             float64  `json:"top_p"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
}

type openAICompletionResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
}

func (b *OpenAICompatBackend) Generate(ctx context.Context, model, prompt string, params GenerateParams) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", newErr(ErrValidation, b.Name(), "generate", fmt.Errorf("prompt must not be empty"))
	}

	req := openAICompletionRequest{
		Model:            model,
		Prompt:           prompt,
		Temperature:      params.Temperature,
		TopP:             params.TopP,
		MaxTokens:        params.MaxTokens,
		Stop:             params.Options.Stop,
		Seed:             params.Options.Seed,
		FrequencyPenalty: params.Options.FreqPenalty,
		PresencePenalty:  params.Options.PresPenalty,
	}

	var resp openAICompletionResponse
	timeout := effectiveTimeout(params.Timeout, b.cfg.Timeout)
	err := b.call.do(ctx, "generate", func(ctx context.Context) error {
		return doJSON(ctx, b.client, b.Name(), "generate", http.MethodPost, b.cfg.BaseURL+"/v1/completions", req, &resp, timeout)
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Text, nil
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model          string              `json:"model"`
	Messages       []openAIChatMessage `json:"messages"`
	Temperature    float64             `json:"temperature"`
	TopP           float64             `json:"top_p"`
	Stop           []string            `json:"stop,omitempty"`
	ResponseFormat *openAIResponseFmt  `json:"response_format,omitempty"`
}

type openAIResponseFmt struct {
	Type string `json:"type"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
}

func (b *OpenAICompatBackend) Chat(ctx context.Context, model string, messages []Message, params ChatParams) (string, error) {
	if len(messages) == 0 {
		return "", newErr(ErrValidation, b.Name(), "chat", fmt.Errorf("messages must not be empty"))
	}

	req := openAIChatRequest{
		Model:       model,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		Stop:        params.Options.Stop,
	}
	if params.Options.JSONMode {
		req.ResponseFormat = &openAIResponseFmt{Type: "json_object"}
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openAIChatMessage{Role: string(m.Role), Content: m.Content})
	}

	var resp openAIChatResponse
	timeout := effectiveTimeout(params.Timeout, b.cfg.Timeout)
	err := b.call.do(ctx, "chat", func(ctx context.Context) error {
		return doJSON(ctx, b.client, b.Name(), "chat", http.MethodPost, b.cfg.BaseURL+"/v1/chat/completions", req, &resp, timeout)
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

type openAIEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (b *OpenAICompatBackend) Embed(ctx context.Context, model, text string, timeout time.Duration) ([]float64, error) {
	if strings.TrimSpace(text) == "" {
		return nil, newErr(ErrValidation, b.Name(), "embed", fmt.Errorf("text must not be empty or whitespace-only"))
	}

	var resp openAIEmbedResponse
	err := b.call.do(ctx, "embed", func(ctx context.Context) error {
		req := openAIEmbedRequest{Model: model, Input: text}
		return doJSON(ctx, b.client, b.Name(), "embed", http.MethodPost, b.cfg.BaseURL+"/v1/embeddings", req, &resp, effectiveTimeout(timeout, b.cfg.Timeout))
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, newErr(ErrGeneric, b.Name(), "embed", fmt.Errorf("backend returned no embeddings"))
	}
	return resp.Data[0].Embedding, nil
}

type openAIModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (b *OpenAICompatBackend) ListModels(ctx context.Context) ([]Model, error) {
	var resp openAIModelsResponse
	err := b.call.do(ctx, "list_models", func(ctx context.Context) error {
		return doJSON(ctx, b.client, b.Name(), "list_models", http.MethodGet, b.cfg.BaseURL+"/v1/models", nil, &resp, b.cfg.Timeout)
	})
	if err != nil {
		return nil, err
	}
	out := make([]Model, 0, len(resp.Data))
	for _, m := range resp.Data {
		out = append(out, Model{ID: m.ID, Name: m.ID})
	}
	return out, nil
}

func (b *OpenAICompatBackend) Health(ctx context.Context) (HealthStatus, error) {
	models, err := b.ListModels(ctx)
	if err != nil {
		return HealthStatus{Status: "unhealthy", ConfiguredURL: b.cfg.BaseURL, LastError: err.Error()}, nil
	}
	return HealthStatus{Status: "healthy", ConfiguredURL: b.cfg.BaseURL, AvailableModelCount: len(models)}, nil
}
