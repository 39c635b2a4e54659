// Package llm provides a uniform interface over external LLM HTTP
// services (text, chat, embeddings), with retries, timeouts,
// concurrency caps and error translation — the inference backend
// abstraction of spec.md §4.1.
package llm

import (
	"context"
	"time"
)

// Role is a chat message role.
type Role string

// Chat roles (spec.md §4.1).
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in a chat-style completion.
type Message struct {
	Role    Role
	Content string
}

// Options is the conventional sampler set plus a JSON-mode flag;
// unsupported options are silently dropped by each backend (spec.md
// §4.1). A nil *float64/*int means "use the backend's default".
type Options struct {
	Seed        *int64
	Stop        []string
	TopK        *int
	MinP        *float64
	FreqPenalty *float64
	PresPenalty *float64
	JSONMode    bool

	// GPUDevice is the round-robin GPU hint passed through by the
	// categorize phase (spec.md §4.6.3); backends that don't support
	// device pinning ignore it.
	GPUDevice *int
}

// GenerateParams configures a single-turn completion.
type GenerateParams struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
	Options     Options
	Timeout     time.Duration
}

// ChatParams configures a multi-turn completion.
type ChatParams struct {
	Temperature float64
	TopP        float64
	Options     Options
	Timeout     time.Duration
}

// Model is a single model descriptor returned by ListModels.
type Model struct {
	ID   string
	Name string
}

// HealthStatus is the result of a Health check.
type HealthStatus struct {
	Status               string // "healthy" or "unhealthy"
	ConfiguredURL        string
	AvailableModelCount  int
	LastError            string
}

// Backend is the capability interface every inference-provider adapter
// implements: Generate, Chat, Embed, ListModels, Health (spec.md §4.1).
type Backend interface {
	Name() string

	Generate(ctx context.Context, model, prompt string, params GenerateParams) (string, error)
	Chat(ctx context.Context, model string, messages []Message, params ChatParams) (string, error)
	Embed(ctx context.Context, model, text string, timeout time.Duration) ([]float64, error)
	ListModels(ctx context.Context) ([]Model, error)
	Health(ctx context.Context) (HealthStatus, error)
}

// MinEmbeddingLength is the default minimum embedding vector length
// (spec.md §4.1). Neither OllamaBackend.Embed nor OpenAICompatBackend.Embed
// checks the vectors they return against it.
const MinEmbeddingLength = 100
