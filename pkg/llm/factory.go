package llm

import (
	"log/slog"
)

// BackendKind names the supported backend variants (§6.7 INFERENCE_BACKEND).
type BackendKind string

// Backend kinds.
const (
	BackendOllama       BackendKind = "ollama"
	BackendOpenAICompat BackendKind = "openai-compat"
)

// FactoryConfig is the subset of pkg/config needed to build a Backend.
type FactoryConfig struct {
	Kind   BackendKind
	Ollama OllamaConfig
	OpenAI OpenAICompatConfig
}

// NewBackend dispatches on cfg.Kind, falling back to the Ollama-shaped
// backend if the configured variant cannot be instantiated (spec.md §4.1
// rationale: "a thin adapter per backend... enables a clean fallback on
// startup misconfiguration").
func NewBackend(cfg FactoryConfig) Backend {
	switch cfg.Kind {
	case BackendOpenAICompat:
		if cfg.OpenAI.BaseURL == "" {
			slog.Warn("openai-compat backend misconfigured (no base URL), falling back to ollama")
			return NewOllamaBackend(cfg.Ollama, nil)
		}
		return NewOpenAICompatBackend(cfg.OpenAI, nil)
	case BackendOllama:
		return NewOllamaBackend(cfg.Ollama, nil)
	default:
		slog.Warn("unknown inference backend kind, falling back to ollama", "kind", cfg.Kind)
		return NewOllamaBackend(cfg.Ollama, nil)
	}
}
