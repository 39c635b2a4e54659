package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOllamaBackend_GenerateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "hello world", Done: true})
	}))
	defer srv.Close()

	b := NewOllamaBackend(OllamaConfig{BaseURL: srv.URL, Timeout: time.Second}, srv.Client())
	out, err := b.Generate(context.Background(), "llama3", "say hi", GenerateParams{Temperature: 0.2})
	require.NoError(t, err)
	require.Equal(t, "hello world", out)
}

func TestOllamaBackend_GenerateRejectsEmptyPrompt(t *testing.T) {
	b := NewOllamaBackend(OllamaConfig{BaseURL: "http://unused"}, http.DefaultClient)
	_, err := b.Generate(context.Background(), "llama3", "   ", GenerateParams{})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrValidation))
}

func TestOllamaBackend_RetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "ok", Done: true})
	}))
	defer srv.Close()

	cfg := OllamaConfig{BaseURL: srv.URL, Timeout: time.Second, MaxRetries: 2}
	b := NewOllamaBackend(cfg, srv.Client())
	b.call.retry.InitialInterval = time.Millisecond
	b.call.retry.MaxInterval = 2 * time.Millisecond

	out, err := b.Generate(context.Background(), "llama3", "say hi", GenerateParams{})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.GreaterOrEqual(t, attempts, 2)
}

func TestOllamaBackend_DoesNotRetry4xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	b := NewOllamaBackend(OllamaConfig{BaseURL: srv.URL, Timeout: time.Second, MaxRetries: 3}, srv.Client())
	_, err := b.Generate(context.Background(), "llama3", "say hi", GenerateParams{})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
	require.True(t, errors.Is(err, ErrValidation))
}

func TestOllamaBackend_EmbedRejectsEmptyText(t *testing.T) {
	b := NewOllamaBackend(OllamaConfig{BaseURL: "http://unused"}, http.DefaultClient)
	_, err := b.Embed(context.Background(), "embed-model", "  \t", time.Second)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrValidation))
}

func TestOllamaBackend_RateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b := NewOllamaBackend(OllamaConfig{BaseURL: srv.URL, Timeout: time.Second, MaxRetries: 0}, srv.Client())
	_, err := b.Generate(context.Background(), "llama3", "hi", GenerateParams{})
	require.Error(t, err)

	var llmErr *Error
	require.True(t, errors.As(err, &llmErr))
	require.Equal(t, 2, llmErr.RetryAfter)
}

func TestFactory_FallsBackToOllamaWhenOpenAIMisconfigured(t *testing.T) {
	backend := NewBackend(FactoryConfig{Kind: BackendOpenAICompat, Ollama: OllamaConfig{BaseURL: "http://ollama"}})
	require.Equal(t, "ollama", backend.Name())
}
