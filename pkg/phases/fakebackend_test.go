package phases

import (
	"context"
	"time"

	"github.com/kbagent/core/pkg/llm"
)

// fakeBackend returns scripted responses for Generate/Chat in sequence,
// repeating the last entry once exhausted, for exercising phase-executor
// retry loops without a real inference backend.
type fakeBackend struct {
	generateResponses []string
	chatResponses     []string
	generateErr       []error
	chatErr           []error
	generateCalls     int
	chatCalls         int
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Generate(ctx context.Context, model, prompt string, params llm.GenerateParams) (string, error) {
	i := f.generateCalls
	f.generateCalls++
	var err error
	if i < len(f.generateErr) {
		err = f.generateErr[i]
	}
	resp := lastOr(f.generateResponses, i)
	return resp, err
}

func (f *fakeBackend) Chat(ctx context.Context, model string, messages []llm.Message, params llm.ChatParams) (string, error) {
	i := f.chatCalls
	f.chatCalls++
	var err error
	if i < len(f.chatErr) {
		err = f.chatErr[i]
	}
	resp := lastOr(f.chatResponses, i)
	return resp, err
}

func (f *fakeBackend) Embed(ctx context.Context, model, text string, timeout time.Duration) ([]float64, error) {
	return nil, nil
}

func (f *fakeBackend) ListModels(ctx context.Context) ([]llm.Model, error) { return nil, nil }

func (f *fakeBackend) Health(ctx context.Context) (llm.HealthStatus, error) {
	return llm.HealthStatus{Status: "healthy"}, nil
}

func lastOr(responses []string, i int) string {
	if len(responses) == 0 {
		return ""
	}
	if i < len(responses) {
		return responses[i]
	}
	return responses[len(responses)-1]
}

var _ llm.Backend = (*fakeBackend)(nil)
