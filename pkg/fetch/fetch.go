// Package fetch retrieves the raw bytes of a remote media URL for the
// cache phase, via a thin HTTP client abstraction so phase executors and
// tests never depend on net/http directly.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Result is a fetched resource's bytes plus its reported content type.
type Result struct {
	Body        []byte
	ContentType string
}

// ContentFetcher retrieves a remote URL's bytes. Implemented by
// HTTPFetcher in production and a stub in phase-executor unit tests.
type ContentFetcher interface {
	Fetch(ctx context.Context, url string) (Result, error)
}

// HTTPFetcher is the default ContentFetcher, a thin net/http wrapper —
// no HTTP client library appears anywhere in the example corpus, so this
// follows tarsy's own practice of using net/http directly for outbound
// calls (see pkg/llm, pkg/slack).
type HTTPFetcher struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPFetcher constructs a fetcher with a bounded per-request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: http.DefaultClient, Timeout: timeout}
}

// Fetch performs a GET request, bounded by f.Timeout (or the context's
// own deadline, if earlier).
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (Result, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: building request for %s: %w", url, err)
	}

	resp, err := f.client().Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("fetch: %s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: reading body of %s: %w", url, err)
	}

	return Result{Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (f *HTTPFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

var _ ContentFetcher = (*HTTPFetcher)(nil)
