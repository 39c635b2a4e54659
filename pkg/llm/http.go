package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// httpDoer is the subset of *http.Client used by both backends, so
// tests can substitute a fake transport without a real server.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// doJSON POSTs body as JSON to url and decodes the response into out.
// HTTP and transport failures are translated into the unified error
// taxonomy per spec.md §4.1.
func doJSON(ctx context.Context, doer httpDoer, backend, operation, method, url string, body, out interface{}, timeout time.Duration) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return newErr(ErrValidation, backend, operation, err)
		}
		reader = bytes.NewReader(buf)
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return newErr(ErrValidation, backend, operation, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := doer.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return newErr(ErrTimeout, backend, operation, err)
		}
		return newErr(ErrConnection, backend, operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return translateHTTPStatus(resp, backend, operation)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return newErr(ErrGeneric, backend, operation, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// translateHTTPStatus maps an HTTP error status to the unified error
// taxonomy, mirroring translate_http_error in
// original_source/.../inference_backends/errors.py.
func translateHTTPStatus(resp *http.Response, backend, operation string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, string(body))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e := newErr(ErrRateLimit, backend, operation, cause)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				e.RetryAfter = secs
			}
		}
		return e
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return newErr(ErrAuth, backend, operation, cause)
	case resp.StatusCode == http.StatusNotFound:
		return newErr(ErrModel, backend, operation, cause)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return newErr(ErrValidation, backend, operation, cause)
	default:
		return newErr(ErrGeneric, backend, operation, cause)
	}
}
