package phases

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/kbagent/core/pkg/fetch"
	"github.com/kbagent/core/pkg/model"
)

// CacheExecutor implements the cache phase (spec.md §4.6.1): downloads
// every media URL on an item into a content-addressed cache directory,
// keyed by a SHA-256 hash of the source URL so two items referencing the
// same media share one cache entry, matching the original's
// backfill_content_hash_and_warm_cache.py dedup behavior.
type CacheExecutor struct {
	Fetcher fetch.ContentFetcher
	CacheDir string
}

func NewCacheExecutor(fetcher fetch.ContentFetcher, cacheDir string) *CacheExecutor {
	return &CacheExecutor{Fetcher: fetcher, CacheDir: cacheDir}
}

func (e *CacheExecutor) Phase() string { return model.PhaseCache }

func (e *CacheExecutor) PrereqSatisfied(item model.Item) bool { return true }

func (e *CacheExecutor) NeedsWork(item model.Item, force bool) bool {
	return force || !item.CacheComplete
}

// Process downloads every media item's bytes into the content-addressed
// cache, skipping any media file whose cache entry already exists on
// disk, and sets CacheComplete once every media item is cached.
func (e *CacheExecutor) Process(ctx context.Context, item *model.Item) error {
	for i := range item.Media {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m := &item.Media[i]
		key := contentHashKey(m.SourceURL)
		if path, ok := e.existingCachePath(key); ok {
			m.LocalCachePath = &path
			continue
		}

		res, err := e.Fetcher.Fetch(ctx, m.SourceURL)
		if err != nil {
			return fmt.Errorf("phases: cache: fetching media %s: %w", m.SourceURL, err)
		}
		if m.MimeType == "" {
			m.MimeType = res.ContentType
		}

		path, err := e.writeCacheFile(key, m.MimeType, res.Body)
		if err != nil {
			return fmt.Errorf("phases: cache: writing media %s: %w", m.SourceURL, err)
		}
		m.LocalCachePath = &path
	}

	item.CacheComplete = true
	return nil
}

func contentHashKey(sourceURL string) string {
	sum := sha256.Sum256([]byte(sourceURL))
	return hex.EncodeToString(sum[:])
}

func (e *CacheExecutor) existingCachePath(key string) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(e.CacheDir, key+".*"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}

func (e *CacheExecutor) writeCacheFile(key, mimeType string, body []byte) (string, error) {
	if err := os.MkdirAll(e.CacheDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(e.CacheDir, key+extFor(mimeType))
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func extFor(mimeType string) string {
	mimeType = strings.SplitN(mimeType, ";", 2)[0]
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

var _ Executor = (*CacheExecutor)(nil)
