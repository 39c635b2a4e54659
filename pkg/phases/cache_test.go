package phases

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kbagent/core/pkg/fetch"
	"github.com/kbagent/core/pkg/model"
)

type fakeFetcher struct {
	calls int
	body  []byte
	ct    string
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (fetch.Result, error) {
	f.calls++
	return fetch.Result{Body: f.body, ContentType: f.ct}, nil
}

func TestCacheExecutor_DownloadsAndSetsCacheComplete(t *testing.T) {
	dir := t.TempDir()
	fetcher := &fakeFetcher{body: []byte("bytes"), ct: "image/png"}
	exec := NewCacheExecutor(fetcher, dir)

	item := model.Item{
		ID:    "item-1",
		Media: []model.MediaItem{{SourceURL: "https://example.com/a.png", MimeType: "image/png"}},
	}

	require.NoError(t, exec.Process(context.Background(), &item))
	require.True(t, item.CacheComplete)
	require.NotNil(t, item.Media[0].LocalCachePath)
	require.FileExists(t, *item.Media[0].LocalCachePath)
	require.Equal(t, 1, fetcher.calls)
}

func TestCacheExecutor_SkipsAlreadyCachedContentHash(t *testing.T) {
	dir := t.TempDir()
	fetcher := &fakeFetcher{body: []byte("bytes"), ct: "image/png"}
	exec := NewCacheExecutor(fetcher, dir)

	key := contentHashKey("https://example.com/a.png")
	require.NoError(t, os.WriteFile(filepath.Join(dir, key+".png"), []byte("bytes"), 0o644))

	item := model.Item{
		ID:    "item-1",
		Media: []model.MediaItem{{SourceURL: "https://example.com/a.png", MimeType: "image/png"}},
	}

	require.NoError(t, exec.Process(context.Background(), &item))
	require.Equal(t, 0, fetcher.calls)
}

func TestCacheExecutor_NeedsWorkRespectsForce(t *testing.T) {
	exec := NewCacheExecutor(&fakeFetcher{}, t.TempDir())
	require.False(t, exec.NeedsWork(model.Item{CacheComplete: true}, false))
	require.True(t, exec.NeedsWork(model.Item{CacheComplete: true}, true))
}
