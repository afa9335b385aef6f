package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pinscraper/pkg/fetch"
	"pinscraper/pkg/metadata"
	"pinscraper/pkg/models"
	"pinscraper/pkg/retry"
	"pinscraper/pkg/storage"
	"pinscraper/pkg/store"
)

func pngBytes(size int) []byte {
	data := make([]byte, size)
	copy(data, "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	return data
}

// cdn serves images by "<tier>/<id>.jpg" with scripted per-path behaviour.
type cdn struct {
	mu    sync.Mutex
	hits  map[string]int
	serve func(path string, hit int, w http.ResponseWriter)
}

func newCDN(t *testing.T, serve func(path string, hit int, w http.ResponseWriter)) (*cdn, *httptest.Server) {
	c := &cdn{hits: map[string]int{}, serve: serve}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.hits[r.URL.Path]++
		hit := c.hits[r.URL.Path]
		c.mu.Unlock()
		c.serve(r.URL.Path, hit, w)
	}))
	t.Cleanup(srv.Close)
	return c, srv
}

func (c *cdn) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits[path]
}

type harness struct {
	store *store.Store
	files *storage.Manager
	dir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "pins.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	dir := t.TempDir()
	files, err := storage.NewManager(dir, 64)
	require.NoError(t, err)
	return &harness{store: s, files: files, dir: dir}
}

func (h *harness) seed(t *testing.T, query, base string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, h.store.Upsert(context.Background(), &models.Record{
			ID:              id,
			Query:           query,
			LargestImageURL: fmt.Sprintf("%s/736x/%s.jpg", base, id),
		}))
	}
}

func (h *harness) downloader(opts Options) *Downloader {
	opts.CDNHosts = []string{"127.0.0.1"}
	if opts.Backoff == nil {
		opts.Backoff = &retry.ConstantBackoff{}
	}
	return New(fetch.NewClient(5*time.Second), h.store, h.files, opts, nil)
}

func TestQualityFallback(t *testing.T) {
	h := newHarness(t)
	c, srv := newCDN(t, func(path string, hit int, w http.ResponseWriter) {
		switch {
		case strings.HasPrefix(path, "/originals/"):
			w.WriteHeader(http.StatusNotFound)
		case strings.HasPrefix(path, "/1200x/"):
			w.Write(pngBytes(256))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	h.seed(t, "cats", srv.URL, "1")

	d := h.downloader(Options{Workers: 2, WriteMetadata: true})
	stats, err := d.Run(context.Background(), "cats")
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 1, c.count("/originals/1.jpg"), "unavailable tiers are not retried")
	assert.Equal(t, 0, c.count("/736x/1.jpg"))

	rec, err := h.store.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, rec.Downloaded)
	assert.Equal(t, filepath.Join(h.dir, "1.png"), rec.LocalPath)
	assert.FileExists(t, rec.LocalPath)

	meta, err := metadata.Load(rec.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "1200x", meta.Tier)
	assert.Equal(t, int64(256), meta.FileSize)

	snap := d.Progress().Snapshot()
	assert.Equal(t, 1, snap.Total)
	assert.Equal(t, 1, snap.Succeeded)
	assert.Equal(t, int64(256), snap.Bytes)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	h := newHarness(t)
	c, srv := newCDN(t, func(path string, hit int, w http.ResponseWriter) {
		if hit == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(pngBytes(128))
	})
	h.seed(t, "cats", srv.URL, "2")

	stats, err := h.downloader(Options{MaxAttempts: 3}).Run(context.Background(), "cats")
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 2, c.count("/originals/2.jpg"))
}

func TestVerificationFailureMarksFailed(t *testing.T) {
	h := newHarness(t)
	c, srv := newCDN(t, func(path string, hit int, w http.ResponseWriter) {
		w.Write([]byte(strings.Repeat("<html>blocked</html>", 20)))
	})
	h.seed(t, "cats", srv.URL, "3")

	d := h.downloader(Options{MaxAttempts: 3})
	stats, err := d.Run(context.Background(), "cats")
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Attempted)
	assert.Equal(t, 1, stats.Failed)
	// each tier tried once: originals, 1200x, 736x, 564x
	assert.Equal(t, 1, c.count("/originals/3.jpg"))
	assert.Equal(t, 1, c.count("/564x/3.jpg"))

	rec, err := h.store.Get(context.Background(), "3")
	require.NoError(t, err)
	assert.False(t, rec.Downloaded)
	assert.Contains(t, rec.DownloadError, "all quality tiers failed")

	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial files are left")

	// failed records are only retried on request
	stats, err = d.Run(context.Background(), "cats")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Attempted)
}

func TestExistingFileIsReused(t *testing.T) {
	h := newHarness(t)
	c, srv := newCDN(t, func(path string, hit int, w http.ResponseWriter) {
		w.Write(pngBytes(128))
	})
	h.seed(t, "cats", srv.URL, "4")

	_, _, err := h.files.Save(strings.NewReader(string(pngBytes(100))), "4")
	require.NoError(t, err)

	stats, err := h.downloader(Options{}).Run(context.Background(), "cats")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 0, c.count("/originals/4.jpg"))

	n, err := h.store.CountDownloaded(context.Background(), "cats")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInterruptLeavesConsistentState(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	var served int32
	_, srv := newCDN(t, func(path string, hit int, w http.ResponseWriter) {
		if atomic.AddInt32(&served, 1) == 5 {
			cancel()
		}
		w.Write(pngBytes(128))
	})

	ids := make([]string, 100)
	for i := range ids {
		ids[i] = fmt.Sprint(5000 + i)
	}
	h.seed(t, "dogs", srv.URL, ids...)

	stats, err := h.downloader(Options{Workers: 3}).Run(ctx, "dogs")
	require.NoError(t, err)

	assert.True(t, stats.Interrupted)
	assert.Greater(t, stats.Skipped, 0)
	assert.Equal(t, len(ids), stats.Attempted+stats.Skipped)

	// every recorded download points at a complete file
	downloaded, err := h.store.CountDownloaded(context.Background(), "dogs")
	require.NoError(t, err)
	assert.Equal(t, stats.Succeeded, downloaded)

	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, ".tmp", filepath.Ext(e.Name()))
	}
}

func TestInterruptFinishesTransferInProgress(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, srv := newCDN(t, func(path string, hit int, w http.ResponseWriter) {
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		cancel()
		time.Sleep(20 * time.Millisecond)
		w.Write(pngBytes(256))
	})
	h.seed(t, "owls", srv.URL, "77")

	stats, err := h.downloader(Options{Workers: 1}).Run(ctx, "owls")
	require.NoError(t, err)

	assert.True(t, stats.Interrupted)
	assert.Equal(t, 1, stats.Attempted)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 0, stats.Skipped)

	rec, err := h.store.Get(context.Background(), "77")
	require.NoError(t, err)
	assert.True(t, rec.Downloaded)
	assert.FileExists(t, rec.LocalPath)
}

func TestInterruptStopsQualityFallback(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	c, srv := newCDN(t, func(path string, hit int, w http.ResponseWriter) {
		if strings.HasPrefix(path, "/originals/") {
			cancel()
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(pngBytes(256))
	})
	h.seed(t, "owls", srv.URL, "78")

	stats, err := h.downloader(Options{Workers: 1}).Run(ctx, "owls")
	require.NoError(t, err)

	assert.True(t, stats.Interrupted)
	assert.Equal(t, 0, stats.Attempted)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, c.count("/1200x/78.jpg"))

	// left for the next run, not marked failed
	rec, err := h.store.Get(context.Background(), "78")
	require.NoError(t, err)
	assert.False(t, rec.Downloaded)
	assert.Empty(t, rec.DownloadError)
}

func TestChain(t *testing.T) {
	hosts := DefaultCDNHosts

	chain := Chain("https://i.pinimg.com/236x/ab/cd/ef.jpg", DefaultTiers, hosts)
	require.Len(t, chain, 5)
	assert.Equal(t, Tier{Name: "originals", URL: "https://i.pinimg.com/originals/ab/cd/ef.jpg"}, chain[0])
	assert.Equal(t, "https://i.pinimg.com/564x/ab/cd/ef.jpg", chain[3].URL)
	assert.Equal(t, Tier{Name: "236x", URL: "https://i.pinimg.com/236x/ab/cd/ef.jpg"}, chain[4])

	chain = Chain("https://i.pinimg.com/originals/ab/cd/ef.jpg", DefaultTiers, hosts)
	assert.Len(t, chain, 4)

	chain = Chain("https://example.com/736x/a.jpg", DefaultTiers, hosts)
	assert.Equal(t, []Tier{{Name: "source", URL: "https://example.com/736x/a.jpg"}}, chain)

	chain = Chain("https://i.pinimg.com/avatars/a.jpg", DefaultTiers, hosts)
	assert.Len(t, chain, 1)
}

func TestSnapshotRate(t *testing.T) {
	s := Snapshot{Succeeded: 8, Failed: 2, Bytes: 1000, Elapsed: 2 * time.Second}
	assert.Equal(t, 10, s.Done())
	assert.InDelta(t, 5.0, s.Rate(), 0.001)
	assert.InDelta(t, 500.0, s.Throughput(), 0.001)
	assert.Zero(t, Snapshot{}.Rate())
}
