package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcquirer struct {
	calls atomic.Int32
	delay time.Duration
	id    *Identity
	err   error
}

func (f *fakeAcquirer) AcquireIdentity(ctx context.Context) (*Identity, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.id.Clone(), nil
}

func browserIdentity() *Identity {
	return &Identity{
		UserAgent: "Mozilla/5.0 test",
		Cookies: []*http.Cookie{
			{Name: "_pinterest_sess", Value: "abc123", Domain: ".pinterest.com"},
			{Name: "other", Value: "x", Domain: "example.org"},
		},
		Headers: map[string]string{"X-Test": "1"},
	}
}

func TestSharedSingleFlight(t *testing.T) {
	acq := &fakeAcquirer{id: browserIdentity(), delay: 20 * time.Millisecond}
	shared := NewShared(acq)

	var wg sync.WaitGroup
	results := make([]*Identity, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = shared.Get(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), acq.calls.Load())
	assert.True(t, shared.Ready())
	for _, id := range results {
		require.NotNil(t, id)
		assert.Equal(t, "Mozilla/5.0 test", id.UserAgent)
		assert.Equal(t, SourceBrowser, id.Source)
		assert.False(t, id.AcquiredAt.IsZero())
	}

	// callers own their copies
	results[0].Headers["X-Test"] = "changed"
	assert.Equal(t, "1", shared.Get(context.Background()).Headers["X-Test"])
}

func TestSharedFallsBackToDefault(t *testing.T) {
	acq := &fakeAcquirer{err: errors.New("browser crashed")}
	shared := NewShared(acq)

	id := shared.Get(context.Background())
	assert.Equal(t, SourceDefault, id.Source)
	assert.Equal(t, DefaultIdentity().UserAgent, id.UserAgent)
	assert.Empty(t, id.Cookies)

	// no retry on later calls
	shared.Get(context.Background())
	assert.Equal(t, int32(1), acq.calls.Load())
}

// gatedAcquirer blocks until release is closed or its ctx ends.
type gatedAcquirer struct {
	release chan struct{}
	ctxErr  chan error
}

func (g *gatedAcquirer) AcquireIdentity(ctx context.Context) (*Identity, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	g.ctxErr <- ctx.Err()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return browserIdentity(), nil
}

func TestSharedSurvivesCancelledFirstCaller(t *testing.T) {
	acq := &gatedAcquirer{release: make(chan struct{}), ctxErr: make(chan error, 1)}
	shared := NewShared(acq)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	first := shared.Get(ctx)
	assert.Equal(t, SourceDefault, first.Source)
	assert.False(t, shared.Ready())

	close(acq.release)
	require.NoError(t, <-acq.ctxErr)

	id := shared.Get(context.Background())
	assert.Equal(t, SourceBrowser, id.Source)
	assert.Equal(t, "Mozilla/5.0 test", id.UserAgent)
}

func TestSharedAcquireTimeout(t *testing.T) {
	acq := &gatedAcquirer{release: make(chan struct{}), ctxErr: make(chan error, 1)}
	shared := NewShared(acq, WithAcquireTimeout(20*time.Millisecond))

	id := shared.Get(context.Background())
	assert.Equal(t, SourceDefault, id.Source)
	assert.ErrorIs(t, <-acq.ctxErr, context.DeadlineExceeded)
	assert.True(t, shared.Ready())
}

func TestSharedWithoutAcquirer(t *testing.T) {
	id := NewShared(nil).Get(context.Background())
	assert.Equal(t, SourceDefault, id.Source)
}

func TestSharedFillsMissingFields(t *testing.T) {
	acq := &fakeAcquirer{id: &Identity{Cookies: []*http.Cookie{{Name: "a", Value: "b"}}}}
	id := NewShared(acq).Get(context.Background())

	assert.Equal(t, DefaultIdentity().UserAgent, id.UserAgent)
	assert.Equal(t, "https://www.pinterest.com/", id.Headers["Referer"])
}

func TestSharedUsesCache(t *testing.T) {
	mem := NewMemoryStore()
	cache := NewCache(10*time.Minute, nil, mem)

	first := &fakeAcquirer{id: browserIdentity()}
	NewShared(first, WithCache(cache, "www.pinterest.com")).Get(context.Background())
	assert.Equal(t, int32(1), first.calls.Load())

	second := &fakeAcquirer{id: browserIdentity()}
	id := NewShared(second, WithCache(cache, "www.pinterest.com")).Get(context.Background())
	assert.Equal(t, int32(0), second.calls.Load())
	assert.Equal(t, SourceCache, id.Source)
	assert.Len(t, id.Cookies, 2)
}

func TestCacheExpiry(t *testing.T) {
	mem := NewMemoryStore()
	cache := NewCache(10*time.Minute, nil, mem)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	id := browserIdentity()
	id.AcquiredAt = now.Add(-5 * time.Minute)
	require.NoError(t, cache.Save("k", id))

	_, err := cache.Load("k")
	require.NoError(t, err)

	now = now.Add(6 * time.Minute)
	_, err = cache.Load("k")
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestCacheFallsThroughStores(t *testing.T) {
	broken := NewMemoryStore()
	broken.SaveError = errors.New("locked")
	broken.LoadError = errors.New("locked")
	mem := NewMemoryStore()
	cache := NewCache(0, nil, broken, mem)

	require.NoError(t, cache.Save("k", browserIdentity()))
	got, err := cache.Load("k")
	require.NoError(t, err)
	assert.Equal(t, "Mozilla/5.0 test", got.UserAgent)

	require.NoError(t, cache.Clear("k"))
	require.NoError(t, cache.Clear("k"))
	_, err = mem.Load("k")
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestEncryptedFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "identity.enc")
	store, err := NewEncryptedFileStoreWithPassphrase(path, "correct horse")
	require.NoError(t, err)

	_, err = store.Load("k")
	assert.ErrorIs(t, err, ErrIdentityNotFound)

	id := browserIdentity()
	id.AcquiredAt = time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Save("k", id))

	got, err := store.Load("k")
	require.NoError(t, err)
	assert.Equal(t, id.UserAgent, got.UserAgent)
	assert.Equal(t, "abc123", got.Cookies[0].Value)
	assert.True(t, id.AcquiredAt.Equal(got.AcquiredAt))

	wrong, err := NewEncryptedFileStoreWithPassphrase(path, "wrong")
	require.NoError(t, err)
	_, err = wrong.Load("k")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrIdentityNotFound)

	require.NoError(t, store.Delete("k"))
	assert.NoFileExists(t, path)
	assert.ErrorIs(t, store.Delete("k"), ErrIdentityNotFound)
}

func TestEncryptedFileStoreRejectsEmptyPassphrase(t *testing.T) {
	_, err := NewEncryptedFileStoreWithPassphrase(filepath.Join(t.TempDir(), "x"), "")
	assert.Error(t, err)
}

func TestIdentityApply(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
	}))
	defer srv.Close()

	id := browserIdentity()
	req, err := http.NewRequest(http.MethodGet, "https://www.pinterest.com/resource/", nil)
	require.NoError(t, err)
	id.Apply(req)

	assert.Equal(t, "Mozilla/5.0 test", req.Header.Get("User-Agent"))
	assert.Equal(t, "1", req.Header.Get("X-Test"))
	c, err := req.Cookie("_pinterest_sess")
	require.NoError(t, err)
	assert.Equal(t, "abc123", c.Value)
	_, err = req.Cookie("other")
	assert.ErrorIs(t, err, http.ErrNoCookie)

	// shared Apply against a live server
	shared := NewShared(&fakeAcquirer{id: browserIdentity()})
	req, err = http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	shared.Apply(context.Background(), req)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Mozilla/5.0 test", got.Header.Get("User-Agent"))
}

func TestMaskValue(t *testing.T) {
	assert.Equal(t, "********", MaskValue("short"))
	assert.Equal(t, "abcd...wxyz", MaskValue("abcdefghijklmnopqrstuvwxyz"))
}
