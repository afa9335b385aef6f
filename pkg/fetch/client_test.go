package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pinscraper/pkg/auth"
	errs "pinscraper/pkg/errors"
	"pinscraper/pkg/logger"
)

type staticIdentity struct{ id *auth.Identity }

func (s staticIdentity) Apply(_ context.Context, req *http.Request) { s.id.Apply(req) }

func TestFetchPageAppliesIdentity(t *testing.T) {
	var gotUA, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		if c, err := r.Cookie("sess"); err == nil {
			gotCookie = c.Value
		}
		w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	id := auth.DefaultIdentity()
	id.UserAgent = "test-agent"
	id.Cookies = []*http.Cookie{{Name: "sess", Value: "abc"}}

	log := logger.NewTestLogger()
	c := NewClient(5*time.Second, WithIdentity(staticIdentity{id}), WithLogger(log))
	page, err := c.FetchPage(context.Background(), srv.URL+"/pin/1/")
	require.NoError(t, err)

	assert.Equal(t, "<html>ok</html>", page.HTML)
	assert.Equal(t, srv.URL+"/pin/1/", page.URL)
	assert.False(t, page.FetchedAt.IsZero())
	assert.Equal(t, "test-agent", gotUA)
	assert.Equal(t, "abc", gotCookie)
}

func TestGetClassifiesStatus(t *testing.T) {
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)

	_, err := c.Get(context.Background(), "download", srv.URL)
	assert.True(t, errs.IsQualityUnavailable(err))

	status = http.StatusServiceUnavailable
	_, err = c.Get(context.Background(), "download", srv.URL)
	assert.True(t, errs.IsTransient(err))

	status = http.StatusTooManyRequests
	_, err = c.FetchPage(context.Background(), srv.URL)
	assert.True(t, errs.IsTransient(err))
}

func TestGetNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(time.Second)
	_, err := c.Get(context.Background(), "fetch", url)
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
}

func TestGetCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(time.Second)
	_, err := c.Get(ctx, "fetch", "http://127.0.0.1:1/")
	assert.ErrorIs(t, err, context.Canceled)
}
