// Package fetch is the plain HTTP client used by the detail and download
// pipelines. Every request carries the shared identity, waits on the rate
// limiter and comes back either as a 2xx response or a classified error.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"pinscraper/pkg/auth"
	errs "pinscraper/pkg/errors"
	"pinscraper/pkg/logger"
	"pinscraper/pkg/metrics"
	"pinscraper/pkg/models"
	"pinscraper/pkg/ratelimit"
)

// maxPageSize caps how much of an HTML page is read.
const maxPageSize = 16 << 20

// IdentitySource decorates outgoing requests with cookies and headers.
type IdentitySource interface {
	Apply(ctx context.Context, req *http.Request)
}

// Client performs identity-bearing GET requests
type Client struct {
	httpClient *http.Client
	identity   IdentitySource
	limiter    ratelimit.Limiter
	pipeline   string
	logger     logger.Logger
}

// Option configures a Client
type Option func(*Client)

// WithIdentity sets the identity applied to every request.
func WithIdentity(s IdentitySource) Option {
	return func(c *Client) { c.identity = s }
}

// WithLimiter sets the rate limiter shared by all callers of the client.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithPipeline labels request metrics.
func WithPipeline(name string) Option {
	return func(c *Client) { c.pipeline = name }
}

// NewClient creates a client whose requests time out after timeout.
func NewClient(timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    ratelimit.Unlimited{},
		pipeline:   "http",
		logger:     logger.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.identity == nil {
		c.identity = defaultIdentity{auth.DefaultIdentity()}
	}
	return c
}

type defaultIdentity struct{ id *auth.Identity }

func (d defaultIdentity) Apply(_ context.Context, req *http.Request) { d.id.Apply(req) }

// Get sends one GET request. The caller closes the body of a successful
// response; any non-2xx status is returned as a classified error with the
// body already closed.
func (c *Client) Get(ctx context.Context, op, url string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Parse(op, fmt.Errorf("build request: %w", err))
	}
	c.identity.Apply(ctx, req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	metrics.RequestDuration.WithLabelValues(c.pipeline).Observe(duration.Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.ErrorWithFields("HTTP request failed", map[string]interface{}{
			"url":      url,
			"error":    err.Error(),
			"duration": duration,
		})
		return nil, errs.Transient(op, 0, err)
	}

	logger.LogRequest(c.logger, http.MethodGet, url, resp.StatusCode, duration)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, errs.FromStatus(op, resp.StatusCode)
	}
	return resp, nil
}

// FetchPage downloads an HTML page in one attempt.
func (c *Client) FetchPage(ctx context.Context, url string) (models.Page, error) {
	resp, err := c.Get(ctx, "fetch page", url)
	if err != nil {
		return models.Page{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		if ctx.Err() != nil {
			return models.Page{}, ctx.Err()
		}
		return models.Page{}, errs.Transient("fetch page", resp.StatusCode, fmt.Errorf("read body: %w", err))
	}

	return models.Page{
		URL:       resp.Request.URL.String(),
		HTML:      string(body),
		FetchedAt: time.Now(),
	}, nil
}
