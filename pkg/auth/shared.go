package auth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"pinscraper/pkg/logger"
)

// Acquirer obtains an identity from a live site visit
type Acquirer interface {
	AcquireIdentity(ctx context.Context) (*Identity, error)
}

// Shared is the run-wide identity. The first Get performs the acquisition;
// concurrent callers wait for it and every caller receives its own copy.
type Shared struct {
	acquirer Acquirer
	cache    *Cache
	cacheKey string
	logger   logger.Logger
	timeout  time.Duration
	now      func() time.Time

	mu       sync.Mutex
	started  bool
	done     chan struct{}
	identity *Identity
}

// SharedOption configures a Shared identity
type SharedOption func(*Shared)

// WithCache reads and writes the identity through c under key
func WithCache(c *Cache, key string) SharedOption {
	return func(s *Shared) {
		s.cache = c
		s.cacheKey = key
	}
}

// WithAcquireTimeout bounds the one-time acquisition
func WithAcquireTimeout(d time.Duration) SharedOption {
	return func(s *Shared) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) SharedOption {
	return func(s *Shared) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewShared creates a shared identity. A nil acquirer means the default
// identity is used unless the cache has one.
func NewShared(a Acquirer, opts ...SharedOption) *Shared {
	s := &Shared{
		acquirer: a,
		logger:   logger.NewNopLogger(),
		timeout:  DefaultAcquireTimeout,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultAcquireTimeout bounds a browser identity acquisition
const DefaultAcquireTimeout = 2 * time.Minute

// Acquire performs the one-time acquisition. It never fails: on any error
// the built-in default identity is used. The acquisition runs detached from
// the caller, so a cancelled first caller gets the default identity while
// the run-wide identity still completes for everyone else.
func (s *Shared) Acquire(ctx context.Context) *Identity {
	s.mu.Lock()
	if !s.started {
		s.started = true
		go s.run(context.WithoutCancel(ctx))
	}
	s.mu.Unlock()
	return s.wait(ctx)
}

func (s *Shared) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id := s.resolve(ctx)

	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
	close(s.done)
}

// Get returns a copy of the shared identity, acquiring it on first use.
// If ctx ends while waiting for another caller's acquisition the default
// identity is returned.
func (s *Shared) Get(ctx context.Context) *Identity {
	return s.Acquire(ctx)
}

// Apply decorates req with the shared identity
func (s *Shared) Apply(ctx context.Context, req *http.Request) {
	s.Acquire(ctx).Apply(req)
}

// Ready reports whether acquisition has finished
func (s *Shared) Ready() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Shared) wait(ctx context.Context) *Identity {
	select {
	case <-s.done:
	case <-ctx.Done():
		if !s.Ready() {
			return DefaultIdentity()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity.Clone()
}

func (s *Shared) resolve(ctx context.Context) *Identity {
	if s.cache != nil {
		if id, err := s.cache.Load(s.cacheKey); err == nil {
			id.Source = SourceCache
			s.logger.WithField("acquired_at", id.AcquiredAt).Info("Using cached identity")
			return normalize(id)
		}
	}

	if s.acquirer == nil {
		return DefaultIdentity()
	}

	id, err := s.acquirer.AcquireIdentity(ctx)
	if err != nil || id == nil {
		l := s.logger
		if err != nil {
			l = l.WithError(err)
		}
		l.Warn("Identity acquisition failed, using default identity")
		return DefaultIdentity()
	}

	id = normalize(id.Clone())
	id.Source = SourceBrowser
	if id.AcquiredAt.IsZero() {
		id.AcquiredAt = s.now()
	}
	s.logger.WithField("cookies", len(id.Cookies)).Info("Identity acquired")

	if s.cache != nil {
		if err := s.cache.Save(s.cacheKey, id); err != nil {
			s.logger.WithError(err).Warn("Failed to cache identity")
		}
	}
	return id
}
