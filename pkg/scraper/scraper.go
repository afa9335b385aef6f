package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"pinscraper/internal/details"
	"pinscraper/internal/downloader"
	"pinscraper/pkg/auth"
	"pinscraper/pkg/browser"
	"pinscraper/pkg/collector"
	"pinscraper/pkg/config"
	"pinscraper/pkg/fetch"
	"pinscraper/pkg/interrupt"
	"pinscraper/pkg/logger"
	"pinscraper/pkg/metadata"
	"pinscraper/pkg/models"
	"pinscraper/pkg/parser"
	"pinscraper/pkg/ratelimit"
	"pinscraper/pkg/session"
	"pinscraper/pkg/storage"
	"pinscraper/pkg/store"
)

// ErrClosed is returned by operations on a closed Scraper.
var ErrClosed = errors.New("scraper is closed")

// Observer receives progress from running operations. Calls come from the
// goroutine running the operation and must not block.
type Observer interface {
	CollectProgress(p collector.Progress)
	DownloadStarted(query string, progress *downloader.Progress)
	StageFinished(stage, query string, stats models.Stats)
}

// Stage names passed to Observer.StageFinished
const (
	StageDetails  = "details"
	StageDownload = "download"
)

// Scraper orchestrates collection, detail fetching and downloading
type Scraper struct {
	config    *config.Config
	logger    logger.Logger
	driver    collector.AutomationDriver
	parser    collector.ContentParser
	identity  *auth.Shared
	cache     *auth.Cache
	limiter   ratelimit.Limiter
	interrupt *interrupt.Coordinator
	observer  Observer

	mu     sync.Mutex
	stores map[string]*store.Store
	closed bool
}

// Option configures a Scraper
type Option func(*Scraper)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(s *Scraper) { s.logger = l }
}

// WithDriver replaces the headless browser driver. A driver that also
// implements auth.Acquirer supplies the shared identity.
func WithDriver(d collector.AutomationDriver) Option {
	return func(s *Scraper) { s.driver = d }
}

// WithParser replaces the HTML parser.
func WithParser(p collector.ContentParser) Option {
	return func(s *Scraper) { s.parser = p }
}

// WithInterrupt sets the coordinator whose cancellation stops every
// operation.
func WithInterrupt(c *interrupt.Coordinator) Option {
	return func(s *Scraper) { s.interrupt = c }
}

// WithObserver sets the progress observer.
func WithObserver(o Observer) Option {
	return func(s *Scraper) { s.observer = o }
}

// WithIdentityCache sets the identity cache, overriding the configured one.
func WithIdentityCache(c *auth.Cache) Option {
	return func(s *Scraper) { s.cache = c }
}

// New creates a Scraper from configuration
func New(cfg *config.Config, opts ...Option) (*Scraper, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	s := &Scraper{
		config: cfg,
		stores: make(map[string]*store.Store),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = logger.GetLogger()
	}
	if s.interrupt == nil {
		s.interrupt = interrupt.New(context.Background())
	}
	if s.driver == nil {
		s.driver = browser.New(cfg.Site, cfg.Browser, s.logger)
	}
	if s.parser == nil {
		s.parser = parser.New()
	}

	if s.cache == nil && cfg.Identity.CacheEnabled {
		cache, err := auth.NewDefaultCache(cfg.Identity.CacheTTL, s.logger)
		if err != nil {
			s.logger.WithError(err).Warn("Identity cache unavailable, continuing without it")
		} else {
			s.cache = cache
		}
	}

	var acquirer auth.Acquirer
	if a, ok := s.driver.(auth.Acquirer); ok {
		acquirer = a
	}
	sharedOpts := []auth.SharedOption{auth.WithLogger(s.logger.WithField("component", "identity"))}
	if s.cache != nil {
		sharedOpts = append(sharedOpts, auth.WithCache(s.cache, IdentityKey(cfg.Site.BaseURL)))
	}
	s.identity = auth.NewShared(acquirer, sharedOpts...)

	if cfg.RateLimit.RequestsPerMinute > 0 {
		s.limiter = ratelimit.NewTokenBucket(cfg.RateLimit.BurstSize, cfg.RateLimit.RequestsPerMinute)
	} else {
		s.limiter = ratelimit.Unlimited{}
	}

	logger.LogComponentStart(s.logger, "scraper", map[string]interface{}{
		"site":             cfg.Site.BaseURL,
		"detail_workers":   cfg.Details.Concurrency,
		"download_workers": cfg.Download.Concurrency,
		"identity_cache":   s.cache != nil,
	})
	return s, nil
}

// IdentityKey is the cache key of the identity used against baseURL.
func IdentityKey(baseURL string) string {
	if u, err := url.Parse(baseURL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return baseURL
}

// bind derives a context that also ends when the coordinator fires,
// carrying its cause.
func (s *Scraper) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	ictx := s.interrupt.Context()
	if ictx.Err() != nil {
		cancel(context.Cause(ictx))
	}
	stop := context.AfterFunc(ictx, func() { cancel(context.Cause(ictx)) })
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

// storeFor opens, once, the store holding query.
func (s *Scraper) storeFor(query string) (*store.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	path := s.config.DatabasePath(query)
	if st, ok := s.stores[path]; ok {
		return st, nil
	}
	st, err := store.Open(path, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	s.stores[path] = st
	return st, nil
}

// Collect gathers target unique records for query. With resume set an
// open session for query continues; otherwise it is closed and a new one
// starts. A query already holding target records returns at once without
// loading any page. The returned session is finalized; the error is
// non-nil only when the session could not run or failed.
func (s *Scraper) Collect(ctx context.Context, query string, target int, resume bool) (*models.Session, error) {
	baseURL := s.config.Site.BaseURL
	return s.collect(ctx, query, target, resume, func(q string) string {
		return browser.SearchURL(baseURL, q)
	})
}

// CollectURL is Collect for the pins shown on a board or user page. The
// pins are stored under the key returned by SourceKey.
func (s *Scraper) CollectURL(ctx context.Context, rawURL string, target int, resume bool) (*models.Session, error) {
	key, err := s.SourceKey(rawURL)
	if err != nil {
		return nil, err
	}
	page := strings.TrimSpace(rawURL)
	return s.collect(ctx, key, target, resume, func(string) string { return page })
}

// SourceKey returns the store key of the board or user page at rawURL.
func (s *Scraper) SourceKey(rawURL string) (string, error) {
	return browser.SourceKey(s.config.Site.BaseURL, rawURL)
}

func (s *Scraper) collect(ctx context.Context, query string, target int, resume bool, pageURL func(string) string) (*models.Session, error) {
	ctx, stop := s.bind(ctx)
	defer stop()

	st, err := s.storeFor(query)
	if err != nil {
		return nil, err
	}

	log := s.logger.WithField("query", query)
	sessions := session.NewManager(st, s.logger, session.WithLease(s.config.Collect.SessionLease))
	// an interrupt must still leave a finalized session behind
	sess, plan, err := sessions.Resolve(context.WithoutCancel(ctx), query, target, resume)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.StatusRunning {
		release := sessions.Hold(sess)
		defer release()
	}

	opts := collector.OptionsFromConfig(s.config.Collect, pageURL)
	if s.observer != nil {
		opts.OnProgress = s.observer.CollectProgress
	}

	engine := collector.New(s.driver, s.parser, st, sessions, opts, s.logger)
	result, err := engine.Run(ctx, sess, plan)

	log.WithFields(map[string]interface{}{
		"status":      string(result.Status),
		"unique":      result.Unique,
		"new":         result.NewRecords,
		"phase1_new":  result.Phase1New,
		"phase2_new":  result.Phase2New,
		"stop_reason": result.StopReason,
	}).Info("Collect finished")
	return sess, err
}

// FetchDetails fills in image URLs for records of query collected without
// one.
func (s *Scraper) FetchDetails(ctx context.Context, query string) (models.Stats, error) {
	ctx, stop := s.bind(ctx)
	defer stop()

	st, err := s.storeFor(query)
	if err != nil {
		return models.Stats{}, err
	}

	client := fetch.NewClient(s.config.Details.Timeout,
		fetch.WithIdentity(s.identity),
		fetch.WithLimiter(s.limiter),
		fetch.WithLogger(s.logger),
		fetch.WithPipeline(details.PipelineName),
	)
	baseURL := s.config.Site.BaseURL
	opts := details.OptionsFromConfig(s.config.Details, func(id string) string {
		return browser.PinURL(baseURL, id)
	})

	stats, err := details.New(client, s.parser, st, opts, s.logger).Run(ctx, query)
	if s.observer != nil && err == nil {
		s.observer.StageFinished(StageDetails, query, stats)
	}
	return stats, err
}

// DownloadMedia downloads the images of query's records into the query's
// image directory. Records whose earlier download failed are retried only
// when retryFailed is set.
func (s *Scraper) DownloadMedia(ctx context.Context, query string, retryFailed bool) (models.Stats, error) {
	ctx, stop := s.bind(ctx)
	defer stop()

	st, err := s.storeFor(query)
	if err != nil {
		return models.Stats{}, err
	}

	dir := s.config.ImageDirectory(query)
	files, err := storage.NewManager(dir, s.config.Download.MinFileSize)
	if err != nil {
		return models.Stats{}, err
	}
	if s.config.Download.WriteMetadata {
		if n, err := metadata.CleanOrphaned(dir); err != nil {
			s.logger.WithError(err).Warn("Failed to clean orphaned metadata")
		} else if n > 0 {
			s.logger.WithField("removed", n).Info("Removed orphaned metadata files")
		}
	}

	client := fetch.NewClient(s.config.Download.Timeout,
		fetch.WithIdentity(s.identity),
		fetch.WithLimiter(s.limiter),
		fetch.WithLogger(s.logger),
		fetch.WithPipeline(downloader.PipelineName),
	)
	opts := downloader.OptionsFromConfig(s.config.Download)
	opts.RetryFailed = retryFailed

	d := downloader.New(client, st, files, opts, s.logger)
	if s.observer != nil {
		s.observer.DownloadStarted(query, d.Progress())
	}

	stats, err := d.Run(ctx, query)
	if s.observer != nil && err == nil {
		s.observer.StageFinished(StageDownload, query, stats)
	}
	return stats, err
}

// Report summarises query from the store alone. A non-positive target
// takes the target of the latest session.
func (s *Scraper) Report(ctx context.Context, query string, target int) (models.Report, error) {
	report := models.Report{Query: query, Requested: target}

	st, err := s.storeFor(query)
	if err != nil {
		return report, err
	}

	if report.Unique, err = st.Count(ctx, query); err != nil {
		return report, err
	}
	if report.Downloaded, err = st.CountDownloaded(ctx, query); err != nil {
		return report, err
	}
	if report.DownloadFailed, err = st.CountDownloadFailed(ctx, query); err != nil {
		return report, err
	}
	if report.MissingImages, err = st.CountMissingImages(ctx, query); err != nil {
		return report, err
	}

	sess, err := st.LatestSession(ctx, query)
	switch {
	case err == nil:
		report.Session = sess
		report.Status = sess.Status
		if report.Requested <= 0 {
			report.Requested = sess.TargetCount
		}
	case !errors.Is(err, store.ErrNotFound):
		return report, err
	}
	return report, nil
}

// Sessions lists the sessions recorded for query, newest first.
func (s *Scraper) Sessions(ctx context.Context, query string) ([]*models.Session, error) {
	st, err := s.storeFor(query)
	if err != nil {
		return nil, err
	}
	return st.ListSessions(ctx, query)
}

// RepairIDs rewrites encoded record ids in query's store to their numeric
// form. It stops between batches once the scraper is cancelled.
func (s *Scraper) RepairIDs(ctx context.Context, query string, workers, batchSize int) (store.TransformResult, error) {
	st, err := s.storeFor(query)
	if err != nil {
		return store.TransformResult{}, err
	}
	start := time.Now()
	res, err := st.ReencodeIDs(ctx, workers, batchSize, s.interrupt.Interrupted)
	s.logger.WithFields(map[string]interface{}{
		"query":    query,
		"scanned":  res.Scanned,
		"renamed":  res.Renamed,
		"merged":   res.Merged,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("ID repair finished")
	return res, err
}

// Merge copies the store at srcPath into the store holding query. It stops
// between batches once the scraper is cancelled.
func (s *Scraper) Merge(ctx context.Context, query, srcPath string, batchSize int) (store.MergeResult, error) {
	st, err := s.storeFor(query)
	if err != nil {
		return store.MergeResult{}, err
	}
	start := time.Now()
	res, err := st.MergeFrom(ctx, srcPath, batchSize, s.interrupt.Interrupted)
	s.logger.WithFields(map[string]interface{}{
		"query":    query,
		"source":   srcPath,
		"added":    res.Added,
		"updated":  res.Updated,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("Store merge finished")
	return res, err
}

// Cancel stops every running operation at its next safe point.
func (s *Scraper) Cancel() {
	s.interrupt.Cancel("user")
}

// Close releases the browser and every open store. It is safe to call more
// than once.
func (s *Scraper) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stores := s.stores
	s.stores = nil
	s.mu.Unlock()

	var errs []error
	if err := s.driver.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close driver: %w", err))
	}
	for path, st := range stores {
		if err := st.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store %s: %w", path, err))
		}
	}

	reason := "closed"
	if s.interrupt.Interrupted() {
		reason = s.interrupt.Reason()
	}
	logger.LogComponentStop(s.logger, "scraper", reason)
	return errors.Join(errs...)
}

// OutputDirectory returns where files for query are written.
func (s *Scraper) OutputDirectory(query string) string {
	dir := s.config.ImageDirectory(query)
	if _, err := os.Stat(dir); err != nil {
		return s.config.QueryDirectory(query)
	}
	return dir
}
