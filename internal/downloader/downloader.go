// Package downloader fetches the images of stored records concurrently,
// falling back through lower quality tiers when the best one is missing.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"pinscraper/internal/pipeline"
	"pinscraper/pkg/config"
	errs "pinscraper/pkg/errors"
	"pinscraper/pkg/logger"
	"pinscraper/pkg/metadata"
	"pinscraper/pkg/metrics"
	"pinscraper/pkg/models"
	"pinscraper/pkg/retry"
	"pinscraper/pkg/storage"
)

// PipelineName labels logs and metrics
const PipelineName = "download"

// Getter sends one GET request and classifies non-2xx responses.
type Getter interface {
	Get(ctx context.Context, op, url string) (*http.Response, error)
}

// Store is the part of the persistence store the downloader needs.
type Store interface {
	NeedingDownload(ctx context.Context, query string, retryFailed bool, limit int) ([]*models.Record, error)
	MarkDownloaded(ctx context.Context, id, path string) error
	MarkDownloadFailed(ctx context.Context, id, reason string) error
}

// Files stores verified images on disk.
type Files interface {
	Existing(id string) (string, bool)
	Save(r io.Reader, id string) (string, int64, error)
}

// Options tune the downloader
type Options struct {
	Workers     int
	MaxAttempts int
	Backoff     retry.BackoffStrategy
	Tiers       []string
	CDNHosts    []string
	// RetryFailed includes records whose previous download failed.
	RetryFailed   bool
	Limit         int
	WriteMetadata bool
}

// OptionsFromConfig builds downloader options from configuration
func OptionsFromConfig(cfg config.DownloadConfig) Options {
	opts := Options{
		Workers:       cfg.Concurrency,
		MaxAttempts:   cfg.RetryAttempts,
		Tiers:         cfg.QualityTiers,
		WriteMetadata: cfg.WriteMetadata,
	}
	if cfg.RetryDelay > 0 {
		opts.Backoff = &retry.ExponentialBackoff{
			BaseDelay:    cfg.RetryDelay,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.1,
		}
	}
	return opts
}

// Downloader runs the download pipeline
type Downloader struct {
	client   Getter
	store    Store
	files    Files
	opts     Options
	progress *Progress
	logger   logger.Logger
}

// New creates a downloader writing into files
func New(client Getter, store Store, files Files, opts Options, log logger.Logger) *Downloader {
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff == nil {
		opts.Backoff = retry.DefaultExponentialBackoff()
	}
	if len(opts.Tiers) == 0 {
		opts.Tiers = DefaultTiers
	}
	if len(opts.CDNHosts) == 0 {
		opts.CDNHosts = DefaultCDNHosts
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Downloader{
		client:   client,
		store:    store,
		files:    files,
		opts:     opts,
		progress: &Progress{},
		logger:   log.WithField("component", PipelineName),
	}
}

// Progress returns the live counters of the current run.
func (d *Downloader) Progress() *Progress {
	return d.progress
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeExisting
	outcomeFailed
	outcomeInterrupted
)

type result struct {
	rec     *models.Record
	outcome outcome
	path    string
	tier    Tier
	size    int64
	err     error
}

// Run downloads every record of query that has an image URL and no local
// file. Only the calling goroutine records outcomes in the store, and only
// verified files are ever recorded.
func (d *Downloader) Run(ctx context.Context, query string) (models.Stats, error) {
	start := time.Now()
	var stats models.Stats

	pending, err := d.store.NeedingDownload(ctx, query, d.opts.RetryFailed, d.opts.Limit)
	if err != nil {
		return stats, fmt.Errorf("list records needing download: %w", err)
	}
	d.progress.start(len(pending))
	if len(pending) == 0 {
		d.logger.WithField("query", query).Info("No records need downloading")
		return stats, nil
	}

	log := d.logger.WithField("query", query)
	log.WithFields(map[string]interface{}{
		"pending": len(pending),
		"workers": d.opts.Workers,
	}).Info("Downloading images")

	writeCtx := context.WithoutCancel(ctx)
	sink := func(r result) {
		if r.outcome == outcomeInterrupted {
			return
		}
		stats.Attempted++

		if r.outcome == outcomeFailed {
			d.fail(writeCtx, log, &stats, r)
			return
		}

		if err := d.store.MarkDownloaded(writeCtx, r.rec.ID, r.path); err != nil {
			r.err = err
			d.fail(writeCtx, log, &stats, r)
			return
		}
		if d.opts.WriteMetadata && !metadata.Exists(r.path) {
			meta := metadata.FromRecord(r.rec, r.tier.URL, r.tier.Name, r.size)
			if err := meta.Save(r.path); err != nil {
				log.WithError(err).WithField("id", r.rec.ID).Warn("Failed to write metadata")
			}
		}

		stats.Succeeded++
		if r.outcome == outcomeExisting {
			metrics.Downloads.WithLabelValues(metrics.OutcomeSkipped, "existing").Inc()
		} else {
			metrics.Downloads.WithLabelValues(metrics.OutcomeSuccess, r.tier.Name).Inc()
			metrics.DownloadBytes.Add(float64(r.size))
		}
		d.progress.update(func(s *Snapshot) {
			s.Attempted++
			s.Succeeded++
			s.Bytes += r.size
		})
	}

	stats.Interrupted = pipeline.Run(ctx, pipeline.Config{
		Name:          PipelineName,
		Query:         query,
		Workers:       d.opts.Workers,
		Logger:        d.logger,
		ProgressEvery: pipeline.ProgressEvery(len(pending)),
	}, pending, d.download, sink)

	stats.Skipped = len(pending) - stats.Attempted
	stats.Duration = time.Since(start)
	d.progress.update(func(s *Snapshot) { s.Skipped = stats.Skipped })

	log.WithFields(map[string]interface{}{
		"attempted":   stats.Attempted,
		"succeeded":   stats.Succeeded,
		"failed":      stats.Failed,
		"skipped":     stats.Skipped,
		"interrupted": stats.Interrupted,
		"duration":    stats.Duration.Round(time.Millisecond),
	}).Info("Download finished")
	return stats, nil
}

func (d *Downloader) fail(ctx context.Context, log logger.Logger, stats *models.Stats, r result) {
	stats.Failed++
	reason := "download failed"
	if r.err != nil {
		reason = r.err.Error()
	}
	log.WithError(r.err).WithField("id", r.rec.ID).Warn("Download failed")
	if err := d.store.MarkDownloadFailed(ctx, r.rec.ID, reason); err != nil {
		log.WithError(err).WithField("id", r.rec.ID).Error("Failed to record download failure")
	}
	metrics.Downloads.WithLabelValues(metrics.OutcomeFailed, "none").Inc()
	d.progress.update(func(s *Snapshot) {
		s.Attempted++
		s.Failed++
	})
}

// download walks the quality chain of one record. Once the pool stops,
// the transfer in progress completes but no further tier or retry starts.
func (d *Downloader) download(ctx context.Context, w pipeline.Worker, rec *models.Record) result {
	if w.Stopping() {
		return result{rec: rec, outcome: outcomeInterrupted}
	}
	if path, ok := d.files.Existing(rec.ID); ok {
		return result{rec: rec, outcome: outcomeExisting, path: path, tier: Tier{Name: "existing"}}
	}

	source := rec.ImageURL()
	if source == "" {
		return result{rec: rec, outcome: outcomeFailed, err: errs.Parse("download", errors.New("record has no image url"))}
	}

	var lastErr error
	for _, tier := range Chain(source, d.opts.Tiers, d.opts.CDNHosts) {
		if w.Stopping() {
			return result{rec: rec, outcome: outcomeInterrupted}
		}

		start := time.Now()
		var path string
		var size int64
		// backoff waits end on interrupt; the transfer itself runs on ctx
		err := retry.Do(w.Context(), &retry.Config{
			MaxAttempts: d.opts.MaxAttempts,
			Backoff:     d.opts.Backoff,
			RetryIf:     retry.TransientOnly,
			Logger:      d.logger,
		}, func(context.Context) error {
			var err error
			path, size, err = d.fetchTier(ctx, rec.ID, tier.URL)
			return err
		})

		if err == nil {
			d.logger.DebugWithFields("Worker completed download", map[string]interface{}{
				"worker_id": w.ID,
				"id":        rec.ID,
				"tier":      tier.Name,
				"size":      size,
				"duration":  time.Since(start),
			})
			return result{rec: rec, outcome: outcomeSuccess, path: path, tier: tier, size: size}
		}
		if w.Stopping() {
			return result{rec: rec, outcome: outcomeInterrupted}
		}

		lastErr = err
		if errs.IsQualityUnavailable(err) {
			metrics.Downloads.WithLabelValues(metrics.OutcomeUnavailable, tier.Name).Inc()
		}
		d.logger.DebugWithFields("Quality tier failed", map[string]interface{}{
			"worker_id": w.ID,
			"id":        rec.ID,
			"tier":      tier.Name,
			"error":     err.Error(),
		})
	}

	return result{rec: rec, outcome: outcomeFailed, err: fmt.Errorf("all quality tiers failed: %w", lastErr)}
}

// fetchTier downloads one URL into a verified file. A body that fails
// verification is not retried; a broken transfer is.
func (d *Downloader) fetchTier(ctx context.Context, id, url string) (string, int64, error) {
	resp, err := d.client.Get(ctx, "download", url)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	path, size, err := d.files.Save(resp.Body, id)
	switch {
	case err == nil:
		return path, size, nil
	case errors.Is(err, storage.ErrVerification):
		return "", size, errs.QualityUnavailable("verify", resp.StatusCode, err)
	case ctx.Err() != nil:
		return "", size, ctx.Err()
	default:
		return "", size, errs.Transient("download", 0, err)
	}
}
