// Package details fills in records that were collected without a usable
// image URL by fetching their detail pages concurrently.
package details

import (
	"context"
	"fmt"
	"time"

	"pinscraper/internal/pipeline"
	"pinscraper/pkg/config"
	errs "pinscraper/pkg/errors"
	"pinscraper/pkg/logger"
	"pinscraper/pkg/metrics"
	"pinscraper/pkg/models"
	"pinscraper/pkg/retry"
)

// PipelineName labels logs and metrics
const PipelineName = "details"

// Fetcher downloads one page in a single attempt.
type Fetcher interface {
	FetchPage(ctx context.Context, url string) (models.Page, error)
}

// Parser extracts candidates from a page.
type Parser interface {
	Extract(page models.Page) []models.Candidate
}

// Store is the part of the persistence store the pipeline needs.
type Store interface {
	NeedingDetails(ctx context.Context, query string, limit int) ([]*models.Record, error)
	Upsert(ctx context.Context, rec *models.Record) error
}

// Options tune the pipeline
type Options struct {
	Workers     int
	MaxAttempts int
	Backoff     retry.BackoffStrategy
	// Limit caps the records handled per run; 0 means all.
	Limit     int
	DetailURL func(id string) string
}

// OptionsFromConfig builds pipeline options from configuration
func OptionsFromConfig(cfg config.DetailsConfig, detailURL func(string) string) Options {
	return Options{
		Workers:     cfg.Concurrency,
		MaxAttempts: cfg.RetryAttempts,
		Limit:       cfg.BatchSize,
		DetailURL:   detailURL,
	}
}

// Pipeline fetches detail pages
type Pipeline struct {
	fetcher Fetcher
	parser  Parser
	store   Store
	opts    Options
	logger  logger.Logger
}

// New creates a detail pipeline
func New(fetcher Fetcher, parser Parser, store Store, opts Options, log logger.Logger) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff == nil {
		opts.Backoff = retry.DefaultExponentialBackoff()
	}
	if opts.DetailURL == nil {
		opts.DetailURL = func(id string) string { return id }
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Pipeline{
		fetcher: fetcher,
		parser:  parser,
		store:   store,
		opts:    opts,
		logger:  log.WithField("component", PipelineName),
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailed
	outcomeInterrupted
)

type result struct {
	id      string
	record  *models.Record
	outcome outcome
	err     error
}

// Run fetches details for every record of query that lacks an image URL.
// Only the calling goroutine writes to the store. Records not reached
// before ctx is done are counted as skipped and stay eligible for the
// next run.
func (p *Pipeline) Run(ctx context.Context, query string) (models.Stats, error) {
	start := time.Now()
	var stats models.Stats

	pending, err := p.store.NeedingDetails(ctx, query, p.opts.Limit)
	if err != nil {
		return stats, fmt.Errorf("list records needing details: %w", err)
	}
	if len(pending) == 0 {
		p.logger.WithField("query", query).Info("No records need details")
		return stats, nil
	}

	ids := make([]string, len(pending))
	for i, rec := range pending {
		ids[i] = rec.ID
	}

	log := p.logger.WithField("query", query)
	log.WithFields(map[string]interface{}{
		"pending": len(ids),
		"workers": p.opts.Workers,
	}).Info("Fetching details")

	writeCtx := context.WithoutCancel(ctx)
	handler := func(ctx context.Context, w pipeline.Worker, id string) result {
		return p.fetch(ctx, w, query, id)
	}
	sink := func(r result) {
		switch r.outcome {
		case outcomeInterrupted:
			return
		case outcomeFailed:
			stats.Attempted++
			stats.Failed++
			metrics.DetailResults.WithLabelValues(metrics.OutcomeFailed).Inc()
			log.WithError(r.err).WithField("id", r.id).Warn("Detail fetch failed")
			return
		}

		stats.Attempted++
		if err := p.store.Upsert(writeCtx, r.record); err != nil {
			stats.Failed++
			metrics.DetailResults.WithLabelValues(metrics.OutcomeFailed).Inc()
			log.WithError(err).WithField("id", r.id).Error("Failed to store details")
			return
		}
		if !r.record.HasImage() {
			stats.Failed++
			metrics.DetailResults.WithLabelValues(metrics.OutcomeUnavailable).Inc()
			log.WithField("id", r.id).Warn("Detail page has no image")
			return
		}
		stats.Succeeded++
		metrics.DetailResults.WithLabelValues(metrics.OutcomeSuccess).Inc()
	}

	stats.Interrupted = pipeline.Run(ctx, pipeline.Config{
		Name:          PipelineName,
		Query:         query,
		Workers:       p.opts.Workers,
		Logger:        p.logger,
		ProgressEvery: pipeline.ProgressEvery(len(ids)),
	}, ids, handler, sink)

	stats.Skipped = len(ids) - stats.Attempted
	stats.Duration = time.Since(start)
	if stats.Skipped > 0 {
		metrics.DetailResults.WithLabelValues(metrics.OutcomeSkipped).Add(float64(stats.Skipped))
	}

	log.WithFields(map[string]interface{}{
		"attempted":   stats.Attempted,
		"succeeded":   stats.Succeeded,
		"failed":      stats.Failed,
		"skipped":     stats.Skipped,
		"interrupted": stats.Interrupted,
		"duration":    stats.Duration.Round(time.Millisecond),
	}).Info("Detail fetch finished")
	return stats, nil
}

func (p *Pipeline) fetch(ctx context.Context, w pipeline.Worker, query, id string) result {
	if w.Stopping() {
		return result{id: id, outcome: outcomeInterrupted}
	}

	url := p.opts.DetailURL(id)
	p.logger.DebugWithFields("Worker fetching detail page", map[string]interface{}{
		"worker_id": w.ID,
		"id":        id,
	})

	// the request in flight finishes on ctx; retries stop with the pool
	page, err := retry.DoWithResult(w.Context(), &retry.Config{
		MaxAttempts: p.opts.MaxAttempts,
		Backoff:     p.opts.Backoff,
		RetryIf:     retry.TransientOnly,
		Logger:      p.logger,
	}, func(context.Context) (models.Page, error) {
		return p.fetcher.FetchPage(ctx, url)
	})
	if err != nil {
		if w.Stopping() {
			return result{id: id, outcome: outcomeInterrupted}
		}
		return result{id: id, outcome: outcomeFailed, err: err}
	}

	for _, c := range p.parser.Extract(page) {
		if c.ID == id {
			return result{id: id, record: c.Record(query), outcome: outcomeSuccess}
		}
	}
	return result{id: id, outcome: outcomeFailed, err: errs.Parse("extract details", fmt.Errorf("record %s not found on %s", id, url))}
}
