// Package collector implements the two-phase collection engine.
//
// Phase 1 renders the search surface and scrolls it, storing every unseen
// record until the target is reached or scrolling stops yielding new ids.
// Phase 2 walks the relation graph: starting from every stored id it visits
// detail pages in FIFO order and stores the related records it finds, which
// in turn join the frontier. Both phases stop exactly at the target.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pinscraper/pkg/config"
	"pinscraper/pkg/dedup"
	"pinscraper/pkg/logger"
	"pinscraper/pkg/metrics"
	"pinscraper/pkg/models"
	"pinscraper/pkg/retry"
)

// Phase names
const (
	PhaseSearch   = "phase1"
	PhaseFrontier = "phase2"
)

// Stop reasons
const (
	ReasonTargetReached    = "target reached"
	ReasonAlreadySatisfied = "target already satisfied by stored records"
	ReasonSearchStalled    = "search results exhausted"
	ReasonRoundLimit       = "search round limit reached"
	ReasonFrontierStalled  = "related records exhausted"
	ReasonFrontierEmpty    = "frontier exhausted"
	ReasonInterrupted      = "interrupted"
)

// Progress is reported after every batch.
type Progress struct {
	Phase  string
	Query  string
	Unique int
	Target int
	Round  int
}

// Result summarises one engine run
type Result struct {
	Unique     int                  `json:"unique"`
	NewRecords int                  `json:"new_records"`
	Phase1New  int                  `json:"phase1_new"`
	Phase2New  int                  `json:"phase2_new"`
	StopReason string               `json:"stop_reason"`
	Status     models.SessionStatus `json:"status"`
}

// Options tune the engine. Zero values take the defaults of config.CollectConfig.
type Options struct {
	Phase1StallLimit int
	Phase2StallLimit int
	MinRounds        int
	RoundsPerTarget  int
	MaxAttempts      int
	Backoff          retry.BackoffStrategy
	SearchURL        func(query string) string
	OnProgress       func(Progress)
}

// OptionsFromConfig builds engine options from configuration
func OptionsFromConfig(cfg config.CollectConfig, searchURL func(string) string) Options {
	return Options{
		Phase1StallLimit: cfg.Phase1StallLimit,
		Phase2StallLimit: cfg.Phase2StallLimit,
		MinRounds:        cfg.MinRounds,
		RoundsPerTarget:  cfg.RoundsPerTarget,
		MaxAttempts:      cfg.MaxAttempts,
		SearchURL:        searchURL,
	}
}

func (o *Options) defaults() {
	if o.Phase1StallLimit <= 0 {
		o.Phase1StallLimit = 3
	}
	if o.Phase2StallLimit <= 0 {
		o.Phase2StallLimit = 30
	}
	if o.MinRounds <= 0 {
		o.MinRounds = 10
	}
	if o.RoundsPerTarget <= 0 {
		o.RoundsPerTarget = 3
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff == nil {
		o.Backoff = retry.DefaultExponentialBackoff()
	}
	if o.SearchURL == nil {
		o.SearchURL = func(q string) string { return q }
	}
}

// Engine runs collection sessions
type Engine struct {
	driver   AutomationDriver
	parser   ContentParser
	store    RecordStore
	sessions SessionTracker
	opts     Options
	logger   logger.Logger
}

// New creates an engine
func New(driver AutomationDriver, parser ContentParser, store RecordStore, sessions SessionTracker, opts Options, log logger.Logger) *Engine {
	opts.defaults()
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Engine{
		driver:   driver,
		parser:   parser,
		store:    store,
		sessions: sessions,
		opts:     opts,
		logger:   log.WithField("component", "collector"),
	}
}

// run holds the mutable state of one session
type run struct {
	*Engine
	sess   *models.Session
	index  *dedup.Index
	log    logger.Logger
	unique int
	result Result
}

// Run drives sess to its target and finalizes it. A reuse plan returns
// immediately without touching the driver. The returned error is non-nil
// only when the session failed.
func (e *Engine) Run(ctx context.Context, sess *models.Session, plan models.ResumePlan) (Result, error) {
	if plan.Action == models.PlanReuse {
		e.logger.WithFields(map[string]interface{}{
			"query":    sess.Query,
			"existing": plan.Existing,
			"target":   sess.TargetCount,
		}).Info("Target already satisfied, skipping collection")
		return Result{Unique: plan.Existing, StopReason: ReasonAlreadySatisfied, Status: models.StatusCompleted}, nil
	}

	start := time.Now()
	r := &run{
		Engine: e,
		sess:   sess,
		log:    e.logger.WithFields(map[string]interface{}{"query": sess.Query, "session_id": sess.ID}),
	}

	index, err := dedup.Rebuild(context.WithoutCancel(ctx), e.store, sess.Query)
	if err != nil {
		return r.finish(ctx, models.StatusFailed, fmt.Sprintf("rebuild index: %v", err), err)
	}
	r.index = index
	r.unique = index.Len()
	r.result.Unique = r.unique

	r.log.WithFields(map[string]interface{}{
		"plan":     plan.Action,
		"existing": r.unique,
		"target":   sess.TargetCount,
	}).Info("Collection started")

	if r.reached() {
		return r.finish(ctx, models.StatusCompleted, ReasonTargetReached, nil)
	}

	reason, err := r.searchPhase(ctx)
	if res, done, ferr := r.stopIfFinal(ctx, err); done {
		return res, ferr
	}
	r.log.WithFields(map[string]interface{}{
		"reason": reason,
		"new":    r.result.Phase1New,
		"unique": r.unique,
	}).Info("Search phase finished")

	if err := e.sessions.Checkpoint(context.WithoutCancel(ctx), sess); err != nil {
		r.log.WithError(err).Warn("Checkpoint failed")
	}

	reason, err = r.frontierPhase(ctx)
	if res, done, ferr := r.stopIfFinal(ctx, err); done {
		return res, ferr
	}
	r.log.WithFields(map[string]interface{}{
		"reason": reason,
		"unique": r.unique,
		"target": sess.TargetCount,
	}).Warn("Collection exhausted before target")

	res, ferr := r.finish(ctx, models.StatusCompleted, reason, nil)
	r.log.WithField("duration", time.Since(start).Round(time.Millisecond)).Info("Collection finished")
	return res, ferr
}

// stopIfFinal finalizes the session when a phase failed, reached the
// target, or was interrupted.
func (r *run) stopIfFinal(ctx context.Context, err error) (Result, bool, error) {
	var (
		res  Result
		ferr error
	)
	switch {
	case err != nil:
		res, ferr = r.finish(ctx, models.StatusFailed, err.Error(), err)
	case r.reached():
		res, ferr = r.finish(ctx, models.StatusCompleted, ReasonTargetReached, nil)
	case ctx.Err() != nil:
		res, ferr = r.finish(ctx, models.StatusInterrupted, interruptReason(ctx), nil)
	default:
		return Result{}, false, nil
	}
	return res, true, ferr
}

func interruptReason(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		return cause.Error()
	}
	return ReasonInterrupted
}

func (r *run) finish(ctx context.Context, status models.SessionStatus, reason string, runErr error) (Result, error) {
	r.result.Unique = r.unique
	r.result.Status = status
	r.result.StopReason = reason

	if err := r.sessions.Finalize(context.WithoutCancel(ctx), r.sess, status, reason); err != nil {
		r.log.WithError(err).Error("Failed to finalize session")
		if runErr == nil {
			runErr = err
		}
	}
	metrics.Sessions.WithLabelValues(string(status)).Inc()
	return r.result, runErr
}

func (r *run) reached() bool {
	return r.unique >= r.sess.TargetCount
}

// absorb stores every unseen candidate until the target is reached and
// returns the ids that were added. Writes use a context detached from
// cancellation so a batch in progress is persisted in full.
func (r *run) absorb(ctx context.Context, cands []models.Candidate, exclude, phase string) []string {
	writeCtx := context.WithoutCancel(ctx)
	var added []string
	for _, c := range cands {
		if r.reached() {
			break
		}
		if c.ID == "" || c.ID == exclude {
			continue
		}
		if !r.index.Add(c.ID) {
			continue
		}
		if err := r.store.Upsert(writeCtx, c.Record(r.sess.Query)); err != nil {
			r.log.WithError(err).WithField("id", c.ID).Warn("Failed to store record")
			r.index.Remove(c.ID)
			continue
		}
		r.unique++
		added = append(added, c.ID)
	}

	n := len(added)
	r.result.NewRecords += n
	if phase == PhaseSearch {
		r.result.Phase1New += n
	} else {
		r.result.Phase2New += n
	}
	if n > 0 {
		metrics.RecordsCollected.WithLabelValues(phase).Add(float64(n))
	}
	return added
}

func (r *run) report(phase string, round int) {
	if r.opts.OnProgress == nil {
		return
	}
	r.opts.OnProgress(Progress{
		Phase:  phase,
		Query:  r.sess.Query,
		Unique: r.unique,
		Target: r.sess.TargetCount,
		Round:  round,
	})
}

// load calls the driver with bounded retries for transient failures.
func (r *run) load(ctx context.Context, op string, fn func(context.Context) (models.Page, error)) (models.Page, error) {
	cfg := &retry.Config{
		MaxAttempts: r.opts.MaxAttempts,
		Backoff:     r.opts.Backoff,
		RetryIf:     retry.TransientOnly,
		Logger:      r.log,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			r.log.WithError(err).WithFields(map[string]interface{}{
				"op":      op,
				"attempt": attempt,
				"delay":   delay,
			}).Warn("Page load failed, retrying")
		},
	}
	page, err := retry.DoWithResult(ctx, cfg, fn)
	metrics.ObservePage(op, err)
	return page, err
}
