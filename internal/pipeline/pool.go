// Package pipeline provides the bounded worker pool shared by the detail
// fetch and download pipelines.
//
// Jobs flow through a bounded queue to a fixed number of workers. Every
// result is delivered to a single consumer, so callers never need locking
// around the side effects they perform on results.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"pinscraper/pkg/logger"
	"pinscraper/pkg/metrics"
)

// ErrStopped is returned by Submit once the pool no longer accepts jobs.
var ErrStopped = errors.New("worker pool is shutting down")

// Handler processes one job on a worker. ctx is detached from the pool's
// cancellation, so a job that has started can finish its current request;
// w.Stopping reports an interrupt, after which handlers should not start
// further retries or fallbacks.
type Handler[J, R any] func(ctx context.Context, w Worker, job J) R

// Worker describes the worker running a job.
type Worker struct {
	ID   int
	stop context.Context
}

// Stopping reports whether the pool has been interrupted.
func (w Worker) Stopping() bool {
	return w.stop != nil && w.stop.Err() != nil
}

// Context returns the pool context. It ends on interrupt; use it for waits
// that should be cut short, such as retry backoff.
func (w Worker) Context() context.Context {
	if w.stop == nil {
		return context.Background()
	}
	return w.stop
}

// Config describes a pool
type Config struct {
	// Name labels log lines and the active worker gauge.
	Name    string
	Query   string
	Workers int
	Logger  logger.Logger
	// ProgressEvery logs progress after this many consumed results.
	// Zero disables progress lines.
	ProgressEvery int
}

// Pool runs a Handler on a fixed set of workers.
type Pool[J, R any] struct {
	name        string
	numWorkers  int
	jobQueue    chan J
	resultQueue chan R
	wg          sync.WaitGroup
	ctx         context.Context
	handler     Handler[J, R]
	logger      logger.Logger
	closeOnce   sync.Once
}

// NewPool creates a pool. Workers defaults to 1.
func NewPool[J, R any](cfg Config, handler Handler[J, R]) *Pool[J, R] {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNopLogger()
	}
	return &Pool[J, R]{
		name:        cfg.Name,
		numWorkers:  cfg.Workers,
		jobQueue:    make(chan J, cfg.Workers*2),
		resultQueue: make(chan R, cfg.Workers),
		handler:     handler,
		logger:      cfg.Logger.WithField("pipeline", cfg.Name),
	}
}

// Start launches the workers. Once ctx is done workers finish the job they
// are running and leave the remaining queue untouched.
func (p *Pool[J, R]) Start(ctx context.Context) {
	p.ctx = ctx
	p.logger.InfoWithFields("Starting worker pool", map[string]interface{}{
		"num_workers": p.numWorkers,
	})

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit queues a job, blocking while the queue is full.
func (p *Pool[J, R]) Submit(job J) error {
	if p.ctx.Err() != nil {
		return ErrStopped
	}
	select {
	case p.jobQueue <- job:
		return nil
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// Close stops accepting jobs, waits for the workers and closes Results.
func (p *Pool[J, R]) Close() {
	p.closeOnce.Do(func() {
		close(p.jobQueue)
		p.wg.Wait()
		close(p.resultQueue)
		p.logger.Debug("Worker pool stopped")
	})
}

// Results returns the result channel. It is closed by Close.
func (p *Pool[J, R]) Results() <-chan R {
	return p.resultQueue
}

// QueueSize returns the number of jobs waiting for a worker.
func (p *Pool[J, R]) QueueSize() int {
	return len(p.jobQueue)
}

// Workers returns the pool size.
func (p *Pool[J, R]) Workers() int {
	return p.numWorkers
}

func (p *Pool[J, R]) worker(id int) {
	defer p.wg.Done()

	gauge := metrics.ActiveWorkers.WithLabelValues(p.name)
	w := Worker{ID: id, stop: p.ctx}
	runCtx := context.WithoutCancel(p.ctx)
	for job := range p.jobQueue {
		// queued jobs are left for the next run once interrupted
		if p.ctx.Err() != nil {
			p.logger.DebugWithFields("Worker stopping - context cancelled", map[string]interface{}{
				"worker_id": id,
			})
			return
		}

		gauge.Inc()
		result := p.handler(runCtx, w, job)
		gauge.Dec()

		// the consumer drains until Close, so a completed result is never dropped
		p.resultQueue <- result
	}
}

// Run feeds jobs into a fresh pool, hands every result to sink on a single
// goroutine and returns once all accepted jobs have been processed and
// consumed. Feeding stops at the first job after ctx is done; the returned
// bool reports whether that happened.
func Run[J, R any](ctx context.Context, cfg Config, jobs []J, handler Handler[J, R], sink func(R)) (interrupted bool) {
	start := time.Now()
	pool := NewPool(cfg, handler)
	pool.Start(ctx)

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		done := 0
		for r := range pool.Results() {
			sink(r)
			done++
			if cfg.ProgressEvery > 0 && done%cfg.ProgressEvery == 0 {
				logger.LogProgress(pool.logger, cfg.Name, cfg.Query, done, len(jobs))
			}
		}
	}()

	submitted := 0
	for _, job := range jobs {
		if err := pool.Submit(job); err != nil {
			interrupted = true
			break
		}
		submitted++
	}

	pool.Close()
	<-consumed

	if ctx.Err() != nil {
		interrupted = true
	}
	pool.logger.InfoWithFields("Worker pool drained", map[string]interface{}{
		"submitted":   submitted,
		"total":       len(jobs),
		"interrupted": interrupted,
		"duration":    time.Since(start).Round(time.Millisecond),
	})
	return interrupted
}

// ProgressEvery returns a progress interval of roughly a tenth of total,
// never below 10 results.
func ProgressEvery(total int) int {
	if step := total / 10; step > 10 {
		return step
	}
	return 10
}
