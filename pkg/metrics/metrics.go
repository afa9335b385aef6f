// Package metrics exposes Prometheus collectors for collection runs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pinscraper/pkg/logger"
)

var (
	// RecordsCollected counts newly stored unique records, by phase.
	RecordsCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinscraper_records_collected_total",
		Help: "Unique records added to the store, labeled by collection phase.",
	}, []string{"phase"})

	// PageLoads counts driver calls, by operation and outcome.
	PageLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinscraper_page_loads_total",
		Help: "Automation driver calls, labeled by operation and outcome.",
	}, []string{"op", "outcome"})

	// DetailResults counts detail fetches, by outcome.
	DetailResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinscraper_detail_results_total",
		Help: "Detail page fetches, labeled by outcome.",
	}, []string{"outcome"})

	// Downloads counts image downloads, by outcome and the tier that served them.
	Downloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinscraper_downloads_total",
		Help: "Image downloads, labeled by outcome and quality tier.",
	}, []string{"outcome", "tier"})

	// DownloadBytes counts bytes written to disk.
	DownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pinscraper_download_bytes_total",
		Help: "Bytes of verified image data written to disk.",
	})

	// Sessions counts finalized sessions, by status.
	Sessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinscraper_sessions_total",
		Help: "Finalized collection sessions, labeled by status.",
	}, []string{"status"})

	// ActiveWorkers is the number of pipeline workers holding an item.
	ActiveWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pinscraper_active_workers",
		Help: "Pipeline workers currently processing an item, labeled by pipeline.",
	}, []string{"pipeline"})

	// RequestDuration observes HTTP request latency, by pipeline.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pinscraper_request_duration_seconds",
		Help:    "HTTP request latency, labeled by pipeline.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"pipeline"})
)

// Outcome labels
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomeSkipped     = "skipped"
	OutcomeUnavailable = "unavailable"
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, log logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("address", addr).Info("Metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ObservePage records a driver call outcome.
func ObservePage(op string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailed
	}
	PageLoads.WithLabelValues(op, outcome).Inc()
}
