// Package metrics exposes Prometheus collectors for pipeline runs.
//
// Collectors are registered by Init. Until then every Observe function is a
// no-op, so packages can record unconditionally.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbsmedya/goscrape/internal/logger"
)

var (
	itemsTotal             *prometheus.CounterVec
	retriesTotal           *prometheus.CounterVec
	checkpointFlushesTotal *prometheus.CounterVec
	activeWorkers          *prometheus.GaugeVec
	frontierDepth          *prometheus.GaugeVec
	stageDurationSeconds   *prometheus.HistogramVec
	publishedRecordsTotal  *prometheus.CounterVec
	initialized            bool
	mu                     sync.RWMutex
	once                   sync.Once
)

// Item statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goscrape_items_total",
				Help: "Total number of work items finished, labeled by stage and status.",
			},
			[]string{"stage", "status"},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goscrape_retries_total",
				Help: "Total number of failed attempts that were retried, labeled by stage.",
			},
			[]string{"stage"},
		)

		checkpointFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goscrape_checkpoint_flushes_total",
				Help: "Total number of checkpoint flushes, labeled by stage.",
			},
			[]string{"stage"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "goscrape_active_workers",
				Help: "Number of workers currently processing an item.",
			},
			[]string{"stage"},
		)

		frontierDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "goscrape_frontier_depth",
				Help: "Number of discovered keys waiting in the frontier queue.",
			},
			[]string{"stage"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "goscrape_stage_duration_seconds",
				Help:    "Histogram of stage run times.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"stage"},
		)

		publishedRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goscrape_published_records_total",
				Help: "Total number of records published to Kafka, labeled by stage.",
			},
			[]string{"stage"},
		)

		initialized = true
	})
}

func enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return initialized
}

// ObserveItem counts one finished work item.
func ObserveItem(stage, status string) {
	if !enabled() {
		return
	}
	itemsTotal.WithLabelValues(stage, status).Inc()
}

// ObserveRetry counts one retried attempt.
func ObserveRetry(stage string) {
	if !enabled() {
		return
	}
	retriesTotal.WithLabelValues(stage).Inc()
}

// ObserveCheckpoint counts one checkpoint flush.
func ObserveCheckpoint(stage string) {
	if !enabled() {
		return
	}
	checkpointFlushesTotal.WithLabelValues(stage).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers(stage string) {
	if !enabled() {
		return
	}
	activeWorkers.WithLabelValues(stage).Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers(stage string) {
	if !enabled() {
		return
	}
	activeWorkers.WithLabelValues(stage).Dec()
}

// SetFrontierDepth records the current frontier queue length.
func SetFrontierDepth(stage string, depth int) {
	if !enabled() {
		return
	}
	frontierDepth.WithLabelValues(stage).Set(float64(depth))
}

// ObserveStageDuration records how long a stage ran.
func ObserveStageDuration(stage string, d time.Duration) {
	if !enabled() {
		return
	}
	stageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// ObservePublished counts records written to Kafka.
func ObservePublished(stage string, n int) {
	if !enabled() || n <= 0 {
		return
	}
	publishedRecordsTotal.WithLabelValues(stage).Add(float64(n))
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes the metrics endpoint on listen until ctx is cancelled.
func Serve(ctx context.Context, listen, path string, log *logger.Logger) error {
	if log == nil {
		log = logger.NewDefault()
	}
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, Handler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infow("Serving metrics", "listen", listen, "path", path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
