// Package observability exposes Prometheus metrics for the alarm
// evaluation engine and its WAL.
//
// Endpoint: GET /metrics on the configured address (default
// 127.0.0.1:9091). Bind loopback-only unless the operator explicitly
// widens it.
//
// Metric naming convention: sentrywatch_<subsystem>_<name>_<unit>.
//
// All metrics are registered on a dedicated prometheus.Registry (not
// the default global registry) to avoid collisions with other
// instrumented libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric descriptor for the engine.
type Metrics struct {
	registry *prometheus.Registry

	// MetricsConsumedTotal counts metrics offered to Consume, by whether
	// any alarm accepted them.
	MetricsConsumedTotal *prometheus.CounterVec

	// ConsumeLatency records AlarmService.Consume wall-clock latency.
	ConsumeLatency prometheus.Histogram

	// WALBytesWrittenTotal counts bytes appended to the WAL.
	WALBytesWrittenTotal prometheus.Counter

	// WALPages is the current number of WAL pages.
	WALPages prometheus.Gauge

	// AlarmTransitionsTotal counts raised/cleared edge transitions, by
	// alarm id and new state.
	AlarmTransitionsTotal *prometheus.CounterVec

	// BucketsTracked is the total bucket count across every registered
	// alarm instance, as of the most recent AlarmService.Snapshot call.
	BucketsTracked prometheus.Gauge

	// RecoveryDuration records how long WAL replay took on startup.
	RecoveryDuration prometheus.Histogram
}

// NewMetrics creates and registers every sentrywatch Prometheus metric.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		MetricsConsumedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentrywatch",
			Subsystem: "ingest",
			Name:      "metrics_consumed_total",
			Help:      "Total metrics offered to the alarm engine, by whether any alarm accepted them.",
		}, []string{"accepted"}),

		ConsumeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentrywatch",
			Subsystem: "ingest",
			Name:      "consume_latency_seconds",
			Help:      "Wall-clock latency of AlarmService.Consume.",
			Buckets:   prometheus.DefBuckets,
		}),

		WALBytesWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentrywatch",
			Subsystem: "wal",
			Name:      "bytes_written_total",
			Help:      "Total bytes appended to the write-ahead log.",
		}),

		WALPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentrywatch",
			Subsystem: "wal",
			Name:      "pages",
			Help:      "Current number of WAL pages.",
		}),

		AlarmTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentrywatch",
			Subsystem: "alarm",
			Name:      "transitions_total",
			Help:      "Total raised/cleared edge transitions, by alarm id and new state.",
		}, []string{"alarm_id", "state"}),

		BucketsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentrywatch",
			Subsystem: "alarm",
			Name:      "buckets_tracked",
			Help:      "Current total bucket count across every registered alarm instance.",
		}),

		RecoveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentrywatch",
			Subsystem: "wal",
			Name:      "recovery_duration_seconds",
			Help:      "Duration of WAL replay performed on startup.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		}),
	}

	reg.MustRegister(
		m.MetricsConsumedTotal,
		m.ConsumeLatency,
		m.WALBytesWrittenTotal,
		m.WALPages,
		m.AlarmTransitionsTotal,
		m.BucketsTracked,
		m.RecoveryDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}
