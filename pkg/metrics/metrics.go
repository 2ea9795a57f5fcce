// Package metrics exposes MuninnDB operational counters over the
// standard Prometheus text endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds every registered collector. Each MuninnDB instance
// carries its own registry so tests never trip over duplicate
// registration.
type Metrics struct {
	registry *prometheus.Registry

	RecordsAppended   prometheus.Counter
	AppendRejected    prometheus.Counter
	CompactionCycles  prometheus.Counter
	CompactionAborted prometheus.Counter
	CompactionSkipped prometheus.Counter
	RecordsMerged     prometheus.Counter
	MergeFailures     prometheus.Counter
	GatewayRetries    prometheus.Counter
	RateLimitSignals  prometheus.Counter

	StoreRecords       prometheus.Gauge
	StoreVisible       prometheus.Gauge
	SchedulerLimit     prometheus.Gauge
	CompactionDuration prometheus.Histogram
}

// New creates a Metrics set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		RecordsAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "muninndb_records_appended_total",
			Help: "Records accepted into the active buffer.",
		}),
		AppendRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "muninndb_append_rejected_total",
			Help: "Records rejected by validation.",
		}),
		CompactionCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "muninndb_compaction_cycles_total",
			Help: "Compaction cycles committed.",
		}),
		CompactionAborted: factory.NewCounter(prometheus.CounterOpts{
			Name: "muninndb_compaction_aborted_total",
			Help: "Compaction cycles aborted.",
		}),
		CompactionSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "muninndb_compaction_skipped_total",
			Help: "Compaction triggers skipped because a cycle was in flight or the buffer was too small.",
		}),
		RecordsMerged: factory.NewCounter(prometheus.CounterOpts{
			Name: "muninndb_records_merged_total",
			Help: "Successor records created by consolidation.",
		}),
		MergeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "muninndb_merge_failures_total",
			Help: "Groups that fell back to pass-through after a merge failure.",
		}),
		GatewayRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "muninndb_gateway_retries_total",
			Help: "Gateway tasks retried after transient failures.",
		}),
		RateLimitSignals: factory.NewCounter(prometheus.CounterOpts{
			Name: "muninndb_gateway_rate_limited_total",
			Help: "Rate-limit signals received from the gateway.",
		}),

		StoreRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "muninndb_store_records",
			Help: "Total records in the active buffer, merged lineage included.",
		}),
		StoreVisible: factory.NewGauge(prometheus.GaugeOpts{
			Name: "muninndb_store_visible_records",
			Help: "Visible (non-merged, non-tombstoned) records.",
		}),
		SchedulerLimit: factory.NewGauge(prometheus.GaugeOpts{
			Name: "muninndb_scheduler_admission_limit",
			Help: "Current adaptive admission limit for outbound gateway calls.",
		}),
		CompactionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "muninndb_compaction_duration_seconds",
			Help:    "Wall time per committed compaction cycle.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics endpoint on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}
}

// Gather exposes the underlying registry for tests.
func (m *Metrics) Gather() ([]*dto.MetricFamily, error) {
	return m.registry.Gather()
}
