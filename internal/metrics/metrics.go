// Package metrics exposes Prometheus counters for the pipeline. Each binary
// builds one Registry and serves it only when METRICS_ADDR is set.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the pipeline records. Metrics are registered
// on a private registry so multiple instances can coexist in tests.
type Registry struct {
	reg *prometheus.Registry

	EpochsSynced     *prometheus.CounterVec
	SyncFailures     *prometheus.CounterVec
	SyncDuration     prometheus.Histogram
	LiveBetsIngested *prometheus.CounterVec
	BufferPending    prometheus.Gauge
	BufferLength     prometheus.Gauge
	FlushSizes       prometheus.Histogram
	Predictions      *prometheus.CounterVec
	TradePhases      *prometheus.CounterVec
	WSReconnects     prometheus.Counter
}

// New builds and registers the metric set.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		EpochsSynced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundflow_epochs_synced_total",
				Help: "Epochs committed to the store, by worker",
			},
			[]string{"worker"},
		),

		SyncFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundflow_epoch_sync_failures_total",
				Help: "Epoch sync aborts, by state-machine stage",
			},
			[]string{"stage"},
		),

		SyncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "roundflow_epoch_sync_duration_seconds",
				Help:    "Wall time of one epoch sync attempt",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		LiveBetsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundflow_live_bets_ingested_total",
				Help: "Live bets written to the store, by side",
			},
			[]string{"side"},
		),

		BufferPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "roundflow_buffer_pending",
				Help: "Stream entries delivered but not yet acknowledged",
			},
		),

		BufferLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "roundflow_buffer_length",
				Help: "Total stream entries, acknowledged history included",
			},
		),

		FlushSizes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "roundflow_consumer_flush_entries",
				Help:    "Entries per committed consumer flush",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
			},
		),

		Predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundflow_predictions_published_total",
				Help: "Predictions published to the bus, by confidence and finality",
			},
			[]string{"confidence", "final"},
		),

		TradePhases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundflow_trade_phases_total",
				Help: "Trader lifecycle phases logged, by phase",
			},
			[]string{"phase"},
		),

		WSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "roundflow_ws_reconnects_total",
				Help: "Event subscription reconnect attempts",
			},
		),
	}

	r.reg.MustRegister(
		r.EpochsSynced,
		r.SyncFailures,
		r.SyncDuration,
		r.LiveBetsIngested,
		r.BufferPending,
		r.BufferLength,
		r.FlushSizes,
		r.Predictions,
		r.TradePhases,
		r.WSReconnects,
	)
	return r
}

// Handler serves this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve blocks on an HTTP listener for /metrics until ctx is canceled.
func (r *Registry) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("metrics listener started", "addr", addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
