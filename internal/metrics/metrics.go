// Package metrics exposes Prometheus instrumentation for the ingestion core.
//
// Everything is registered on a dedicated registry (not the global default)
// so tests can construct isolated instances. Handler() serves the registry
// for the /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge the core reports.
type Metrics struct {
	registry *prometheus.Registry

	FramesReceived   *prometheus.CounterVec // by connection_id
	ParseMalformed   prometheus.Counter
	FramesUnknown    prometheus.Counter
	TradesParsed     *prometheus.CounterVec // by program
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	BatchFlushes     prometheus.Counter
	BatchRequeues    prometheus.Counter
	QueueDrops       prometheus.Counter
	RowsWritten      *prometheus.CounterVec // by kind
	Reconnects       *prometheus.CounterVec // by connection_id
	MonitorDuplicate *prometheus.CounterVec // by monitor
	PublishErrors    prometheus.Counter
	SolPriceUsd      prometheus.Gauge
	PendingTrades    prometheus.Gauge
	WriteQueueDepth  prometheus.Gauge
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pump_stream_frames_received_total",
			Help: "Raw frames received from upstream, per connection.",
		}, []string{"connection_id"}),
		ParseMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pump_parse_malformed_total",
			Help: "Frames dropped because their payload failed to decode.",
		}),
		FramesUnknown: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pump_parse_unknown_total",
			Help: "Frames that matched no known program or instruction.",
		}),
		TradesParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pump_trades_parsed_total",
			Help: "Typed trade events produced by the parser.",
		}, []string{"program"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pump_token_cache_hits_total",
			Help: "Token lookups served from the hot cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pump_token_cache_misses_total",
			Help: "Token lookups that fell through to the repository.",
		}),
		BatchFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pump_batch_flushes_total",
			Help: "Committed batch writer flushes.",
		}),
		BatchRequeues: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pump_batch_requeues_total",
			Help: "Batches rolled back and requeued after a write failure.",
		}),
		QueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pump_write_queue_drops_total",
			Help: "Items dropped because the writer queue would not accept them.",
		}),
		RowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pump_rows_written_total",
			Help: "Rows written per kind (token, trade, snapshot, account_state).",
		}, []string{"kind"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pump_stream_reconnects_total",
			Help: "Upstream reconnect attempts, per connection.",
		}, []string{"connection_id"}),
		MonitorDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pump_monitor_duplicates_total",
			Help: "Duplicate deliveries suppressed by monitor seen-sets.",
		}, []string{"monitor"}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pump_publish_errors_total",
			Help: "Failed NATS publishes.",
		}),
		SolPriceUsd: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pump_sol_price_usd",
			Help: "Current SOL/USD reference price.",
		}),
		PendingTrades: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pump_pending_trades",
			Help: "Trades buffered in the handler awaiting the batch-save tick.",
		}),
		WriteQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pump_write_queue_depth",
			Help: "Items queued in the batch writer.",
		}),
	}

	reg.MustRegister(
		m.FramesReceived, m.ParseMalformed, m.FramesUnknown, m.TradesParsed,
		m.CacheHits, m.CacheMisses,
		m.BatchFlushes, m.BatchRequeues, m.QueueDrops, m.RowsWritten,
		m.Reconnects, m.MonitorDuplicate, m.PublishErrors,
		m.SolPriceUsd, m.PendingTrades, m.WriteQueueDepth,
	)
	return m
}

// Handler returns an http.Handler serving this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
