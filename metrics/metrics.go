// Package metrics exposes the engine's Prometheus instrumentation, grounded
// on tradSys's internal/monitoring.MetricsCollector but trimmed to the
// single-instrument engine's own concerns: request throughput, trade
// volume, WAL flush latency, and live book depth.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine holds the counters, histograms and gauges the matching engine
// updates on its hot path.
type Engine struct {
	RequestsProcessed prometheus.Counter
	RequestsRejected  prometheus.Counter
	TradesEmitted     prometheus.Counter

	WALFlushLatency prometheus.Histogram

	BestBid prometheus.Gauge
	BestAsk prometheus.Gauge

	BidDepthLevels prometheus.Gauge
	AskDepthLevels prometheus.Gauge
}

// NewEngine registers and returns the engine's metric set against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across parallel test runs.
func NewEngine(reg prometheus.Registerer) *Engine {
	factory := promauto.With(reg)

	return &Engine{
		RequestsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "obm_requests_processed_total",
			Help: "Total number of ingress requests applied to the book.",
		}),
		RequestsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "obm_requests_rejected_total",
			Help: "Total number of ingress requests rejected by validation.",
		}),
		TradesEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "obm_trades_emitted_total",
			Help: "Total number of trades produced by the matching loop.",
		}),
		WALFlushLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "obm_wal_flush_latency_seconds",
			Help:    "Latency of a single WAL Append-and-fsync call.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100us..~205ms
		}),
		BestBid: factory.NewGauge(prometheus.GaugeOpts{
			Name: "obm_best_bid_paise",
			Help: "Current best bid price in paise, 0 if the bid side is empty.",
		}),
		BestAsk: factory.NewGauge(prometheus.GaugeOpts{
			Name: "obm_best_ask_paise",
			Help: "Current best ask price in paise, 0 if the ask side is empty.",
		}),
		BidDepthLevels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "obm_bid_price_levels",
			Help: "Number of distinct live bid price levels, counted up to the snapshot depth (50).",
		}),
		AskDepthLevels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "obm_ask_price_levels",
			Help: "Number of distinct live ask price levels, counted up to the snapshot depth (50).",
		}),
	}
}

// ObserveWALFlush records the duration of one Store.Append call.
func (e *Engine) ObserveWALFlush(d time.Duration) {
	e.WALFlushLatency.Observe(d.Seconds())
}
