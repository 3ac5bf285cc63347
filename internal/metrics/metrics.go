// Package metrics registers the Prometheus instrumentation for every
// pipeline stage. One Metrics value per process; components receive the
// counters they bump through their hook fields.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Collector
	TicksTotal   prometheus.Counter
	TicksGated   prometheus.Counter // dropped by the session gate
	TicksDropped prometheus.Counter // shed on the builder ring
	Reconnects   prometheus.Counter

	// Candle builder
	BarsClosed    *prometheus.CounterVec // labels: tf
	LateTicks     prometheus.Counter     // predate the open bar
	StoreWriteDur prometheus.Histogram   // store write latency
	JournalDur    prometheus.Histogram   // sqlite commit latency
	CorruptKeys   prometheus.Counter

	// Indicator engine
	SnapshotsTotal prometheus.Counter
	ComputeDur     prometheus.Histogram

	// Signal engine
	SignalsTriggered prometheus.Counter
	SignalsExpired   prometheus.Counter
	SignalsFailed    prometheus.Counter
	FillsTotal       prometheus.Counter

	// Gateway
	GatewayClients   prometheus.Gauge
	GatewayForwarded prometheus.Counter
	GatewayDropped   prometheus.Counter

	// Market session
	MarketState prometheus.Gauge // 0=closed, 1=open
}

// New registers and returns all metrics for one service.
func New(service string) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: service + "_ticks_total",
			Help: "Ticks accepted from the collector",
		}),
		TicksGated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: service + "_ticks_gated_total",
			Help: "Ticks dropped outside the instrument's trading session",
		}),
		TicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: service + "_ticks_dropped_total",
			Help: "Ticks shed on the builder ring",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: service + "_feed_reconnects_total",
			Help: "Upstream feed reconnection attempts",
		}),
		BarsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_bars_closed_total",
			Help: "OHLC bars finalised",
		}, []string{"tf"}),
		LateTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: service + "_late_ticks_total",
			Help: "Ticks predating the open bar, dropped",
		}),
		StoreWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    service + "_store_write_duration_seconds",
			Help:    "Store write latency",
			Buckets: prometheus.DefBuckets,
		}),
		JournalDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    service + "_journal_commit_duration_seconds",
			Help:    "Journal commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		CorruptKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Name: service + "_store_corrupt_values_total",
			Help: "Store values that failed to decode",
		}),
		SnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: service + "_indicator_snapshots_total",
			Help: "Indicator snapshots emitted",
		}),
		ComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    service + "_indicator_compute_duration_seconds",
			Help:    "Indicator set compute latency per closed bar",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}),
		SignalsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: service + "_signals_triggered_total",
			Help: "Signals transitioned active to triggered",
		}),
		SignalsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: service + "_signals_expired_total",
			Help: "Signals expired at end of lifetime",
		}),
		SignalsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: service + "_signals_failed_total",
			Help: "Signals settled as failed",
		}),
		FillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: service + "_paper_fills_total",
			Help: "Paper fills executed",
		}),
		GatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: service + "_ws_clients",
			Help: "Connected WebSocket clients",
		}),
		GatewayForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: service + "_ws_forwarded_total",
			Help: "Envelopes forwarded to WebSocket clients",
		}),
		GatewayDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: service + "_ws_dropped_total",
			Help: "Frames dropped by rate limiting or slow clients",
		}),
		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: service + "_market_open",
			Help: "1 while the NSE session is open",
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal, m.TicksGated, m.TicksDropped, m.Reconnects,
		m.BarsClosed, m.LateTicks, m.StoreWriteDur, m.JournalDur, m.CorruptKeys,
		m.SnapshotsTotal, m.ComputeDur,
		m.SignalsTriggered, m.SignalsExpired, m.SignalsFailed, m.FillsTotal,
		m.GatewayClients, m.GatewayForwarded, m.GatewayDropped,
		m.MarketState,
	)
	return m
}
