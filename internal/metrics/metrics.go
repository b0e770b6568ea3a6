// Package metrics defines the prometheus instrumentation surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the indexer exports.
type Metrics struct {
	registry *prometheus.Registry

	SignaturesProcessed *prometheus.CounterVec
	SwapsIndexed        *prometheus.CounterVec
	EventsPersisted     *prometheus.CounterVec
	RPCErrors           *prometheus.CounterVec
	RPCLatency          *prometheus.HistogramVec
	CandleFlushes       prometheus.Counter
	CandleFlushErrors   prometheus.Counter
	FeeRefreshes        prometheus.Counter
	StakeEvents         *prometheus.CounterVec
	WSClients           prometheus.Gauge
	WSDropped           prometheus.Counter
	TrackedPools        prometheus.Gauge
	DedupEntries        prometheus.Gauge
}

// New builds a registry with the indexer's collectors plus the standard
// go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SignaturesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_signatures_processed_total",
			Help: "Signatures examined per pool, by outcome (swap, skipped, retry).",
		}, []string{"pool", "outcome"}),
		SwapsIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_swaps_indexed_total",
			Help: "Trades accepted into the ring per pool.",
		}, []string{"pool"}),
		EventsPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_events_persisted_total",
			Help: "Program events written to the audit table, by event name.",
		}, []string{"event"}),
		RPCErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_rpc_errors_total",
			Help: "JSON-RPC call failures by method.",
		}, []string{"method"}),
		RPCLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orbit_rpc_latency_seconds",
			Help:    "JSON-RPC call latency by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		CandleFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbit_candle_flushes_total",
			Help: "Dirty-candle flush batches written.",
		}),
		CandleFlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbit_candle_flush_errors_total",
			Help: "Dirty-candle flush batches that failed and were retained.",
		}),
		FeeRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbit_fee_refreshes_total",
			Help: "Fee vault refresh reads executed.",
		}),
		StakeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_stake_events_total",
			Help: "Vault staking events applied, by kind.",
		}, []string{"kind"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orbit_ws_clients",
			Help: "Connected websocket clients.",
		}),
		WSDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbit_ws_dropped_frames_total",
			Help: "Frames dropped because a client's send buffer was full.",
		}),
		TrackedPools: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orbit_tracked_pools",
			Help: "Pools currently tracked by the ingest engine.",
		}),
		DedupEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orbit_dedup_entries",
			Help: "Entries in the seen-signature dedup set.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SignaturesProcessed, m.SwapsIndexed, m.EventsPersisted,
		m.RPCErrors, m.RPCLatency,
		m.CandleFlushes, m.CandleFlushErrors, m.FeeRefreshes,
		m.StakeEvents, m.WSClients, m.WSDropped,
		m.TrackedPools, m.DedupEntries,
	)
	return m
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
