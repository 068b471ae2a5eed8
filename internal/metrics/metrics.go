// Package metrics provides Prometheus metrics for the daemon: counters,
// gauges, and histograms for sessions, the connection pool, the response
// cache, and RPC errors. Grounded on the teacher pack's
// internal/infra/metrics/metrics.go (Tutu-Engine-tutuengine) — package-level
// promauto vars grouped by concern with banner comments, registered against
// the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Sessions ───────────────────────────────────────────────────────────────

// ActiveSessions tracks live client connections (spec.md §4.H idle-shutdown input).
var ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "mcpd",
	Name:      "active_sessions",
	Help:      "Number of currently connected RPC clients.",
})

// ConnectionsAccepted tracks total accepted RPC connections.
var ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "mcpd",
	Name:      "connections_accepted_total",
	Help:      "Total RPC connections accepted.",
})

// ─── Pool ───────────────────────────────────────────────────────────────────

// PoolEntries tracks the number of live pool entries (one per server name).
var PoolEntries = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "mcpd",
	Name:      "pool_entries",
	Help:      "Number of live connection-pool entries.",
})

// PoolSpawns tracks adapter creations by server name.
var PoolSpawns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mcpd",
	Name:      "pool_spawns_total",
	Help:      "Total MCP server processes/connections spawned, by server name.",
}, []string{"server"})

// PoolDeaths tracks unexpected adapter deaths by server name.
var PoolDeaths = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mcpd",
	Name:      "pool_deaths_total",
	Help:      "Total pool entries that died unexpectedly, by server name.",
}, []string{"server"})

// ─── Cache ──────────────────────────────────────────────────────────────────

// CacheHits tracks response-cache hits.
var CacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "mcpd",
	Name:      "cache_hits_total",
	Help:      "Total response-cache hits.",
})

// CacheMisses tracks response-cache misses.
var CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "mcpd",
	Name:      "cache_misses_total",
	Help:      "Total response-cache misses.",
})

// CacheBytes tracks current cached payload size.
var CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "mcpd",
	Name:      "cache_bytes",
	Help:      "Current total size in bytes of cached responses.",
})

// ─── Queries ────────────────────────────────────────────────────────────────

// QueriesByServer tracks total queries dispatched, by server name.
var QueriesByServer = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mcpd",
	Name:      "queries_total",
	Help:      "Total MCP queries dispatched, by server name.",
}, []string{"server"})

// QueryLatency tracks end-to-end query latency in seconds, by server name.
var QueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "mcpd",
	Name:      "query_latency_seconds",
	Help:      "End-to-end query latency in seconds, by server name.",
	Buckets:   prometheus.DefBuckets,
}, []string{"server"})

// ErrorsByKind tracks RPC errors by stable error-code name (spec.md §7).
var ErrorsByKind = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mcpd",
	Name:      "errors_total",
	Help:      "Total RPC errors, by error kind.",
}, []string{"kind"})
