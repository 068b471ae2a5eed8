package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks the same counters as the package-level Prometheus metrics
// but keeps a plain-Go mirror so the get_metrics RPC method (spec.md §4.G)
// can hand back a JSON snapshot without scraping the Prometheus registry —
// dual-exposure of the same numbers through two surfaces, one for operators
// running a scraper and one for a client with no HTTP access to the daemon.
type Collector struct {
	activeSessions  atomic.Int64
	connections     atomic.Uint64
	poolEntries     atomic.Int64
	cacheHits       atomic.Uint64
	cacheMisses     atomic.Uint64
	cacheBytes      atomic.Int64

	mu           sync.Mutex
	queriesByServer map[string]uint64
	errorsByKind    map[string]uint64
	errorsByServer  map[string]uint64
	latencies       map[string][]float64 // recent query latencies in seconds, per server
}

const maxLatencySamples = 256

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		queriesByServer: make(map[string]uint64),
		errorsByKind:    make(map[string]uint64),
		errorsByServer:  make(map[string]uint64),
		latencies:       make(map[string][]float64),
	}
}

func (c *Collector) SetActiveSessions(n int) {
	c.activeSessions.Store(int64(n))
	ActiveSessions.Set(float64(n))
}

func (c *Collector) RecordConnectionAccepted() {
	c.connections.Add(1)
	ConnectionsAccepted.Inc()
}

func (c *Collector) SetPoolEntries(n int) {
	c.poolEntries.Store(int64(n))
	PoolEntries.Set(float64(n))
}

func (c *Collector) RecordPoolSpawn(server string) {
	PoolSpawns.WithLabelValues(server).Inc()
}

func (c *Collector) RecordPoolDeath(server string) {
	PoolDeaths.WithLabelValues(server).Inc()
}

func (c *Collector) RecordCacheHit() {
	c.cacheHits.Add(1)
	CacheHits.Inc()
}

func (c *Collector) RecordCacheMiss() {
	c.cacheMisses.Add(1)
	CacheMisses.Inc()
}

func (c *Collector) SetCacheBytes(n int64) {
	c.cacheBytes.Store(n)
	CacheBytes.Set(float64(n))
}

// RecordQuery records one completed query's outcome and latency.
func (c *Collector) RecordQuery(server string, latency time.Duration) {
	QueriesByServer.WithLabelValues(server).Inc()
	QueryLatency.WithLabelValues(server).Observe(latency.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.queriesByServer[server]++
	samples := append(c.latencies[server], latency.Seconds())
	if len(samples) > maxLatencySamples {
		samples = samples[len(samples)-maxLatencySamples:]
	}
	c.latencies[server] = samples
}

// RecordError records one failed request by its wire-error kind and, when
// known, the originating server name (spec.md §6.1 "servers: { <name>: {
// queries, errors } }" — server is empty for errors with no server of
// origin, e.g. an envelope-level unauthorized or slow-consumer failure).
func (c *Collector) RecordError(kind, server string) {
	ErrorsByKind.WithLabelValues(kind).Inc()
	c.mu.Lock()
	c.errorsByKind[kind]++
	if server != "" {
		c.errorsByServer[server]++
	}
	c.mu.Unlock()
}

// Snapshot is the wire shape for the get_metrics RPC method.
type Snapshot struct {
	ActiveSessions int64             `json:"active_sessions"`
	Connections    uint64            `json:"connections_accepted"`
	PoolEntries    int64             `json:"pool_entries"`
	CacheHits      uint64            `json:"cache_hits"`
	CacheMisses    uint64            `json:"cache_misses"`
	CacheBytes     int64             `json:"cache_bytes"`
	QueriesByServer map[string]uint64 `json:"queries_by_server"`
	ErrorsByKind    map[string]uint64 `json:"errors_by_kind"`
	ErrorsByServer  map[string]uint64 `json:"errors_by_server"`
	LatencyByServer map[string]Percentiles `json:"latency_by_server_seconds"`
}

// Percentiles holds p50/p95/p99 computed from the most recent
// maxLatencySamples observations for a server — an approximation, not an
// exact quantile sketch, but adequate for an operator glancing at get_metrics.
type Percentiles struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// Snapshot renders the current counters as a JSON-serializable value.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	queries := make(map[string]uint64, len(c.queriesByServer))
	for k, v := range c.queriesByServer {
		queries[k] = v
	}
	errs := make(map[string]uint64, len(c.errorsByKind))
	for k, v := range c.errorsByKind {
		errs[k] = v
	}
	errsByServer := make(map[string]uint64, len(c.errorsByServer))
	for k, v := range c.errorsByServer {
		errsByServer[k] = v
	}
	lat := make(map[string]Percentiles, len(c.latencies))
	for server, samples := range c.latencies {
		sorted := append([]float64(nil), samples...)
		sort.Float64s(sorted)
		lat[server] = Percentiles{
			P50: percentile(sorted, 0.50),
			P95: percentile(sorted, 0.95),
			P99: percentile(sorted, 0.99),
		}
	}

	return Snapshot{
		ActiveSessions:  c.activeSessions.Load(),
		Connections:     c.connections.Load(),
		PoolEntries:     c.poolEntries.Load(),
		CacheHits:       c.cacheHits.Load(),
		CacheMisses:     c.cacheMisses.Load(),
		CacheBytes:      c.cacheBytes.Load(),
		QueriesByServer: queries,
		ErrorsByKind:    errs,
		ErrorsByServer:  errsByServer,
		LatencyByServer: lat,
	}
}
