// Package debughttp serves the daemon's operator-facing HTTP surface:
// /healthz for liveness probes and /metrics for Prometheus scraping. It is
// deliberately separate from the local RPC socket (spec.md §4.G is the
// client-facing wire; this is for operators), grounded on the chi router
// style of Tutu-Engine-tutuengine's internal/api/server.go.
package debughttp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status reports the fields surfaced on GET /healthz.
type Status struct {
	ActiveSessions func() int
	PoolSize       func() int
}

type healthResponse struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	ActiveSessions int    `json:"active_sessions"`
	PoolSize       int    `json:"pool_size"`
}

// NewRouter builds the chi router serving /healthz and /metrics (registry
// defaults to prometheus.DefaultRegisterer's gatherer when reg is nil).
func NewRouter(status Status, reg prometheus.Gatherer) http.Handler {
	start := time.Now()
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		resp := healthResponse{
			Status:        "ok",
			UptimeSeconds: int64(time.Since(start).Seconds()),
		}
		if status.ActiveSessions != nil {
			resp.ActiveSessions = status.ActiveSessions()
		}
		if status.PoolSize != nil {
			resp.PoolSize = status.PoolSize()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}
