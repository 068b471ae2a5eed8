package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/valknarthing/universal-mcp/internal/cache"
	"github.com/valknarthing/universal-mcp/internal/config"
	"github.com/valknarthing/universal-mcp/internal/coordinator"
	"github.com/valknarthing/universal-mcp/internal/jsonrpc"
	"github.com/valknarthing/universal-mcp/internal/session"
)

// dispatch runs one client request to completion and writes exactly one
// response on writeCh. It always runs on its own goroutine (server.go) so a
// slow query never blocks the connection's read loop from picking up the
// next request, or a `cancel` targeting a different one (spec.md §6.1
// "out-of-order completion").
func (s *Server) dispatch(connID string, sess *session.Session, reqID uint64, method string, params json.RawMessage, writeCh chan []byte) {
	ctx, cancel := context.WithCancel(context.Background())
	sess.TrackRequest(reqID, cancel)
	defer cancel()
	defer sess.UntrackRequest(reqID)

	result, wireErr := s.call(ctx, sess, reqID, method, params, writeCh)
	if wireErr != nil {
		s.deps.Metrics.RecordError(coordinator.KindOf(wireErr), wireErr.Server)
	}
	s.send(writeCh, mustMarshal(jsonrpc.Response{ID: reqID, Result: result, Error: wireErr}))
}

// call routes one request to its handler and returns a wire-ready result or
// error — never both (spec.md §6.1 envelope invariant).
func (s *Server) call(ctx context.Context, sess *session.Session, reqID uint64, method string, params json.RawMessage, writeCh chan []byte) (json.RawMessage, *jsonrpc.Error) {
	switch method {
	case "connect":
		return s.handleConnect(ctx, sess, params)
	case "query":
		return s.handleQuery(ctx, reqID, params, writeCh)
	case "cancel":
		return s.handleCancel(sess, params)
	case "cache_get":
		return s.handleCacheGet(params)
	case "cache_set":
		return s.handleCacheSet(params)
	case "get_metrics":
		return s.handleGetMetrics()
	case "shutdown":
		return s.handleShutdown()
	default:
		return nil, jsonrpc.NewError(jsonrpc.CodeUnknownMethod, fmt.Sprintf("unknown method %q", method))
	}
}

func (s *Server) resolveSpec(server string) (config.ServerSpec, *jsonrpc.Error) {
	sp, ok := s.deps.Specs(server)
	if !ok {
		return config.ServerSpec{}, jsonrpc.NewError(jsonrpc.CodeUnknownServer, fmt.Sprintf("unknown server %q", server))
	}
	return sp, nil
}

var handleCounter atomic.Uint64

func nextHandle() uint64 { return handleCounter.Add(1) }

// handleConnect acquires a holder on the named server for the calling
// session and returns its advertised capabilities (spec.md §4.G "Connect").
// The returned handle is informational for the client; the wire protocol
// identifies servers by name on every subsequent call (spec.md §6.1 query).
func (s *Server) handleConnect(ctx context.Context, sess *session.Session, raw json.RawMessage) (json.RawMessage, *jsonrpc.Error) {
	var p struct {
		Server string `json:"server"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.Server == "" {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "connect requires {server}")
	}
	spec, wireErr := s.resolveSpec(p.Server)
	if wireErr != nil {
		return nil, wireErr
	}

	ref, err := s.deps.Pool.Acquire(ctx, spec)
	if err != nil {
		return nil, coordinator.ToWireError(p.Server, err)
	}
	sess.TrackAcquire(ref)
	s.deps.Metrics.SetPoolEntries(s.deps.Pool.Size())

	return mustMarshalErr(struct {
		Handle       uint64          `json:"handle"`
		Capabilities json.RawMessage `json:"capabilities"`
	}{
		Handle:       nextHandle(),
		Capabilities: ref.Adapter.Capabilities(),
	})
}

// handleQuery is the cache-lookup-or-single-flight-then-adapter path of
// spec.md §4.G "Query" / §2's data-flow table. Inbound MCP progress
// notifications for this call are routed back to writeCh tagged with reqID
// (spec.md §6.2) via a progress token threaded through the adapter request.
func (s *Server) handleQuery(ctx context.Context, reqID uint64, raw json.RawMessage, writeCh chan []byte) (json.RawMessage, *jsonrpc.Error) {
	var p struct {
		Server    string          `json:"server"`
		Method    string          `json:"method"`
		Params    json.RawMessage `json:"params"`
		TimeoutMs uint32          `json:"timeout_ms"`
		Cache     *bool           `json:"cache"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.Server == "" || p.Method == "" {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "query requires {server, method}")
	}
	spec, wireErr := s.resolveSpec(p.Server)
	if wireErr != nil {
		return nil, wireErr
	}

	timeout := s.deps.DefaultRequestTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	qctx, qcancel := context.WithTimeout(ctx, timeout)
	defer qcancel()

	start := time.Now()
	fetch := func(fctx context.Context) (json.RawMessage, error) {
		ref, err := s.deps.Pool.Acquire(fctx, spec)
		if err != nil {
			return nil, err
		}
		defer s.deps.Pool.Release(ref)

		token := newProgressToken()
		tokenParams, _ := withProgressToken(p.Params, token)
		s.registerInflight(token, writeCh, reqID)
		defer s.unregisterInflight(token)

		return ref.Adapter.Request(fctx, p.Method, tokenParams)
	}

	useCache := cache.Cacheable(p.Method) && (p.Cache == nil || *p.Cache)
	var result json.RawMessage
	var hit bool
	var err error
	if useCache {
		result, hit, err = s.deps.Cache.Lookup(qctx, p.Server, p.Method, p.Params, ttlFor(spec, p.Method, s.deps.DefaultCacheTTL), fetch)
	} else {
		result, err = fetch(qctx)
	}

	s.deps.Metrics.RecordQuery(p.Server, time.Since(start))
	if useCache {
		if hit {
			s.deps.Metrics.RecordCacheHit()
		} else {
			s.deps.Metrics.RecordCacheMiss()
		}
	}
	s.deps.Metrics.SetCacheBytes(s.deps.Cache.Bytes())

	if err != nil {
		return nil, coordinator.ToWireError(p.Server, err)
	}
	return mustMarshalErr(struct {
		Result json.RawMessage `json:"result"`
	}{Result: result})
}

func ttlFor(spec config.ServerSpec, method string, def time.Duration) time.Duration {
	if spec.MethodTTLs != nil {
		if d, ok := spec.MethodTTLs[method]; ok {
			return d
		}
	}
	return def
}

// handleCancel flips the cancellation token for the identified outstanding
// request (spec.md §4.G "Cancel"). Always reports {ok:true}: cancellation is
// idempotent and a request that already completed is simply a no-op.
func (s *Server) handleCancel(sess *session.Session, raw json.RawMessage) (json.RawMessage, *jsonrpc.Error) {
	var p struct {
		RequestID uint64 `json:"request_id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "cancel requires {request_id}")
	}
	sess.Cancel(p.RequestID)
	return mustMarshalErr(okResult{OK: true})
}

func (s *Server) handleCacheGet(raw json.RawMessage) (json.RawMessage, *jsonrpc.Error) {
	var p struct {
		Server string          `json:"server"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.Server == "" || p.Method == "" {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "cache_get requires {server, method}")
	}
	result, hit, err := s.deps.Cache.Get(p.Server, p.Method, p.Params)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error())
	}
	return mustMarshalErr(struct {
		Hit    bool            `json:"hit"`
		Result json.RawMessage `json:"result,omitempty"`
	}{Hit: hit, Result: result})
}

func (s *Server) handleCacheSet(raw json.RawMessage) (json.RawMessage, *jsonrpc.Error) {
	var p struct {
		Server string          `json:"server"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Result json.RawMessage `json:"result"`
		TTLMs  uint32          `json:"ttl_ms"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.Server == "" || p.Method == "" {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "cache_set requires {server, method, result}")
	}
	ttl := time.Duration(p.TTLMs) * time.Millisecond
	if err := s.deps.Cache.Set(p.Server, p.Method, p.Params, p.Result, ttl); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error())
	}
	s.deps.Metrics.SetCacheBytes(s.deps.Cache.Bytes())
	return mustMarshalErr(okResult{OK: true})
}

func (s *Server) handleGetMetrics() (json.RawMessage, *jsonrpc.Error) {
	snap := s.deps.Metrics.Snapshot()
	servers := make(map[string]serverMetric, len(snap.QueriesByServer))
	for name, n := range snap.QueriesByServer {
		servers[name] = serverMetric{Queries: n}
	}
	for name, n := range snap.ErrorsByServer {
		m := servers[name]
		m.Errors += n
		servers[name] = m
	}
	return mustMarshalErr(struct {
		ActiveSessions int64                   `json:"active_sessions"`
		CacheHits      uint64                  `json:"cache_hits"`
		CacheMisses    uint64                  `json:"cache_misses"`
		Servers        map[string]serverMetric `json:"servers"`
	}{
		ActiveSessions: snap.ActiveSessions,
		CacheHits:      snap.CacheHits,
		CacheMisses:    snap.CacheMisses,
		Servers:        servers,
	})
}

type serverMetric struct {
	Queries uint64 `json:"queries"`
	Errors  uint64 `json:"errors"`
}

// handleShutdown is privileged in spec.md but the privilege check already
// happened at connect time (Registry.Create rejects mismatched peer uids
// before any request reaches here) — spec.md §4.G "only honoured from the
// owning uid".
func (s *Server) handleShutdown() (json.RawMessage, *jsonrpc.Error) {
	if s.deps.OnShutdownRequested != nil {
		go s.deps.OnShutdownRequested()
	}
	return mustMarshalErr(okResult{OK: true})
}

type okResult struct {
	OK bool `json:"ok"`
}

func mustMarshalErr(v any) (json.RawMessage, *jsonrpc.Error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error())
	}
	return b, nil
}
