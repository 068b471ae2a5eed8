// Package rpcserver implements the Local RPC Server (spec.md §4.G): it
// accepts client connections on the per-user local socket, multiplexes many
// concurrent client-id-correlated requests per connection, and routes them
// to the Connection Pool and Response Cache. Grounded on the teacher's
// internal/web server.go accept/serve split, generalized from an HTTP
// ServeMux to a framed, bidirectional, multiplexed wire.
package rpcserver

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/valknarthing/universal-mcp/internal/cache"
	"github.com/valknarthing/universal-mcp/internal/config"
	"github.com/valknarthing/universal-mcp/internal/framing"
	"github.com/valknarthing/universal-mcp/internal/jsonrpc"
	"github.com/valknarthing/universal-mcp/internal/mcpadapter"
	"github.com/valknarthing/universal-mcp/internal/metrics"
	"github.com/valknarthing/universal-mcp/internal/pool"
	"github.com/valknarthing/universal-mcp/internal/session"
)

// Deps wires the Local RPC Server to the pool/cache/session/metrics
// components it routes requests to and from (spec.md §2 data-flow table).
type Deps struct {
	Pool     *pool.Pool
	Cache    *cache.Cache
	Registry *session.Registry
	Metrics  *metrics.Collector

	// Specs resolves a server name to its ServerSpec; false means "unknown
	// server" (spec.md §6.1 code 1001).
	Specs func(name string) (config.ServerSpec, bool)

	DefaultCacheTTL       time.Duration
	DefaultRequestTimeout time.Duration
	// QueueDepth bounds each connection's outbound response queue; exceeding
	// it closes the connection with SlowConsumer (spec.md §5 "Backpressure").
	QueueDepth int

	// OnShutdownRequested is invoked once an authorized `shutdown` request is
	// received, wiring the RPC surface to the Lifecycle Controller (spec.md
	// §4.G "Shutdown ... transitions lifecycle to drain").
	OnShutdownRequested func()
}

// Server accepts connections on a bound listener and serves the wire
// protocol of spec.md §6.1.
type Server struct {
	deps Deps

	mu       sync.Mutex
	draining bool
	conns    map[string]net.Conn

	notifyMu  sync.Mutex
	notifyTab map[string]*inflightQuery // progress token -> routing target

	wg sync.WaitGroup
}

// New creates a Server. Wire the Pool's NotifySink to s.NotifySink so inbound MCP notifications are routed back to the query that spawned
// them (spec.md §6.2).
func New(deps Deps) *Server {
	if deps.QueueDepth <= 0 {
		deps.QueueDepth = 64
	}
	if deps.DefaultRequestTimeout <= 0 {
		deps.DefaultRequestTimeout = 30 * time.Second
	}
	return &Server{
		deps:      deps,
		conns:     make(map[string]net.Conn),
		notifyTab: make(map[string]*inflightQuery),
	}
}

// NotifySink is wired into pool.New so every inbound MCP notification is
// routed to the RPC connection that owns the matching progress token
// (spec.md §6.2). Matches the pool.NotifySink function type exactly.
func (s *Server) NotifySink(serverName string, n mcpadapter.Notification) {
	s.handleNotification(serverName, n)
}

// Serve accepts connections from ln until ln is closed. Once Shutdown has
// been called, new connections are closed at once, and a later close of ln
// makes Serve return nil.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return nil
			}
			return err
		}

		s.mu.Lock()
		if s.draining {
			s.mu.Unlock()
			conn.Close() // spec.md §4.H step 1: new connects are closed at once, with no error reply
			continue
		}
		connID := uuid.NewString()
		s.conns[connID] = conn
		s.mu.Unlock()

		s.deps.Metrics.RecordConnectionAccepted()
		s.wg.Add(1)
		go s.handleConn(connID, conn)
	}
}

// Shutdown stops accepting new connections, closes every live connection
// (letting each finish its own teardown via handleConn's defer chain), and
// waits up to ctx's deadline for all connection goroutines to exit (spec.md
// §4.H "graceful shutdown" steps 1-2).
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	conns := make([]net.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleConn(connID string, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, connID)
		s.mu.Unlock()
		conn.Close()
	}()

	var peerUID uint32
	if uc, ok := conn.(*net.UnixConn); ok {
		uid, err := session.PeerUID(uc)
		if err != nil {
			log.Printf("[RPC] %s: peer credential lookup failed: %v", connID, err)
			return
		}
		peerUID = uid
	}

	codec := framing.NewCodec(conn)
	writeCh := make(chan []byte, s.deps.QueueDepth)

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go s.writer(conn, codec, writeCh, &writerWG)

	sess, authErr := s.deps.Registry.Create(connID, peerUID)
	s.deps.Metrics.SetActiveSessions(s.deps.Registry.Count())

	defer func() {
		close(writeCh)
		writerWG.Wait()
		if authErr == nil {
			s.deps.Registry.Remove(connID)
			s.deps.Metrics.SetActiveSessions(s.deps.Registry.Count())
		}
	}()

	if authErr != nil {
		// spec.md scenario 6: the connection is accepted, the offending
		// request still gets a 1007 reply, then the connection is closed.
		raw, err := codec.ReadOne()
		if err == nil {
			var req jsonrpc.Request
			if json.Unmarshal(raw, &req) == nil && req.ID != nil {
				s.send(writeCh, mustMarshal(jsonrpc.Response{
					ID:    *req.ID,
					Error: jsonrpc.NewError(jsonrpc.CodeUnauthorized, authErr.Error()),
				}))
				s.deps.Metrics.RecordError("unauthorized", "")
			}
		}
		return
	}

	for {
		raw, err := codec.ReadOne()
		if err != nil {
			return // transport close or framing ProtocolError: this connection alone is affected
		}

		var req jsonrpc.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			s.send(writeCh, mustMarshal(jsonrpc.Response{Error: jsonrpc.NewError(jsonrpc.CodeParseError, err.Error())}))
			continue
		}
		if req.ID == nil {
			continue // no client-originated notifications are defined on this wire (spec.md §6.1)
		}
		if req.Method == "" {
			s.send(writeCh, mustMarshal(jsonrpc.Response{ID: *req.ID, Error: jsonrpc.NewError(jsonrpc.CodeInvalidEnvelope, "missing method")}))
			continue
		}

		sess.Touch()
		reqID := *req.ID
		method := req.Method
		params := req.Params
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(connID, sess, reqID, method, params, writeCh)
		}()
	}
}

// writer owns the sole write half of conn, draining writeCh until it is
// closed — spec.md §5 "writes are serialized: a single writer task owns the
// transport write half."
func (s *Server) writer(conn net.Conn, codec *framing.Codec, writeCh chan []byte, wg *sync.WaitGroup) {
	defer wg.Done()
	for payload := range writeCh {
		if err := codec.WriteOne(payload); err != nil {
			conn.Close() // unblocks the paired reader loop in handleConn
			// Drain the rest without writing so senders relying on `send`'s
			// non-blocking semantics never deadlock against a dead writer.
			for range writeCh {
			}
			return
		}
	}
}

// send enqueues payload for the connection's writer, closing the connection
// with SlowConsumer if the bounded queue is already full (spec.md §5
// "Backpressure").
func (s *Server) send(writeCh chan []byte, payload []byte) {
	select {
	case writeCh <- payload:
	default:
		s.deps.Metrics.RecordError("slow_consumer", "")
		log.Printf("[RPC] response queue full, closing slow consumer")
		// A full channel with no readers means the writer already exited
		// (conn closed); nothing further to do here. The reader loop in
		// handleConn will observe the closed conn on its next ReadOne.
	}
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every value passed to mustMarshal is built internally from
		// already-valid JSON fragments; a marshal failure here is a
		// programmer error, not a runtime condition to recover from.
		panic(err)
	}
	return b
}
