package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/valknarthing/universal-mcp/internal/cache"
	"github.com/valknarthing/universal-mcp/internal/config"
	"github.com/valknarthing/universal-mcp/internal/framing"
	"github.com/valknarthing/universal-mcp/internal/jsonrpc"
	"github.com/valknarthing/universal-mcp/internal/mcpadapter"
	"github.com/valknarthing/universal-mcp/internal/metrics"
	"github.com/valknarthing/universal-mcp/internal/pool"
	"github.com/valknarthing/universal-mcp/internal/session"
)

// fakeTransport auto-answers the initialize handshake and echoes back
// whatever "params" it was sent as "result", so tests can assert on a
// round-tripped value without a real MCP server subprocess.
type fakeTransport struct {
	mu     sync.Mutex
	out    chan []byte
	in     chan []byte
	closed bool
}

func newFakeTransport() *fakeTransport {
	ft := &fakeTransport{out: make(chan []byte, 8), in: make(chan []byte, 8)}
	go ft.loop()
	return ft
}

func (f *fakeTransport) loop() {
	raw, ok := <-f.in
	if !ok {
		return
	}
	var req map[string]any
	json.Unmarshal(raw, &req)
	reply, _ := json.Marshal(map[string]any{
		"id":     req["id"],
		"result": map[string]any{"capabilities": map[string]any{"echo": true}},
	})
	f.out <- reply
	<-f.in // initialized notification

	for raw := range f.in {
		var req map[string]any
		json.Unmarshal(raw, &req)
		reply, _ := json.Marshal(map[string]any{
			"id":     req["id"],
			"result": req["params"],
		})
		f.out <- reply
	}
}

func (f *fakeTransport) WriteMessage(b []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("closed")
	}
	f.mu.Unlock()
	f.in <- b
	return nil
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	b, ok := <-f.out
	if !ok {
		return nil, fmt.Errorf("closed")
	}
	return b, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.in)
	}
	return nil
}

func testServer(t *testing.T) (*Server, net.Listener, func()) {
	t.Helper()
	factory := func(ctx context.Context, spec config.ServerSpec, onDead mcpadapter.OnDead, onNotify mcpadapter.OnNotify) (*mcpadapter.Adapter, error) {
		return mcpadapter.New(ctx, spec, newFakeTransport(), onDead, onNotify)
	}

	var srv *Server
	p := pool.New(factory, 8, func(name string, n mcpadapter.Notification) { srv.NotifySink(name, n) })
	c := cache.New(time.Minute, 1<<20)
	reg := session.NewRegistry(p)
	m := metrics.NewCollector()

	specs := map[string]config.ServerSpec{
		"echo": {Name: "echo", Transport: config.TransportStdio, StartupTimeout: time.Second},
	}

	srv = New(Deps{
		Pool:     p,
		Cache:    c,
		Registry: reg,
		Metrics:  m,
		Specs: func(name string) (config.ServerSpec, bool) {
			sp, ok := specs[name]
			return sp, ok
		},
		DefaultCacheTTL:       time.Minute,
		DefaultRequestTimeout: 2 * time.Second,
	})

	dir := t.TempDir()
	ln, err := net.Listen("unix", filepath.Join(dir, "mcpd.sock"))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
	return srv, ln, cleanup
}

func dial(t *testing.T, ln net.Listener) *framing.Codec {
	t.Helper()
	conn, err := net.Dial("unix", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return framing.NewCodec(conn)
}

func call(t *testing.T, codec *framing.Codec, id uint64, method string, params any) jsonrpc.Response {
	t.Helper()
	raw, _ := json.Marshal(params)
	req := jsonrpc.Request{ID: &id, Method: method, Params: raw}
	b, _ := json.Marshal(req)
	if err := codec.WriteOne(b); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := codec.ReadOne()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(reply, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestConnectQueryRoundTrip(t *testing.T) {
	_, ln, cleanup := testServer(t)
	defer cleanup()
	codec := dial(t, ln)

	resp := call(t, codec, 1, "connect", map[string]any{"server": "echo"})
	if resp.Error != nil {
		t.Fatalf("connect error: %+v", resp.Error)
	}
	var connectResult struct {
		Handle       uint64 `json:"handle"`
		Capabilities struct {
			Echo bool `json:"echo"`
		} `json:"capabilities"`
	}
	if err := json.Unmarshal(resp.Result, &connectResult); err != nil {
		t.Fatalf("unmarshal connect result: %v", err)
	}
	if !connectResult.Capabilities.Echo {
		t.Fatalf("expected capabilities.echo true, got %+v", connectResult)
	}

	resp = call(t, codec, 2, "query", map[string]any{
		"server": "echo",
		"method": "tools/call",
		"params": map[string]any{"x": 1},
	})
	if resp.Error != nil {
		t.Fatalf("query error: %+v", resp.Error)
	}
	var queryResult struct {
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal(resp.Result, &queryResult); err != nil {
		t.Fatalf("unmarshal query result: %v", err)
	}
	if queryResult.Result["x"] != float64(1) {
		t.Fatalf("expected echoed params, got %+v", queryResult.Result)
	}
}

func TestQueryUnknownServer(t *testing.T) {
	_, ln, cleanup := testServer(t)
	defer cleanup()
	codec := dial(t, ln)

	resp := call(t, codec, 1, "query", map[string]any{"server": "nope", "method": "x"})
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeUnknownServer {
		t.Fatalf("expected CodeUnknownServer, got %+v", resp.Error)
	}
}

func TestCacheSetGetRoundTrip(t *testing.T) {
	_, ln, cleanup := testServer(t)
	defer cleanup()
	codec := dial(t, ln)

	resp := call(t, codec, 1, "cache_set", map[string]any{
		"server": "echo", "method": "tools/list", "result": map[string]any{"ok": true}, "ttl_ms": 60000,
	})
	if resp.Error != nil {
		t.Fatalf("cache_set error: %+v", resp.Error)
	}

	resp = call(t, codec, 2, "cache_get", map[string]any{"server": "echo", "method": "tools/list"})
	if resp.Error != nil {
		t.Fatalf("cache_get error: %+v", resp.Error)
	}
	var got struct {
		Hit    bool           `json:"hit"`
		Result map[string]any `json:"result"`
	}
	json.Unmarshal(resp.Result, &got)
	if !got.Hit || got.Result["ok"] != true {
		t.Fatalf("expected cache hit with stored result, got %+v", got)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	_, ln, cleanup := testServer(t)
	defer cleanup()
	codec := dial(t, ln)

	resp := call(t, codec, 1, "cancel", map[string]any{"request_id": 999})
	if resp.Error != nil {
		t.Fatalf("cancel of unknown request should be ok, got %+v", resp.Error)
	}
}

func TestGetMetrics(t *testing.T) {
	_, ln, cleanup := testServer(t)
	defer cleanup()
	codec := dial(t, ln)

	resp := call(t, codec, 1, "get_metrics", map[string]any{})
	if resp.Error != nil {
		t.Fatalf("get_metrics error: %+v", resp.Error)
	}
	var got struct {
		ActiveSessions int64 `json:"active_sessions"`
	}
	json.Unmarshal(resp.Result, &got)
	if got.ActiveSessions < 1 {
		t.Fatalf("expected at least the calling session counted, got %+v", got)
	}
}

func TestShutdownInvokesCallback(t *testing.T) {
	factory := func(ctx context.Context, spec config.ServerSpec, onDead mcpadapter.OnDead, onNotify mcpadapter.OnNotify) (*mcpadapter.Adapter, error) {
		return mcpadapter.New(ctx, spec, newFakeTransport(), onDead, onNotify)
	}
	var srv *Server
	p := pool.New(factory, 8, func(name string, n mcpadapter.Notification) { srv.NotifySink(name, n) })
	c := cache.New(time.Minute, 1<<20)
	reg := session.NewRegistry(p)
	m := metrics.NewCollector()

	called := make(chan struct{}, 1)
	srv = New(Deps{
		Pool: p, Cache: c, Registry: reg, Metrics: m,
		Specs:                 func(string) (config.ServerSpec, bool) { return config.ServerSpec{}, false },
		DefaultRequestTimeout: time.Second,
		OnShutdownRequested:   func() { called <- struct{}{} },
	})

	dir := t.TempDir()
	ln, err := net.Listen("unix", filepath.Join(dir, "mcpd.sock"))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	codec := dial(t, ln)
	resp := call(t, codec, 1, "shutdown", map[string]any{})
	if resp.Error != nil {
		t.Fatalf("shutdown error: %+v", resp.Error)
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("OnShutdownRequested was not invoked")
	}
}

func TestUnauthorizedPeerRejected(t *testing.T) {
	factory := func(ctx context.Context, spec config.ServerSpec, onDead mcpadapter.OnDead, onNotify mcpadapter.OnNotify) (*mcpadapter.Adapter, error) {
		return mcpadapter.New(ctx, spec, newFakeTransport(), onDead, onNotify)
	}
	var srv *Server
	p := pool.New(factory, 8, func(name string, n mcpadapter.Notification) { srv.NotifySink(name, n) })
	reg := session.NewRegistry(p)
	m := metrics.NewCollector()

	// Force every connecting peer to be rejected by constructing a Registry
	// that always sees a mismatched uid: simulated by closing the listener's
	// socket with a bogus peer check is not directly controllable from here,
	// so this test exercises the codepath via a Registry.Create call that
	// rejects anything but os.Getuid() — a TCP-style net.Conn (not
	// *net.UnixConn) skips peer credential lookup and reaches the registry
	// with peerUID 0, which on a non-root test runner mismatches the daemon's
	// own uid and is rejected exactly like a cross-user unix peer would be.
	srv = New(Deps{
		Pool: p, Cache: cache.New(time.Minute, 1<<20), Registry: reg, Metrics: m,
		Specs:                 func(string) (config.ServerSpec, bool) { return config.ServerSpec{}, false },
		DefaultRequestTimeout: time.Second,
	})

	if os.Getuid() == 0 {
		t.Skip("running as root: peer uid 0 always matches the daemon uid")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	codec := framing.NewCodec(conn)
	resp := call(t, codec, 1, "get_metrics", map[string]any{})
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeUnauthorized {
		t.Fatalf("expected CodeUnauthorized, got %+v", resp.Error)
	}
}
