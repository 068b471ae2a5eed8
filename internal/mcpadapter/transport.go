package mcpadapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/valknarthing/universal-mcp/internal/config"
	"github.com/valknarthing/universal-mcp/internal/framing"
	"github.com/valknarthing/universal-mcp/internal/supervisor"
)

// Transport is the common capability set spec.md §9 calls for behind the
// sum-of-variants { Stdio, LocalSocket, Http }: a single reader, a single
// writer, and a close. MCP Dialect Adapter code is written once against this
// interface and never branches on transport kind.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage([]byte) error
	Close() error
}

// stdioTransport frames messages over a supervised child process's stdio.
type stdioTransport struct {
	sup   *supervisor.Supervisor
	codec *framing.Codec
}

// NewStdioTransport spawns spec's command and frames its stdio pipes.
func NewStdioTransport(spec config.ServerSpec) (Transport, *supervisor.Supervisor, error) {
	sup, err := supervisor.Start(context.Background(), spec)
	if err != nil {
		return nil, nil, err
	}
	w, r := sup.Stdio()
	return &stdioTransport{sup: sup, codec: framing.NewCodecRW(r, w)}, sup, nil
}

func (t *stdioTransport) ReadMessage() ([]byte, error)  { return t.codec.ReadOne() }
func (t *stdioTransport) WriteMessage(b []byte) error   { return t.codec.WriteOne(b) }
func (t *stdioTransport) Close() error                  { t.sup.Stop(5 * time.Second); return nil }

// localSocketTransport frames messages over a Unix-domain socket connection
// to an already-running MCP server (spec.md's "local-socket" transport kind).
type localSocketTransport struct {
	conn  net.Conn
	codec *framing.Codec
}

// NewLocalSocketTransport dials spec.Endpoint as a Unix-domain socket.
func NewLocalSocketTransport(spec config.ServerSpec) (Transport, error) {
	conn, err := net.Dial("unix", spec.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("mcpadapter: dial %q: %w", spec.Endpoint, err)
	}
	return &localSocketTransport{conn: conn, codec: framing.NewCodec(conn)}, nil
}

func (t *localSocketTransport) ReadMessage() ([]byte, error) { return t.codec.ReadOne() }
func (t *localSocketTransport) WriteMessage(b []byte) error  { return t.codec.WriteOne(b) }
func (t *localSocketTransport) Close() error                 { return t.conn.Close() }

// httpTransport speaks one-shot JSON-RPC-over-HTTP-POST to a remote MCP
// server, grounded on the mcplexer pattern of a synchronous doRPC call per
// message: WriteMessage posts the request and buffers the response for the
// next ReadMessage, since HTTP has no persistent duplex stream to frame.
type httpTransport struct {
	url    string
	client *http.Client

	mu       sync.Mutex
	inflight chan []byte
	closed   bool
}

// NewHTTPTransport targets spec.Endpoint as a streamable-HTTP MCP server.
func NewHTTPTransport(spec config.ServerSpec) Transport {
	return &httpTransport{
		url:      spec.Endpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
		inflight: make(chan []byte, 8),
	}
}

func (t *httpTransport) WriteMessage(b []byte) error {
	resp, err := t.client.Post(t.url, "application/json", bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("mcpadapter: http post: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mcpadapter: http body: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("mcpadapter: transport closed")
	}
	select {
	case t.inflight <- body:
	default:
		return fmt.Errorf("mcpadapter: http response backlog full")
	}
	return nil
}

func (t *httpTransport) ReadMessage() ([]byte, error) {
	b, ok := <-t.inflight
	if !ok {
		return nil, fmt.Errorf("mcpadapter: transport closed")
	}
	return b, nil
}

func (t *httpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.inflight)
	}
	return nil
}
