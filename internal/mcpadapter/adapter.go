// Package mcpadapter implements the MCP Dialect Adapter (spec.md §4.C): the
// initialize handshake, request/response correlation over a monotonic id
// space, notification categorization, and best-effort cancellation — the
// control the mcp-go SDK's high-level client keeps hidden and which the
// coordinator needs exposed so the cache and pool can coalesce, time out,
// and cancel individual in-flight requests (see DESIGN.md).
package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	sdkmcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/valknarthing/universal-mcp/internal/config"
	"github.com/valknarthing/universal-mcp/internal/jsonrpc"
)

// State is the adapter lifecycle spec.md §4.C names: Initializing → Ready →
// Draining → Closed, with any state able to fall to Dead on transport failure.
type State int32

const (
	StateInitializing State = iota
	StateReady
	StateDraining
	StateClosed
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateReady:
		return "Ready"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	case StateDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// NotificationKind categorizes an inbound MCP notification (spec.md §4.C).
type NotificationKind int

const (
	NotifyProgress NotificationKind = iota
	NotifyLog
	NotifyError
)

// Notification is handed to the adapter's sink callback for every inbound
// MCP notification. Notifications are never cached (spec.md §4.E).
type Notification struct {
	Kind   NotificationKind
	Method string
	Params json.RawMessage
}

type pendingEntry struct {
	reply chan pendingResult
}

type pendingResult struct {
	result json.RawMessage
	err    *jsonrpc.Error
}

// initializeParams/Result are hand-written to the MCP wire shape rather than
// reused from the SDK's high-level client, since the adapter needs to own
// framing and correlation itself; only the protocol-version constant and the
// Implementation type are reused from the SDK (see DESIGN.md).
type initializeParams struct {
	ProtocolVersion string                `json:"protocolVersion"`
	Capabilities    map[string]any        `json:"capabilities"`
	ClientInfo      sdkmcp.Implementation `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      map[string]any `json:"serverInfo"`
}

// OnDead is invoked exactly once when the adapter transitions to Dead,
// so the pool can evict the owning PoolEntry (spec.md §4.C: "notifies the
// pool").
type OnDead func(err error)

// OnNotify is invoked for every inbound MCP notification.
type OnNotify func(Notification)

// Adapter is a live, owned connection to one MCP server (spec.md §3
// AdapterHandle).
type Adapter struct {
	serverName   string
	transport    Transport
	capabilities json.RawMessage

	nextID atomic.Uint64

	mu      sync.Mutex
	state   State
	pending map[uint64]*pendingEntry

	writeMu sync.Mutex

	onDead   OnDead
	onNotify OnNotify

	closeOnce sync.Once
}

// New performs the MCP initialize handshake over transport and, on success,
// starts the adapter's dedicated reader goroutine and returns a Ready
// adapter. If the handshake does not complete within spec.StartupTimeout (or
// ctx is cancelled first), New returns a StartupTimeout-shaped error. On any
// handshake failure New closes transport itself before returning (spec.md
// §4.C).
func New(ctx context.Context, spec config.ServerSpec, transport Transport, onDead OnDead, onNotify OnNotify) (*Adapter, error) {
	a := &Adapter{
		serverName: spec.Name,
		transport:  transport,
		state:      StateInitializing,
		pending:    make(map[uint64]*pendingEntry),
		onDead:     onDead,
		onNotify:   onNotify,
	}

	// The reader must be running before the handshake request is sent so the
	// initialize reply (and any notification interleaved with it) is not
	// dropped on the floor.
	readerStarted := make(chan struct{})
	go a.readLoop(readerStarted)
	<-readerStarted

	timeout := spec.StartupTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	handshakeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := a.request(handshakeCtx, "initialize", initializeParams{
		ProtocolVersion: sdkmcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    map[string]any{},
		ClientInfo:      sdkmcp.Implementation{Name: "universal-mcp", Version: "0.1.0"},
	})
	if err != nil {
		_ = transport.Close()
		if handshakeCtx.Err() != nil {
			return nil, &StartupTimeoutError{Server: spec.Name, Cause: err}
		}
		return nil, fmt.Errorf("mcpadapter: initialize %q: %w", spec.Name, err)
	}

	var initRes initializeResult
	if err := json.Unmarshal(result, &initRes); err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("mcpadapter: parse initialize result from %q: %w", spec.Name, err)
	}
	caps, _ := json.Marshal(initRes.Capabilities)
	a.capabilities = caps

	if err := a.notify(handshakeCtx, "notifications/initialized", nil); err != nil {
		log.Printf("[Adapter] %s: initialized notification failed (continuing): %v", spec.Name, err)
	}

	a.mu.Lock()
	a.state = StateReady
	a.mu.Unlock()

	return a, nil
}

// StartupTimeoutError reports a handshake that exceeded spec.StartupTimeout
// (spec.md §4.C, wire code 1003).
type StartupTimeoutError struct {
	Server string
	Cause  error
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("mcpadapter: startup timeout for %q: %v", e.Server, e.Cause)
}
func (e *StartupTimeoutError) Unwrap() error { return e.Cause }

// Capabilities returns the server's advertised capabilities from the
// initialize handshake.
func (a *Adapter) Capabilities() json.RawMessage { return a.capabilities }

// State returns the adapter's current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Request issues method with params and blocks for the reply, honoring
// ctx cancellation as an explicit Cancel (spec.md §4.C, §5): a cancelled ctx
// yields CodeCancelled, an expired deadline CodeRequestTimeout. A Draining
// adapter rejects new requests outright.
func (a *Adapter) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	a.mu.Lock()
	st := a.state
	a.mu.Unlock()
	if st == StateDraining || st == StateClosed || st == StateDead {
		return nil, fmt.Errorf("mcpadapter: %q is %s, rejecting new requests", a.serverName, st)
	}
	return a.request(ctx, method, params)
}

// request is the handshake-safe core used both by New (which issues
// "initialize" while state is still Initializing) and by Request.
func (a *Adapter) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := a.nextID.Add(1)
	entry := &pendingEntry{reply: make(chan pendingResult, 1)}

	a.mu.Lock()
	a.pending[id] = entry
	a.mu.Unlock()

	paramsRaw, err := json.Marshal(params)
	if err != nil {
		a.removePending(id)
		return nil, fmt.Errorf("mcpadapter: marshal params: %w", err)
	}
	env := jsonrpc.Request{ID: &id, Method: method, Params: paramsRaw}
	payload, err := json.Marshal(env)
	if err != nil {
		a.removePending(id)
		return nil, fmt.Errorf("mcpadapter: marshal envelope: %w", err)
	}

	if err := a.writeMessage(payload); err != nil {
		a.removePending(id)
		return nil, fmt.Errorf("mcpadapter: write %q to %q: %w", method, a.serverName, err)
	}

	select {
	case res := <-entry.reply:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-ctx.Done():
		// Cancellation: remove the pending entry and best-effort notify the
		// server so it can abandon the work (spec.md §4.C, §5, P5).
		if a.removePending(id) {
			_ = a.notify(context.Background(), "notifications/cancelled", map[string]any{
				"requestId": id,
				"reason":    ctx.Err().Error(),
			})
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, jsonrpc.NewError(jsonrpc.CodeRequestTimeout, "request timeout")
		}
		return nil, jsonrpc.NewError(jsonrpc.CodeCancelled, "request cancelled")
	}
}

// removePending deletes id from the pending table and reports whether it was
// still present (false means a reply already arrived and raced cancellation).
func (a *Adapter) removePending(id uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pending[id]; ok {
		delete(a.pending, id)
		return true
	}
	return false
}

// notify sends a fire-and-forget MCP notification (no id, no reply).
func (a *Adapter) notify(ctx context.Context, method string, params any) error {
	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			return err
		}
	}
	env := jsonrpc.Request{Method: method, Params: raw}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return a.writeMessage(payload)
}

// writeMessage serializes concurrent writers onto the single writer half of
// the transport, per spec.md §5's "writes are serialized" ordering guarantee.
func (a *Adapter) writeMessage(payload []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.transport.WriteMessage(payload)
}

// readLoop is the adapter's dedicated reader task: it owns the read half of
// the transport exclusively and matches inbound ids to the pending table
// (spec.md §5). On transport failure or close, it fails all pending requests
// with ServerGone and transitions the adapter to Dead.
func (a *Adapter) readLoop(started chan struct{}) {
	close(started)
	for {
		raw, err := a.transport.ReadMessage()
		if err != nil {
			a.die(fmt.Errorf("mcpadapter: transport read: %w", err))
			return
		}

		var env struct {
			ID     *uint64         `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			Result json.RawMessage `json:"result"`
			Error  *jsonrpc.Error  `json:"error"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("[Adapter] %s: dropping malformed message: %v", a.serverName, err)
			continue
		}

		if env.Method != "" && env.ID == nil {
			a.dispatchNotification(env.Method, env.Params)
			continue
		}
		if env.ID == nil {
			continue // malformed: neither a notification nor a correlatable reply
		}

		a.mu.Lock()
		entry, ok := a.pending[*env.ID]
		if ok {
			delete(a.pending, *env.ID)
		}
		a.mu.Unlock()
		if !ok {
			// Late reply to an already-cancelled/removed request: dropped
			// without affecting other requests (spec.md P5c).
			continue
		}
		entry.reply <- pendingResult{result: env.Result, err: env.Error}
	}
}

func (a *Adapter) dispatchNotification(method string, params json.RawMessage) {
	if a.onNotify == nil {
		return
	}
	kind := NotifyLog
	switch {
	case method == "notifications/progress":
		kind = NotifyProgress
	case method == "notifications/message" || method == "notifications/log":
		kind = NotifyLog
	case method == "notifications/error":
		kind = NotifyError
	}
	a.onNotify(Notification{Kind: kind, Method: method, Params: params})
}

// die transitions the adapter to Dead, fails every pending request with
// ServerGone, and notifies the pool exactly once (spec.md §4.C).
func (a *Adapter) die(cause error) {
	a.mu.Lock()
	if a.state == StateDead || a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	a.state = StateDead
	pending := a.pending
	a.pending = make(map[uint64]*pendingEntry)
	a.mu.Unlock()

	gone := jsonrpc.NewError(jsonrpc.CodeServerGone, "mcp server connection closed")
	for _, entry := range pending {
		entry.reply <- pendingResult{err: gone}
	}

	if a.onDead != nil {
		a.onDead(cause)
	}
}

// Drain transitions Ready → Draining, refusing new requests while letting
// in-flight ones complete within deadline, then closes the transport
// (spec.md §4.C).
func (a *Adapter) Drain(deadline time.Duration) {
	a.mu.Lock()
	if a.state == StateReady {
		a.state = StateDraining
	}
	a.mu.Unlock()

	deadlineCh := time.After(deadline)
	for {
		a.mu.Lock()
		n := len(a.pending)
		a.mu.Unlock()
		if n == 0 {
			break
		}
		select {
		case <-deadlineCh:
			goto closeNow
		case <-time.After(10 * time.Millisecond):
		}
	}
closeNow:
	a.Close()
}

// Close releases the transport. Safe to call multiple times.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		if a.state != StateDead {
			a.state = StateClosed
		}
		a.mu.Unlock()
		_ = a.transport.Close()
	})
}
