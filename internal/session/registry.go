package session

import (
	"os"
	"sync"

	"github.com/valknarthing/universal-mcp/internal/pool"
)

// Registry is a thread-safe in-memory table of live Sessions, one per
// accepted connection (spec.md §4.F). Unlike the teacher's chat Store, there
// is no inactivity TTL on a Session itself — a connection's lifetime is
// owned by the RPC server; the Registry only evicts Sessions explicitly
// removed via Remove, and independently sweeps idle acquired-server refs via
// pool.Sweep (wired by the caller, not here).
type Registry struct {
	pool *pool.Pool

	mu       sync.RWMutex
	sessions map[string]*Session

	done chan struct{}
}

// NewRegistry creates a Registry whose acquired-server releases are returned
// to p.
func NewRegistry(p *pool.Pool) *Registry {
	return &Registry{
		pool:     p,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
}

// Create registers a new Session for id, verifying peerUID against the
// daemon's own uid (spec.md §4.F "belt-and-braces" check; the socket's 0600
// permission, set by rpcserver at bind time, is the primary control).
func (r *Registry) Create(id string, peerUID uint32) (*Session, error) {
	daemonUID := uint32(os.Getuid())
	if peerUID != daemonUID {
		return nil, &AuthorizationError{PeerUID: peerUID, DaemonUID: daemonUID}
	}
	s := newSession(id, peerUID)
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s, nil
}

// Get returns the Session for id, if live.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove tears a Session down: every server it acquired is released back to
// the pool and every outstanding request is cancelled (spec.md §4.F "On
// disconnect"). Safe to call more than once; the second call is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.release(r.pool)
}

// Count returns the number of live sessions, for idle-shutdown and metrics
// (spec.md §4.H "active_sessions == 0").
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close tears down every remaining Session, for daemon shutdown (spec.md
// §4.H step 2, once the drain deadline elapses or all sessions finish first).
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Remove(id)
	}
}
