// Package session implements the Session Registry (spec.md §4.F): one
// Session per accepted client connection, tracking every server it has
// acquired from the pool and every outstanding request it can still cancel.
// Grounded on the teacher's internal/session/store.go (RWMutex-guarded map,
// TTL-driven background cleanup, idempotent Close) generalized from a
// browser-tab chat history store into a connection-scoped resource tracker.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/valknarthing/universal-mcp/internal/pool"
)

// Session holds everything a Registry must undo when a client disconnects
// (spec.md §4.F invariant: holder counts must decrease by exactly the count
// of acquire calls the session made).
type Session struct {
	ID      string
	PeerUID uint32

	mu           sync.Mutex
	acquired     []*pool.AdapterRef          // every ref this session currently holds, in acquisition order
	pending      map[uint64]context.CancelFunc // client request id -> cancel
	lastActivity time.Time
}

func newSession(id string, peerUID uint32) *Session {
	return &Session{
		ID:           id,
		PeerUID:      peerUID,
		pending:      make(map[uint64]context.CancelFunc),
		lastActivity: time.Now(),
	}
}

// Touch records the time of the session's latest request in lastActivity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// TrackAcquire records a ref this session now holds. Every tracked ref is
// released exactly once when Registry.Remove (or Registry.Close) tears the
// session down.
func (s *Session) TrackAcquire(ref *pool.AdapterRef) {
	s.mu.Lock()
	s.acquired = append(s.acquired, ref)
	s.mu.Unlock()
}

// TrackRequest registers a cancellation function under requestID, so a later
// client-initiated Cancel(requestID) can unwind it (spec.md §4.F).
func (s *Session) TrackRequest(requestID uint64, cancel context.CancelFunc) {
	s.mu.Lock()
	s.pending[requestID] = cancel
	s.mu.Unlock()
}

// UntrackRequest removes a completed request's cancellation entry. Safe to
// call even if the entry is already gone (e.g. cancelled then completed).
func (s *Session) UntrackRequest(requestID uint64) {
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
}

// Cancel flips the cancellation token for requestID, if it is still
// outstanding. Returns false if no such request is tracked (already
// completed, or never existed).
func (s *Session) Cancel(requestID uint64) bool {
	s.mu.Lock()
	cancel, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// PendingCount reports the number of outstanding requests, for metrics.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// release unwinds every tracked resource: cancels every outstanding request,
// then releases every acquired ref back to p exactly once.
func (s *Session) release(p *pool.Pool) {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.pending))
	for id, c := range s.pending {
		cancels = append(cancels, c)
		delete(s.pending, id)
	}
	refs := s.acquired
	s.acquired = nil
	s.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	for _, ref := range refs {
		p.Release(ref)
	}
}

// AuthorizationError reports a peer-identity mismatch (spec.md §4.F).
type AuthorizationError struct {
	PeerUID, DaemonUID uint32
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("session: peer uid %d does not match daemon uid %d", e.PeerUID, e.DaemonUID)
}
