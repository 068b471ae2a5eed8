package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/valknarthing/universal-mcp/internal/config"
	"github.com/valknarthing/universal-mcp/internal/mcpadapter"
	"github.com/valknarthing/universal-mcp/internal/pool"
)

func testPool(t *testing.T) *pool.Pool {
	t.Helper()
	return pool.New(func(ctx context.Context, spec config.ServerSpec, onDead mcpadapter.OnDead, onNotify mcpadapter.OnNotify) (*mcpadapter.Adapter, error) {
		return mcpadapter.New(ctx, spec, newAutoTransport(), onDead, onNotify)
	}, 0, nil)
}

func TestRegistry_CreateRejectsWrongUID(t *testing.T) {
	r := NewRegistry(testPool(t))
	_, err := r.Create("conn-1", uint32(os.Getuid())+1)
	if err == nil {
		t.Fatal("expected an AuthorizationError for a mismatched uid")
	}
	if _, ok := err.(*AuthorizationError); !ok {
		t.Fatalf("got %T, want *AuthorizationError", err)
	}
}

func TestRegistry_RemoveReleasesEveryAcquire(t *testing.T) {
	p := testPool(t)
	r := NewRegistry(p)
	sess, err := r.Create("conn-1", uint32(os.Getuid()))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	spec := config.ServerSpec{Name: "srv", Transport: config.TransportStdio, Command: "x", StartupTimeout: time.Second}
	ref1, err := p.Acquire(context.Background(), spec)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ref2, err := p.Acquire(context.Background(), spec)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	sess.TrackAcquire(ref1)
	sess.TrackAcquire(ref2)

	if got := p.Holders("srv"); got != 2 {
		t.Fatalf("holders before Remove = %d, want 2", got)
	}

	r.Remove("conn-1")

	if got := p.Holders("srv"); got != 0 {
		t.Errorf("holders after Remove = %d, want 0 (leak)", got)
	}
	if _, ok := r.Get("conn-1"); ok {
		t.Error("session should no longer be registered")
	}
}

func TestRegistry_RemoveCancelsOutstandingRequests(t *testing.T) {
	r := NewRegistry(testPool(t))
	sess, _ := r.Create("conn-1", uint32(os.Getuid()))

	ctx, cancel := context.WithCancel(context.Background())
	sess.TrackRequest(42, cancel)

	r.Remove("conn-1")

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected outstanding request to be cancelled on disconnect")
	}
}

func TestSession_CancelIsOneShot(t *testing.T) {
	sess := newSession("c", 0)
	_, cancel := context.WithCancel(context.Background())
	sess.TrackRequest(1, cancel)

	if !sess.Cancel(1) {
		t.Fatal("first cancel should succeed")
	}
	if sess.Cancel(1) {
		t.Fatal("second cancel of the same id should report false")
	}
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(testPool(t))
	r.Create("conn-1", uint32(os.Getuid()))
	r.Remove("conn-1")
	r.Remove("conn-1") // must not panic
}
