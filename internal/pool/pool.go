// Package pool implements the Connection Pool (spec.md §4.D): one shared
// AdapterHandle per server name, reference-counted across holders, evicted
// on idle or on a size-bound squeeze. Grounded on the teacher's
// internal/mcp/manager.go discipline of performing network I/O outside the
// lock and only touching shared maps while holding it — generalized from a
// single root-level registry into per-entry state machines with their own
// sweep-driven eviction (manager.go never evicts; it only adds/removes on
// explicit Reload).
package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/valknarthing/universal-mcp/internal/config"
	"github.com/valknarthing/universal-mcp/internal/mcpadapter"
)

// EntryState mirrors spec.md §3 PoolEntry.state.
type EntryState int

const (
	StateInitializing EntryState = iota
	StateReady
	StateDraining
	StateDead
)

// maxCreateRetries bounds the "Dead entry: remove and retry creation" loop
// in acquire (spec.md §4.D step 2).
const maxCreateRetries = 3

// Factory creates a live adapter for spec, wiring onDead/onNotify into it.
// Exposed for substitution in tests; production code wires this to
// mcpadapter.New plus the right Transport constructor for spec.Transport.
type Factory func(ctx context.Context, spec config.ServerSpec, onDead mcpadapter.OnDead, onNotify mcpadapter.OnNotify) (*mcpadapter.Adapter, error)

// entry is the pool's internal record for one server name (spec.md §3
// PoolEntry). The zero-instant check on lastReleasedAt enforces "holders==0
// ⇒ last_released_at is set".
type entry struct {
	spec    config.ServerSpec
	adapter *mcpadapter.Adapter
	genID   string // disambiguates a respawned adapter from its predecessor

	mu              sync.Mutex
	holders         int
	lastReleasedAt  time.Time
	state           EntryState
	evictionTimer   *time.Timer
	creating        chan struct{} // non-nil while a creation is in flight; closed when done
}

// NotifySink receives every inbound MCP notification tagged with its
// originating server name (spec.md §6.2). Routing a notification to the
// specific client query it relates to is the rpcserver's job; the pool only
// tags and forwards.
type NotifySink func(serverName string, n mcpadapter.Notification)

// Pool is keyed by ServerSpec.name (spec.md §4.D).
type Pool struct {
	factory    Factory
	maxEntries int
	notify     NotifySink

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Pool. maxEntries bounds the number of simultaneously
// live pool entries (spec.md §4.D "size-bound"); 0 means unbounded. notify
// may be nil to discard notifications (e.g. in unit tests).
func New(factory Factory, maxEntries int, notify NotifySink) *Pool {
	return &Pool{factory: factory, maxEntries: maxEntries, notify: notify, entries: make(map[string]*entry)}
}

// AdapterRef is a non-owning handle bound to one acquire call. Holders never
// own the adapter directly (spec.md §9 "avoid cyclic ownership") — Release
// must be called exactly once per successful Acquire.
type AdapterRef struct {
	pool    *Pool
	name    string
	genID   string
	Adapter *mcpadapter.Adapter
}

// Acquire looks up or creates the PoolEntry for name, incrementing its
// holder count (spec.md §4.D). Concurrent acquires for the same name that
// race a creation share the one in-flight creation (serialized per name).
func (p *Pool) Acquire(ctx context.Context, spec config.ServerSpec) (*AdapterRef, error) {
	name := spec.Name
	for attempt := 0; attempt < maxCreateRetries; attempt++ {
		e, created, err := p.entryFor(name, spec)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		if e.state == StateDraining {
			e.mu.Unlock()
			// Tie-break (spec.md §4.D): acquire during a sweep-driven drain
			// decision loses if the drain has already begun; the caller
			// retries against a freshly created entry.
			p.mu.Lock()
			if cur, ok := p.entries[name]; ok && cur == e {
				delete(p.entries, name)
			}
			p.mu.Unlock()
			continue
		}
		if e.state == StateDead {
			e.mu.Unlock()
			p.mu.Lock()
			if cur, ok := p.entries[name]; ok && cur == e {
				delete(p.entries, name)
			}
			p.mu.Unlock()
			continue
		}
		creating := e.creating
		e.mu.Unlock()

		// Only the caller that actually inserted the entry runs create (and
		// so closes the creating gate); every other caller — whether it
		// raced the insert or arrived after — waits on the gate instead.
		if created {
			if err := p.create(ctx, e, spec); err != nil {
				p.mu.Lock()
				if cur, ok := p.entries[name]; ok && cur == e {
					delete(p.entries, name)
				}
				p.mu.Unlock()
				return nil, err
			}
		} else if creating != nil {
			<-creating // wait for the in-flight creation (serialized per name)
			e.mu.Lock()
			ok := e.state == StateReady
			e.mu.Unlock()
			if !ok {
				continue // the creation that we waited on failed; retry fresh
			}
		}

		e.mu.Lock()
		e.holders++
		e.lastReleasedAt = time.Time{}
		if e.evictionTimer != nil {
			e.evictionTimer.Stop()
			e.evictionTimer = nil
		}
		gen := e.genID
		adapter := e.adapter
		e.mu.Unlock()

		return &AdapterRef{pool: p, name: name, genID: gen, Adapter: adapter}, nil
	}
	return nil, fmt.Errorf("pool: exhausted retries acquiring %q", name)
}

// ResourceError reports that the pool's size bound is reached and every live
// entry is currently held, so no victim can be evicted to make room (spec.md
// §7 ResourceError — "never an error to the caller" only applies to the
// cache's insert path; the pool has no such exemption).
type ResourceError struct {
	Server string
	Max    int
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("pool: size bound (%d) reached, no evictable entry for %q", e.Max, e.Server)
}

// entryFor returns the current entry for name, creating an empty
// Initializing placeholder (with a fresh generation id and a "creating"
// gate) if none exists yet, applying the size bound if configured. The
// second return value reports whether this call is the one that inserted
// the entry — that caller, and only that caller, is responsible for
// running create and closing the creating gate; every other caller (racing
// the insert, or arriving while creation is already in flight) must wait on
// the gate instead.
func (p *Pool) entryFor(name string, spec config.ServerSpec) (*entry, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[name]; ok {
		return e, false, nil
	}
	if p.maxEntries > 0 && len(p.entries) >= p.maxEntries {
		if !p.evictLRULocked() {
			return nil, false, &ResourceError{Server: name, Max: p.maxEntries}
		}
	}
	e := &entry{spec: spec, state: StateInitializing, genID: uuid.NewString(), creating: make(chan struct{})}
	p.entries[name] = e
	return e, true, nil
}

// evictLRULocked forces eviction of the least-recently-released entry when
// the pool's size bound is exceeded (spec.md §4.D), regardless of its
// eviction timer. Reports whether a victim was found. Must be called with
// p.mu held.
func (p *Pool) evictLRULocked() bool {
	var victimName string
	var oldest time.Time
	first := true
	for name, e := range p.entries {
		e.mu.Lock()
		if e.holders > 0 {
			e.mu.Unlock()
			continue // never evict an entry with active holders
		}
		t := e.lastReleasedAt
		e.mu.Unlock()
		if first || t.Before(oldest) {
			oldest = t
			victimName = name
			first = false
		}
	}
	if victimName == "" {
		return false // every entry is held; size bound cannot be enforced right now
	}
	victim := p.entries[victimName]
	delete(p.entries, victimName)
	go victim.closeNow()
	return true
}

// create spawns and initializes the adapter for e, serialized via e.creating
// so concurrent Acquire calls for the same name share one initialization
// (spec.md §4.D step 1). Network I/O runs outside p.mu (only entry fields
// under e.mu are touched), matching the teacher's ConnectAll discipline.
func (p *Pool) create(ctx context.Context, e *entry, spec config.ServerSpec) error {
	name := spec.Name
	genID := e.genID
	onDead := func(cause error) {
		log.Printf("[Pool] adapter %q (gen %s) died: %v", name, genID, cause)
		p.MarkDead(name, genID)
	}
	onNotify := func(n mcpadapter.Notification) {
		if p.notify != nil {
			p.notify(name, n)
		}
	}

	adapter, err := p.factory(ctx, spec, onDead, onNotify)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.state = StateDead
		close(e.creating)
		e.creating = nil
		return err
	}
	e.adapter = adapter
	e.state = StateReady
	close(e.creating)
	e.creating = nil
	return nil
}

// Release decrements the holder count for ref's server. When it reaches
// zero, last_released_at is set and an idle-eviction timer is armed
// (spec.md §4.D).
func (p *Pool) Release(ref *AdapterRef) {
	p.mu.Lock()
	e, ok := p.entries[ref.name]
	p.mu.Unlock()
	if !ok || e.genID != ref.genID {
		return // entry already evicted/respawned under us; nothing to release
	}

	e.mu.Lock()
	if e.holders > 0 {
		e.holders--
	}
	if e.holders == 0 {
		e.lastReleasedAt = time.Now()
		idle := e.spec.IdleTimeout
		if idle <= 0 {
			idle = 10 * time.Minute
		}
		if e.evictionTimer != nil {
			e.evictionTimer.Stop()
		}
		e.evictionTimer = time.AfterFunc(idle, func() { p.sweepOne(ref.name, e) })
	}
	e.mu.Unlock()
}

// sweepOne evicts e if it is still idle and unheld — the tie-break in
// spec.md §4.D ("acquire wins; eviction is cancelled if holders > 0") is
// enforced by re-checking holders under the lock right before evicting.
func (p *Pool) sweepOne(name string, e *entry) {
	e.mu.Lock()
	if e.holders > 0 || e.state != StateReady {
		e.mu.Unlock()
		return
	}
	e.state = StateDraining
	e.mu.Unlock()

	p.mu.Lock()
	if cur, ok := p.entries[name]; ok && cur == e {
		delete(p.entries, name)
	}
	p.mu.Unlock()

	e.closeNow()
}

// Sweep runs one periodic pass over every entry with holders==0 whose
// idle timer has already elapsed — a belt-and-braces pass alongside the
// per-entry timers armed in Release, for entries created before a sweeper
// existed or whose timer was lost to a process restart scenario in tests.
func (p *Pool) Sweep() {
	p.mu.Lock()
	snapshot := make(map[string]*entry, len(p.entries))
	for k, v := range p.entries {
		snapshot[k] = v
	}
	p.mu.Unlock()

	for name, e := range snapshot {
		e.mu.Lock()
		idle := e.spec.IdleTimeout
		if idle <= 0 {
			idle = 10 * time.Minute
		}
		due := e.holders == 0 && !e.lastReleasedAt.IsZero() && time.Since(e.lastReleasedAt) >= idle && e.state == StateReady
		e.mu.Unlock()
		if due {
			p.sweepOne(name, e)
		}
	}
}

func (e *entry) closeNow() {
	e.mu.Lock()
	adapter := e.adapter
	e.state = StateDead
	e.mu.Unlock()
	if adapter != nil {
		adapter.Drain(5 * time.Second)
	}
}

// Size returns the current number of live pool entries, for metrics and tests.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Holders returns the current holder count for name, or 0 if absent.
func (p *Pool) Holders(name string) int {
	p.mu.Lock()
	e, ok := p.entries[name]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holders
}

// MarkDead is called by the owning adapter's onDead callback (spec.md §4.C
// "notifies the pool") so the next Acquire respawns a fresh child instead of
// handing out a dead adapter (spec.md P6).
func (p *Pool) MarkDead(name string, genID string) {
	p.mu.Lock()
	e, ok := p.entries[name]
	p.mu.Unlock()
	if !ok || e.genID != genID {
		return
	}
	e.mu.Lock()
	e.state = StateDead
	e.mu.Unlock()
	log.Printf("[Pool] %q (gen %s) marked dead", name, genID)
}

// DrainAll transitions every live entry to Draining and closes it, for
// daemon-wide shutdown (spec.md §4.H step 3). Children are reaped as part of
// each adapter's Drain/Close.
func (p *Pool) DrainAll() {
	p.mu.Lock()
	snapshot := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		snapshot = append(snapshot, e)
	}
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range snapshot {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			e.closeNow()
		}(e)
	}
	wg.Wait()
}
