// Package cache implements the Response Cache (spec.md §4.E): a
// (server, RequestFingerprint)-keyed, TTL'd, size-bounded store with
// single-flight coalescing of concurrent identical requests. Grounded on the
// teacher's internal/agent/read_cache.go discipline (a mutex-guarded map of
// cache entries, a table of which operations are cacheable, explicit
// invalidation) generalized from a single session's read cache into a
// daemon-wide, byte-bounded, TTL-aware one.
package cache

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	lru "github.com/golang/groupcache/lru"
	"golang.org/x/sync/singleflight"

	"github.com/valknarthing/universal-mcp/internal/fingerprint"
)

// notCacheable lists MCP methods that must never be served from cache
// (spec.md §4.E "Not cached"): notifications carry no id to key on, and
// these methods are explicitly side-effectful or streaming.
var notCacheable = map[string]bool{
	"initialize":              true,
	"notifications/initialized": true,
	"notifications/progress":  true,
	"notifications/cancelled": true,
	"notifications/message":   true,
	"sampling/createMessage":  true,
	"elicitation/create":      true,
}

// Cacheable reports whether method is eligible for caching at all. Pass-level
// opt-out (a client explicitly marking a request side-effectful) is handled
// by the caller choosing not to call Lookup.
func Cacheable(method string) bool {
	return !notCacheable[method] && !strings.HasPrefix(method, "notifications/")
}

// entry is one cached response (spec.md §3 CacheEntry).
type entry struct {
	result    json.RawMessage
	expiresAt time.Time
	size      int
}

// Fetch performs the upstream call on a cache miss. It must not be called
// concurrently by the cache for the same key — that is single-flight's job.
type Fetch func(ctx context.Context) (json.RawMessage, error)

// Cache is safe for concurrent use. Zero value is not usable; use New.
type Cache struct {
	defaultTTL time.Duration
	maxBytes   int64

	mu         sync.Mutex
	lru        *lru.Cache
	totalBytes int64
	byServer   map[string]map[string]struct{} // server -> set of cache keys, for Invalidate

	group singleflight.Group
}

// New creates a Cache bounded by maxBytes total response size, with
// defaultTTL applied when a Lookup caller doesn't specify a per-method
// override (spec.md §4.E TTL defaulting).
func New(defaultTTL time.Duration, maxBytes int64) *Cache {
	c := &Cache{
		defaultTTL: defaultTTL,
		maxBytes:   maxBytes,
		byServer:   make(map[string]map[string]struct{}),
	}
	c.lru = &lru.Cache{
		OnEvicted: func(key lru.Key, value interface{}) {
			e := value.(entry)
			c.totalBytes -= int64(e.size)
		},
	}
	return c
}

func keyFor(server string, fp fingerprint.Fingerprint) string {
	return server + "\x00" + fp.String()
}

// Lookup serves key from cache if present and unexpired; otherwise it calls
// fetch exactly once even under concurrent identical requests (spec.md §4.E
// "Single-flight"), stores the result with ttl (or the Cache's default if
// ttl<=0), and fans the result out to every waiter. A fetch error is
// delivered to every waiter and nothing is cached (spec.md: "no negative
// caching unless the server explicitly signals a cacheable error" — this
// cache never does).
func (c *Cache) Lookup(ctx context.Context, server, method string, params json.RawMessage, ttl time.Duration, fetch Fetch) (json.RawMessage, bool, error) {
	fp, err := fingerprint.Of(server, method, params)
	if err != nil {
		result, err := fetch(ctx) // fingerprinting failed: fall through uncached rather than fail the request
		return result, false, err
	}
	key := keyFor(server, fp)

	if result, ok := c.get(key); ok {
		return result, true, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check: another goroutine's fetch may have completed and been
		// stored between our get() above and acquiring the singleflight slot.
		if result, ok := c.get(key); ok {
			return result, nil
		}
		result, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if ttl <= 0 {
			ttl = c.defaultTTL
		}
		c.set(server, key, result, ttl)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(json.RawMessage), false, nil
}

func (c *Cache) get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(entry)
	if time.Now().After(e.expiresAt) {
		c.lru.Remove(key) // expired-on-read (spec.md §4.E "Eviction")
		return nil, false
	}
	return e.result, true
}

func (c *Cache) set(server, key string, result json.RawMessage, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{result: result, expiresAt: time.Now().Add(ttl), size: len(result)}
	if old, ok := c.lru.Get(key); ok {
		c.totalBytes -= int64(old.(entry).size) // Add replaces in place without calling OnEvicted
	}
	c.lru.Add(key, e)
	c.totalBytes += int64(e.size)

	set, ok := c.byServer[server]
	if !ok {
		set = make(map[string]struct{})
		c.byServer[server] = set
	}
	set[key] = struct{}{}

	for c.maxBytes > 0 && c.totalBytes > c.maxBytes && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
}

// Set explicitly seeds an entry, bypassing single-flight (spec.md §4.G
// CacheSet — "explicit cache manipulation for advanced clients").
func (c *Cache) Set(server, method string, params json.RawMessage, result json.RawMessage, ttl time.Duration) error {
	fp, err := fingerprint.Of(server, method, params)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.set(server, keyFor(server, fp), result, ttl)
	return nil
}

// Get performs a read-only lookup without triggering a fetch (spec.md §4.G
// CacheGet).
func (c *Cache) Get(server, method string, params json.RawMessage) (json.RawMessage, bool, error) {
	fp, err := fingerprint.Of(server, method, params)
	if err != nil {
		return nil, false, err
	}
	result, ok := c.get(keyFor(server, fp))
	return result, ok, nil
}

// InvalidateServer drops every cached entry for server — called when its
// pool entry enters Draining (spec.md §4.E "invalidation hooks").
func (c *Cache) InvalidateServer(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.byServer[server]
	delete(c.byServer, server)
	for key := range keys {
		c.lru.Remove(key)
	}
	if len(keys) > 0 {
		log.Printf("[Cache] invalidated %d entries for %q", len(keys), server)
	}
}

// Sweep removes every expired entry in one pass, for a periodic background
// sweeper alongside expired-on-read removal (spec.md §4.E "background sweep").
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	// groupcache/lru has no key enumeration API; track expirations via the
	// per-server index, which we already maintain for invalidation.
	for server, keys := range c.byServer {
		for key := range keys {
			v, ok := c.lru.Get(key)
			if !ok {
				delete(keys, key)
				continue
			}
			if now.After(v.(entry).expiresAt) {
				c.lru.Remove(key)
				delete(keys, key)
			}
		}
		if len(keys) == 0 {
			delete(c.byServer, server)
		}
	}
}

// Len returns the number of live entries, for metrics and tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Bytes returns the current total cached payload size, for metrics.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}
