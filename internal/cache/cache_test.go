package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestLookup_MissThenHit(t *testing.T) {
	c := New(time.Minute, 0)
	var calls int32
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return raw(`{"v":1}`), nil
	}

	_, hit, err := c.Lookup(context.Background(), "srv", "tools/call", raw(`{"a":1}`), time.Minute, fetch)
	if err != nil || hit {
		t.Fatalf("first lookup: hit=%v err=%v", hit, err)
	}
	_, hit, err = c.Lookup(context.Background(), "srv", "tools/call", raw(`{"a":1}`), time.Minute, fetch)
	if err != nil || !hit {
		t.Fatalf("second lookup: hit=%v err=%v", hit, err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("fetch called %d times, want 1", calls)
	}
}

func TestLookup_SingleFlightCoalescesConcurrentMisses(t *testing.T) {
	c := New(time.Minute, 0)
	var calls int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return raw(`{"v":1}`), nil
	}

	var wg sync.WaitGroup
	results := make([]json.RawMessage, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, _, err := c.Lookup(context.Background(), "srv", "tools/call", raw(`{"a":1}`), time.Minute, fetch)
			if err != nil {
				t.Errorf("lookup %d: %v", i, err)
			}
			results[i] = r
		}(i)
	}
	time.Sleep(20 * time.Millisecond) // let every goroutine park on the single in-flight fetch
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("fetch called %d times, want exactly 1", got)
	}
	for i, r := range results {
		if string(r) != `{"v":1}` {
			t.Errorf("result[%d] = %s", i, r)
		}
	}
}

func TestLookup_FetchErrorPropagatesWithoutCaching(t *testing.T) {
	c := New(time.Minute, 0)
	wantErr := fmt.Errorf("upstream boom")
	_, _, err := c.Lookup(context.Background(), "srv", "m", raw(`{}`), time.Minute, func(ctx context.Context) (json.RawMessage, error) {
		return nil, wantErr
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if c.Len() != 0 {
		t.Errorf("cache should not have stored a failed fetch, len=%d", c.Len())
	}
}

func TestLookup_TTLExpiry(t *testing.T) {
	c := New(time.Minute, 0)
	var calls int32
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return raw(`{"v":1}`), nil
	}
	c.Lookup(context.Background(), "srv", "m", raw(`{}`), 20*time.Millisecond, fetch)
	time.Sleep(50 * time.Millisecond)
	c.Lookup(context.Background(), "srv", "m", raw(`{}`), 20*time.Millisecond, fetch)
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("fetch called %d times, want 2 (expired entry must be refetched)", got)
	}
}

func TestSetAndGet_ExplicitSeed(t *testing.T) {
	c := New(time.Minute, 0)
	if err := c.Set("srv", "m", raw(`{"a":1}`), raw(`{"seeded":true}`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	result, hit, err := c.Get("srv", "m", raw(`{"a":1}`))
	if err != nil || !hit {
		t.Fatalf("Get: hit=%v err=%v", hit, err)
	}
	if string(result) != `{"seeded":true}` {
		t.Errorf("result = %s", result)
	}
}

func TestInvalidateServer_DropsOnlyThatServer(t *testing.T) {
	c := New(time.Minute, 0)
	fetch := func(ctx context.Context) (json.RawMessage, error) { return raw(`{"v":1}`), nil }
	c.Lookup(context.Background(), "a", "m", raw(`{}`), time.Minute, fetch)
	c.Lookup(context.Background(), "b", "m", raw(`{}`), time.Minute, fetch)

	c.InvalidateServer("a")
	if _, hit, _ := c.Get("a", "m", raw(`{}`)); hit {
		t.Error("server a entry should be gone")
	}
	if _, hit, _ := c.Get("b", "m", raw(`{}`)); !hit {
		t.Error("server b entry should survive invalidating a")
	}
}

func TestSweep_RemovesExpiredEntries(t *testing.T) {
	c := New(time.Minute, 0)
	fetch := func(ctx context.Context) (json.RawMessage, error) { return raw(`{"v":1}`), nil }
	c.Lookup(context.Background(), "srv", "m", raw(`{}`), 10*time.Millisecond, fetch)
	time.Sleep(30 * time.Millisecond)
	c.Sweep()
	if c.Len() != 0 {
		t.Errorf("len after sweep = %d, want 0", c.Len())
	}
}

func TestSizeBound_EvictsUnderPressure(t *testing.T) {
	big := make([]byte, 100)
	for i := range big {
		big[i] = 'x'
	}
	c := New(time.Minute, 150) // room for a bit more than one big entry

	c.Set("srv", "m1", raw(`{"k":1}`), json.RawMessage(big), time.Minute)
	c.Set("srv", "m2", raw(`{"k":2}`), json.RawMessage(big), time.Minute)

	if c.Bytes() > 150 {
		t.Errorf("bytes = %d, want <= 150 after eviction", c.Bytes())
	}
	if c.Len() >= 2 {
		t.Errorf("len = %d, want eviction to have dropped an entry", c.Len())
	}
}

func TestCacheable_ExcludesNotifications(t *testing.T) {
	if Cacheable("notifications/progress") {
		t.Error("notifications must not be cacheable")
	}
	if !Cacheable("tools/call") {
		t.Error("tools/call should be cacheable by default")
	}
}
