package metrics

import (
	"testing"
	"time"
)

func TestCollector_SnapshotReflectsRecordedValues(t *testing.T) {
	c := NewCollector()
	c.SetActiveSessions(3)
	c.RecordConnectionAccepted()
	c.SetPoolEntries(2)
	c.RecordCacheHit()
	c.RecordCacheHit()
	c.RecordCacheMiss()
	c.SetCacheBytes(1024)
	c.RecordQuery("fs", 10*time.Millisecond)
	c.RecordQuery("fs", 20*time.Millisecond)
	c.RecordError("timeout", "fs")

	snap := c.Snapshot()
	if snap.ActiveSessions != 3 {
		t.Errorf("ActiveSessions = %d, want 3", snap.ActiveSessions)
	}
	if snap.CacheHits != 2 || snap.CacheMisses != 1 {
		t.Errorf("cache hits/misses = %d/%d, want 2/1", snap.CacheHits, snap.CacheMisses)
	}
	if snap.QueriesByServer["fs"] != 2 {
		t.Errorf("queries[fs] = %d, want 2", snap.QueriesByServer["fs"])
	}
	if snap.ErrorsByKind["timeout"] != 1 {
		t.Errorf("errors[timeout] = %d, want 1", snap.ErrorsByKind["timeout"])
	}
	if snap.ErrorsByServer["fs"] != 1 {
		t.Errorf("errors_by_server[fs] = %d, want 1", snap.ErrorsByServer["fs"])
	}
	p := snap.LatencyByServer["fs"]
	if p.P50 <= 0 || p.P99 <= 0 {
		t.Errorf("expected non-zero percentiles, got %+v", p)
	}
}

func TestPercentile_EmptyIsZero(t *testing.T) {
	if got := percentile(nil, 0.5); got != 0 {
		t.Errorf("percentile(nil) = %v, want 0", got)
	}
}
