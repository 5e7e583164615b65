package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/servwatch/servwatch/pkg/types"
)

func snap(id string, cpu float64) types.Snapshot {
	return types.Snapshot{
		SourceID:      id,
		CollectedAtMs: 1_700_000_000_000,
		Metrics:       types.MetricTree{"cpu": map[string]any{"usage": cpu}},
	}
}

// fixedClock returns a func() time.Time that always returns t.
func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestPutAndGet(t *testing.T) {
	st := New(5 * time.Minute)
	st.Put(snap("web-1", 10), "tenant-a")

	e, ok := st.Get("web-1")
	if !ok {
		t.Fatal("Get: expected entry, got none")
	}
	if e.Snapshot.SourceID != "web-1" {
		t.Errorf("SourceID: got %q, want web-1", e.Snapshot.SourceID)
	}
	if e.TenantID != "tenant-a" {
		t.Errorf("TenantID: got %q, want tenant-a", e.TenantID)
	}
}

func TestGet_Missing(t *testing.T) {
	st := New(5 * time.Minute)
	if _, ok := st.Get("unknown"); ok {
		t.Fatal("Get on empty store: expected false, got true")
	}
}

func TestPut_Overwrites(t *testing.T) {
	st := New(5 * time.Minute)
	st.Put(snap("web-1", 10), "tenant-a")
	st.Put(snap("web-1", 95), "")

	e, ok := st.Get("web-1")
	if !ok {
		t.Fatal("Get: expected entry after two Puts")
	}
	v, err := types.MustParsePath("cpu.usage").Lookup(e.Snapshot.Metrics)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if v != 95 {
		t.Errorf("cpu.usage: got %v, want 95", v)
	}
	if e.TenantID != "" {
		t.Errorf("TenantID: got %q, want empty after unresolved put", e.TenantID)
	}
}

func TestList_ExcludesStaleAndSorts(t *testing.T) {
	base := time.Now()
	st := New(5 * time.Minute)

	st.now = fixedClock(base.Add(-10 * time.Minute))
	st.Put(snap("old", 1), "")

	st.now = fixedClock(base)
	st.Put(snap("web-2", 1), "")
	st.Put(snap("web-1", 1), "")

	entries := st.List()
	if len(entries) != 2 {
		t.Fatalf("List: got %d entries, want 2", len(entries))
	}
	if entries[0].Snapshot.SourceID != "web-1" || entries[1].Snapshot.SourceID != "web-2" {
		t.Errorf("List order: got %q, %q", entries[0].Snapshot.SourceID, entries[1].Snapshot.SourceID)
	}
}

func TestCount_IncludesStale(t *testing.T) {
	base := time.Now()
	st := New(5 * time.Minute)

	st.now = fixedClock(base.Add(-10 * time.Minute))
	st.Put(snap("old", 1), "")

	st.now = fixedClock(base)
	st.Put(snap("new", 1), "")

	if n := st.Count(); n != 2 {
		t.Errorf("Count: got %d, want 2", n)
	}
}

func TestEvict_RemovesStale(t *testing.T) {
	base := time.Now()
	st := New(5 * time.Minute)

	st.now = fixedClock(base.Add(-10 * time.Minute))
	st.Put(snap("old1", 1), "")
	st.Put(snap("old2", 1), "")

	st.now = fixedClock(base)
	st.Put(snap("live", 1), "")

	if removed := st.Evict(base); removed != 2 {
		t.Errorf("Evict: removed %d, want 2", removed)
	}
	if st.Count() != 1 {
		t.Errorf("Count after evict: got %d, want 1", st.Count())
	}
}

func TestEvict_NoOp_AllLive(t *testing.T) {
	base := time.Now()
	st := New(5 * time.Minute)
	st.now = fixedClock(base)
	st.Put(snap("src", 1), "")

	if removed := st.Evict(base); removed != 0 {
		t.Errorf("Evict on live entry: removed %d, want 0", removed)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	st := New(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { st.Run(ctx); close(done) }()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConcurrentMixedOps(t *testing.T) {
	st := New(5 * time.Minute)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			st.Put(snap("src-a", 1), "tenant-a")
		}()
		go func() {
			defer wg.Done()
			st.List()
		}()
		go func() {
			defer wg.Done()
			st.Get("src-a")
		}()
	}
	wg.Wait()

	if st.Count() != 1 {
		t.Errorf("Count after concurrent puts: got %d, want 1", st.Count())
	}
}
