package buffer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/opsrelay/opsrelay/internal/model"
)

func rec(id string, level model.Level) model.LogRecord {
	return model.LogRecord{ID: id, Level: level, Category: "TEST", Message: "m"}
}

func TestRing_EvictsOldestFIFO(t *testing.T) {
	r := NewRing(2)
	r.Append(rec("1", model.LevelInfo))
	r.Append(rec("2", model.LevelError))
	r.Append(rec("3", model.LevelWarn))

	got := r.Snapshot(10)
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].ID != "2" || got[1].ID != "3" {
		t.Errorf("expected [2 3], got [%s %s]", got[0].ID, got[1].ID)
	}
}

func TestRing_SnapshotBound(t *testing.T) {
	const capacity = 16
	r := NewRing(capacity)
	for i := 0; i < capacity*3; i++ {
		r.Append(rec(fmt.Sprintf("%d", i), model.LevelInfo))
	}

	got := r.Snapshot(capacity)
	if len(got) != capacity {
		t.Fatalf("expected %d records, got %d", capacity, len(got))
	}
	// Must be exactly the last `capacity` ids in insertion order.
	for i, g := range got {
		want := fmt.Sprintf("%d", capacity*2+i)
		if g.ID != want {
			t.Errorf("position %d: expected id %s, got %s", i, want, g.ID)
		}
	}
}

func TestRing_SnapshotLimitTrimsOldest(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 5; i++ {
		r.Append(rec(fmt.Sprintf("%d", i), model.LevelInfo))
	}
	got := r.Snapshot(2)
	if len(got) != 2 || got[0].ID != "3" || got[1].ID != "4" {
		t.Fatalf("expected [3 4], got %v", got)
	}
}

func TestRing_Filtered(t *testing.T) {
	r := NewRing(10)
	r.Append(rec("1", model.LevelInfo))
	r.Append(rec("2", model.LevelError))
	r.Append(rec("3", model.LevelInfo))
	r.Append(rec("4", model.LevelError))

	errs := r.Filtered(func(lr *model.LogRecord) bool {
		return lr.Level == model.LevelError
	}, 0)
	if len(errs) != 2 || errs[0].ID != "2" || errs[1].ID != "4" {
		t.Fatalf("expected [2 4], got %v", errs)
	}
}

func TestRing_ConcurrentAppendSnapshot(t *testing.T) {
	r := NewRing(64)
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				r.Append(rec(fmt.Sprintf("%d-%d", g, i), model.LevelInfo))
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			snap := r.Snapshot(0)
			if len(snap) > r.Capacity() {
				t.Errorf("snapshot exceeds capacity: %d", len(snap))
				return
			}
			for _, rec := range snap {
				if rec.ID == "" {
					t.Error("torn record observed")
					return
				}
			}
		}
	}()
	wg.Wait()

	if r.Len() != 64 {
		t.Errorf("expected full ring, got %d", r.Len())
	}
}
