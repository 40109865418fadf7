package persist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSegments_WriteSearchPending(t *testing.T) {
	store, err := OpenSegments(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSegments: %v", err)
	}
	defer store.Close()

	now := time.Now()
	if err := store.Write(testRecord("a", "nonce too low", now)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.Write(testRecord("b", "pool synced", now.Add(time.Second))); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := store.Search("nonce", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected match 'a', got %+v", got)
	}
}

func TestSegments_RotateAndSearchSegment(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	now := time.Now()
	for i := 0; i < 10; i++ {
		if err := store.Write(testRecord("id", "before rotation", now)); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), segSuffix) {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a segment file after Flush")
	}

	got, err := store.Search("rotation", 100)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 records from segment, got %d", len(got))
	}
}

func TestSegments_WALReplayAfterReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Write(testRecord("crash", "survived restart", time.Now())); err != nil {
		t.Fatal(err)
	}
	// Close the file handle without rotating, as a crash would.
	store.file.Close()

	reopened, err := OpenSegments(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Search("survived", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "crash" {
		t.Fatalf("expected replayed record, got %+v", got)
	}
}

func TestSegments_TornWALTailRecovered(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Write(testRecord("intact", "written before crash", time.Now())); err != nil {
		t.Fatal(err)
	}
	store.file.Close()

	// A crash mid-append leaves a length prefix with no row behind it.
	f, err := os.OpenFile(filepath.Join(dir, activeName), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0xff, 0x00, 0x00, 0x00}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	reopened, err := OpenSegments(dir)
	if err != nil {
		t.Fatalf("reopen after torn tail: %v", err)
	}
	got, err := reopened.Search("before crash", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "intact" {
		t.Fatalf("expected the intact record back, got %+v", got)
	}

	// The rewritten WAL must append and replay cleanly afterwards.
	if err := reopened.Write(testRecord("later", "written after recovery", time.Now())); err != nil {
		t.Fatal(err)
	}
	reopened.file.Close()

	third, err := OpenSegments(dir)
	if err != nil {
		t.Fatalf("reopen after recovery: %v", err)
	}
	defer third.Close()
	if got, err := third.Search("written", 10); err != nil || len(got) != 2 {
		t.Fatalf("expected both rows after recovery, got %v err %v", got, err)
	}
}

func TestSegments_PurgeOlderThan(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.Write(testRecord("old", "expired data", time.Now().Add(-72*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := store.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := store.Write(testRecord("new", "live data", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := store.Flush(); err != nil {
		t.Fatal(err)
	}

	if err := store.PurgeOlderThan(24 * time.Hour); err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}

	if got, err := store.Search("expired", 10); err != nil || len(got) != 0 {
		t.Fatalf("expired segment should be gone, got %v err %v", got, err)
	}
	if got, err := store.Search("live", 10); err != nil || len(got) != 1 {
		t.Fatalf("fresh segment should remain, got %v err %v", got, err)
	}
}

func TestParseSegmentName(t *testing.T) {
	minTs, maxTs, err := parseSegmentName("seg_100_200.zlog")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if minTs != 100 || maxTs != 200 {
		t.Errorf("got %d/%d", minTs, maxTs)
	}
	if _, _, err := parseSegmentName("random.zlog"); err == nil {
		t.Error("expected error for malformed name")
	}
	if _, _, err := parseSegmentName(filepath.Base(activeName)); err == nil {
		t.Error("expected error for wal name")
	}
}
