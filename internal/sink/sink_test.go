package sink

import (
	"bytes"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opsrelay/opsrelay/internal/buffer"
	"github.com/opsrelay/opsrelay/internal/hub"
	"github.com/opsrelay/opsrelay/internal/model"
)

// failingStore always errors on write.
type failingStore struct {
	mu     sync.Mutex
	writes int
}

func (f *failingStore) Write(rec *model.LogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	return errors.New("disk on fire")
}

func (f *failingStore) Search(query string, limit int) ([]model.LogRecord, error) {
	return nil, errors.New("disk on fire")
}

func (f *failingStore) PurgeOlderThan(d time.Duration) error { return nil }
func (f *failingStore) Close() error                         { return nil }

// flakyStore fails writes while broken is set.
type flakyStore struct {
	mu     sync.Mutex
	broken bool
}

func (f *flakyStore) setBroken(b bool) {
	f.mu.Lock()
	f.broken = b
	f.mu.Unlock()
}

func (f *flakyStore) Write(rec *model.LogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return errors.New("disk detached")
	}
	return nil
}

func (f *flakyStore) Search(query string, limit int) ([]model.LogRecord, error) {
	return nil, nil
}

func (f *flakyStore) PurgeOlderThan(d time.Duration) error { return nil }
func (f *flakyStore) Close() error                         { return nil }

func newTestSink(capacity int) (*Sink, *buffer.Ring) {
	ring := buffer.NewRing(capacity)
	h := hub.New(ring, nil, capacity, time.Second)
	return New(h, nil, 16), ring
}

func TestSink_ValidationRejections(t *testing.T) {
	s, _ := newTestSink(10)
	defer s.Close()

	if _, err := s.Ingest("BOGUS", "TRADE", "msg", nil); err == nil {
		t.Error("invalid level must be rejected")
	}
	if _, err := s.Ingest("INFO", "", "msg", nil); !errors.Is(err, ErrEmptyCategory) {
		t.Errorf("expected ErrEmptyCategory, got %v", err)
	}
	if _, err := s.Ingest("INFO", "TRADE", "  ", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestSink_AssignsIdentityAndNormalizes(t *testing.T) {
	s, _ := newTestSink(10)
	defer s.Close()

	rec, err := s.Ingest("info", "trade", "filled", nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if rec.ID == "" || rec.Timestamp.IsZero() {
		t.Errorf("missing identity: %+v", rec)
	}
	if rec.Level != model.LevelInfo || rec.Category != "TRADE" {
		t.Errorf("level/category not normalized: %+v", rec)
	}

	other, _ := s.Ingest("info", "trade", "filled", nil)
	if other.ID == rec.ID {
		t.Error("ids must be unique")
	}
}

func TestSink_PromotesWellKnownDetails(t *testing.T) {
	s, _ := newTestSink(10)
	defer s.Close()

	rec, err := s.Ingest("ERROR", "TRADE", "swap reverted", map[string]interface{}{
		model.DetailComponent: "execution_engine",
		model.DetailAgentID:   "agent-3",
		model.DetailChain:     "arbitrum",
		model.DetailOperation: "swap",
		model.DetailError:     "revert",
		"tx_hash":             "0xabc",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Component != "execution_engine" || rec.AgentID != "agent-3" || rec.Chain != "arbitrum" || rec.Operation != "swap" {
		t.Errorf("correlation fields not promoted: %+v", rec)
	}
	if rec.Details["tx_hash"] != "0xabc" {
		t.Error("arbitrary detail keys must survive")
	}
}

func TestSink_BufferEviction(t *testing.T) {
	s, ring := newTestSink(2)
	defer s.Close()

	s.Ingest("INFO", "T", "first", nil)
	s.Ingest("ERROR", "T", "second", nil)
	s.Ingest("WARN", "T", "third", nil)

	snap := ring.Snapshot(10)
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}
	if snap[0].Level != model.LevelError || snap[1].Level != model.LevelWarn {
		t.Errorf("expected [ERROR WARN], got [%s %s]", snap[0].Level, snap[1].Level)
	}
}

func TestSink_Wrappers(t *testing.T) {
	s, ring := newTestSink(10)
	defer s.Close()

	s.Error("TRADE", "e", nil)
	s.Warn("TRADE", "w", nil)
	s.Info("TRADE", "i", nil)
	s.Debug("TRADE", "d", nil)
	s.Success("TRADE", "s", nil)
	rec, err := s.AgentOperation("agent-1", "rebalance", "moving funds", nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec.AgentID != "agent-1" || rec.Operation != "rebalance" || rec.Category != "AGENT" {
		t.Errorf("agent operation fields: %+v", rec)
	}
	rec, err = s.AgentEscalation("agent-1", "stuck nonce", nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Level != model.LevelError || rec.Category != "ESCALATION" {
		t.Errorf("agent escalation fields: %+v", rec)
	}

	if got := ring.Len(); got != 7 {
		t.Errorf("ring len = %d, want 7", got)
	}
}

func TestSink_FailingStoreDoesNotAffectLivePath(t *testing.T) {
	ring := buffer.NewRing(10)
	h := hub.New(ring, nil, 10, time.Second)
	store := &failingStore{}
	s := New(h, store, 16)

	for i := 0; i < 5; i++ {
		if _, err := s.Ingest("INFO", "T", "msg", nil); err != nil {
			t.Fatalf("ingest must not surface persistence failures: %v", err)
		}
	}
	s.Close()

	if ring.Len() != 5 {
		t.Errorf("ring len = %d, want 5", ring.Len())
	}
	store.mu.Lock()
	writes := store.writes
	store.mu.Unlock()
	if writes != 5 {
		t.Errorf("store writes = %d, want 5 attempts", writes)
	}
}

func TestSink_DegradationLoggedPerEpisode(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	st := &flakyStore{broken: true}
	s := &Sink{store: st}
	rec := model.LogRecord{ID: "r1"}

	// First episode: one warning, no matter how many writes fail.
	s.writeOne(&rec)
	s.writeOne(&rec)
	st.setBroken(false)
	s.writeOne(&rec)
	// Second episode warns again.
	st.setBroken(true)
	s.writeOne(&rec)

	out := buf.String()
	if got := strings.Count(out, "durable store unavailable"); got != 2 {
		t.Errorf("unavailable warnings = %d, want one per episode: %q", got, out)
	}
	if !strings.Contains(out, "durable store recovered") {
		t.Errorf("recovery should be logged: %q", out)
	}
}

func TestSink_NilStoreIsMemoryOnly(t *testing.T) {
	s, ring := newTestSink(10)
	defer s.Close()

	if _, err := s.Ingest("INFO", "T", "msg", nil); err != nil {
		t.Fatalf("memory-only ingest: %v", err)
	}
	if ring.Len() != 1 {
		t.Error("record should land in the ring without a store")
	}
	if s.GetStats().PersistEnabled {
		t.Error("stats should report persistence disabled")
	}
}

func TestSink_StatsCounts(t *testing.T) {
	s, _ := newTestSink(10)
	defer s.Close()

	s.Ingest("INFO", "TRADE", "a", nil)
	s.Ingest("INFO", "TRADE", "b", nil)
	s.Ingest("ERROR", "WALLET", "c", nil)

	st := s.GetStats()
	if st.TotalIngested != 3 {
		t.Errorf("total = %d, want 3", st.TotalIngested)
	}
	if st.LevelDist["INFO"] != 2 || st.LevelDist["ERROR"] != 1 {
		t.Errorf("level dist: %+v", st.LevelDist)
	}
	if st.TopCategories["TRADE"] != 2 || st.TopCategories["WALLET"] != 1 {
		t.Errorf("categories: %+v", st.TopCategories)
	}
}
