package escalate

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opsrelay/opsrelay/internal/config"
	"github.com/opsrelay/opsrelay/internal/model"
)

// memoryAudit collects SaveEscalation calls.
type memoryAudit struct {
	mu    sync.Mutex
	saves []model.Escalation
}

func (a *memoryAudit) SaveEscalation(esc *model.Escalation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saves = append(a.saves, *esc)
	return nil
}

// memoryRecorder counts incidents as they are recorded, feeding them back
// into the recurrence view like a real history store would.
type memoryRecorder struct {
	mu     sync.Mutex
	counts map[string]int
	agents map[string]map[string]struct{}
}

func newMemoryRecorder() *memoryRecorder {
	return &memoryRecorder{
		counts: make(map[string]int),
		agents: make(map[string]map[string]struct{}),
	}
}

func (r *memoryRecorder) RecordIncident(inc model.IncidentContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[inc.Type]++
	if inc.AgentID != "" {
		if r.agents[inc.Type] == nil {
			r.agents[inc.Type] = make(map[string]struct{})
		}
		r.agents[inc.Type][inc.AgentID] = struct{}{}
	}
	return nil
}

func (r *memoryRecorder) CountSince(incType, chain string, window time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[incType], nil
}

func (r *memoryRecorder) ListAffectedAgents(incType, chain string, window time.Duration) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for a := range r.agents[incType] {
		out = append(out, a)
	}
	return out, nil
}

func newTestEngine(history *memoryRecorder, audit AuditStore, channels ...Channel) *Engine {
	cfg := config.Default().Escalation
	if len(channels) == 0 {
		channels = []Channel{
			&stubChannel{name: model.ChannelDashboard},
			&stubChannel{name: model.ChannelChat},
		}
	}
	return NewEngine(
		NewScorer(history, cfg.Lookback, cfg.CriticalComponents),
		NewDetector(history, cfg.Lookback),
		NewPolicy(cfg),
		StaticRecommender{},
		NewDispatcher(channels, NewMemoryRetryQueue(10)),
		history,
		audit,
	)
}

func TestEngine_QuietIncidentDoesNotEscalate(t *testing.T) {
	e := newTestEngine(newMemoryRecorder(), nil)
	esc := e.RequestEscalation(model.IncidentContext{Type: "minor_glitch", FinancialImpact: 50})
	if esc != nil {
		t.Fatalf("expected no escalation, got %+v", esc)
	}
	if len(e.Active()) != 0 {
		t.Errorf("active set should be empty")
	}
}

func TestEngine_FinancialOverrideEscalates(t *testing.T) {
	audit := &memoryAudit{}
	e := newTestEngine(newMemoryRecorder(), audit)

	esc := e.RequestEscalation(model.IncidentContext{Type: "trade_failure", FinancialImpact: 6000})
	if esc == nil {
		t.Fatal("expected escalation for financial impact above threshold")
	}
	if esc.Status != model.EscalationPending {
		t.Errorf("status = %s, want PENDING", esc.Status)
	}
	if len(esc.Recommendations) == 0 {
		t.Error("expected static recommendations")
	}
	if len(e.Active()) != 1 {
		t.Errorf("active = %d, want 1", len(e.Active()))
	}
	audit.mu.Lock()
	saved := len(audit.saves)
	audit.mu.Unlock()
	if saved != 1 {
		t.Errorf("audit saves = %d, want 1", saved)
	}
}

func TestEngine_RecurrenceBuildsToEscalation(t *testing.T) {
	e := newTestEngine(newMemoryRecorder(), nil)

	inc := model.IncidentContext{Type: "rpc_timeout", Chain: "arbitrum"}
	var esc *model.Escalation
	for i := 0; i < 6; i++ {
		esc = e.RequestEscalation(inc)
	}
	if esc == nil {
		t.Fatal("expected recurrence to trigger escalation")
	}
	if !esc.Pattern.IsPattern {
		t.Errorf("expected pattern flagged, got %+v", esc.Pattern)
	}
}

func TestEngine_ResolveLifecycle(t *testing.T) {
	audit := &memoryAudit{}
	e := newTestEngine(newMemoryRecorder(), audit)

	esc := e.RequestEscalation(model.IncidentContext{Type: "trade_failure", FinancialImpact: 9000})
	if esc == nil {
		t.Fatal("expected escalation")
	}

	if found := e.Resolve(esc.ID, "rolled back strategy"); !found {
		t.Fatal("first resolve should find the escalation")
	}
	if len(e.Active()) != 0 {
		t.Error("resolved escalation should leave the active set")
	}
	audit.mu.Lock()
	last := audit.saves[len(audit.saves)-1]
	audit.mu.Unlock()
	if last.Status != model.EscalationResolved || last.ResolvedAt == nil {
		t.Errorf("resolution not recorded in audit: %+v", last)
	}
	if last.ResolutionNotes != "rolled back strategy" {
		t.Errorf("notes = %q", last.ResolutionNotes)
	}

	// Second resolve is a no-op reported as not found.
	if found := e.Resolve(esc.ID, "again"); found {
		t.Error("second resolve must report not found")
	}
	if found := e.Resolve("no-such-id", ""); found {
		t.Error("unknown id must report not found")
	}
}

func TestEngine_ResolveLeavesCallerRecordUntouched(t *testing.T) {
	audit := &memoryAudit{}
	e := newTestEngine(newMemoryRecorder(), audit)

	esc := e.RequestEscalation(model.IncidentContext{Type: "trade_failure", FinancialImpact: 9000})
	if esc == nil {
		t.Fatal("expected escalation")
	}

	// Callers encode escalations outside the engine lock; resolving must
	// not write through the pointer they hold.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if _, err := json.Marshal(esc); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	e.Resolve(esc.ID, "rotated keys")
	<-done

	if esc.Status != model.EscalationPending || esc.ResolvedAt != nil {
		t.Errorf("caller's record mutated by resolve: %+v", esc)
	}
	audit.mu.Lock()
	last := audit.saves[len(audit.saves)-1]
	audit.mu.Unlock()
	if last.Status != model.EscalationResolved {
		t.Errorf("audit should hold the resolved copy, got %s", last.Status)
	}
}

func TestEngine_HistoryFailureStillCompletes(t *testing.T) {
	broken := &fakeHistory{err: errors.New("store offline")}
	cfg := config.Default().Escalation
	e := NewEngine(
		NewScorer(broken, cfg.Lookback, cfg.CriticalComponents),
		NewDetector(broken, cfg.Lookback),
		NewPolicy(cfg),
		nil,
		NewDispatcher([]Channel{&stubChannel{name: model.ChannelDashboard}, &stubChannel{name: model.ChannelChat}}, nil),
		nil,
		nil,
	)

	// Scoring degrades to MEDIUM, pattern to empty; the financial override
	// still escalates and dispatch still runs.
	esc := e.RequestEscalation(model.IncidentContext{Type: "trade_failure", FinancialImpact: 7000})
	if esc == nil {
		t.Fatal("pipeline should complete despite history failure")
	}
	if esc.Urgency != model.UrgencyMedium {
		t.Errorf("urgency = %s, want MEDIUM fallback", esc.Urgency)
	}
	if esc.Pattern.IsPattern || esc.Pattern.OccurrenceCount != 0 {
		t.Errorf("pattern should be safe empty result, got %+v", esc.Pattern)
	}
}
