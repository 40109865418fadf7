package escalate

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/opsrelay/opsrelay/internal/metrics"
	"github.com/opsrelay/opsrelay/internal/model"
)

// IncidentRecorder persists incident occurrences so later scoring and
// pattern analysis can see them.
type IncidentRecorder interface {
	RecordIncident(inc model.IncidentContext) error
}

// AuditStore persists escalations across their lifecycle.
type AuditStore interface {
	SaveEscalation(esc *model.Escalation) error
}

// Engine runs the full escalation path: record the incident, score it,
// analyze recurrence, apply policy, and on escalate, track and notify.
// Entry points may block on the history store and are not hot-path calls.
type Engine struct {
	scorer      *Scorer
	detector    *Detector
	policy      *Policy
	recommender Recommender
	dispatcher  *Dispatcher
	recorder    IncidentRecorder // may be nil
	audit       AuditStore       // may be nil

	mu     sync.RWMutex
	active map[string]*model.Escalation
}

// NewEngine wires the escalation pipeline. recorder and audit may be nil
// when no durable store is configured; scoring then sees no recurrence.
func NewEngine(scorer *Scorer, detector *Detector, policy *Policy, recommender Recommender, dispatcher *Dispatcher, recorder IncidentRecorder, audit AuditStore) *Engine {
	if recommender == nil {
		recommender = StaticRecommender{}
	}
	return &Engine{
		scorer:      scorer,
		detector:    detector,
		policy:      policy,
		recommender: recommender,
		dispatcher:  dispatcher,
		recorder:    recorder,
		audit:       audit,
		active:      make(map[string]*model.Escalation),
	}
}

// RequestEscalation evaluates an incident. It returns the created escalation
// when policy fires, or nil when the incident does not warrant one.
func (e *Engine) RequestEscalation(inc model.IncidentContext) *model.Escalation {
	if e.recorder != nil {
		if err := e.recorder.RecordIncident(inc); err != nil {
			log.Printf("escalate: recording incident %s failed: %v", inc.Type, err)
		}
	}

	score := e.scorer.Score(inc)
	pattern := e.detector.Analyze(inc)

	if !e.policy.Decide(inc, score, pattern) {
		return nil
	}

	recs := e.recommender.Recommend(inc, pattern)
	esc := e.policy.Build(inc, score, pattern, recs)

	e.mu.Lock()
	e.active[esc.ID] = esc
	e.mu.Unlock()

	metrics.EscalationsCreated.WithLabelValues(string(esc.Urgency)).Inc()
	metrics.EscalationsActive.Inc()

	if e.audit != nil {
		if err := e.audit.SaveEscalation(esc); err != nil {
			log.Printf("escalate: audit write for %s failed: %v", esc.ID, err)
		}
	}
	e.dispatcher.Dispatch(esc)
	return esc
}

// Resolve transitions an escalation from PENDING to RESOLVED. It reports
// found=false for unknown or already-resolved ids; callers treat that as
// "not found", never as a failure. Tracked escalations are never written
// through after creation: resolution works on a copy, so records already
// handed out by RequestEscalation, Get, or Active stay safe to read and
// encode concurrently.
func (e *Engine) Resolve(id, notes string) (found bool) {
	e.mu.Lock()
	esc, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.active, id)
	e.mu.Unlock()

	now := time.Now()
	resolved := *esc
	resolved.Status = model.EscalationResolved
	resolved.ResolvedAt = &now
	resolved.ResolutionNotes = notes

	metrics.EscalationsActive.Dec()
	if e.audit != nil {
		if err := e.audit.SaveEscalation(&resolved); err != nil {
			log.Printf("escalate: audit update for %s failed: %v", id, err)
		}
	}
	return true
}

// Get returns the active escalation with the given id.
func (e *Engine) Get(id string) (*model.Escalation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	esc, ok := e.active[id]
	return esc, ok
}

// Active returns the open escalations, newest first.
func (e *Engine) Active() []*model.Escalation {
	e.mu.RLock()
	out := make([]*model.Escalation, 0, len(e.active))
	for _, esc := range e.active {
		out = append(out, esc)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
