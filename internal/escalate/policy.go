package escalate

import (
	"time"

	"github.com/google/uuid"

	"github.com/opsrelay/opsrelay/internal/config"
	"github.com/opsrelay/opsrelay/internal/model"
)

// Policy turns a scored, pattern-analyzed incident into an escalate /
// don't-escalate decision and, on escalate, the Escalation record itself.
type Policy struct {
	cfg config.Escalation
}

// NewPolicy builds a policy from the escalation configuration.
func NewPolicy(cfg config.Escalation) *Policy {
	return &Policy{cfg: cfg}
}

// Decide returns true when any single rule fires. The threshold rules are
// independent overrides: a large financial hit escalates even when the
// computed urgency stayed LOW.
func (p *Policy) Decide(inc model.IncidentContext, score ScoreResult, pattern model.PatternResult) bool {
	switch {
	case score.Urgency == model.UrgencyCritical:
		return true
	case score.Urgency == model.UrgencyHigh && pattern.IsPattern:
		return true
	case pattern.OccurrenceCount >= p.cfg.AutoEscalationThreshold:
		return true
	case inc.FinancialImpact > p.cfg.FinancialThreshold:
		return true
	case len(pattern.AffectedAgents) >= p.cfg.MultiAgentThreshold:
		return true
	case inc.PerformanceImpact > p.cfg.PerformanceThreshold:
		return true
	}
	return false
}

// Build constructs a PENDING escalation, selecting channels and the response
// target from the per-urgency SLA table.
func (p *Policy) Build(inc model.IncidentContext, score ScoreResult, pattern model.PatternResult, recs []model.Recommendation) *model.Escalation {
	now := time.Now()

	sla, ok := p.cfg.SLA[score.Urgency]
	if !ok {
		// Unknown urgency gets the most conservative defaults.
		sla = config.SLATarget{Channels: []string{model.ChannelDashboard}, Within: time.Hour}
	}
	channels := make([]string, len(sla.Channels))
	copy(channels, sla.Channels)
	if score.Urgency == model.UrgencyCritical && p.cfg.EmailOnCritical {
		channels = append(channels, model.ChannelEmail)
	}

	return &model.Escalation{
		ID:              uuid.NewString(),
		Context:         inc,
		Urgency:         score.Urgency,
		Score:           score.Score,
		Factors:         score.Factors,
		Pattern:         pattern,
		Recommendations: recs,
		Status:          model.EscalationPending,
		Channels:        channels,
		CreatedAt:       now,
		ResponseTarget:  now.Add(sla.Within),
	}
}
