// Package escalate decides which incidents need a human and gets the word
// out. Scoring, pattern analysis, and policy are deterministic over their
// inputs; the only external collaborator is the historical incident store.
package escalate

import (
	"fmt"
	"strings"
	"time"

	"github.com/opsrelay/opsrelay/internal/model"
)

// HistoryStore is the historical incident lookup used for recurrence
// analysis. Calls may block on external storage.
type HistoryStore interface {
	CountSince(incType, chain string, window time.Duration) (int, error)
	ListAffectedAgents(incType, chain string, window time.Duration) ([]string, error)
}

// ScoreResult is the scorer's verdict for one incident.
type ScoreResult struct {
	Urgency model.Urgency `json:"urgency"`
	Score   int           `json:"score"`
	Factors []string      `json:"factors"`
}

// Scorer computes a 0-100 urgency score from weighted point factors. Points
// rather than fractions so the factor list reads as an audit trail.
type Scorer struct {
	history  HistoryStore
	lookback time.Duration
	critical map[string]struct{}
}

// NewScorer builds a scorer over the incident history. criticalComponents is
// the set of incident types treated as critical infrastructure.
func NewScorer(history HistoryStore, lookback time.Duration, criticalComponents []string) *Scorer {
	crit := make(map[string]struct{}, len(criticalComponents))
	for _, c := range criticalComponents {
		crit[strings.ToLower(c)] = struct{}{}
	}
	if lookback <= 0 {
		lookback = time.Hour
	}
	return &Scorer{history: history, lookback: lookback, critical: crit}
}

// Score never fails: a recurrence lookup error degrades to MEDIUM with a
// single factor noting the analysis error, so a storage outage neither
// silences real incidents nor pages everyone.
func (s *Scorer) Score(inc model.IncidentContext) ScoreResult {
	var recurrence int
	if s.history != nil {
		n, err := s.history.CountSince(inc.Type, inc.Chain, s.lookback)
		if err != nil {
			return ScoreResult{
				Urgency: model.UrgencyMedium,
				Score:   0,
				Factors: []string{fmt.Sprintf("urgency analysis failed: %v", err)},
			}
		}
		recurrence = n
	}
	return s.scoreWith(inc, recurrence)
}

// scoreWith applies the point table against a known recurrence count.
func (s *Scorer) scoreWith(inc model.IncidentContext, recurrence int) ScoreResult {
	score := 0
	var factors []string

	switch {
	case inc.FinancialImpact > 10000:
		score += 40
		factors = append(factors, fmt.Sprintf("financial impact $%.2f exceeds $10000", inc.FinancialImpact))
	case inc.FinancialImpact > 1000:
		score += 20
		factors = append(factors, fmt.Sprintf("financial impact $%.2f exceeds $1000", inc.FinancialImpact))
	}

	switch {
	case recurrence >= 10:
		score += 30
		factors = append(factors, fmt.Sprintf("%d occurrences in the last %v", recurrence, s.lookback))
	case recurrence >= 5:
		score += 15
		factors = append(factors, fmt.Sprintf("%d occurrences in the last %v", recurrence, s.lookback))
	}

	if _, ok := s.critical[strings.ToLower(inc.Type)]; ok {
		score += 20
		factors = append(factors, fmt.Sprintf("critical component affected: %s", inc.Type))
	}

	if inc.PerformanceImpact > 0.1 {
		score += 25
		factors = append(factors, fmt.Sprintf("performance degraded by %.0f%%", inc.PerformanceImpact*100))
	}

	if inc.ReferenceThresholdMs > 0 && inc.ExecutionTimeMs > inc.ReferenceThresholdMs/2 {
		score += 35
		factors = append(factors, fmt.Sprintf("execution time %.0fms near threshold %.0fms", inc.ExecutionTimeMs, inc.ReferenceThresholdMs))
	}

	return ScoreResult{Urgency: urgencyFor(score), Score: score, Factors: factors}
}

func urgencyFor(score int) model.Urgency {
	switch {
	case score >= 70:
		return model.UrgencyCritical
	case score >= 50:
		return model.UrgencyHigh
	case score >= 30:
		return model.UrgencyMedium
	default:
		return model.UrgencyLow
	}
}
