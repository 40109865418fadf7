package escalate

import (
	"strings"

	"github.com/opsrelay/opsrelay/internal/model"
)

// Recommender supplies operator guidance for an escalation. Implementations
// may consult external systems; the engine tolerates an empty result.
type Recommender interface {
	Recommend(inc model.IncidentContext, pattern model.PatternResult) []model.Recommendation
}

// StaticRecommender is the rule-based fallback: generic advice keyed by
// substring match on the incident type.
type StaticRecommender struct{}

func (StaticRecommender) Recommend(inc model.IncidentContext, pattern model.PatternResult) []model.Recommendation {
	t := strings.ToLower(inc.Type)
	var recs []model.Recommendation

	switch {
	case strings.Contains(t, "gas"):
		recs = append(recs, model.Recommendation{
			Priority:  "high",
			Action:    "Check gas oracle feeds and RPC endpoint health",
			Rationale: "Gas-related incidents usually trace back to a stale price feed or a degraded RPC provider",
		})
	case strings.Contains(t, "trade") || strings.Contains(t, "execution"):
		recs = append(recs, model.Recommendation{
			Priority:  "high",
			Action:    "Pause the affected strategy and inspect recent fills",
			Rationale: "Repeated execution failures can compound losses while the strategy keeps retrying",
		})
	case strings.Contains(t, "wallet") || strings.Contains(t, "balance"):
		recs = append(recs, model.Recommendation{
			Priority:  "critical",
			Action:    "Verify wallet balances and freeze outbound transfers",
			Rationale: "Balance anomalies must be ruled out as key compromise before operations resume",
		})
	case strings.Contains(t, "database") || strings.Contains(t, "storage"):
		recs = append(recs, model.Recommendation{
			Priority:  "medium",
			Action:    "Check storage disk usage and connection pool saturation",
			Rationale: "Most storage incidents are capacity, not corruption",
		})
	default:
		recs = append(recs, model.Recommendation{
			Priority:  "medium",
			Action:    "Review recent logs for the affected component",
			Rationale: "No specific runbook matches this incident type",
		})
	}

	if pattern.IsPattern {
		recs = append(recs, model.Recommendation{
			Priority:  "high",
			Action:    "Investigate the recurrence pattern before resolving individual occurrences",
			Rationale: "Repeated incidents of the same type point at a shared root cause",
		})
	}
	return recs
}
