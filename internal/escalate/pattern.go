package escalate

import (
	"log"
	"time"

	"github.com/opsrelay/opsrelay/internal/model"
)

// Detector classifies incident recurrence over the lookback window. Its
// output is advisory: a failed history query yields a safe empty result
// instead of an error.
type Detector struct {
	history  HistoryStore
	lookback time.Duration
}

// NewDetector builds a detector over the incident history.
func NewDetector(history HistoryStore, lookback time.Duration) *Detector {
	if lookback <= 0 {
		lookback = time.Hour
	}
	return &Detector{history: history, lookback: lookback}
}

// Analyze counts same-type (and same-chain, when set) incidents within the
// lookback window and classifies the trend.
func (d *Detector) Analyze(inc model.IncidentContext) model.PatternResult {
	if d.history == nil {
		return model.PatternResult{Trend: "isolated"}
	}
	count, err := d.history.CountSince(inc.Type, inc.Chain, d.lookback)
	if err != nil {
		log.Printf("pattern: history lookup for %s failed: %v", inc.Type, err)
		return model.PatternResult{Trend: "isolated"}
	}
	agents, err := d.history.ListAffectedAgents(inc.Type, inc.Chain, d.lookback)
	if err != nil {
		log.Printf("pattern: agent lookup for %s failed: %v", inc.Type, err)
		agents = nil
	}

	trend := "isolated"
	switch {
	case count >= 10:
		trend = "escalating"
	case count >= 5:
		trend = "concerning"
	}

	return model.PatternResult{
		IsPattern:       count >= 3,
		OccurrenceCount: count,
		AffectedAgents:  agents,
		Trend:           trend,
	}
}
