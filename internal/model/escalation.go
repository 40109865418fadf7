package model

import "time"

// Urgency is the discrete severity assigned to an incident by the scorer.
type Urgency string

const (
	UrgencyLow      Urgency = "LOW"
	UrgencyMedium   Urgency = "MEDIUM"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyCritical Urgency = "CRITICAL"
)

// IncidentContext describes an anomalous condition detected by a producer.
// It is constructed by the caller and snapshotted into an Escalation; the
// pipeline never mutates it.
type IncidentContext struct {
	Type                 string  `json:"type"`
	Chain                string  `json:"chain,omitempty"`
	AgentID              string  `json:"agent_id,omitempty"`
	FinancialImpact      float64 `json:"financial_impact,omitempty"`
	PerformanceImpact    float64 `json:"performance_impact,omitempty"`
	ExecutionTimeMs      float64 `json:"execution_time_ms,omitempty"`
	ReferenceThresholdMs float64 `json:"reference_threshold_ms,omitempty"`
	Description          string  `json:"description,omitempty"`
}

// PatternResult is the recurrence analysis snapshot for an incident.
type PatternResult struct {
	IsPattern       bool     `json:"is_pattern"`
	OccurrenceCount int      `json:"occurrence_count"`
	AffectedAgents  []string `json:"affected_agents,omitempty"`
	Trend           string   `json:"trend"` // "isolated", "concerning", "escalating"
}

// Recommendation is a suggested operator action. The pipeline treats it as
// opaque payload supplied by a recommendation provider.
type Recommendation struct {
	Priority  string `json:"priority"`
	Action    string `json:"action"`
	Rationale string `json:"rationale,omitempty"`
}

// EscalationStatus tracks the lifecycle of an escalation. The only legal
// transition is PENDING -> RESOLVED.
type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "PENDING"
	EscalationResolved EscalationStatus = "RESOLVED"
)

// Notification channel names. Transport implementations live outside the
// escalation engine.
const (
	ChannelDashboard = "dashboard"
	ChannelChat      = "chat"
	ChannelEmail     = "email"
)

// Escalation is the record created when policy decides an incident requires
// human attention. It stays in the active index until resolved.
type Escalation struct {
	ID              string           `json:"id"`
	Context         IncidentContext  `json:"context"`
	Urgency         Urgency          `json:"urgency"`
	Score           int              `json:"score"`
	Factors         []string         `json:"factors"`
	Pattern         PatternResult    `json:"pattern"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
	Status          EscalationStatus `json:"status"`
	Channels        []string         `json:"channels"`
	CreatedAt       time.Time        `json:"created_at"`
	ResponseTarget  time.Time        `json:"response_target"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
	ResolutionNotes string           `json:"resolution_notes,omitempty"`
}
