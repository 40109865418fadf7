package config

import (
	"time"

	"github.com/opsrelay/opsrelay/internal/model"
)

// SLATarget pairs the notification channel set with the response deadline for
// one urgency level.
type SLATarget struct {
	Channels []string      `json:"channels"`
	Within   time.Duration `json:"within"`
}

// Escalation holds the tunable policy parameters. The numeric cutoffs are
// configuration defaults, not invariants; operators tune them per deployment.
type Escalation struct {
	Lookback                time.Duration `json:"lookback"`
	AutoEscalationThreshold int           `json:"auto_escalation_threshold"`
	FinancialThreshold      float64       `json:"financial_threshold"`
	PerformanceThreshold    float64       `json:"performance_threshold"`
	MultiAgentThreshold     int           `json:"multi_agent_threshold"`
	EmailOnCritical         bool          `json:"email_on_critical"`
	CriticalComponents      []string      `json:"critical_components"`
	SLA                     map[model.Urgency]SLATarget `json:"sla"`
}

// Config is the full recognized option surface. Every field has a default;
// zero-value sections are filled in by Default().
type Config struct {
	BufferCapacity   int           `json:"buffer_capacity"`
	ReplayCount      int           `json:"replay_count"`
	Retention        time.Duration `json:"retention"`
	PushTimeout      time.Duration `json:"push_timeout"`
	PersistQueueSize int           `json:"persist_queue_size"`
	Backend          string        `json:"backend"` // "sqlite", "segments", "off"
	Escalation       Escalation    `json:"escalation"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		BufferCapacity:   1000,
		ReplayCount:      100,
		Retention:        168 * time.Hour,
		PushTimeout:      3 * time.Second,
		PersistQueueSize: 1024,
		Backend:          "sqlite",
		Escalation: Escalation{
			Lookback:                time.Hour,
			AutoEscalationThreshold: 5,
			FinancialThreshold:      5000,
			PerformanceThreshold:    0.5,
			MultiAgentThreshold:     3,
			EmailOnCritical:         false,
			CriticalComponents: []string{
				"execution_engine",
				"wallet_manager",
				"database",
				"gas_oracle",
			},
			SLA: map[model.Urgency]SLATarget{
				model.UrgencyLow: {
					Channels: []string{model.ChannelDashboard},
					Within:   time.Hour,
				},
				model.UrgencyMedium: {
					Channels: []string{model.ChannelDashboard, model.ChannelChat},
					Within:   30 * time.Minute,
				},
				model.UrgencyHigh: {
					Channels: []string{model.ChannelDashboard, model.ChannelChat},
					Within:   10 * time.Minute,
				},
				model.UrgencyCritical: {
					Channels: []string{model.ChannelDashboard, model.ChannelChat},
					Within:   5 * time.Minute,
				},
			},
		},
	}
}
