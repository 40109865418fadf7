package hub

import (
	"testing"
	"time"

	"github.com/opsrelay/opsrelay/internal/model"
)

func TestFilter_Matches(t *testing.T) {
	now := time.Now()
	rec := model.LogRecord{
		ID:        "1",
		Timestamp: now.Add(-10 * time.Minute),
		Level:     model.LevelError,
		Category:  "BLOCKCHAIN",
		Component: "gas_oracle",
		AgentID:   "agent-7",
		Chain:     "arbitrum",
		Message:   "Gas price fallback engaged",
		Details:   map[string]interface{}{"error": "rpc timeout"},
	}

	tests := []struct {
		name   string
		filter *Filter
		want   bool
	}{
		{"nil filter matches all", nil, true},
		{"empty filter matches all", &Filter{}, true},
		{"level match", &Filter{Levels: []model.Level{model.LevelError}}, true},
		{"level mismatch", &Filter{Levels: []model.Level{model.LevelDebug}}, false},
		{"level case-insensitive", &Filter{Levels: []model.Level{"error"}}, true},
		{"category match", &Filter{Categories: []string{"blockchain"}}, true},
		{"category mismatch", &Filter{Categories: []string{"DATABASE"}}, false},
		{"component match", &Filter{Components: []string{"gas_oracle"}}, true},
		{"agent mismatch", &Filter{Agents: []string{"agent-1"}}, false},
		{"chain match", &Filter{Chains: []string{"arbitrum"}}, true},
		{"window includes", &Filter{WindowMinutes: 30}, true},
		{"window excludes", &Filter{WindowMinutes: 5}, false},
		{"text in message", &Filter{Text: "fallback"}, true},
		{"text case-insensitive", &Filter{Text: "GAS PRICE"}, true},
		{"text in details", &Filter{Text: "rpc timeout"}, true},
		{"text absent", &Filter{Text: "flash loan"}, false},
		{
			"all clauses AND-combined",
			&Filter{
				Levels:     []model.Level{model.LevelError},
				Categories: []string{"BLOCKCHAIN"},
				Chains:     []string{"arbitrum"},
				Text:       "fallback",
			},
			true,
		},
		{
			"one failing clause rejects",
			&Filter{
				Levels: []model.Level{model.LevelError},
				Chains: []string{"mainnet"},
			},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(&rec, now); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}
