package hub

import (
	"fmt"
	"strings"
	"time"

	"github.com/opsrelay/opsrelay/internal/model"
)

// Filter selects records for a subscriber. Clauses are AND-combined; an
// omitted (empty) clause matches everything for that dimension.
type Filter struct {
	Levels        []model.Level `json:"levels,omitempty"`
	Categories    []string      `json:"categories,omitempty"`
	Components    []string      `json:"components,omitempty"`
	Agents        []string      `json:"agents,omitempty"`
	Chains        []string      `json:"chains,omitempty"`
	WindowMinutes int           `json:"window_minutes,omitempty"`
	Text          string        `json:"text,omitempty"`
}

// Empty reports whether no clause is specified, i.e. the filter matches
// every record.
func (f *Filter) Empty() bool {
	if f == nil {
		return true
	}
	return len(f.Levels) == 0 && len(f.Categories) == 0 && len(f.Components) == 0 &&
		len(f.Agents) == 0 && len(f.Chains) == 0 && f.WindowMinutes == 0 && f.Text == ""
}

// Matches reports whether rec passes every specified clause. now anchors the
// rolling time window.
func (f *Filter) Matches(rec *model.LogRecord, now time.Time) bool {
	if f == nil {
		return true
	}
	if len(f.Levels) > 0 && !containsLevel(f.Levels, rec.Level) {
		return false
	}
	if len(f.Categories) > 0 && !containsFold(f.Categories, rec.Category) {
		return false
	}
	if len(f.Components) > 0 && !containsFold(f.Components, rec.Component) {
		return false
	}
	if len(f.Agents) > 0 && !containsFold(f.Agents, rec.AgentID) {
		return false
	}
	if len(f.Chains) > 0 && !containsFold(f.Chains, rec.Chain) {
		return false
	}
	if f.WindowMinutes > 0 {
		cutoff := now.Add(-time.Duration(f.WindowMinutes) * time.Minute)
		if rec.Timestamp.Before(cutoff) {
			return false
		}
	}
	if f.Text != "" && !textMatches(rec, f.Text) {
		return false
	}
	return true
}

func containsLevel(set []model.Level, l model.Level) bool {
	for _, s := range set {
		if strings.EqualFold(string(s), string(l)) {
			return true
		}
	}
	return false
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// textMatches does a case-insensitive substring search over the message and
// the stringified detail values.
func textMatches(rec *model.LogRecord, text string) bool {
	needle := strings.ToLower(text)
	if strings.Contains(strings.ToLower(rec.Message), needle) {
		return true
	}
	for k, v := range rec.Details {
		if strings.Contains(strings.ToLower(k), needle) {
			return true
		}
		if strings.Contains(strings.ToLower(fmt.Sprintf("%v", v)), needle) {
			return true
		}
	}
	return false
}
