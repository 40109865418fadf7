package model

import (
	"fmt"
	"strings"
	"time"
)

// Level is the severity of a log record.
type Level string

const (
	LevelError   Level = "ERROR"
	LevelWarn    Level = "WARN"
	LevelInfo    Level = "INFO"
	LevelDebug   Level = "DEBUG"
	LevelSuccess Level = "SUCCESS"
)

// ParseLevel validates and normalizes a level string. Unrecognized levels are
// rejected rather than coerced so producers notice bad call sites.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToUpper(s)) {
	case LevelError:
		return LevelError, nil
	case LevelWarn:
		return LevelWarn, nil
	case LevelInfo:
		return LevelInfo, nil
	case LevelDebug:
		return LevelDebug, nil
	case LevelSuccess:
		return LevelSuccess, nil
	}
	return "", fmt.Errorf("invalid level %q", s)
}

// Well-known keys in LogRecord.Details. Producers are not required to set
// them, but when present they are promoted onto the record's correlation
// fields at ingestion.
const (
	DetailComponent = "component"
	DetailAgentID   = "agent_id"
	DetailChain     = "chain"
	DetailOperation = "operation"
	DetailError     = "error"
)

// LogRecord is a structured log entry. Records are created once at ingestion
// and never mutated afterwards; consumers receive copies.
type LogRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Category  string    `json:"category"`
	Component string    `json:"component,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Chain     string    `json:"chain,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Message   string    `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}
