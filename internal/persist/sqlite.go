package persist

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opsrelay/opsrelay/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id        TEXT PRIMARY KEY,
	ts        INTEGER NOT NULL,
	level     TEXT NOT NULL,
	category  TEXT NOT NULL,
	component TEXT,
	agent_id  TEXT,
	chain     TEXT,
	operation TEXT,
	message   TEXT NOT NULL,
	details   TEXT
);
CREATE INDEX IF NOT EXISTS idx_records_ts ON records(ts);

CREATE TABLE IF NOT EXISTS incidents (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	ts       INTEGER NOT NULL,
	type     TEXT NOT NULL,
	chain    TEXT,
	agent_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_incidents_type_ts ON incidents(type, ts);

CREATE TABLE IF NOT EXISTS escalations (
	id      TEXT PRIMARY KEY,
	ts      INTEGER NOT NULL,
	urgency TEXT NOT NULL,
	status  TEXT NOT NULL,
	payload TEXT NOT NULL
);
`

// SQLiteStore is the default durable backend. It doubles as the historical
// incident store for recurrence analysis and as the escalation audit log.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database file and ensures the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// A single writer keeps go-sqlite3 out of SQLITE_BUSY territory.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema init: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Write inserts a record. Replayed ids are ignored.
func (s *SQLiteStore) Write(rec *model.LogRecord) error {
	var details []byte
	if len(rec.Details) > 0 {
		var err error
		details, err = json.Marshal(rec.Details)
		if err != nil {
			return err
		}
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO records
		 (id, ts, level, category, component, agent_id, chain, operation, message, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UnixNano(), string(rec.Level), rec.Category,
		rec.Component, rec.AgentID, rec.Chain, rec.Operation, rec.Message, string(details),
	)
	return err
}

// Search returns up to limit records whose message or details contain the
// query, newest first. An empty query returns the newest records.
func (s *SQLiteStore) Search(query string, limit int) ([]model.LogRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	pattern := "%" + query + "%"
	rows, err := s.db.Query(
		`SELECT id, ts, level, category, component, agent_id, chain, operation, message, details
		 FROM records
		 WHERE message LIKE ? OR details LIKE ?
		 ORDER BY ts DESC LIMIT ?`,
		pattern, pattern, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LogRecord
	for rows.Next() {
		var rec model.LogRecord
		var ts int64
		var details sql.NullString
		if err := rows.Scan(
			&rec.ID, &ts, &rec.Level, &rec.Category, &rec.Component,
			&rec.AgentID, &rec.Chain, &rec.Operation, &rec.Message, &details,
		); err != nil {
			return out, err
		}
		rec.Timestamp = time.Unix(0, ts)
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &rec.Details)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes records and incidents beyond the retention window.
func (s *SQLiteStore) PurgeOlderThan(d time.Duration) error {
	cutoff := time.Now().Add(-d).UnixNano()
	if _, err := s.db.Exec(`DELETE FROM records WHERE ts < ?`, cutoff); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM incidents WHERE ts < ?`, cutoff)
	return err
}

// RecordIncident stores an incident occurrence for recurrence analysis.
func (s *SQLiteStore) RecordIncident(inc model.IncidentContext) error {
	_, err := s.db.Exec(
		`INSERT INTO incidents (ts, type, chain, agent_id) VALUES (?, ?, ?, ?)`,
		time.Now().UnixNano(), inc.Type, inc.Chain, inc.AgentID,
	)
	return err
}

// CountSince counts incidents of the given type (and chain, when non-empty)
// within the lookback window.
func (s *SQLiteStore) CountSince(incType, chain string, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window).UnixNano()
	var n int
	var err error
	if chain != "" {
		err = s.db.QueryRow(
			`SELECT COUNT(*) FROM incidents WHERE type = ? AND chain = ? AND ts >= ?`,
			incType, chain, cutoff,
		).Scan(&n)
	} else {
		err = s.db.QueryRow(
			`SELECT COUNT(*) FROM incidents WHERE type = ? AND ts >= ?`,
			incType, cutoff,
		).Scan(&n)
	}
	return n, err
}

// ListAffectedAgents returns the distinct agent ids touched by incidents of
// the given type within the window.
func (s *SQLiteStore) ListAffectedAgents(incType, chain string, window time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-window).UnixNano()
	var rows *sql.Rows
	var err error
	if chain != "" {
		rows, err = s.db.Query(
			`SELECT DISTINCT agent_id FROM incidents
			 WHERE type = ? AND chain = ? AND ts >= ? AND agent_id != ''`,
			incType, chain, cutoff,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT DISTINCT agent_id FROM incidents
			 WHERE type = ? AND ts >= ? AND agent_id != ''`,
			incType, cutoff,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return agents, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// SaveEscalation upserts an escalation for the audit trail. Resolved
// escalations stay queryable here after leaving the active index.
func (s *SQLiteStore) SaveEscalation(esc *model.Escalation) error {
	payload, err := json.Marshal(esc)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO escalations (id, ts, urgency, status, payload)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, payload = excluded.payload`,
		esc.ID, esc.CreatedAt.UnixNano(), string(esc.Urgency), string(esc.Status), string(payload),
	)
	return err
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
