// Package store persists fusion output: emitted incidents and the decaying
// per-device risk score. Both live in one sqlite file owned by the fusion
// process.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"
)

// RiskCap is the ceiling a device score saturates at.
const RiskCap = 100.0

// Incident is a correlated finding. IncidentID is derived from the matched
// content, so re-processing the same events yields the same row.
type Incident struct {
	IncidentID    string   `json:"incident_id"`
	RuleID        string   `json:"rule_id"`
	Severity      string   `json:"severity"`
	DeviceID      string   `json:"device_id"`
	Summary       string   `json:"summary"`
	WindowStartNS int64    `json:"window_start_ns"`
	WindowEndNS   int64    `json:"window_end_ns"`
	EventIDs      []string `json:"event_ids"`
	Tactics       []string `json:"tactics,omitempty"`
	Techniques    []string `json:"techniques,omitempty"`
	CreatedNS     int64    `json:"created_ns"`
}

// Store is the fusion database handle.
type Store struct {
	db       *sql.DB
	halfLife time.Duration
	weights  map[string]float64
	clock    func() time.Time
}

// Open creates or opens the fusion store at path.
func Open(path string, halfLife time.Duration, weights map[string]float64) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, halfLife: halfLife, weights: weights, clock: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// WithClock overrides the wall clock, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.clock = now
	return s
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS incidents (
		incident_id     TEXT PRIMARY KEY,
		rule_id         TEXT NOT NULL,
		severity        TEXT NOT NULL,
		device_id       TEXT NOT NULL,
		summary         TEXT NOT NULL,
		window_start_ns INTEGER NOT NULL,
		window_end_ns   INTEGER NOT NULL,
		event_ids       TEXT NOT NULL,
		tactics         TEXT NOT NULL,
		techniques      TEXT NOT NULL,
		created_ns      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_ns DESC);
	CREATE TABLE IF NOT EXISTS device_risk (
		device_id  TEXT PRIMARY KEY,
		score      REAL NOT NULL,
		updated_ns INTEGER NOT NULL
	);`)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Insert writes an incident. Re-inserting a known incident id is a silent
// no-op; the returned bool reports whether the row is new.
func (s *Store) Insert(inc *Incident) (bool, error) {
	eventIDs, err := json.Marshal(inc.EventIDs)
	if err != nil {
		return false, fmt.Errorf("store: marshal event ids: %w", err)
	}
	tactics, err := json.Marshal(inc.Tactics)
	if err != nil {
		return false, fmt.Errorf("store: marshal tactics: %w", err)
	}
	techniques, err := json.Marshal(inc.Techniques)
	if err != nil {
		return false, fmt.Errorf("store: marshal techniques: %w", err)
	}
	res, err := s.db.Exec(`
	INSERT INTO incidents
		(incident_id, rule_id, severity, device_id, summary,
		 window_start_ns, window_end_ns, event_ids, tactics, techniques, created_ns)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(incident_id) DO NOTHING`,
		inc.IncidentID, inc.RuleID, inc.Severity, inc.DeviceID, inc.Summary,
		inc.WindowStartNS, inc.WindowEndNS, string(eventIDs), string(tactics),
		string(techniques), s.clock().UnixNano())
	if err != nil {
		return false, fmt.Errorf("store: insert incident: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListRecent returns up to limit incidents, newest first.
func (s *Store) ListRecent(limit int) ([]*Incident, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
	SELECT incident_id, rule_id, severity, device_id, summary,
	       window_start_ns, window_end_ns, event_ids, tactics, techniques, created_ns
	FROM incidents ORDER BY created_ns DESC, incident_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*Incident
	for rows.Next() {
		var inc Incident
		var eventIDs, tactics, techniques string
		if err := rows.Scan(&inc.IncidentID, &inc.RuleID, &inc.Severity, &inc.DeviceID,
			&inc.Summary, &inc.WindowStartNS, &inc.WindowEndNS,
			&eventIDs, &tactics, &techniques, &inc.CreatedNS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(eventIDs), &inc.EventIDs); err != nil {
			return nil, fmt.Errorf("store: corrupt event ids for %s: %w", inc.IncidentID, err)
		}
		_ = json.Unmarshal([]byte(tactics), &inc.Tactics)
		_ = json.Unmarshal([]byte(techniques), &inc.Techniques)
		out = append(out, &inc)
	}
	return out, rows.Err()
}

// AddRisk folds one incident of the given severity into a device's score.
// The stored score is decayed to now first, then bumped by the severity
// weight and capped. Returns the new score.
func (s *Store) AddRisk(deviceID, severity string) (float64, error) {
	weight, ok := s.weights[severity]
	if !ok {
		return 0, fmt.Errorf("store: no risk weight for severity %q", severity)
	}
	now := s.clock()
	score, updated, err := s.rawRisk(deviceID)
	if err != nil {
		return 0, err
	}
	score = decay(score, updated, now, s.halfLife) + weight
	score = math.Min(score, RiskCap)
	_, err = s.db.Exec(`
	INSERT INTO device_risk (device_id, score, updated_ns) VALUES (?, ?, ?)
	ON CONFLICT(device_id) DO UPDATE SET score = excluded.score, updated_ns = excluded.updated_ns`,
		deviceID, score, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: update risk: %w", err)
	}
	return score, nil
}

// Risk returns the device's current score, decayed to now. Unknown devices
// score zero.
func (s *Store) Risk(deviceID string) (float64, error) {
	score, updated, err := s.rawRisk(deviceID)
	if err != nil {
		return 0, err
	}
	return decay(score, updated, s.clock(), s.halfLife), nil
}

func (s *Store) rawRisk(deviceID string) (float64, time.Time, error) {
	var score float64
	var updatedNS int64
	err := s.db.QueryRow(
		`SELECT score, updated_ns FROM device_risk WHERE device_id = ?`, deviceID).
		Scan(&score, &updatedNS)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("store: read risk: %w", err)
	}
	return score, time.Unix(0, updatedNS), nil
}

// decay applies exponential half-life decay between updated and now.
func decay(score float64, updated, now time.Time, halfLife time.Duration) float64 {
	if score == 0 || updated.IsZero() || !now.After(updated) || halfLife <= 0 {
		return score
	}
	elapsed := now.Sub(updated).Seconds()
	return score * math.Exp2(-elapsed/halfLife.Seconds())
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }
