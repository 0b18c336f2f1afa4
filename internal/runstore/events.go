package runstore

import (
	"encoding/json"
	"time"

	"github.com/danshapiro/talespin/internal/gameproject"
)

// Event types appended by the pipeline and the API layer.
const (
	EventPlayerInput   = "player_input"
	EventModuleTrace   = "module_trace"
	EventCommittedDiff = "committed_diff"
)

// Event is one append-only row from the events table.
type Event struct {
	ID        int64           `json:"id"`
	Turn      int             `json:"turn"`
	Type      string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AppendEvent inserts one event row. Events are never updated or deleted.
func (s *Store) AppendEvent(turn int, eventType string, payload any) error {
	body, err := marshalJSON("encode event payload", payload)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO events (turn, event_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		turn, eventType, body, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return storeErr("append event", err)
	}
	return nil
}

// ListEvents returns all events ordered by (turn, id), the fold order used by
// the session-state projection.
func (s *Store) ListEvents() ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, turn, event_type, payload, created_at FROM events ORDER BY turn ASC, id ASC`)
	if err != nil {
		return nil, storeErr("list events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			payload string
			created string
		)
		if err := rows.Scan(&e.ID, &e.Turn, &e.Type, &payload, &created); err != nil {
			return nil, storeErr("scan event", err)
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list events", err)
	}
	return events, nil
}

// Snapshot is one row from the snapshots table.
type Snapshot struct {
	ID         int64           `json:"id"`
	Turn       int             `json:"turn"`
	WorldState json.RawMessage `json:"worldState"`
	ViewState  json.RawMessage `json:"viewState"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// AppendSnapshot inserts one snapshot row for the given turn.
func (s *Store) AppendSnapshot(turn int, worldState, viewState any) error {
	world, err := marshalJSON("encode world state", worldState)
	if err != nil {
		return err
	}
	view, err := marshalJSON("encode view state", viewState)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO snapshots (turn, world_state, view_state, created_at) VALUES (?, ?, ?, ?)`,
		turn, world, view, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return storeErr("append snapshot", err)
	}
	return nil
}

// MaxSnapshotTurn returns the highest snapshot turn, or -1 when the table is
// empty. An initialized run always has the turn-0 seed snapshot.
func (s *Store) MaxSnapshotTurn() (int, error) {
	var max int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(turn), -1) FROM snapshots`).Scan(&max); err != nil {
		return 0, storeErr("max snapshot turn", err)
	}
	return max, nil
}

// SnapshotCount returns how many snapshots exist for the given turn.
func (s *Store) SnapshotCount(turn int) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE turn = ?`, turn).Scan(&n); err != nil {
		return 0, storeErr("count snapshots", err)
	}
	return n, nil
}

// LoreRow is one seeded lore record.
type LoreRow struct {
	Subject   string    `json:"subject"`
	Data      string    `json:"data"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
}

// SeedLore inserts lore entries, ignoring subjects that already exist so
// re-initialization never clobbers a run's lore.
func (s *Store) SeedLore(entries []gameproject.LoreEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return storeErr("seed lore", err)
	}
	now := time.Now().UTC().Format(timeFormat)
	for _, e := range entries {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO lore (subject, data, source, created_at) VALUES (?, ?, ?, ?)`,
			e.Subject, e.Data, e.Source, now); err != nil {
			_ = tx.Rollback()
			return storeErr("seed lore", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("seed lore", err)
	}
	return nil
}

// LoreEntries returns all lore rows ordered by subject.
func (s *Store) LoreEntries() ([]LoreRow, error) {
	rows, err := s.db.Query(`SELECT subject, data, source, created_at FROM lore ORDER BY subject ASC`)
	if err != nil {
		return nil, storeErr("list lore", err)
	}
	defer func() { _ = rows.Close() }()

	var out []LoreRow
	for rows.Next() {
		var (
			r       LoreRow
			created string
		)
		if err := rows.Scan(&r.Subject, &r.Data, &r.Source, &created); err != nil {
			return nil, storeErr("scan lore", err)
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list lore", err)
	}
	return out, nil
}
