// Package runstore owns the per-run durable state: a single-file SQLite
// database holding append-only events, snapshots, the lore seed, pipeline
// events, and the mutable turn_execution checkpoints. One store per run;
// writes are serialized through a single connection in WAL mode.
package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/danshapiro/talespin/internal/gameproject"
)

// DBFileName is the database file inside each run directory.
const DBFileName = "world_state.db"

const timeFormat = time.RFC3339Nano

// Sentinel errors callers branch on with errors.Is.
var (
	ErrExecutionExists   = errors.New("turn execution already exists")
	ErrExecutionActive   = errors.New("another turn execution is still running")
	ErrExecutionNotFound = errors.New("turn execution not found")
	ErrRunNotFound       = errors.New("run not found")
)

// StoreError wraps any I/O or SQL failure. The pipeline treats these as fatal
// for the turn; nothing is partially committed past one.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("runstore: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// RunDir returns <root>/<gameProjectID>/saved/<runID>.
func RunDir(root, gameProjectID, runID string) string {
	return filepath.Join(root, gameProjectID, "saved", runID)
}

// DBPath returns the database file path for a run.
func DBPath(root, gameProjectID, runID string) string {
	return filepath.Join(RunDir(root, gameProjectID, runID), DBFileName)
}

// Store is an open handle on one run's database.
type Store struct {
	db            *sql.DB
	runID         string
	gameProjectID string
}

// RunID returns the run this store belongs to.
func (s *Store) RunID() string { return s.runID }

// GameProjectID returns the owning game project.
func (s *Store) GameProjectID() string { return s.gameProjectID }

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return storeErr("close", err)
	}
	return nil
}

func openDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One writer connection per handle; WAL readers do not block it.
	db.SetMaxOpenConns(1)
	return db, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	turn       INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_turn ON events(turn, id);
CREATE TABLE IF NOT EXISTS snapshots (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	turn        INTEGER NOT NULL,
	world_state TEXT NOT NULL,
	view_state  TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS lore (
	subject    TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS turn_execution (
	run_id          TEXT NOT NULL,
	turn            INTEGER NOT NULL,
	mode            TEXT NOT NULL,
	cursor          INTEGER NOT NULL DEFAULT 0,
	completed       INTEGER NOT NULL DEFAULT 0,
	player_input    TEXT NOT NULL DEFAULT '',
	player_id       TEXT NOT NULL DEFAULT '',
	request_id      TEXT NOT NULL DEFAULT '',
	game_project_id TEXT NOT NULL DEFAULT '',
	checkpoint      TEXT NOT NULL DEFAULT '{}',
	result          TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	PRIMARY KEY (run_id, turn)
);
CREATE TABLE IF NOT EXISTS pipeline_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	turn        INTEGER NOT NULL,
	step_number INTEGER NOT NULL,
	payload     TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	UNIQUE (run_id, turn, step_number)
);
`

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(schemaDDL)
	return err
}

// Initialize creates the run directory and database, ensures the schema,
// writes run identity into meta, inserts the seed snapshot at turn 0, and
// seeds the lore table. Safe to call on an already-initialized run.
func Initialize(root, gameProjectID, runID string, lore []gameproject.LoreEntry) (*Store, error) {
	dir := RunDir(root, gameProjectID, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storeErr("create run dir", err)
	}
	db, err := openDB(filepath.Join(dir, DBFileName))
	if err != nil {
		return nil, storeErr("open", err)
	}
	s := &Store{db: db, runID: runID, gameProjectID: gameProjectID}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, storeErr("ensure schema", err)
	}
	if err := s.initializeContents(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.SeedLore(lore); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initializeContents() error {
	now := time.Now().UTC().Format(timeFormat)
	for _, kv := range [][2]string{
		{"run_id", s.runID},
		{"game_project_id", s.gameProjectID},
		{"created_at", now},
	} {
		if _, err := s.db.Exec(
			`INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)`, kv[0], kv[1]); err != nil {
			return storeErr("write meta", err)
		}
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE turn = 0`).Scan(&n); err != nil {
		return storeErr("check seed snapshot", err)
	}
	if n > 0 {
		return nil
	}
	world := map[string]any{
		"gameProjectId": s.gameProjectID,
		"entities":      []any{},
		"facts":         []any{},
		"anchors":       []any{},
	}
	view := map[string]any{
		"player": map[string]any{"observations": []any{}},
	}
	return s.AppendSnapshot(0, world, view)
}

// Open opens an existing run database and ensures the schema. The database
// file must already exist; missing runs are ErrRunNotFound.
func Open(root, gameProjectID, runID string) (*Store, error) {
	path := DBPath(root, gameProjectID, runID)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRunNotFound
		}
		return nil, storeErr("stat", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, storeErr("open", err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, storeErr("ensure schema", err)
	}
	return &Store{db: db, runID: runID, gameProjectID: gameProjectID}, nil
}

func marshalJSON(op string, v any) (string, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return "null", nil
		}
		return string(raw), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", storeErr(op, err)
	}
	return string(b), nil
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeFormat, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
