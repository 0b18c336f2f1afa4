package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danshapiro/talespin/internal/contract"
)

// Execution modes. Normal runs all stages in one call; step pauses between
// stages and advances under caller control.
const (
	ModeNormal = "normal"
	ModeStep   = "step"
)

// TurnExecution is the mutable per-turn checkpoint row. Only cursor,
// checkpoint, completed, result, and updated_at ever change after insert.
type TurnExecution struct {
	RunID         string          `json:"runId"`
	Turn          int             `json:"turn"`
	Mode          string          `json:"mode"`
	Cursor        int             `json:"cursor"`
	Completed     bool            `json:"completed"`
	PlayerInput   string          `json:"playerInput"`
	PlayerID      string          `json:"playerId"`
	RequestID     string          `json:"requestId"`
	GameProjectID string          `json:"gameProjectId"`
	Checkpoint    json.RawMessage `json:"checkpoint"`
	Result        json.RawMessage `json:"result,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// CreateTurnExecution inserts a fresh execution row with cursor 0. It fails
// with ErrExecutionExists when (runID, turn) is already present and with
// ErrExecutionActive when an uncompleted execution for any other turn exists.
func (s *Store) CreateTurnExecution(exec TurnExecution) error {
	if exec.RunID == "" {
		exec.RunID = s.runID
	}
	if exec.GameProjectID == "" {
		exec.GameProjectID = s.gameProjectID
	}
	if len(exec.Checkpoint) == 0 {
		exec.Checkpoint = json.RawMessage("{}")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return storeErr("create execution", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM turn_execution WHERE run_id = ? AND turn = ?`,
		exec.RunID, exec.Turn).Scan(&n); err != nil {
		return storeErr("create execution", err)
	}
	if n > 0 {
		return ErrExecutionExists
	}

	var activeTurn int
	err = tx.QueryRow(
		`SELECT turn FROM turn_execution WHERE run_id = ? AND completed = 0 ORDER BY turn ASC LIMIT 1`,
		exec.RunID).Scan(&activeTurn)
	switch {
	case err == nil:
		return fmt.Errorf("%w: turn %d", ErrExecutionActive, activeTurn)
	case !errors.Is(err, sql.ErrNoRows):
		return storeErr("create execution", err)
	}

	now := time.Now().UTC().Format(timeFormat)
	if _, err := tx.Exec(
		`INSERT INTO turn_execution
			(run_id, turn, mode, cursor, completed, player_input, player_id,
			 request_id, game_project_id, checkpoint, result, created_at, updated_at)
		 VALUES (?, ?, ?, 0, 0, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		exec.RunID, exec.Turn, exec.Mode, exec.PlayerInput, exec.PlayerID,
		exec.RequestID, exec.GameProjectID, string(exec.Checkpoint), now, now); err != nil {
		return storeErr("create execution", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("create execution", err)
	}
	return nil
}

// GetTurnExecution loads the execution row for a turn.
func (s *Store) GetTurnExecution(turn int) (*TurnExecution, error) {
	row := s.db.QueryRow(
		`SELECT run_id, turn, mode, cursor, completed, player_input, player_id,
			request_id, game_project_id, checkpoint, result, created_at, updated_at
		 FROM turn_execution WHERE run_id = ? AND turn = ?`, s.runID, turn)
	return scanExecution(row)
}

// ActiveExecution returns the uncompleted execution row for this run, or nil.
func (s *Store) ActiveExecution() (*TurnExecution, error) {
	row := s.db.QueryRow(
		`SELECT run_id, turn, mode, cursor, completed, player_input, player_id,
			request_id, game_project_id, checkpoint, result, created_at, updated_at
		 FROM turn_execution WHERE run_id = ? AND completed = 0 ORDER BY turn ASC LIMIT 1`, s.runID)
	exec, err := scanExecution(row)
	if errors.Is(err, ErrExecutionNotFound) {
		return nil, nil
	}
	return exec, err
}

func scanExecution(row *sql.Row) (*TurnExecution, error) {
	var (
		exec       TurnExecution
		completed  int
		checkpoint string
		result     sql.NullString
		created    string
		updated    string
	)
	err := row.Scan(&exec.RunID, &exec.Turn, &exec.Mode, &exec.Cursor, &completed,
		&exec.PlayerInput, &exec.PlayerID, &exec.RequestID, &exec.GameProjectID,
		&checkpoint, &result, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, storeErr("scan execution", err)
	}
	exec.Completed = completed != 0
	exec.Checkpoint = json.RawMessage(checkpoint)
	if result.Valid {
		exec.Result = json.RawMessage(result.String)
	}
	exec.CreatedAt = parseTime(created)
	exec.UpdatedAt = parseTime(updated)
	return &exec, nil
}

// UpdateTurnExecutionProgress advances the execution row. The cursor is
// monotonic: moving it backwards is a store error. Completed rows are
// terminal and reject further updates.
func (s *Store) UpdateTurnExecutionProgress(turn, cursor int, checkpoint json.RawMessage, completed bool, result json.RawMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storeErr("update execution", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		curCursor    int
		curCompleted int
	)
	err = tx.QueryRow(
		`SELECT cursor, completed FROM turn_execution WHERE run_id = ? AND turn = ?`,
		s.runID, turn).Scan(&curCursor, &curCompleted)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrExecutionNotFound
	}
	if err != nil {
		return storeErr("update execution", err)
	}
	if curCompleted != 0 {
		return storeErr("update execution", fmt.Errorf("turn %d is already completed", turn))
	}
	if cursor < curCursor {
		return storeErr("update execution",
			fmt.Errorf("cursor may not move backwards: %d -> %d", curCursor, cursor))
	}

	if len(checkpoint) == 0 {
		checkpoint = json.RawMessage("{}")
	}
	var resultArg any
	if len(result) > 0 {
		resultArg = string(result)
	}
	completedInt := 0
	if completed {
		completedInt = 1
	}
	if _, err := tx.Exec(
		`UPDATE turn_execution
		 SET cursor = ?, checkpoint = ?, completed = ?, result = COALESCE(?, result), updated_at = ?
		 WHERE run_id = ? AND turn = ?`,
		cursor, string(checkpoint), completedInt, resultArg,
		time.Now().UTC().Format(timeFormat), s.runID, turn); err != nil {
		return storeErr("update execution", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("update execution", err)
	}
	return nil
}

// AppendPipelineEvent durably records one pipeline event. Step numbers for a
// turn must be contiguous from 1: the event's step number has to equal one
// plus the count of rows already stored for (runID, turn).
func (s *Store) AppendPipelineEvent(turn int, ev contract.PipelineEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return storeErr("encode pipeline event", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return storeErr("append pipeline event", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM pipeline_events WHERE run_id = ? AND turn = ?`,
		s.runID, turn).Scan(&n); err != nil {
		return storeErr("append pipeline event", err)
	}
	if ev.StepNumber != n+1 {
		return storeErr("append pipeline event",
			fmt.Errorf("non-contiguous step number %d for turn %d, want %d", ev.StepNumber, turn, n+1))
	}

	if _, err := tx.Exec(
		`INSERT INTO pipeline_events (run_id, turn, step_number, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		s.runID, turn, ev.StepNumber, string(payload),
		time.Now().UTC().Format(timeFormat)); err != nil {
		return storeErr("append pipeline event", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("append pipeline event", err)
	}
	return nil
}

// ListPipelineEvents returns a turn's pipeline events ordered by step number.
func (s *Store) ListPipelineEvents(turn int) ([]contract.PipelineEvent, error) {
	rows, err := s.db.Query(
		`SELECT payload FROM pipeline_events WHERE run_id = ? AND turn = ? ORDER BY step_number ASC`,
		s.runID, turn)
	if err != nil {
		return nil, storeErr("list pipeline events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []contract.PipelineEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, storeErr("scan pipeline event", err)
		}
		var ev contract.PipelineEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, storeErr("decode pipeline event", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list pipeline events", err)
	}
	return events, nil
}

// CountPipelineEvents returns how many pipeline events a turn has.
func (s *Store) CountPipelineEvents(turn int) (int, error) {
	var n int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pipeline_events WHERE run_id = ? AND turn = ?`,
		s.runID, turn).Scan(&n); err != nil {
		return 0, storeErr("count pipeline events", err)
	}
	return n, nil
}
