// Package projection folds a run's append-only event log into the view the
// UI reads: ordered messages, debug trace entries, and the next accepted
// turn index.
package projection

import (
	"encoding/json"
	"time"

	"github.com/danshapiro/talespin/internal/runstore"
)

// Message is one chat line, either the player's input or the engine's
// narration for a turn.
type Message struct {
	Turn int    `json:"turn"`
	Role string `json:"role"`
	Text string `json:"text"`
}

// Message roles.
const (
	RolePlayer = "player"
	RoleEngine = "engine"
)

// DebugEntry carries a turn's full module trace for inspection tooling.
type DebugEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Turn      int             `json:"turn"`
	Trace     json.RawMessage `json:"trace"`
}

// SessionState is the projected read model of one run.
type SessionState struct {
	Messages     []Message    `json:"messages"`
	DebugEntries []DebugEntry `json:"debugEntries"`
	NextTurn     int          `json:"nextTurn"`
}

// SessionStateOf folds the store's events ordered by (turn, id). Player input
// contributes the player message; the module trace contributes the engine
// message and one debug entry. nextTurn is one past the highest snapshot.
func SessionStateOf(s *runstore.Store) (*SessionState, error) {
	events, err := s.ListEvents()
	if err != nil {
		return nil, err
	}

	state := &SessionState{
		Messages:     []Message{},
		DebugEntries: []DebugEntry{},
	}
	for _, e := range events {
		switch e.Type {
		case runstore.EventPlayerInput:
			var payload struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(e.Payload, &payload); err != nil {
				continue
			}
			state.Messages = append(state.Messages, Message{Turn: e.Turn, Role: RolePlayer, Text: payload.Text})
		case runstore.EventModuleTrace:
			var payload struct {
				NarrationText string `json:"narrationText"`
			}
			if err := json.Unmarshal(e.Payload, &payload); err != nil {
				continue
			}
			state.Messages = append(state.Messages, Message{Turn: e.Turn, Role: RoleEngine, Text: payload.NarrationText})
			state.DebugEntries = append(state.DebugEntries, DebugEntry{
				Timestamp: e.CreatedAt,
				Turn:      e.Turn,
				Trace:     e.Payload,
			})
		}
	}

	maxTurn, err := s.MaxSnapshotTurn()
	if err != nil {
		return nil, err
	}
	if maxTurn < 0 {
		state.NextTurn = 1
	} else {
		state.NextTurn = maxTurn + 1
	}
	return state, nil
}

// ExpectedTurn returns the only turn index the run will accept next.
func ExpectedTurn(s *runstore.Store) (int, error) {
	maxTurn, err := s.MaxSnapshotTurn()
	if err != nil {
		return 0, err
	}
	if maxTurn < 0 {
		return 1, nil
	}
	return maxTurn + 1, nil
}
