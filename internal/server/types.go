package server

import (
	"encoding/json"

	"github.com/danshapiro/talespin/internal/contract"
	"github.com/danshapiro/talespin/internal/projection"
	"github.com/danshapiro/talespin/internal/runstore"
)

// Error codes of the API envelope.
const (
	codeGameProjectNotFound   = "GAME_PROJECT_NOT_FOUND"
	codeSessionListFailed     = "SESSION_LIST_FAILED"
	codeRunStartFailed        = "RUN_START_FAILED"
	codeRunNotFound           = "RUN_NOT_FOUND"
	codeInvalidTurnIndex      = "INVALID_TURN_INDEX"
	codeBadTurnRequest        = "BAD_TURN_REQUEST"
	codeTurnSequenceConflict  = "TURN_SEQUENCE_CONFLICT"
	codeStepExecutionConflict = "STEP_EXECUTION_CONFLICT"
	codeStepExecutionNotFound = "STEP_EXECUTION_NOT_FOUND"
	codeTurnProcessingFailed  = "TURN_PROCESSING_FAILED"
	codeStoreFailure          = "STORE_FAILURE"
)

// APIError is the error body carried by the envelope.
type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"requestId"`
	Details   map[string]any `json:"details,omitempty"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// TurnRequest is the POST /turn and POST /turn/step/start body.
type TurnRequest struct {
	RunID       string          `json:"runId"`
	Turn        json.RawMessage `json:"turn"`
	PlayerInput string          `json:"playerInput"`
	PlayerID    string          `json:"playerId"`
}

// StepNextRequest is the POST /turn/step/next body.
type StepNextRequest struct {
	RunID string          `json:"runId"`
	Turn  json.RawMessage `json:"turn"`
}

// StartRunResponse is the POST /run/start body.
type StartRunResponse struct {
	RunID       string `json:"runId"`
	GameProject string `json:"gameProject"`
}

// SessionsResponse is the GET /game_projects/{id}/sessions body.
type SessionsResponse struct {
	GameProjectID string             `json:"gameProjectId"`
	Sessions      []runstore.Session `json:"sessions"`
}

// RunStateResponse is the GET /run/{runId}/state body.
type RunStateResponse struct {
	RunID         string                  `json:"runId"`
	GameProjectID string                  `json:"gameProjectId"`
	Messages      []projection.Message    `json:"messages"`
	DebugEntries  []projection.DebugEntry `json:"debugEntries"`
	NextTurn      int                     `json:"nextTurn"`
}

// PipelineResponse is the GET /run/{runId}/turn/{turn}/pipeline body.
type PipelineResponse struct {
	RunID     string                   `json:"runId"`
	Turn      int                      `json:"turn"`
	Execution *runstore.TurnExecution  `json:"execution"`
	Events    []contract.PipelineEvent `json:"events"`
}

// StepResponse is the body of both step endpoints. Result appears once the
// execution has completed.
type StepResponse struct {
	RunID          string                   `json:"runId"`
	Turn           int                      `json:"turn"`
	Execution      *runstore.TurnExecution  `json:"execution"`
	PipelineEvents []contract.PipelineEvent `json:"pipelineEvents"`
	Result         json.RawMessage          `json:"result,omitempty"`
}

// OpenSavedFolderResponse is the POST /run/{runId}/open-saved-folder body.
// The router resolves and reports the path; it does not shell out to a file
// manager.
type OpenSavedFolderResponse struct {
	OK         bool   `json:"ok"`
	RunID      string `json:"runId"`
	OpenedPath string `json:"openedPath"`
}
