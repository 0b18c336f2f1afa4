package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/danshapiro/talespin/internal/contract"
	"github.com/danshapiro/talespin/internal/gameproject"
	"github.com/danshapiro/talespin/internal/pipeline"
	"github.com/danshapiro/talespin/internal/projection"
	"github.com/danshapiro/talespin/internal/registry"
	"github.com/danshapiro/talespin/internal/runstore"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message, requestID string, details map[string]any) {
	writeJSON(w, status, ErrorResponse{Error: APIError{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Details:   details,
	}})
}

func (s *Server) projectDir(projectID string) string {
	return filepath.Join(s.config.GameProjectsRoot, projectID)
}

// resolverFor builds the role resolver for one project: manifest binding
// first, then environment, then the per-role default.
func (s *Server) resolverFor(projectID string) pipeline.Resolver {
	manifest, err := gameproject.LoadManifest(s.projectDir(projectID), projectID)
	return func(role contract.ModuleRole) (string, error) {
		if err != nil {
			return "", fmt.Errorf("load manifest for %s: %w", projectID, err)
		}
		return registry.Resolve(role, manifest.Binding(string(role)), s.config.EnvLookup)
	}
}

// openRun resolves a run's owning project by directory scan and opens its
// store. The caller closes the store.
func (s *Server) openRun(runID string) (*runstore.Store, error) {
	projectID, _, err := runstore.ResolveRunLocation(s.config.GameProjectsRoot, runID)
	if err != nil {
		return nil, err
	}
	return runstore.Open(s.config.GameProjectsRoot, projectID, runID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleGetGameProject(w http.ResponseWriter, r *http.Request) {
	requestID := pipeline.NewRequestID()
	projectID := r.PathValue("id")

	if _, err := os.Stat(s.projectDir(projectID)); err != nil {
		writeError(w, http.StatusNotFound, codeGameProjectNotFound,
			fmt.Sprintf("game project %q not found", projectID), requestID, nil)
		return
	}
	manifest, err := gameproject.LoadManifest(s.projectDir(projectID), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeStoreFailure,
			fmt.Sprintf("load manifest: %v", err), requestID, nil)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	requestID := pipeline.NewRequestID()
	projectID := r.PathValue("id")

	if _, err := os.Stat(s.projectDir(projectID)); err != nil {
		writeError(w, http.StatusNotFound, codeGameProjectNotFound,
			fmt.Sprintf("game project %q not found", projectID), requestID, nil)
		return
	}
	sessions, err := runstore.ListSessions(s.config.GameProjectsRoot, projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeSessionListFailed,
			fmt.Sprintf("list sessions: %v", err), requestID, nil)
		return
	}
	if sessions == nil {
		sessions = []runstore.Session{}
	}
	writeJSON(w, http.StatusOK, SessionsResponse{GameProjectID: projectID, Sessions: sessions})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	requestID := pipeline.NewRequestID()
	projectID := s.config.GameProjectID

	if _, err := os.Stat(s.projectDir(projectID)); err != nil {
		writeError(w, http.StatusNotFound, codeGameProjectNotFound,
			fmt.Sprintf("game project %q not found", projectID), requestID, nil)
		return
	}
	manifest, err := gameproject.LoadManifest(s.projectDir(projectID), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeRunStartFailed,
			fmt.Sprintf("load manifest: %v", err), requestID, nil)
		return
	}
	lore, err := gameproject.LoadCorpus(s.projectDir(projectID), manifest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeRunStartFailed,
			fmt.Sprintf("load lore corpus: %v", err), requestID, nil)
		return
	}

	runID := pipeline.NewRequestID()
	store, err := runstore.Initialize(s.config.GameProjectsRoot, projectID, runID, lore)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeRunStartFailed,
			fmt.Sprintf("initialize run: %v", err), requestID, nil)
		return
	}
	defer func() { _ = store.Close() }()

	s.logger.Printf("started run %s in project %s", runID, projectID)
	writeJSON(w, http.StatusOK, StartRunResponse{RunID: runID, GameProject: projectID})
}

func (s *Server) handleRunState(w http.ResponseWriter, r *http.Request) {
	requestID := pipeline.NewRequestID()
	runID := r.PathValue("runId")

	store, err := s.openRun(runID)
	if err != nil {
		s.writeStoreOpenError(w, runID, requestID, err)
		return
	}
	defer func() { _ = store.Close() }()

	state, err := projection.SessionStateOf(store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeStoreFailure,
			fmt.Sprintf("project session state: %v", err), requestID, nil)
		return
	}
	writeJSON(w, http.StatusOK, RunStateResponse{
		RunID:         runID,
		GameProjectID: store.GameProjectID(),
		Messages:      state.Messages,
		DebugEntries:  state.DebugEntries,
		NextTurn:      state.NextTurn,
	})
}

func (s *Server) handleTurnPipeline(w http.ResponseWriter, r *http.Request) {
	requestID := pipeline.NewRequestID()
	runID := r.PathValue("runId")

	turn, err := strconv.Atoi(r.PathValue("turn"))
	if err != nil || turn < 1 {
		writeError(w, http.StatusBadRequest, codeInvalidTurnIndex,
			"turn must be a positive integer", requestID, nil)
		return
	}

	store, err := s.openRun(runID)
	if err != nil {
		s.writeStoreOpenError(w, runID, requestID, err)
		return
	}
	defer func() { _ = store.Close() }()

	exec, err := store.GetTurnExecution(turn)
	if err != nil && !errors.Is(err, runstore.ErrExecutionNotFound) {
		writeError(w, http.StatusInternalServerError, codeStoreFailure,
			fmt.Sprintf("load execution: %v", err), requestID, nil)
		return
	}
	events, err := store.ListPipelineEvents(turn)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeStoreFailure,
			fmt.Sprintf("load pipeline events: %v", err), requestID, nil)
		return
	}
	if events == nil {
		events = []contract.PipelineEvent{}
	}
	writeJSON(w, http.StatusOK, PipelineResponse{RunID: runID, Turn: turn, Execution: exec, Events: events})
}

func (s *Server) handleOpenSavedFolder(w http.ResponseWriter, r *http.Request) {
	requestID := pipeline.NewRequestID()
	runID := r.PathValue("runId")

	projectID, dbPath, err := runstore.ResolveRunLocation(s.config.GameProjectsRoot, runID)
	if err != nil {
		s.writeStoreOpenError(w, runID, requestID, err)
		return
	}
	openedPath, err := filepath.Abs(filepath.Dir(dbPath))
	if err != nil {
		openedPath = filepath.Dir(dbPath)
	}
	s.logger.Printf("resolved saved folder for run %s (project %s)", runID, projectID)
	writeJSON(w, http.StatusOK, OpenSavedFolderResponse{OK: true, RunID: runID, OpenedPath: openedPath})
}

func (s *Server) handleProcessTurn(w http.ResponseWriter, r *http.Request) {
	requestID := pipeline.NewRequestID()

	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadTurnRequest,
			fmt.Sprintf("invalid request body: %v", err), requestID, nil)
		return
	}
	turn, ok := s.validateTurnRequest(w, requestID, req.RunID, req.Turn, req.PlayerInput, req.PlayerID)
	if !ok {
		return
	}

	store, err := s.openRun(req.RunID)
	if err != nil {
		s.writeStoreOpenError(w, req.RunID, requestID, err)
		return
	}
	defer func() { _ = store.Close() }()

	if !s.checkNoForeignExecution(w, store, turn, requestID) {
		return
	}
	if !s.checkTurnSequence(w, store, turn, requestID) {
		return
	}

	driver := pipeline.New(store, s.config.Client, s.resolverFor(store.GameProjectID()))
	trace, err := driver.RunTurn(r.Context(), pipeline.TurnRequest{
		Turn:        turn,
		PlayerInput: req.PlayerInput,
		PlayerID:    req.PlayerID,
		RequestID:   requestID,
	})
	if err != nil {
		s.writeTurnError(w, store, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

func (s *Server) handleStepStart(w http.ResponseWriter, r *http.Request) {
	requestID := pipeline.NewRequestID()

	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadTurnRequest,
			fmt.Sprintf("invalid request body: %v", err), requestID, nil)
		return
	}
	turn, ok := s.validateTurnRequest(w, requestID, req.RunID, req.Turn, req.PlayerInput, req.PlayerID)
	if !ok {
		return
	}

	store, err := s.openRun(req.RunID)
	if err != nil {
		s.writeStoreOpenError(w, req.RunID, requestID, err)
		return
	}
	defer func() { _ = store.Close() }()

	if !s.checkNoForeignExecution(w, store, turn, requestID) {
		return
	}
	if !s.checkTurnSequence(w, store, turn, requestID) {
		return
	}

	driver := pipeline.New(store, s.config.Client, s.resolverFor(store.GameProjectID()))
	res, err := driver.StartStep(r.Context(), pipeline.TurnRequest{
		Turn:        turn,
		PlayerInput: req.PlayerInput,
		PlayerID:    req.PlayerID,
		RequestID:   requestID,
	})
	if err != nil {
		s.writeTurnError(w, store, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, stepResponse(req.RunID, turn, res))
}

func (s *Server) handleStepNext(w http.ResponseWriter, r *http.Request) {
	requestID := pipeline.NewRequestID()

	var req StepNextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadTurnRequest,
			fmt.Sprintf("invalid request body: %v", err), requestID, nil)
		return
	}
	if strings.TrimSpace(req.RunID) == "" {
		writeError(w, http.StatusBadRequest, codeBadTurnRequest, "runId is required", requestID, nil)
		return
	}
	turn, ok := parseTurn(req.Turn)
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidTurnIndex,
			"turn must be a positive integer", requestID, nil)
		return
	}

	store, err := s.openRun(req.RunID)
	if err != nil {
		s.writeStoreOpenError(w, req.RunID, requestID, err)
		return
	}
	defer func() { _ = store.Close() }()

	driver := pipeline.New(store, s.config.Client, s.resolverFor(store.GameProjectID()))
	res, err := driver.AdvanceStep(r.Context(), turn)
	if err != nil {
		if errors.Is(err, runstore.ErrExecutionNotFound) {
			writeError(w, http.StatusNotFound, codeStepExecutionNotFound,
				fmt.Sprintf("no step execution for turn %d", turn), requestID, nil)
			return
		}
		s.writeTurnError(w, store, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, stepResponse(req.RunID, turn, res))
}

func stepResponse(runID string, turn int, res *pipeline.StepResult) StepResponse {
	return StepResponse{
		RunID:          runID,
		Turn:           turn,
		Execution:      res.Execution,
		PipelineEvents: res.PipelineEvents,
		Result:         res.Result,
	}
}

// validateTurnRequest enforces the shared shape of /turn and /turn/step/start
// bodies, writing the error response itself on failure.
func (s *Server) validateTurnRequest(w http.ResponseWriter, requestID, runID string, rawTurn json.RawMessage, playerInput, playerID string) (int, bool) {
	if strings.TrimSpace(runID) == "" {
		writeError(w, http.StatusBadRequest, codeBadTurnRequest, "runId is required", requestID, nil)
		return 0, false
	}
	if strings.TrimSpace(playerInput) == "" {
		writeError(w, http.StatusBadRequest, codeBadTurnRequest, "playerInput is required", requestID, nil)
		return 0, false
	}
	if strings.TrimSpace(playerID) == "" {
		writeError(w, http.StatusBadRequest, codeBadTurnRequest, "playerId is required", requestID, nil)
		return 0, false
	}
	if len(rawTurn) == 0 {
		writeError(w, http.StatusBadRequest, codeBadTurnRequest, "turn is required", requestID, nil)
		return 0, false
	}
	turn, ok := parseTurn(rawTurn)
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidTurnIndex,
			"turn must be a positive integer", requestID, nil)
		return 0, false
	}
	return turn, true
}

// parseTurn accepts only a positive JSON integer.
func parseTurn(raw json.RawMessage) (int, bool) {
	var turn int
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	turn = int(v)
	if turn < 1 {
		return 0, false
	}
	return turn, true
}

// checkNoForeignExecution rejects a turn submission while a different turn's
// execution is still running. Resuming the active turn itself is allowed.
func (s *Server) checkNoForeignExecution(w http.ResponseWriter, store *runstore.Store, turn int, requestID string) bool {
	active, err := store.ActiveExecution()
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeStoreFailure,
			fmt.Sprintf("check active execution: %v", err), requestID, nil)
		return false
	}
	if active != nil && active.Turn != turn {
		writeError(w, http.StatusConflict, codeStepExecutionConflict,
			fmt.Sprintf("turn %d execution is still running", active.Turn), requestID,
			map[string]any{"activeTurn": active.Turn})
		return false
	}
	return true
}

// checkTurnSequence enforces turn monotonicity, writing the 409 itself when
// the submitted index is not the expected one.
func (s *Server) checkTurnSequence(w http.ResponseWriter, store *runstore.Store, turn int, requestID string) bool {
	expected, err := projection.ExpectedTurn(store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeStoreFailure,
			fmt.Sprintf("determine expected turn: %v", err), requestID, nil)
		return false
	}
	if turn != expected {
		writeError(w, http.StatusConflict, codeTurnSequenceConflict,
			fmt.Sprintf("expected turn %d, received %d", expected, turn), requestID,
			map[string]any{"expectedTurn": expected, "receivedTurn": turn})
		return false
	}
	return true
}

func (s *Server) writeStoreOpenError(w http.ResponseWriter, runID, requestID string, err error) {
	if errors.Is(err, runstore.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, codeRunNotFound,
			fmt.Sprintf("run %q not found", runID), requestID, nil)
		return
	}
	writeError(w, http.StatusInternalServerError, codeStoreFailure,
		fmt.Sprintf("open run store: %v", err), requestID, nil)
}

// writeTurnError maps pipeline failures onto the error envelope.
func (s *Server) writeTurnError(w http.ResponseWriter, store *runstore.Store, requestID string, err error) {
	if errors.Is(err, runstore.ErrExecutionActive) || errors.Is(err, runstore.ErrExecutionExists) {
		details := map[string]any{}
		if active, activeErr := store.ActiveExecution(); activeErr == nil && active != nil {
			details["activeTurn"] = active.Turn
		}
		writeError(w, http.StatusConflict, codeStepExecutionConflict,
			err.Error(), requestID, details)
		return
	}
	var se *pipeline.StageError
	if errors.As(err, &se) {
		writeError(w, http.StatusInternalServerError, codeTurnProcessingFailed,
			se.Error(), requestID, map[string]any{"stage": se.StageName})
		return
	}
	var serr *runstore.StoreError
	if errors.As(err, &serr) {
		writeError(w, http.StatusInternalServerError, codeStoreFailure, err.Error(), requestID, nil)
		return
	}
	writeError(w, http.StatusInternalServerError, codeTurnProcessingFailed, err.Error(), requestID, nil)
}
