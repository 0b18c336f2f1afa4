package pipeline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/danshapiro/talespin/internal/contract"
	"github.com/danshapiro/talespin/internal/runstore"
)

// ModuleInvoker posts one stage request to a module endpoint. Satisfied by
// modclient.Client.
type ModuleInvoker interface {
	Invoke(ctx context.Context, stage, endpoint string, request any) (*contract.Envelope, error)
}

// Resolver maps a module role to its base URL.
type Resolver func(role contract.ModuleRole) (string, error)

// StageError marks a turn failure at a specific stage. The execution row
// stays Running; a retry replays from the stored cursor and appends fresh
// pipeline events.
type StageError struct {
	StageName string
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.StageName, e.Err)
}
func (e *StageError) Unwrap() error { return e.Err }

// Driver executes turn pipelines against one open run store.
type Driver struct {
	store   *runstore.Store
	client  ModuleInvoker
	resolve Resolver
	now     func() time.Time
}

// New builds a driver for the given store, module client, and role resolver.
func New(store *runstore.Store, client ModuleInvoker, resolve Resolver) *Driver {
	return &Driver{store: store, client: client, resolve: resolve, now: time.Now}
}

// NewRequestID mints a ULID request identifier.
func NewRequestID() string {
	return ulid.Make().String()
}

// TurnRequest is one player turn submission.
type TurnRequest struct {
	Turn        int
	PlayerInput string
	PlayerID    string
	RequestID   string
}

func (d *Driver) runContext(req TurnRequest) contract.RunContext {
	return contract.RunContext{
		RequestID:     req.RequestID,
		RunID:         d.store.RunID(),
		GameProjectID: d.store.GameProjectID(),
		Turn:          req.Turn,
		PlayerID:      req.PlayerID,
		PlayerInput:   req.PlayerInput,
	}
}

// RunTurn executes the whole pipeline for one turn. When a Running execution
// row for the same turn already exists, it resumes from the stored cursor.
// On success the returned trace equals the persisted module_trace payload.
func (d *Driver) RunTurn(ctx context.Context, req TurnRequest) (*contract.TurnTrace, error) {
	if req.RequestID == "" {
		req.RequestID = NewRequestID()
	}
	exec, cp, err := d.beginTurn(req, runstore.ModeNormal)
	if err != nil {
		return nil, err
	}
	if exec.Completed {
		return nil, fmt.Errorf("turn %d is already completed", req.Turn)
	}

	rc := d.runContext(req)
	rc.RequestID = exec.RequestID
	rc.PlayerID = exec.PlayerID
	rc.PlayerInput = exec.PlayerInput

	var trace *contract.TurnTrace
	for cursor := exec.Cursor; cursor < contract.StageCount; cursor++ {
		trace, _, err = d.runStageAt(ctx, rc, cp, cursor)
		if err != nil {
			return nil, err
		}
	}
	return trace, nil
}

// beginTurn creates or resumes the execution row. A fresh row also records
// the player_input event and the synthetic frontend_input pipeline event.
func (d *Driver) beginTurn(req TurnRequest, mode string) (*runstore.TurnExecution, *contract.Checkpoint, error) {
	create := runstore.TurnExecution{
		Turn:        req.Turn,
		Mode:        mode,
		PlayerInput: req.PlayerInput,
		PlayerID:    req.PlayerID,
		RequestID:   req.RequestID,
	}
	err := d.store.CreateTurnExecution(create)
	switch {
	case err == nil:
		if err := d.store.AppendEvent(req.Turn, runstore.EventPlayerInput, map[string]any{
			"text":      req.PlayerInput,
			"playerId":  req.PlayerID,
			"requestId": req.RequestID,
		}); err != nil {
			return nil, nil, err
		}
		if err := d.appendFrontendInput(req); err != nil {
			return nil, nil, err
		}
	case errors.Is(err, runstore.ErrExecutionExists):
		// Resume path: the row, player_input event, and frontend_input event
		// already exist.
	default:
		return nil, nil, err
	}

	exec, err := d.store.GetTurnExecution(req.Turn)
	if err != nil {
		return nil, nil, err
	}
	cp, err := contract.DecodeCheckpoint(exec.Checkpoint)
	if err != nil {
		return nil, nil, &runstore.StoreError{Op: "decode checkpoint", Err: err}
	}
	return exec, cp, nil
}

func (d *Driver) appendFrontendInput(req TurnRequest) error {
	step, err := d.nextStep(req.Turn)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]any{"text": req.PlayerInput, "playerId": req.PlayerID})
	now := d.now().UTC()
	return d.store.AppendPipelineEvent(req.Turn, contract.PipelineEvent{
		StepNumber:  step,
		Stage:       contract.StageFrontendInput,
		Status:      contract.EventStatusOK,
		Request:     body,
		RequestHash: hashHex(body),
		Warnings:    []string{},
		StartedAt:   now,
		FinishedAt:  now,
	})
}

func (d *Driver) nextStep(turn int) (int, error) {
	n, err := d.store.CountPipelineEvents(turn)
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

// runStageAt executes the stage at cursor and persists progress. The trace
// and result are non-nil only when the cursor pointed at world_state_update.
func (d *Driver) runStageAt(ctx context.Context, rc contract.RunContext, cp *contract.Checkpoint, cursor int) (*contract.TurnTrace, json.RawMessage, error) {
	stage := contract.Stages()[cursor]

	if stage == contract.StageWorldStateUpdate {
		trace, result, err := d.finalize(rc, cp)
		if err != nil {
			return nil, nil, err
		}
		encoded, err := contract.EncodeCheckpoint(cp)
		if err != nil {
			return nil, nil, &runstore.StoreError{Op: "encode checkpoint", Err: err}
		}
		if err := d.store.UpdateTurnExecutionProgress(rc.Turn, cursor+1, encoded, true, result); err != nil {
			return nil, nil, err
		}
		return trace, result, nil
	}

	if err := d.executeModuleStage(ctx, rc, cp, stage); err != nil {
		// Persist whatever the checkpoint accumulated; the cursor stays put so
		// a retry replays this stage.
		if encoded, encErr := contract.EncodeCheckpoint(cp); encErr == nil {
			_ = d.store.UpdateTurnExecutionProgress(rc.Turn, cursor, encoded, false, nil)
		}
		return nil, nil, err
	}
	encoded, err := contract.EncodeCheckpoint(cp)
	if err != nil {
		return nil, nil, &runstore.StoreError{Op: "encode checkpoint", Err: err}
	}
	if err := d.store.UpdateTurnExecutionProgress(rc.Turn, cursor+1, encoded, false, nil); err != nil {
		return nil, nil, err
	}
	return nil, nil, nil
}

// executeModuleStage calls the module bound to the stage, or records a
// skipped event when the refusal gate has fired.
func (d *Driver) executeModuleStage(ctx context.Context, rc contract.RunContext, cp *contract.Checkpoint, stage string) error {
	step, err := d.nextStep(rc.Turn)
	if err != nil {
		return err
	}

	if cp.Refused() && skippedOnRefusal[stage] {
		now := d.now().UTC()
		body, _ := json.Marshal(map[string]any{"reason": cp.RefusalReason})
		return d.store.AppendPipelineEvent(rc.Turn, contract.PipelineEvent{
			StepNumber: step,
			Stage:      stage,
			Status:     contract.EventStatusSkipped,
			Response:   body,
			Warnings:   []string{},
			StartedAt:  now,
			FinishedAt: now,
		})
	}

	binding, err := bindingFor(stage)
	if err != nil {
		return &StageError{StageName: stage, Err: err}
	}
	baseURL, err := d.resolve(binding.role)
	if err != nil {
		return &StageError{StageName: stage, Err: err}
	}
	endpoint := baseURL + binding.path

	request, err := d.buildStageRequest(rc, cp, stage)
	if err != nil {
		return &StageError{StageName: stage, Err: err}
	}
	requestBody, err := json.Marshal(request)
	if err != nil {
		return &StageError{StageName: stage, Err: err}
	}

	started := d.now().UTC()
	env, invokeErr := d.client.Invoke(ctx, stage, endpoint, request)
	finished := d.now().UTC()

	if invokeErr != nil {
		ev := contract.PipelineEvent{
			StepNumber:  step,
			Stage:       stage,
			Endpoint:    endpoint,
			Status:      contract.EventStatusError,
			Request:     requestBody,
			RequestHash: hashHex(requestBody),
			Warnings:    []string{},
			Error:       invokeErr.Error(),
			StartedAt:   started,
			FinishedAt:  finished,
		}
		if err := d.store.AppendPipelineEvent(rc.Turn, ev); err != nil {
			return err
		}
		return &StageError{StageName: stage, Err: invokeErr}
	}

	if err := d.applyStageOutput(rc, cp, stage, env); err != nil {
		return &StageError{StageName: stage, Err: err}
	}
	cp.MergeModule(binding.role, env)

	responseBody, _ := json.Marshal(env)
	warnings := env.Meta.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return d.store.AppendPipelineEvent(rc.Turn, contract.PipelineEvent{
		StepNumber:   step,
		Stage:        stage,
		Endpoint:     endpoint,
		Status:       contract.EventStatusOK,
		Request:      requestBody,
		Response:     responseBody,
		RequestHash:  hashHex(requestBody),
		ResponseHash: hashHex(responseBody),
		Warnings:     warnings,
		StartedAt:    started,
		FinishedAt:   finished,
	})
}

func (d *Driver) buildStageRequest(rc contract.RunContext, cp *contract.Checkpoint, stage string) (*stageRequest, error) {
	req := &stageRequest{Context: rc}
	switch stage {
	case contract.StageIntentExtractor:
	case contract.StageLoremasterRetrieve:
		req.Intent = cp.Intent
		rows, err := d.store.LoreEntries()
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			req.LoreCorpus = append(req.LoreCorpus, corpusEntry{Subject: r.Subject, Data: r.Data, Source: r.Source})
		}
	case contract.StageLoremasterPre:
		req.Intent = cp.Intent
		req.Lore = cp.LoreRetrieval
	case contract.StageDefaultSimulator:
		req.Intent = cp.Intent
		req.Lore = cp.LoreRetrieval
		req.LoremasterPre = cp.LoremasterPre
	case contract.StageLoremasterPost:
		req.Intent = cp.Intent
		req.Lore = cp.LoreRetrieval
		req.Proposal = cp.Proposal
	case contract.StageArbiter:
		req.Intent = cp.Intent
		req.Lore = cp.LoreRetrieval
		req.LoremasterPre = cp.LoremasterPre
		req.Proposal = cp.Proposal
		req.LorePost = cp.LorePost
	case contract.StageProser:
		req.Committed = cp.Committed
		req.Lore = cp.LoreRetrieval
		req.LorePost = cp.LorePost
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	return req, nil
}

func (d *Driver) applyStageOutput(rc contract.RunContext, cp *contract.Checkpoint, stage string, env *contract.Envelope) error {
	switch stage {
	case contract.StageIntentExtractor:
		var out contract.ActionCandidates
		if err := json.Unmarshal(env.Output, &out); err != nil {
			return err
		}
		out.Canonicalize()
		cp.Intent = &out
		refusalFromIntent(cp)
	case contract.StageLoremasterRetrieve:
		var out contract.LoreRetrieval
		if err := json.Unmarshal(env.Output, &out); err != nil {
			return err
		}
		if out.Evidence == nil {
			out.Evidence = []contract.Evidence{}
		}
		cp.LoreRetrieval = &out
	case contract.StageLoremasterPre:
		var out contract.LoremasterOutput
		if err := json.Unmarshal(env.Output, &out); err != nil {
			return err
		}
		out.Canonicalize()
		cp.LoremasterPre = &out
		refusalFromPreCheck(cp)
	case contract.StageDefaultSimulator:
		var out contract.ProposedDiff
		if err := json.Unmarshal(env.Output, &out); err != nil {
			return err
		}
		if err := out.Validate(); err != nil {
			return err
		}
		cp.Proposal = &out
	case contract.StageLoremasterPost:
		var out contract.LoremasterPostOutput
		if err := json.Unmarshal(env.Output, &out); err != nil {
			return err
		}
		if out.MustInclude == nil {
			out.MustInclude = []string{}
		}
		if out.MustAvoid == nil {
			out.MustAvoid = []string{}
		}
		cp.LorePost = &out
	case contract.StageArbiter:
		var out contract.ArbiterDecision
		if err := json.Unmarshal(env.Output, &out); err != nil {
			return err
		}
		if err := out.SelectedProposal.Validate(); err != nil {
			return err
		}
		cp.Arbiter = &out
		cp.Proposal = &out.SelectedProposal
		cp.Committed = commit(rc.Turn, out.SelectedProposal)
	case contract.StageProser:
		var out contract.Narration
		if err := json.Unmarshal(env.Output, &out); err != nil {
			return err
		}
		cp.NarrationText = out.NarrationText
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
	return nil
}

// finalize runs world_state_update: the committed diff is settled (synthesized
// on refusal), the stage's pipeline event is recorded, then the module trace,
// committed diff, and snapshot land in that order.
func (d *Driver) finalize(rc contract.RunContext, cp *contract.Checkpoint) (*contract.TurnTrace, json.RawMessage, error) {
	if cp.Refused() {
		cp.Committed = refusalCommit(rc.Turn, cp.RefusalReason)
		cp.NarrationText = cp.RefusalReason
	}
	if cp.Committed == nil {
		return nil, nil, &StageError{
			StageName: contract.StageWorldStateUpdate,
			Err:       errors.New("no committed diff to persist"),
		}
	}

	step, err := d.nextStep(rc.Turn)
	if err != nil {
		return nil, nil, err
	}
	committedBody, _ := json.Marshal(cp.Committed)
	now := d.now().UTC()
	if err := d.store.AppendPipelineEvent(rc.Turn, contract.PipelineEvent{
		StepNumber:   step,
		Stage:        contract.StageWorldStateUpdate,
		Status:       contract.EventStatusOK,
		Response:     committedBody,
		ResponseHash: hashHex(committedBody),
		Warnings:     []string{},
		StartedAt:    now,
		FinishedAt:   now,
	}); err != nil {
		return nil, nil, err
	}

	events, err := d.store.ListPipelineEvents(rc.Turn)
	if err != nil {
		return nil, nil, err
	}

	trace := d.buildTrace(rc, cp, events)
	if err := d.store.AppendEvent(rc.Turn, runstore.EventModuleTrace, trace); err != nil {
		return nil, nil, err
	}
	if err := d.store.AppendEvent(rc.Turn, runstore.EventCommittedDiff, cp.Committed); err != nil {
		return nil, nil, err
	}
	world := map[string]any{"lastSummary": cp.Committed.Summary}
	view := map[string]any{"lastObservation": cp.Committed.Operations}
	if err := d.store.AppendSnapshot(rc.Turn, world, view); err != nil {
		return nil, nil, err
	}

	result, err := json.Marshal(map[string]any{
		"narrationText": cp.NarrationText,
		"warnings":      cp.Warnings,
	})
	if err != nil {
		return nil, nil, &runstore.StoreError{Op: "encode result", Err: err}
	}
	return trace, result, nil
}

func (d *Driver) buildTrace(rc contract.RunContext, cp *contract.Checkpoint, events []contract.PipelineEvent) *contract.TurnTrace {
	trace := &contract.TurnTrace{
		RequestID:     rc.RequestID,
		RunID:         rc.RunID,
		GameProjectID: rc.GameProjectID,
		Turn:          rc.Turn,
		PlayerID:      rc.PlayerID,
		PlayerInput:   rc.PlayerInput,
		Intent:        cp.Intent,
		Loremaster: contract.LoremasterTrace{
			Retrieval: cp.LoreRetrieval,
			Pre:       cp.LoremasterPre,
			Post:      cp.LorePost,
		},
		Proposal:         cp.Proposal,
		Arbiter:          cp.Arbiter,
		Committed:        cp.Committed,
		Warnings:         cp.Warnings,
		NarrationText:    cp.NarrationText,
		PipelineEvents:   events,
		LLMConversations: cp.LLMConversations,
	}
	if cp.Refused() {
		trace.Refusal = &contract.RefusalRecord{Reason: cp.RefusalReason}
	}
	if trace.Warnings == nil {
		trace.Warnings = []string{}
	}
	if trace.PipelineEvents == nil {
		trace.PipelineEvents = []contract.PipelineEvent{}
	}
	return trace
}

func hashHex(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
