package pipeline

import (
	"context"
	"encoding/json"

	"github.com/danshapiro/talespin/internal/contract"
	"github.com/danshapiro/talespin/internal/runstore"
)

// StepResult is the state returned after starting or advancing a stepped
// execution. Trace and Result are set once the turn has completed.
type StepResult struct {
	Execution      *runstore.TurnExecution
	PipelineEvents []contract.PipelineEvent
	Trace          *contract.TurnTrace
	Result         json.RawMessage
}

// StartStep creates a paused execution at cursor 0, recording the player
// input event and the synthetic frontend_input pipeline event. Conflicts
// surface as runstore.ErrExecutionExists / runstore.ErrExecutionActive.
func (d *Driver) StartStep(_ context.Context, req TurnRequest) (*StepResult, error) {
	if req.RequestID == "" {
		req.RequestID = NewRequestID()
	}
	create := runstore.TurnExecution{
		Turn:        req.Turn,
		Mode:        runstore.ModeStep,
		PlayerInput: req.PlayerInput,
		PlayerID:    req.PlayerID,
		RequestID:   req.RequestID,
	}
	if err := d.store.CreateTurnExecution(create); err != nil {
		return nil, err
	}
	if err := d.store.AppendEvent(req.Turn, runstore.EventPlayerInput, map[string]any{
		"text":      req.PlayerInput,
		"playerId":  req.PlayerID,
		"requestId": req.RequestID,
	}); err != nil {
		return nil, err
	}
	if err := d.appendFrontendInput(req); err != nil {
		return nil, err
	}
	return d.stepResult(req.Turn, nil)
}

// AdvanceStep executes exactly one stage at the stored cursor. Once the turn
// is completed, further calls return the stored result without re-executing
// anything.
func (d *Driver) AdvanceStep(ctx context.Context, turn int) (*StepResult, error) {
	exec, err := d.store.GetTurnExecution(turn)
	if err != nil {
		return nil, err
	}
	if exec.Completed {
		return d.stepResult(turn, nil)
	}

	cp, err := contract.DecodeCheckpoint(exec.Checkpoint)
	if err != nil {
		return nil, &runstore.StoreError{Op: "decode checkpoint", Err: err}
	}
	rc := contract.RunContext{
		RequestID:     exec.RequestID,
		RunID:         d.store.RunID(),
		GameProjectID: d.store.GameProjectID(),
		Turn:          turn,
		PlayerID:      exec.PlayerID,
		PlayerInput:   exec.PlayerInput,
	}

	trace, _, err := d.runStageAt(ctx, rc, cp, exec.Cursor)
	if err != nil {
		return nil, err
	}
	return d.stepResult(turn, trace)
}

func (d *Driver) stepResult(turn int, trace *contract.TurnTrace) (*StepResult, error) {
	exec, err := d.store.GetTurnExecution(turn)
	if err != nil {
		return nil, err
	}
	events, err := d.store.ListPipelineEvents(turn)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []contract.PipelineEvent{}
	}
	res := &StepResult{
		Execution:      exec,
		PipelineEvents: events,
		Trace:          trace,
	}
	if exec.Completed {
		res.Result = exec.Result
	}
	return res, nil
}
