package contract

import (
	"encoding/json"
	"time"
)

// Stage names in fixed pipeline order.
const (
	StageIntentExtractor    = "intent_extractor"
	StageLoremasterRetrieve = "loremaster_retrieve"
	StageLoremasterPre      = "loremaster_pre"
	StageDefaultSimulator   = "default_simulator"
	StageLoremasterPost     = "loremaster_post"
	StageArbiter            = "arbiter"
	StageProser             = "proser"
	StageWorldStateUpdate   = "world_state_update"

	// StageFrontendInput is the synthetic step 0 event recording the raw
	// player input as it entered the pipeline.
	StageFrontendInput = "frontend_input"
)

// Stages returns the fixed stage order. The slice is a fresh copy.
func Stages() []string {
	return []string{
		StageIntentExtractor,
		StageLoremasterRetrieve,
		StageLoremasterPre,
		StageDefaultSimulator,
		StageLoremasterPost,
		StageArbiter,
		StageProser,
		StageWorldStateUpdate,
	}
}

// StageCount is the number of pipeline stages per turn.
const StageCount = 8

// Checkpoint is the accumulator carried across the stages of one turn. It is
// serialized as JSON into the turn_execution row between step-mode calls, so
// every field must roundtrip through encoding/json unchanged.
type Checkpoint struct {
	Intent        *ActionCandidates     `json:"intent,omitempty"`
	LoreRetrieval *LoreRetrieval        `json:"loreRetrieval,omitempty"`
	LoremasterPre *LoremasterOutput     `json:"loremasterPre,omitempty"`
	Proposal      *ProposedDiff         `json:"proposal,omitempty"`
	LorePost      *LoremasterPostOutput `json:"lorePost,omitempty"`
	Committed     *CommittedDiff        `json:"committed,omitempty"`
	Arbiter       *ArbiterDecision      `json:"arbiterDecision,omitempty"`

	NarrationText string   `json:"narrationText,omitempty"`
	Warnings      []string `json:"warnings"`

	// LLMConversations maps module role to the conversation trace the module
	// reported in debug.llmConversation, verbatim.
	LLMConversations map[string]json.RawMessage `json:"llmConversations,omitempty"`

	RefusalReason string `json:"refusalReason,omitempty"`
}

// NewCheckpoint returns an empty checkpoint with non-nil collections.
func NewCheckpoint() *Checkpoint {
	return &Checkpoint{
		Warnings:         []string{},
		LLMConversations: map[string]json.RawMessage{},
	}
}

// MergeModule folds a module response's warnings and conversation trace into
// the checkpoint under the given role.
func (cp *Checkpoint) MergeModule(role ModuleRole, env *Envelope) {
	if env == nil {
		return
	}
	cp.Warnings = append(cp.Warnings, env.Meta.Warnings...)
	if env.Debug != nil && len(env.Debug.LLMConversation) > 0 {
		if cp.LLMConversations == nil {
			cp.LLMConversations = map[string]json.RawMessage{}
		}
		cp.LLMConversations[string(role)] = env.Debug.LLMConversation
	}
}

// Refused reports whether the refusal gate has fired for this turn.
func (cp *Checkpoint) Refused() bool {
	return cp.RefusalReason != ""
}

// EncodeCheckpoint serializes a checkpoint for the turn_execution row.
func EncodeCheckpoint(cp *Checkpoint) ([]byte, error) {
	if cp == nil {
		cp = NewCheckpoint()
	}
	return json.Marshal(cp)
}

// DecodeCheckpoint restores a checkpoint from the turn_execution row. A nil
// or empty column yields a fresh checkpoint.
func DecodeCheckpoint(b []byte) (*Checkpoint, error) {
	if len(b) == 0 {
		return NewCheckpoint(), nil
	}
	cp := NewCheckpoint()
	if err := json.Unmarshal(b, cp); err != nil {
		return nil, err
	}
	if cp.Warnings == nil {
		cp.Warnings = []string{}
	}
	if cp.LLMConversations == nil {
		cp.LLMConversations = map[string]json.RawMessage{}
	}
	return cp, nil
}

// Pipeline event statuses.
const (
	EventStatusOK      = "ok"
	EventStatusError   = "error"
	EventStatusSkipped = "skipped"
)

// PipelineEvent is the durable record of one pipeline step. StepNumber is
// strictly increasing and contiguous from 1 within (runID, turn); skipped
// stages still occupy a position.
type PipelineEvent struct {
	StepNumber int    `json:"stepNumber"`
	Stage      string `json:"stage"`
	Endpoint   string `json:"endpoint,omitempty"`
	Status     string `json:"status"`

	Request  json.RawMessage `json:"request,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`

	// Blake3-256 hex digests of the raw request/response payloads, for cheap
	// integrity checks in debug tooling.
	RequestHash  string `json:"requestHash,omitempty"`
	ResponseHash string `json:"responseHash,omitempty"`

	Warnings []string `json:"warnings"`
	Error    string   `json:"error,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// RefusalRecord is the refusal section of a turn trace.
type RefusalRecord struct {
	Reason string `json:"reason"`
}

// LoremasterTrace groups the three loremaster stage outputs.
type LoremasterTrace struct {
	Retrieval *LoreRetrieval        `json:"retrieval,omitempty"`
	Pre       *LoremasterOutput     `json:"pre,omitempty"`
	Post      *LoremasterPostOutput `json:"post,omitempty"`
}

// TurnTrace is the module_trace event payload for a completed turn. It
// references every pipeline event recorded for the turn.
type TurnTrace struct {
	RequestID     string `json:"requestId"`
	RunID         string `json:"runId"`
	GameProjectID string `json:"gameProjectId"`
	Turn          int    `json:"turn"`
	PlayerID      string `json:"playerId"`
	PlayerInput   string `json:"playerInput"`

	Intent     *ActionCandidates `json:"intent,omitempty"`
	Loremaster LoremasterTrace   `json:"loremaster"`
	Proposal   *ProposedDiff     `json:"proposal,omitempty"`
	Arbiter    *ArbiterDecision  `json:"arbiter,omitempty"`
	Committed  *CommittedDiff    `json:"committed"`
	Refusal    *RefusalRecord    `json:"refusal,omitempty"`

	Warnings      []string `json:"warnings"`
	NarrationText string   `json:"narrationText"`

	PipelineEvents   []PipelineEvent            `json:"pipelineEvents"`
	LLMConversations map[string]json.RawMessage `json:"llmConversations,omitempty"`
}
