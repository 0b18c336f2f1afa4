package contract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ModuleRole identifies a module service kind. A role maps to one base URL;
// the loremaster role serves three endpoints (/retrieve, /pre, /post).
type ModuleRole string

const (
	RoleIntentExtractor  ModuleRole = "intent_extractor"
	RoleLoremaster       ModuleRole = "loremaster"
	RoleDefaultSimulator ModuleRole = "default_simulator"
	RoleArbiter          ModuleRole = "arbiter"
	RoleProser           ModuleRole = "proser"
)

// Roles lists every module role in a stable order.
func Roles() []ModuleRole {
	return []ModuleRole{
		RoleIntentExtractor,
		RoleLoremaster,
		RoleDefaultSimulator,
		RoleArbiter,
		RoleProser,
	}
}

// Consequence tags a module may attach to an intent candidate or assessment.
const (
	TagNeedsClarification  = "needs_clarification"
	TagNoTargetInScope     = "no_target_in_scope"
	TagPartialSuccessOnly  = "partial_success_only"
	TagHighRiskExposure    = "high_risk_exposure"
	TagResourceCostApplies = "resource_cost_applies"
	TagSocialBacklash      = "social_backlash"
	TagNoiseGenerated      = "noise_generated"
)

// RunContext is passed to every module call and every stage.
type RunContext struct {
	RequestID     string `json:"requestId"`
	RunID         string `json:"runId"`
	GameProjectID string `json:"gameProjectId"`
	Turn          int    `json:"turn"`
	PlayerID      string `json:"playerId"`
	PlayerInput   string `json:"playerInput"`
}

// Candidate is one interpretation of the player's input.
type Candidate struct {
	ActorID         string         `json:"actorId"`
	Intent          string         `json:"intent"`
	Confidence      float64        `json:"confidence"`
	Params          map[string]any `json:"params,omitempty"`
	ConsequenceTags []string       `json:"consequenceTags"`

	// ClarificationQuestion is optional; an empty string is treated as absent.
	ClarificationQuestion *string `json:"clarificationQuestion,omitempty"`
}

// HasTag reports whether the candidate carries the given consequence tag.
func (c Candidate) HasTag(tag string) bool {
	for _, t := range c.ConsequenceTags {
		if t == tag {
			return true
		}
	}
	return false
}

// ActionCandidates is the intent_extractor output.
type ActionCandidates struct {
	RawInput   string      `json:"rawInput"`
	Candidates []Candidate `json:"candidates"`
}

// Evidence is one retrieved lore excerpt.
type Evidence struct {
	Source  string  `json:"source"`
	Excerpt string  `json:"excerpt"`
	Score   float64 `json:"score"`
}

// LoreRetrieval is the loremaster /retrieve output.
type LoreRetrieval struct {
	Query    string     `json:"query"`
	Evidence []Evidence `json:"evidence"`
	Summary  string     `json:"summary"`
}

// Assessment statuses for the loremaster pre-check.
const (
	AssessAllowed                 = "allowed"
	AssessAllowedWithConsequences = "allowed_with_consequences"
	AssessNeedsClarification      = "needs_clarification"
)

// Assessment is the loremaster's plausibility verdict for one candidate.
type Assessment struct {
	CandidateIndex  int      `json:"candidateIndex"`
	Status          string   `json:"status"`
	ConsequenceTags []string `json:"consequenceTags"`

	ClarificationQuestion *string `json:"clarificationQuestion,omitempty"`
	Rationale             string  `json:"rationale"`
}

// HasTag reports whether the assessment carries the given consequence tag.
func (a Assessment) HasTag(tag string) bool {
	for _, t := range a.ConsequenceTags {
		if t == tag {
			return true
		}
	}
	return false
}

// LoremasterOutput is the loremaster /pre output.
type LoremasterOutput struct {
	Assessments []Assessment `json:"assessments"`
	Summary     string       `json:"summary"`
}

// Post-check statuses.
const (
	PostConsistent      = "consistent"
	PostNeedsAdjustment = "needs_adjustment"
)

// LoremasterPostOutput is the loremaster /post output.
type LoremasterPostOutput struct {
	Status      string   `json:"status"`
	Rationale   string   `json:"rationale"`
	MustInclude []string `json:"mustInclude"`
	MustAvoid   []string `json:"mustAvoid"`
}

// Diff operation kinds.
const (
	OpUpsertFact   = "upsert_fact"
	OpRemoveFact   = "remove_fact"
	OpUpsertEntity = "upsert_entity"
	OpObservation  = "observation"
	OpDetection    = "detection"
)

// Operation scopes. view:player facts are visible to the player; world facts
// are not, unless surfaced by an observation/detection in the same diff.
const (
	ScopeWorld      = "world"
	ScopeViewPlayer = "view:player"
)

// Operation is one element of a proposed or committed diff.
type Operation struct {
	Op      string         `json:"op"`
	Scope   string         `json:"scope"`
	Payload map[string]any `json:"payload"`
	Reason  string         `json:"reason,omitempty"`
}

// ProposedDiff is the default_simulator output (and the arbiter's selection).
type ProposedDiff struct {
	ModuleName string      `json:"moduleName"`
	Operations []Operation `json:"operations"`
}

// CommittedDiff is the durable result of a turn.
type CommittedDiff struct {
	Turn       int         `json:"turn"`
	Operations []Operation `json:"operations"`
	Summary    string      `json:"summary"`
}

// Arbiter decisions.
const (
	DecisionAccept            = "accept"
	DecisionRequestRerun      = "request_rerun"
	DecisionChooseAlternative = "choose_alternative"
)

// ArbiterDecision is the arbiter output.
type ArbiterDecision struct {
	Decision          string         `json:"decision"`
	SelectedProposal  ProposedDiff   `json:"selectedProposal"`
	Rationale         string         `json:"rationale"`
	RerunHints        []string       `json:"rerunHints"`
	SelectionMetadata map[string]any `json:"selectionMetadata,omitempty"`
}

// Narration is the proser output.
type Narration struct {
	NarrationText string `json:"narrationText"`
}

// ModuleMeta is the meta block of every module response.
type ModuleMeta struct {
	ModuleName string   `json:"moduleName"`
	Warnings   []string `json:"warnings"`
}

// ModuleDebug carries the module's optional self-reported trace, surfaced
// verbatim (module retries and fallbacks live in the modules, not here).
type ModuleDebug struct {
	LLMConversation json.RawMessage `json:"llmConversation,omitempty"`
}

// Envelope is the uniform module response shape.
type Envelope struct {
	Meta   ModuleMeta      `json:"meta"`
	Output json.RawMessage `json:"output"`
	Debug  *ModuleDebug    `json:"debug,omitempty"`
}

// Canonicalize normalizes optional fields after decode: nil slices become
// empty, and empty clarification questions become absent.
func (ac *ActionCandidates) Canonicalize() {
	if ac.Candidates == nil {
		ac.Candidates = []Candidate{}
	}
	for i := range ac.Candidates {
		c := &ac.Candidates[i]
		if c.ConsequenceTags == nil {
			c.ConsequenceTags = []string{}
		}
		c.ClarificationQuestion = normalizeOptional(c.ClarificationQuestion)
	}
}

// Canonicalize normalizes optional fields after decode.
func (lo *LoremasterOutput) Canonicalize() {
	if lo.Assessments == nil {
		lo.Assessments = []Assessment{}
	}
	for i := range lo.Assessments {
		a := &lo.Assessments[i]
		if a.ConsequenceTags == nil {
			a.ConsequenceTags = []string{}
		}
		a.ClarificationQuestion = normalizeOptional(a.ClarificationQuestion)
	}
}

func normalizeOptional(s *string) *string {
	if s == nil {
		return nil
	}
	if strings.TrimSpace(*s) == "" {
		return nil
	}
	return s
}

// Validate enforces the operation contract shared by proposals and commits.
func (o Operation) Validate() error {
	switch o.Op {
	case OpUpsertFact, OpRemoveFact, OpUpsertEntity, OpObservation, OpDetection:
	default:
		return fmt.Errorf("invalid operation kind: %q", o.Op)
	}
	switch o.Scope {
	case ScopeWorld, ScopeViewPlayer:
	default:
		return fmt.Errorf("invalid operation scope: %q", o.Scope)
	}
	return nil
}

// Validate checks every operation of the diff.
func (d ProposedDiff) Validate() error {
	for i, op := range d.Operations {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}
