// Package pipeline drives the fixed eight-stage turn pipeline: module calls
// in order, refusal gating, durable pipeline events, and the final commit
// into the run store.
package pipeline

import (
	"fmt"

	"github.com/danshapiro/talespin/internal/contract"
)

// stageBinding maps a stage to the module role serving it and the endpoint
// path on that role's base URL. world_state_update is internal and has no
// binding.
type stageBinding struct {
	role contract.ModuleRole
	path string
}

var stageBindings = map[string]stageBinding{
	contract.StageIntentExtractor:    {contract.RoleIntentExtractor, "/invoke"},
	contract.StageLoremasterRetrieve: {contract.RoleLoremaster, "/retrieve"},
	contract.StageLoremasterPre:      {contract.RoleLoremaster, "/pre"},
	contract.StageDefaultSimulator:   {contract.RoleDefaultSimulator, "/invoke"},
	contract.StageLoremasterPost:     {contract.RoleLoremaster, "/post"},
	contract.StageArbiter:            {contract.RoleArbiter, "/invoke"},
	contract.StageProser:             {contract.RoleProser, "/invoke"},
}

// skippedOnRefusal is the exact stage set a refusal bypasses.
var skippedOnRefusal = map[string]bool{
	contract.StageDefaultSimulator: true,
	contract.StageLoremasterPost:   true,
	contract.StageArbiter:          true,
	contract.StageProser:           true,
}

func bindingFor(stage string) (stageBinding, error) {
	b, ok := stageBindings[stage]
	if !ok {
		return stageBinding{}, fmt.Errorf("stage %q has no module binding", stage)
	}
	return b, nil
}

// CommitSummary is the fixed summary attached to every committed diff.
const CommitSummary = "Action resolved with router-managed module pipeline."

// commit turns the selected proposal into the durable diff for a turn.
func commit(turn int, proposal contract.ProposedDiff) *contract.CommittedDiff {
	ops := proposal.Operations
	if ops == nil {
		ops = []contract.Operation{}
	}
	return &contract.CommittedDiff{
		Turn:       turn,
		Operations: ops,
		Summary:    CommitSummary,
	}
}

// refusalCommit synthesizes the committed diff for a refused turn: one
// player-visible observation carrying the refusal sentence.
func refusalCommit(turn int, reason string) *contract.CommittedDiff {
	return &contract.CommittedDiff{
		Turn: turn,
		Operations: []contract.Operation{{
			Op:      contract.OpObservation,
			Scope:   contract.ScopeViewPlayer,
			Payload: map[string]any{"text": reason},
			Reason:  "refusal",
		}},
		Summary: CommitSummary,
	}
}

// corpusEntry is a seeded lore row as sent to the loremaster retrieve call.
type corpusEntry struct {
	Subject string `json:"subject"`
	Data    string `json:"data"`
	Source  string `json:"source,omitempty"`
}

// stageRequest is the wire body for every module stage; fields beyond context
// are populated per stage and omitted otherwise.
type stageRequest struct {
	Context       contract.RunContext            `json:"context"`
	Intent        *contract.ActionCandidates     `json:"intent,omitempty"`
	LoreCorpus    []corpusEntry                  `json:"loreCorpus,omitempty"`
	Lore          *contract.LoreRetrieval        `json:"lore,omitempty"`
	LoremasterPre *contract.LoremasterOutput     `json:"loremasterPre,omitempty"`
	Proposal      *contract.ProposedDiff         `json:"proposal,omitempty"`
	LorePost      *contract.LoremasterPostOutput `json:"lorePost,omitempty"`
	Committed     *contract.CommittedDiff        `json:"committed,omitempty"`
}
