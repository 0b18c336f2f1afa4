package pipeline

import (
	"fmt"
	"strings"

	"github.com/danshapiro/talespin/internal/contract"
)

const refusalAmbiguous = "Refused: action is ambiguous and cannot be safely resolved."

// refusalFromIntent inspects the extracted candidates and sets the refusal
// reason on the checkpoint. no_target_in_scope outranks needs_clarification.
func refusalFromIntent(cp *contract.Checkpoint) {
	if cp.Intent == nil {
		return
	}
	for _, c := range cp.Intent.Candidates {
		if c.HasTag(contract.TagNoTargetInScope) {
			cp.RefusalReason = noTargetReason(c.Intent)
			return
		}
	}
	for _, c := range cp.Intent.Candidates {
		if c.HasTag(contract.TagNeedsClarification) {
			cp.RefusalReason = refusalAmbiguous
			return
		}
	}
}

func noTargetReason(intent string) string {
	if intent == "attack" {
		return "Refused: no valid attack target is currently in scope."
	}
	return fmt.Sprintf("Refused: no valid target is in scope for %s.",
		strings.ReplaceAll(intent, "_", " "))
}

// refusalFromPreCheck lets the loremaster pre-check contribute a refusal: the
// first assessment bearing no_target_in_scope overrides any earlier reason
// with its own rationale. Without one, an earlier reason stands.
func refusalFromPreCheck(cp *contract.Checkpoint) {
	if cp.LoremasterPre == nil {
		return
	}
	for _, a := range cp.LoremasterPre.Assessments {
		if a.HasTag(contract.TagNoTargetInScope) {
			cp.RefusalReason = "Refused: " + a.Rationale
			return
		}
	}
}
