package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Output schemas are keyed by stage, not role: the loremaster role serves
// three endpoints with three distinct output shapes.

const consequenceTagEnum = `["needs_clarification","no_target_in_scope","partial_success_only","high_risk_exposure","resource_cost_applies","social_backlash","noise_generated"]`

const operationSchema = `{
  "type": "object",
  "required": ["op", "scope", "payload"],
  "properties": {
    "op": {"enum": ["upsert_fact", "remove_fact", "upsert_entity", "observation", "detection"]},
    "scope": {"enum": ["world", "view:player"]},
    "payload": {"type": "object"},
    "reason": {"type": "string"}
  }
}`

var stageOutputSchemas = map[string]string{
	StageIntentExtractor: `{
  "type": "object",
  "required": ["rawInput", "candidates"],
  "properties": {
    "rawInput": {"type": "string"},
    "candidates": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["actorId", "intent", "confidence", "consequenceTags"],
        "properties": {
          "actorId": {"type": "string"},
          "intent": {"type": "string", "minLength": 1},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "params": {"type": "object"},
          "consequenceTags": {"type": "array", "items": {"enum": ` + consequenceTagEnum + `}},
          "clarificationQuestion": {"type": "string"}
        }
      }
    }
  }
}`,
	StageLoremasterRetrieve: `{
  "type": "object",
  "required": ["query", "evidence", "summary"],
  "properties": {
    "query": {"type": "string"},
    "evidence": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "excerpt", "score"],
        "properties": {
          "source": {"type": "string"},
          "excerpt": {"type": "string"},
          "score": {"type": "number"}
        }
      }
    },
    "summary": {"type": "string"}
  }
}`,
	StageLoremasterPre: `{
  "type": "object",
  "required": ["assessments", "summary"],
  "properties": {
    "assessments": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["candidateIndex", "status", "consequenceTags", "rationale"],
        "properties": {
          "candidateIndex": {"type": "integer", "minimum": 0},
          "status": {"enum": ["allowed", "allowed_with_consequences", "needs_clarification"]},
          "consequenceTags": {"type": "array", "items": {"enum": ` + consequenceTagEnum + `}},
          "clarificationQuestion": {"type": "string"},
          "rationale": {"type": "string"}
        }
      }
    },
    "summary": {"type": "string"}
  }
}`,
	StageLoremasterPost: `{
  "type": "object",
  "required": ["status", "rationale", "mustInclude", "mustAvoid"],
  "properties": {
    "status": {"enum": ["consistent", "needs_adjustment"]},
    "rationale": {"type": "string"},
    "mustInclude": {"type": "array", "items": {"type": "string"}},
    "mustAvoid": {"type": "array", "items": {"type": "string"}}
  }
}`,
	StageDefaultSimulator: `{
  "type": "object",
  "required": ["moduleName", "operations"],
  "properties": {
    "moduleName": {"type": "string"},
    "operations": {"type": "array", "items": ` + operationSchema + `}
  }
}`,
	StageArbiter: `{
  "type": "object",
  "required": ["decision", "selectedProposal", "rationale"],
  "properties": {
    "decision": {"enum": ["accept", "request_rerun", "choose_alternative"]},
    "selectedProposal": {
      "type": "object",
      "required": ["moduleName", "operations"],
      "properties": {
        "moduleName": {"type": "string"},
        "operations": {"type": "array", "items": ` + operationSchema + `}
      }
    },
    "rationale": {"type": "string"},
    "rerunHints": {"type": "array", "items": {"type": "string"}},
    "selectionMetadata": {"type": "object"}
  }
}`,
	StageProser: `{
  "type": "object",
  "required": ["narrationText"],
  "properties": {
    "narrationText": {"type": "string", "minLength": 1}
  }
}`,
}

var (
	schemaOnce     sync.Once
	schemaCompiled map[string]*jsonschema.Schema
	schemaErr      error
)

func compiledSchemas() (map[string]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		out := make(map[string]*jsonschema.Schema, len(stageOutputSchemas))
		for stage, src := range stageOutputSchemas {
			c := jsonschema.NewCompiler()
			name := stage + ".json"
			if err := c.AddResource(name, strings.NewReader(src)); err != nil {
				schemaErr = fmt.Errorf("schema %s: %w", stage, err)
				return
			}
			s, err := c.Compile(name)
			if err != nil {
				schemaErr = fmt.Errorf("schema %s: %w", stage, err)
				return
			}
			out[stage] = s
		}
		schemaCompiled = out
	})
	return schemaCompiled, schemaErr
}

// ValidateStageOutput checks a module's output payload against the schema for
// the given stage. Any mismatch is an error; there is no coercion.
func ValidateStageOutput(stage string, output json.RawMessage) error {
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}
	s, ok := schemas[stage]
	if !ok {
		return fmt.Errorf("no output schema for stage %q", stage)
	}
	if len(output) == 0 {
		return fmt.Errorf("missing output payload")
	}
	var inst any
	if err := json.Unmarshal(output, &inst); err != nil {
		return fmt.Errorf("output is not valid JSON: %w", err)
	}
	if err := s.Validate(inst); err != nil {
		return err
	}
	return nil
}

// DecodeEnvelope strictly parses a module response body. Unknown top-level or
// meta fields are rejected, meta.moduleName must be non-empty, and warnings
// default to an empty slice.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, err
	}
	if err := expectEOF(dec); err != nil {
		return nil, err
	}
	if strings.TrimSpace(env.Meta.ModuleName) == "" {
		return nil, fmt.Errorf("meta.moduleName is required")
	}
	if env.Meta.Warnings == nil {
		env.Meta.Warnings = []string{}
	}
	return &env, nil
}

func expectEOF(dec *json.Decoder) error {
	var trailing any
	err := dec.Decode(&trailing)
	if err == io.EOF {
		return nil
	}
	if err == nil {
		return fmt.Errorf("multiple top-level JSON values are not allowed")
	}
	return err
}
