package oracle

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tessera-ai/tessera/runtime/plan"
)

// planSchema constrains the shape of a proposed plan before structural
// validation runs. It catches missing fields and wrong types so the plan
// validator only ever sees well-formed tasks.
const planSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["task_id", "capability", "tool"],
    "properties": {
      "task_id": {"type": "string", "minLength": 1},
      "capability": {"type": "string", "minLength": 1},
      "tool": {"type": "string", "minLength": 1},
      "inputs": {"type": "object"},
      "depends_on": {
        "type": "array",
        "items": {"type": "string", "minLength": 1}
      }
    },
    "additionalProperties": false
  }
}`

var (
	compileOnce  sync.Once
	compiled     *jsonschema.Schema
	compileError error
)

func compiledSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(planSchema), &doc); err != nil {
			compileError = fmt.Errorf("unmarshal plan schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("plan.json", doc); err != nil {
			compileError = fmt.Errorf("add plan schema resource: %w", err)
			return
		}
		compiled, compileError = c.Compile("plan.json")
	})
	return compiled, compileError
}

// ValidateProposal checks a proposed plan against the plan schema. A schema
// violation is a planning oracle failure, fatal to the session.
func ValidateProposal(proposals []ProposedTask) error {
	schema, err := compiledSchema()
	if err != nil {
		return &plan.Error{Code: plan.CodeOracleFailure, Detail: err.Error()}
	}
	data, err := json.Marshal(proposals)
	if err != nil {
		return &plan.Error{Code: plan.CodeOracleFailure, Detail: fmt.Sprintf("encode proposal: %v", err)}
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &plan.Error{Code: plan.CodeOracleFailure, Detail: fmt.Sprintf("decode proposal: %v", err)}
	}
	if err := schema.Validate(doc); err != nil {
		return &plan.Error{Code: plan.CodeOracleFailure, Detail: fmt.Sprintf("proposal violates plan schema: %v", err)}
	}
	return nil
}
