// Package oracle defines the contracts for the external reasoning
// components the engine consumes: query classification, task planning, and
// answer synthesis. Oracle output is untrusted structured data; proposed
// plans pass JSON Schema validation here and full structural validation in
// the plan package before the engine acts on anything.
package oracle

import (
	"context"
	"fmt"

	"github.com/tessera-ai/tessera/runtime/capability"
	"github.com/tessera-ai/tessera/runtime/state"
)

type (
	// ProposedTask is one task suggested by the planning oracle, prior to
	// validation and acceptance.
	ProposedTask struct {
		ID         string         `json:"task_id"`
		Capability string         `json:"capability"`
		Tool       string         `json:"tool"`
		Inputs     map[string]any `json:"inputs,omitempty"`
		DependsOn  []string       `json:"depends_on,omitempty"`
	}

	// PlanRequest carries everything the planning oracle may consider.
	PlanRequest struct {
		// Query is the original user query.
		Query string
		// Catalog lists the capabilities and tools the plan may use.
		Catalog []capability.CatalogEntry
		// Completed summarizes results retained from earlier tasks,
		// keyed by task id. Populated when replanning.
		Completed map[string]any
		// Failure describes the error that triggered a replan, empty on
		// the first planning round.
		Failure string
		// Reserved lists task ids the new plan must not reuse.
		Reserved []string
		// SingleTask asks for a plan of exactly one task, used for
		// queries classified SIMPLE.
		SingleTask bool
	}

	// Classifier assigns a complexity to the original query.
	Classifier interface {
		Classify(ctx context.Context, query string) (state.Complexity, error)
	}

	// Planner proposes a task plan for the query.
	Planner interface {
		Plan(ctx context.Context, req PlanRequest) ([]ProposedTask, error)
	}

	// Synthesizer produces the final answer from the terminal state. It
	// must read the error log and disclose gaps left by skipped tasks.
	Synthesizer interface {
		Synthesize(ctx context.Context, st *state.State) (string, error)
	}

	// Refuser produces the polite refusal for out-of-scope queries.
	// Optional; the engine falls back to a static template.
	Refuser interface {
		Refuse(ctx context.Context, query string, catalog []capability.CatalogEntry) (string, error)
	}

	// ClassificationError is fatal to the session: a classifier transport
	// failure or a label outside the complexity enum.
	ClassificationError struct {
		Detail string
		Err    error
	}

	// SynthesisError reports a failed answer synthesis. The engine
	// retries synthesis once, then falls back to a templated answer.
	SynthesisError struct {
		Detail string
		Err    error
	}
)

// Error implements the error interface.
func (e *ClassificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("classification failed: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("classification failed: %s", e.Detail)
}

// Unwrap exposes the wrapped cause.
func (e *ClassificationError) Unwrap() error { return e.Err }

// Error implements the error interface.
func (e *SynthesisError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("answer synthesis failed: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("answer synthesis failed: %s", e.Detail)
}

// Unwrap exposes the wrapped cause.
func (e *SynthesisError) Unwrap() error { return e.Err }

// ParseComplexity maps a classifier label to the complexity enum. Labels
// outside the enum are a ClassificationError; oracle output is never trusted
// without membership checking.
func ParseComplexity(label string) (state.Complexity, error) {
	switch state.Complexity(label) {
	case state.ComplexitySimple, state.ComplexityComplex, state.ComplexityOutOfScope:
		return state.Complexity(label), nil
	default:
		return state.ComplexityUnset, &ClassificationError{Detail: fmt.Sprintf("label %q is not a known complexity", label)}
	}
}

// Tasks converts schema-validated proposals into plan tasks.
func Tasks(proposals []ProposedTask) []*state.Task {
	tasks := make([]*state.Task, len(proposals))
	for i, p := range proposals {
		tasks[i] = &state.Task{
			ID:         p.ID,
			Capability: p.Capability,
			Tool:       p.Tool,
			Inputs:     p.Inputs,
			DependsOn:  p.DependsOn,
			Status:     state.TaskPending,
		}
	}
	return tasks
}
