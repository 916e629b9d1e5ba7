// Package prompts builds the prompt text shared by the provider-backed
// oracle adapters and parses the model output back into engine types. Both
// chat providers see the same instructions so classification and planning
// behavior stays comparable across backends.
package prompts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tessera-ai/tessera/runtime/oracle"
	"github.com/tessera-ai/tessera/runtime/state"
)

// ClassifySystem primes the model for query classification.
const ClassifySystem = `You are a query classifier for an analytical task system. Classify each query into exactly one category:

SIMPLE: single-step queries answerable by one tool call
COMPLEX: multi-step queries requiring several tools and data sources
OUT_OF_SCOPE: queries unrelated to the system's capabilities

Respond with only one word: SIMPLE, COMPLEX, or OUT_OF_SCOPE.`

// Classify renders the classification user prompt.
func Classify(query string) string {
	return fmt.Sprintf("Classify this query:\n\n%s", query)
}

// PlanSystem primes the model for task planning.
const PlanSystem = `You are an expert analysis planner. Break the query into a series of specific, executable tasks.

Respond with only a JSON array of task objects. Each object has:
- "task_id": unique identifier, e.g. "task_1"
- "capability": one of the listed capabilities
- "tool": a tool permitted for that capability
- "inputs": object with the tool's arguments
- "depends_on": array of task ids this task needs results from (omit when independent)

Use only the listed capabilities and tools. Order tasks so dependencies come first. Do not wrap the array in prose or markdown.`

// Plan renders the planning user prompt from the request.
func Plan(req oracle.PlanRequest) string {
	var b strings.Builder
	b.WriteString("Available capabilities and their tools:\n")
	for _, entry := range req.Catalog {
		fmt.Fprintf(&b, "- %s: %s\n", entry.Capability, strings.Join(entry.Tools, ", "))
	}
	fmt.Fprintf(&b, "\nQuery to plan: %q\n", req.Query)
	if req.SingleTask {
		b.WriteString("\nThe query is simple: produce exactly one task.\n")
	}
	if len(req.Completed) > 0 {
		b.WriteString("\nResults already gathered (do not repeat this work, reference it via depends_on is not needed):\n")
		for id, result := range req.Completed {
			fmt.Fprintf(&b, "- %s: %s\n", id, compactJSON(result))
		}
	}
	if req.Failure != "" {
		fmt.Fprintf(&b, "\nThe previous plan failed: %s\nPlan around this failure.\n", req.Failure)
	}
	if len(req.Reserved) > 0 {
		fmt.Fprintf(&b, "\nDo not reuse these task ids: %s\n", strings.Join(req.Reserved, ", "))
	}
	return b.String()
}

// SynthesisSystem primes the model for final answer synthesis.
const SynthesisSystem = `You are an analyst writing the final answer for a completed analysis session. Synthesize the gathered results into a comprehensive, well-structured answer to the original query. When tasks failed or were skipped, disclose the gap honestly instead of inventing data.`

// Synthesis renders the synthesis user prompt from the terminal state.
func Synthesis(st *state.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original query: %q\n\nGathered results:\n", st.OriginalQuery)
	wrote := false
	for _, t := range st.TaskPlan {
		result, ok := st.Results[t.ID]
		if !ok {
			continue
		}
		wrote = true
		fmt.Fprintf(&b, "- %s (%s/%s): %s\n", t.ID, t.Capability, t.Tool, compactJSON(result))
	}
	if !wrote {
		b.WriteString("- none\n")
	}

	var issues []string
	for _, rec := range st.ErrorLog {
		if rec.Kind == state.KindNote {
			continue
		}
		issues = append(issues, fmt.Sprintf("- task %s (%s/%s) hit %s: %s", rec.TaskID, rec.Capability, rec.Tool, rec.Kind, rec.Message))
	}
	if len(issues) > 0 {
		b.WriteString("\nIssues during the analysis:\n")
		b.WriteString(strings.Join(issues, "\n"))
		b.WriteString("\n")
	}
	b.WriteString("\nWrite the final answer.")
	return b.String()
}

// NormalizeLabel cleans a classification reply down to the bare label. It
// tolerates surrounding prose, punctuation, and the OOS shorthand.
func NormalizeLabel(reply string) string {
	label := strings.ToUpper(strings.TrimSpace(reply))
	label = strings.Trim(label, ".!\"' \t\n")
	for _, known := range []string{"OUT_OF_SCOPE", "COMPLEX", "SIMPLE"} {
		if strings.Contains(label, known) {
			return known
		}
	}
	if strings.Contains(label, "OOS") {
		return string(state.ComplexityOutOfScope)
	}
	return label
}

// ParseTasks extracts the JSON task array from a model reply and decodes it.
func ParseTasks(reply string) ([]oracle.ProposedTask, error) {
	raw, err := extractArray(reply)
	if err != nil {
		return nil, err
	}
	var tasks []oracle.ProposedTask
	if err := json.Unmarshal(raw, &tasks); err != nil {
		return nil, fmt.Errorf("decode task array: %w", err)
	}
	return tasks, nil
}

// extractArray locates the outermost JSON array in the reply, skipping any
// prose or markdown fences the model added despite instructions.
func extractArray(reply string) ([]byte, error) {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end < start {
		return nil, errors.New("reply contains no JSON array")
	}
	return []byte(reply[start : end+1]), nil
}

func compactJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
