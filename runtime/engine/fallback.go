package engine

import (
	"fmt"
	"strings"

	"github.com/tessera-ai/tessera/runtime/capability"
	"github.com/tessera-ai/tessera/runtime/state"
)

// summaryAnswer builds the deterministic answer used when synthesis fails
// twice. It is assembled from the results and error log in plan order so the
// same state always produces the same text, and it discloses the gaps left
// by failed or skipped tasks.
func summaryAnswer(st *state.State) string {
	var b strings.Builder
	b.WriteString("# Analysis Report\n\n")
	b.WriteString("## Query\n")
	b.WriteString(st.OriginalQuery)
	b.WriteString("\n\n## Status\n")
	b.WriteString("The final report could not be synthesized, but the following information was gathered:\n")

	wroteData := false
	for _, t := range st.TaskPlan {
		result, ok := st.Results[t.ID]
		if !ok {
			continue
		}
		if !wroteData {
			b.WriteString("\n## Available Data\n")
			wroteData = true
		}
		fmt.Fprintf(&b, "- **%s/%s** (%s): %v\n", t.Capability, t.Tool, t.ID, result)
	}
	if !wroteData {
		b.WriteString("\nNo task results are available.\n")
	}

	issues := 0
	for _, rec := range st.ErrorLog {
		if rec.Kind != state.KindNote {
			issues++
		}
	}
	if issues > 0 {
		b.WriteString("\n## Issues Encountered\n")
		fmt.Fprintf(&b, "- %d technical issues occurred during the analysis\n", issues)
		for _, t := range st.TaskPlan {
			switch t.Status {
			case state.TaskFailed, state.TaskSkipped:
				fmt.Fprintf(&b, "- task %s (%s/%s) did not complete\n", t.ID, t.Capability, t.Tool)
			}
		}
	}

	b.WriteString("\nPlease try the query again, or simplify it for better results.")
	return b.String()
}

// refusalAnswer builds the static polite refusal for out-of-scope queries,
// listing the system's actual capabilities.
func refusalAnswer(catalog []capability.CatalogEntry) string {
	var b strings.Builder
	b.WriteString("Thank you for your question. It falls outside what this system can analyze.\n\n")
	b.WriteString("The system covers the following capabilities:\n")
	for _, entry := range catalog {
		fmt.Fprintf(&b, "- %s (%s)\n", entry.Capability, strings.Join(entry.Tools, ", "))
	}
	b.WriteString("\nPlease rephrase your question within these areas and I will gladly help.")
	return b.String()
}
