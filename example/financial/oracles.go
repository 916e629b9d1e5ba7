package financial

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tessera-ai/tessera/runtime/oracle"
	"github.com/tessera-ai/tessera/runtime/state"
)

// ScriptedOracle answers classification, planning, and synthesis with simple
// keyword rules so the demo runs end to end without a model provider.
type ScriptedOracle struct{}

var financeTerms = []string{
	"stock", "share", "ticker", "price", "market", "news", "announcement",
	"report", "dividend", "pe", "sector", "invest", "aapl", "msft", "tsla",
}

// Classify labels queries by keyword: multi-clause finance queries are
// COMPLEX, short finance queries SIMPLE, everything else OUT_OF_SCOPE.
func (ScriptedOracle) Classify(_ context.Context, query string) (state.Complexity, error) {
	lowered := strings.ToLower(query)
	finance := false
	for _, term := range financeTerms {
		if strings.Contains(lowered, term) {
			finance = true
			break
		}
	}
	if !finance {
		return state.ComplexityOutOfScope, nil
	}
	multi := strings.Contains(lowered, " and ") || strings.Contains(lowered, "compare") ||
		strings.Contains(lowered, "then") || strings.Count(lowered, ",") > 1
	if multi {
		return state.ComplexityComplex, nil
	}
	return state.ComplexitySimple, nil
}

// Plan emits a fixed-shape plan: quotes for every known ticker the query
// names, a news search, and a final diagnosis over both.
func (ScriptedOracle) Plan(_ context.Context, req oracle.PlanRequest) ([]oracle.ProposedTask, error) {
	used := make(map[string]bool, len(req.Reserved))
	for _, id := range req.Reserved {
		used[id] = true
	}
	nextID := func(prefix string) string {
		for i := 1; ; i++ {
			id := fmt.Sprintf("%s_%d", prefix, i)
			if !used[id] {
				used[id] = true
				return id
			}
		}
	}

	lowered := strings.ToLower(req.Query)
	if req.SingleTask {
		return []oracle.ProposedTask{{
			ID:         nextID("task"),
			Capability: "news",
			Tool:       "search_news",
			Inputs:     map[string]any{"query": req.Query},
		}}, nil
	}

	var tickers []string
	for ticker := range stockQuotes {
		if strings.Contains(lowered, strings.ToLower(ticker)) {
			tickers = append(tickers, ticker)
		}
	}
	sort.Strings(tickers)

	var tasks []oracle.ProposedTask
	var quoteIDs []string
	for _, ticker := range tickers {
		id := nextID("quote")
		quoteIDs = append(quoteIDs, id)
		tasks = append(tasks, oracle.ProposedTask{
			ID:         id,
			Capability: "screener",
			Tool:       "stock_info",
			Inputs:     map[string]any{"ticker": ticker},
		})
	}
	newsID := nextID("news")
	tasks = append(tasks, oracle.ProposedTask{
		ID:         newsID,
		Capability: "news",
		Tool:       "search_news",
		Inputs:     map[string]any{"query": req.Query},
	})
	tasks = append(tasks, oracle.ProposedTask{
		ID:         nextID("diagnosis"),
		Capability: "diagnosis",
		Tool:       "search_reports",
		Inputs:     map[string]any{"query": req.Query},
		DependsOn:  append(quoteIDs, newsID),
	})
	return tasks, nil
}

// Synthesize renders a plain-text summary of the gathered results.
func (ScriptedOracle) Synthesize(_ context.Context, st *state.State) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Analysis for: %s\n\n", st.OriginalQuery)
	for _, task := range st.TaskPlan {
		result, ok := st.Results[task.ID]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s (%s/%s): %v\n", task.ID, task.Capability, task.Tool, result)
	}
	gaps := 0
	for _, rec := range st.ErrorLog {
		if rec.Kind != state.KindNote {
			gaps++
		}
	}
	if gaps > 0 {
		fmt.Fprintf(&b, "\n%d step(s) hit issues; the answer above may be partial.\n", gaps)
	}
	return b.String(), nil
}
