// Package financial assembles a demo financial-analysis deployment of the
// tessera engine: a capability matrix of market-data tools backed by canned
// executors, and scripted oracles for running the full session loop without
// any model provider.
package financial

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/tessera-ai/tessera/runtime/capability"
)

//go:embed capabilities.yaml
var capabilitiesYAML []byte

// NewRegistry builds the demo capability registry with every tool bound to a
// canned executor.
func NewRegistry() (*capability.Registry, error) {
	matrix, err := capability.LoadMatrix(bytes.NewReader(capabilitiesYAML))
	if err != nil {
		return nil, err
	}
	reg, err := capability.NewRegistry(matrix)
	if err != nil {
		return nil, err
	}
	executors := map[string]capability.ExecutorFunc{
		"stock_info":           stockInfo,
		"filter_stocks":        filterStocks,
		"search_news":          searchNews,
		"search_announcements": searchAnnouncements,
		"search_reports":       searchReports,
		"lookup_concept":       lookupConcept,
	}
	for capName, tools := range matrix {
		for _, tool := range tools {
			if err := reg.Bind(capName, tool, executors[tool]); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}

var stockQuotes = map[string]map[string]any{
	"AAPL": {"ticker": "AAPL", "price": 228.4, "pe": 34.6, "market_cap": "3.4T", "sector": "technology"},
	"MSFT": {"ticker": "MSFT", "price": 512.3, "pe": 36.1, "market_cap": "3.8T", "sector": "technology"},
	"TSLA": {"ticker": "TSLA", "price": 322.9, "pe": 182.5, "market_cap": "1.0T", "sector": "automotive"},
}

func stockInfo(_ context.Context, inputs map[string]any) (any, error) {
	ticker := strings.ToUpper(stringInput(inputs, "ticker"))
	if ticker == "" {
		return nil, fmt.Errorf("invalid ticker: ticker input is required")
	}
	quote, ok := stockQuotes[ticker]
	if !ok {
		return nil, fmt.Errorf("ticker %s does not exist", ticker)
	}
	return quote, nil
}

func filterStocks(_ context.Context, inputs map[string]any) (any, error) {
	sector := strings.ToLower(stringInput(inputs, "sector"))
	var matched []map[string]any
	for _, quote := range stockQuotes {
		if sector == "" || quote["sector"] == sector {
			matched = append(matched, quote)
		}
	}
	return map[string]any{"criteria": inputs, "matches": matched}, nil
}

func searchNews(_ context.Context, inputs map[string]any) (any, error) {
	return cannedArticles("news", inputs), nil
}

func searchAnnouncements(_ context.Context, inputs map[string]any) (any, error) {
	return cannedArticles("announcement", inputs), nil
}

func searchReports(_ context.Context, inputs map[string]any) (any, error) {
	return cannedArticles("research report", inputs), nil
}

var concepts = map[string]string{
	"pe":         "The price-to-earnings ratio divides a company's share price by its earnings per share.",
	"market cap": "Market capitalization is the total market value of a company's outstanding shares.",
	"dividend":   "A dividend is a distribution of a portion of company earnings to shareholders.",
}

func lookupConcept(_ context.Context, inputs map[string]any) (any, error) {
	term := strings.ToLower(stringInput(inputs, "term"))
	if definition, ok := concepts[term]; ok {
		return map[string]any{"term": term, "definition": definition}, nil
	}
	return nil, fmt.Errorf("concept %q not found", term)
}

func cannedArticles(kind string, inputs map[string]any) map[string]any {
	topic := stringInput(inputs, "query")
	if topic == "" {
		topic = stringInput(inputs, "ticker")
	}
	if topic == "" {
		topic = "the market"
	}
	return map[string]any{
		"query": topic,
		"items": []map[string]any{
			{"title": fmt.Sprintf("Sample %s about %s", kind, topic), "source": "demo-feed", "age_days": 1},
			{"title": fmt.Sprintf("Second %s mentioning %s", kind, topic), "source": "demo-feed", "age_days": 3},
		},
	}
}

func stringInput(inputs map[string]any, key string) string {
	if v, ok := inputs[key].(string); ok {
		return v
	}
	return ""
}
