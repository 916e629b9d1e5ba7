package anthropic

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ai/tessera/runtime/oracle"
	"github.com/tessera-ai/tessera/runtime/state"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func textMessage(text string) *sdk.Message {
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: text}},
	}
}

func newTestOracle(t *testing.T, stub *stubMessagesClient) *Oracle {
	t.Helper()
	o, err := New(stub, Options{Model: "claude-sonnet-4-5", ClassifierModel: "claude-haiku-4-5"})
	require.NoError(t, err)
	return o
}

func TestNewRequiresClientAndModel(t *testing.T) {
	_, err := New(nil, Options{Model: "m"})
	require.Error(t, err)
	_, err = New(&stubMessagesClient{}, Options{})
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage("COMPLEX")}
	o := newTestOracle(t, stub)

	complexity, err := o.Classify(context.Background(), "compare AAPL and MSFT fundamentals")
	require.NoError(t, err)
	assert.Equal(t, state.ComplexityComplex, complexity)
	assert.Equal(t, sdk.Model("claude-haiku-4-5"), stub.lastParams.Model)
	require.Len(t, stub.lastParams.System, 1)
	assert.Contains(t, stub.lastParams.System[0].Text, "OUT_OF_SCOPE")
}

func TestClassifyToleratesProse(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage("The query is OOS.")}
	o := newTestOracle(t, stub)

	complexity, err := o.Classify(context.Background(), "how do I bake bread")
	require.NoError(t, err)
	assert.Equal(t, state.ComplexityOutOfScope, complexity)
}

func TestClassifyRejectsUnknownLabel(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage("MEDIUM")}
	o := newTestOracle(t, stub)

	_, err := o.Classify(context.Background(), "query")
	require.Error(t, err)
}

func TestPlanDecodesTasks(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage(
		`[{"task_id":"t1","capability":"news","tool":"search_news","inputs":{"q":"tesla"}}]`,
	)}
	o := newTestOracle(t, stub)

	tasks, err := o.Plan(context.Background(), oracle.PlanRequest{Query: "latest tesla news"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), stub.lastParams.Model)
}

func TestPlanRejectsProseOnlyReply(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage("I cannot plan that.")}
	o := newTestOracle(t, stub)

	_, err := o.Plan(context.Background(), oracle.PlanRequest{Query: "q"})
	require.Error(t, err)
}

func TestSynthesize(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage("  The analysis shows...  ")}
	o := newTestOracle(t, stub)

	st := state.New("s1", "analyze AAPL")
	answer, err := o.Synthesize(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, "The analysis shows...", answer)
}

func TestTransportErrorSurfaces(t *testing.T) {
	stub := &stubMessagesClient{err: errors.New("overloaded")}
	o := newTestOracle(t, stub)

	_, err := o.Classify(context.Background(), "q")
	require.ErrorContains(t, err, "overloaded")
}

func TestEmptyCompletionIsError(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{}}
	o := newTestOracle(t, stub)

	_, err := o.Synthesize(context.Background(), state.New("s1", "q"))
	require.Error(t, err)
}
