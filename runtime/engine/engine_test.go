package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ai/tessera/runtime/capability"
	"github.com/tessera-ai/tessera/runtime/checkpoint"
	"github.com/tessera-ai/tessera/runtime/checkpoint/inmem"
	"github.com/tessera-ai/tessera/runtime/oracle"
	"github.com/tessera-ai/tessera/runtime/remedy"
	"github.com/tessera-ai/tessera/runtime/state"
)

func checkpointSnapshot(id string, seq uint64, data []byte) checkpoint.Snapshot {
	return checkpoint.Snapshot{SessionID: id, Seq: seq, Data: data}
}

type fakeClassifier struct {
	complexity state.Complexity
	err        error
}

func (f fakeClassifier) Classify(context.Context, string) (state.Complexity, error) {
	return f.complexity, f.err
}

type fakePlanner struct {
	mu    sync.Mutex
	plans [][]oracle.ProposedTask
	reqs  []oracle.PlanRequest
	err   error
}

func (p *fakePlanner) Plan(_ context.Context, req oracle.PlanRequest) ([]oracle.ProposedTask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if p.err != nil {
		return nil, p.err
	}
	i := len(p.reqs) - 1
	if i >= len(p.plans) {
		i = len(p.plans) - 1
	}
	return p.plans[i], nil
}

type fakeSynthesizer struct {
	failures int
	calls    int
	answer   string
}

func (s *fakeSynthesizer) Synthesize(context.Context, *state.State) (string, error) {
	s.calls++
	if s.calls <= s.failures {
		return "", errors.New("model overloaded")
	}
	if s.answer == "" {
		return "final report", nil
	}
	return s.answer, nil
}

// countingExecutor succeeds and counts its invocations.
type countingExecutor struct {
	mu     sync.Mutex
	calls  int
	inputs []map[string]any
	result any
}

func (c *countingExecutor) run(_ context.Context, inputs map[string]any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.inputs = append(c.inputs, inputs)
	if c.result == nil {
		return "ok", nil
	}
	return c.result, nil
}

// flakyExecutor fails n times with err, then succeeds.
type flakyExecutor struct {
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (f *flakyExecutor) run(context.Context, map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return "recovered", nil
}

func testMatrix() capability.Matrix {
	return capability.Matrix{
		"screener": {"filter_stocks"},
		"news":     {"search_news"},
		"research": {"write_report"},
	}
}

func newTestRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	reg, err := capability.NewRegistry(testMatrix())
	require.NoError(t, err)
	return reg
}

func proposal(id, capName, tool string, deps ...string) oracle.ProposedTask {
	return oracle.ProposedTask{ID: id, Capability: capName, Tool: tool, DependsOn: deps}
}

func TestInvokeTwoIndependentSuccesses(t *testing.T) {
	reg := newTestRegistry(t)
	t1 := &countingExecutor{result: map[string]any{"tickers": []string{"AAPL"}}}
	t2 := &countingExecutor{}
	require.NoError(t, reg.Bind("screener", "filter_stocks", t1.run))
	require.NoError(t, reg.Bind("news", "search_news", t2.run))

	synth := &fakeSynthesizer{}
	eng, err := New(Options{
		Registry:   reg,
		Classifier: fakeClassifier{complexity: state.ComplexityComplex},
		Planner: &fakePlanner{plans: [][]oracle.ProposedTask{{
			proposal("t1", "screener", "filter_stocks"),
			proposal("t2", "news", "search_news"),
		}}},
		Synthesizer: synth,
	})
	require.NoError(t, err)

	st, err := eng.Invoke(context.Background(), "analyze tech stocks", "s1")
	require.NoError(t, err)
	assert.Equal(t, state.SessionDone, st.Status)
	assert.Equal(t, OutcomeSuccess, Outcome(st))
	assert.Equal(t, "final report", st.FinalAnswer)
	assert.Empty(t, st.ErrorLog)
	assert.Equal(t, 1, synth.calls)
	assert.Equal(t, 1, t1.calls)
	assert.Equal(t, 1, t2.calls)
	assert.Len(t, st.Results, 2)
}

func TestInvokeUnrecoverableSkipsDependent(t *testing.T) {
	reg := newTestRegistry(t)
	t2 := &countingExecutor{}
	require.NoError(t, reg.Bind("screener", "filter_stocks", func(context.Context, map[string]any) (any, error) {
		return nil, capability.NewExecutionError(state.KindUnrecoverable, errors.New("api key revoked"))
	}))
	require.NoError(t, reg.Bind("news", "search_news", t2.run))

	eng, err := New(Options{
		Registry:   reg,
		Classifier: fakeClassifier{complexity: state.ComplexityComplex},
		Planner: &fakePlanner{plans: [][]oracle.ProposedTask{{
			proposal("t1", "screener", "filter_stocks"),
			proposal("t2", "news", "search_news", "t1"),
		}}},
		Synthesizer: &fakeSynthesizer{},
	})
	require.NoError(t, err)

	st, err := eng.Invoke(context.Background(), "query", "s1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, Outcome(st))
	assert.Equal(t, 0, t2.calls, "dependent task must never dispatch")

	task1, _ := st.Task("t1")
	task2, _ := st.Task("t2")
	assert.Equal(t, state.TaskFailed, task1.Status)
	assert.Equal(t, state.TaskSkipped, task2.Status)

	var execErrors []state.ErrorRecord
	for _, rec := range st.ErrorLog {
		if rec.Kind != state.KindNote {
			execErrors = append(execErrors, rec)
		}
	}
	require.Len(t, execErrors, 1)
	assert.Equal(t, "t1", execErrors[0].TaskID)
	assert.Equal(t, state.KindUnrecoverable, execErrors[0].Kind)
}

func TestInvokeNetworkErrorRetriesThenSucceeds(t *testing.T) {
	reg := newTestRegistry(t)
	flaky := &flakyExecutor{failures: 2, err: errors.New("connection refused")}
	require.NoError(t, reg.Bind("news", "search_news", flaky.run))

	eng, err := New(Options{
		Registry:   reg,
		Classifier: fakeClassifier{complexity: state.ComplexityComplex},
		Planner: &fakePlanner{plans: [][]oracle.ProposedTask{{
			proposal("t1", "news", "search_news"),
		}}},
		Synthesizer: &fakeSynthesizer{},
	})
	require.NoError(t, err)

	st, err := eng.Invoke(context.Background(), "latest news", "s1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, Outcome(st))
	assert.Equal(t, 3, flaky.calls)

	task, _ := st.Task("t1")
	assert.Equal(t, state.TaskCompleted, task.Status)
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, "recovered", st.Results["t1"])

	var execErrors int
	for _, rec := range st.ErrorLog {
		if rec.Kind == state.KindNetworkError {
			execErrors++
		}
	}
	assert.Equal(t, 2, execErrors)
}

func TestInvokeOutOfScopeFallback(t *testing.T) {
	planner := &fakePlanner{}
	eng, err := New(Options{
		Registry:    newTestRegistry(t),
		Classifier:  fakeClassifier{complexity: state.ComplexityOutOfScope},
		Planner:     planner,
		Synthesizer: &fakeSynthesizer{},
	})
	require.NoError(t, err)

	st, err := eng.Invoke(context.Background(), "write me a poem", "s1")
	require.NoError(t, err)
	assert.Equal(t, state.SessionDone, st.Status)
	assert.Equal(t, OutcomeSuccess, Outcome(st))
	assert.NotEmpty(t, st.FinalAnswer)
	assert.Contains(t, st.FinalAnswer, "screener")
	assert.Zero(t, st.PlanSize())
	assert.Empty(t, planner.reqs)
}

func TestResumeAfterCrashSkipsCompletedWork(t *testing.T) {
	reg := newTestRegistry(t)
	t1 := &countingExecutor{}
	t2 := &countingExecutor{}
	require.NoError(t, reg.Bind("screener", "filter_stocks", t1.run))
	require.NoError(t, reg.Bind("news", "search_news", t2.run))

	store := inmem.New()
	eng, err := New(Options{
		Registry:    reg,
		Classifier:  fakeClassifier{complexity: state.ComplexityComplex},
		Planner:     &fakePlanner{},
		Synthesizer: &fakeSynthesizer{},
		Checkpoints: store,
	})
	require.NoError(t, err)

	// Build the pre-crash state directly: t1 completed, t2 was running
	// when the process died.
	st := state.New("s1", "analyze tech stocks")
	require.NoError(t, st.SetComplexity(state.ComplexityComplex))
	require.NoError(t, st.AcceptPlan([]*state.Task{
		{ID: "t1", Capability: "screener", Tool: "filter_stocks"},
		{ID: "t2", Capability: "news", Tool: "search_news", DependsOn: []string{"t1"}},
	}))
	require.NoError(t, st.MarkRunning("t1"))
	require.NoError(t, st.MarkCompleted("t1", "screened"))
	require.NoError(t, st.MarkRunning("t2"))
	data, err := st.Snapshot()
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), checkpointSnapshot("s1", 4, data)))

	got, err := eng.Resume(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, state.SessionDone, got.Status)
	assert.Equal(t, 0, t1.calls, "completed task must not re-run")
	assert.Equal(t, 0, t2.calls, "interrupted task is skipped, not re-dispatched")
	assert.Equal(t, "screened", got.Results["t1"], "completed result must be retained")
	assert.Equal(t, OutcomePartial, Outcome(got))

	task2, _ := got.Task("t2")
	assert.Equal(t, state.TaskSkipped, task2.Status)
	assert.Zero(t, task2.RetryCount)

	var interrupted int
	for _, rec := range got.ErrorLog {
		if rec.Kind == state.KindInterrupted {
			interrupted++
		}
	}
	assert.Equal(t, 1, interrupted)
}

func TestResumeRetriesInterruptedTaskUnderOverridingPolicy(t *testing.T) {
	reg := newTestRegistry(t)
	t1 := &countingExecutor{}
	t2 := &countingExecutor{}
	require.NoError(t, reg.Bind("screener", "filter_stocks", t1.run))
	require.NoError(t, reg.Bind("news", "search_news", t2.run))

	rules := remedy.DefaultRules()
	rules[state.KindInterrupted] = remedy.Rule{Action: remedy.ActionRetry, MaxRetries: 3}
	policy, err := remedy.NewPolicy(rules)
	require.NoError(t, err)

	store := inmem.New()
	eng, err := New(Options{
		Registry:    reg,
		Classifier:  fakeClassifier{complexity: state.ComplexityComplex},
		Planner:     &fakePlanner{},
		Synthesizer: &fakeSynthesizer{},
		Checkpoints: store,
		Policy:      policy,
	})
	require.NoError(t, err)

	st := state.New("s1", "analyze tech stocks")
	require.NoError(t, st.SetComplexity(state.ComplexityComplex))
	require.NoError(t, st.AcceptPlan([]*state.Task{
		{ID: "t1", Capability: "screener", Tool: "filter_stocks"},
		{ID: "t2", Capability: "news", Tool: "search_news", DependsOn: []string{"t1"}},
	}))
	require.NoError(t, st.MarkRunning("t1"))
	require.NoError(t, st.MarkCompleted("t1", "screened"))
	require.NoError(t, st.MarkRunning("t2"))
	data, err := st.Snapshot()
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), checkpointSnapshot("s1", 4, data)))

	got, err := eng.Resume(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, state.SessionDone, got.Status)
	assert.Equal(t, 0, t1.calls, "completed task must not re-run")
	assert.Equal(t, 1, t2.calls, "overriding rule re-dispatches the interrupted task")

	task2, _ := got.Task("t2")
	assert.Equal(t, state.TaskCompleted, task2.Status)
	assert.Equal(t, 1, task2.RetryCount)
}

func TestResumeTerminalSessionIsIdempotent(t *testing.T) {
	store := inmem.New()
	eng, err := New(Options{
		Registry:    newTestRegistry(t),
		Classifier:  fakeClassifier{complexity: state.ComplexityOutOfScope},
		Planner:     &fakePlanner{},
		Synthesizer: &fakeSynthesizer{},
		Checkpoints: store,
	})
	require.NoError(t, err)

	first, err := eng.Invoke(context.Background(), "poem", "s1")
	require.NoError(t, err)
	require.True(t, first.Terminal())

	again, err := eng.Resume(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, first.FinalAnswer, again.FinalAnswer)
	assert.Equal(t, first.Status, again.Status)
}

func TestResumeUnknownSession(t *testing.T) {
	eng, err := New(Options{
		Registry:    newTestRegistry(t),
		Classifier:  fakeClassifier{complexity: state.ComplexitySimple},
		Planner:     &fakePlanner{},
		Synthesizer: &fakeSynthesizer{},
	})
	require.NoError(t, err)
	_, err = eng.Resume(context.Background(), "ghost")
	require.Error(t, err)
}
