package plan

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ai/tessera/runtime/state"
)

type fakeAuth struct {
	caps map[string][]string
}

func (a fakeAuth) HasCapability(capability string) bool {
	_, ok := a.caps[capability]
	return ok
}

func (a fakeAuth) HasTool(capability, tool string) bool {
	for _, t := range a.caps[capability] {
		if t == tool {
			return true
		}
	}
	return false
}

var testAuth = fakeAuth{caps: map[string][]string{
	"screener": {"filter", "rank"},
	"news":     {"search"},
}}

func TestValidateAcceptsLinearPlan(t *testing.T) {
	tasks := []*state.Task{
		{ID: "t1", Capability: "screener", Tool: "filter"},
		{ID: "t2", Capability: "news", Tool: "search", DependsOn: []string{"t1"}},
	}
	require.NoError(t, Validate(tasks, testAuth, Context{}))
}

func TestValidateOrderAndCodes(t *testing.T) {
	cases := []struct {
		name  string
		tasks []*state.Task
		vc    Context
		code  Code
	}{
		{
			name: "empty plan",
			code: CodeEmptyPlan,
		},
		{
			name: "duplicate id",
			tasks: []*state.Task{
				{ID: "t1", Capability: "screener", Tool: "filter"},
				{ID: "t1", Capability: "news", Tool: "search"},
			},
			code: CodeDuplicateTask,
		},
		{
			name: "reserved id",
			tasks: []*state.Task{
				{ID: "t1", Capability: "screener", Tool: "filter"},
			},
			vc:   Context{Reserved: []string{"t1"}},
			code: CodeDuplicateTask,
		},
		{
			name: "unknown capability",
			tasks: []*state.Task{
				{ID: "t1", Capability: "astrology", Tool: "filter"},
			},
			code: CodeUnknownCapability,
		},
		{
			name: "unknown tool",
			tasks: []*state.Task{
				{ID: "t1", Capability: "screener", Tool: "search"},
			},
			code: CodeUnknownTool,
		},
		{
			name: "dangling dependency",
			tasks: []*state.Task{
				{ID: "t1", Capability: "screener", Tool: "filter", DependsOn: []string{"ghost"}},
			},
			code: CodeUnknownDependency,
		},
		{
			name: "cycle",
			tasks: []*state.Task{
				{ID: "t1", Capability: "screener", Tool: "filter", DependsOn: []string{"t2"}},
				{ID: "t2", Capability: "news", Tool: "search", DependsOn: []string{"t1"}},
			},
			code: CodeCycleDetected,
		},
		{
			name: "self cycle",
			tasks: []*state.Task{
				{ID: "t1", Capability: "screener", Tool: "filter", DependsOn: []string{"t1"}},
			},
			code: CodeCycleDetected,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.tasks, testAuth, tc.vc)
			require.Error(t, err)
			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tc.code, perr.Code)
		})
	}
}

func TestValidateDuplicateWinsOverCapability(t *testing.T) {
	// Duplicate ids are reported before capability membership.
	tasks := []*state.Task{
		{ID: "t1", Capability: "astrology", Tool: "stars"},
		{ID: "t1", Capability: "astrology", Tool: "stars"},
	}
	var perr *Error
	require.ErrorAs(t, Validate(tasks, testAuth, Context{}), &perr)
	assert.Equal(t, CodeDuplicateTask, perr.Code)
}

func TestValidateSatisfiedDependency(t *testing.T) {
	// Incremental plans may depend on results retained from a prior plan.
	tasks := []*state.Task{
		{ID: "t9", Capability: "news", Tool: "search", DependsOn: []string{"t1"}},
	}
	require.Error(t, Validate(tasks, testAuth, Context{}))
	require.NoError(t, Validate(tasks, testAuth, Context{Satisfied: []string{"t1"}}))
}

func TestReadySetPlanOrder(t *testing.T) {
	tasks := []*state.Task{
		{ID: "t1", Status: state.TaskCompleted},
		{ID: "t2", Status: state.TaskPending, DependsOn: []string{"t1"}},
		{ID: "t3", Status: state.TaskPending},
		{ID: "t4", Status: state.TaskPending, DependsOn: []string{"t2"}},
	}
	ready := ReadySet(tasks)
	require.Len(t, ready, 2)
	assert.Equal(t, "t2", ready[0].ID)
	assert.Equal(t, "t3", ready[1].ID)
}

func TestBlockedByFailedDependency(t *testing.T) {
	tasks := []*state.Task{
		{ID: "t1", Status: state.TaskFailed},
		{ID: "t2", Status: state.TaskPending, DependsOn: []string{"t1"}},
		{ID: "t3", Status: state.TaskPending, DependsOn: []string{"t2"}},
		{ID: "t4", Status: state.TaskPending},
	}
	blocked := Blocked(tasks)
	require.Len(t, blocked, 1)
	assert.Equal(t, "t2", blocked[0].ID)

	// Once t2 is skipped, t3 becomes blocked in turn.
	tasks[1].Status = state.TaskSkipped
	blocked = Blocked(tasks)
	require.Len(t, blocked, 1)
	assert.Equal(t, "t3", blocked[0].ID)
	assert.Empty(t, Blocked([]*state.Task{tasks[3]}))
}

func TestBlockedByMissingDependency(t *testing.T) {
	tasks := []*state.Task{
		{ID: "t2", Status: state.TaskPending, DependsOn: []string{"gone"}},
	}
	require.Len(t, Blocked(tasks), 1)
	assert.Empty(t, ReadySet(tasks))
}

func TestReadySetIgnoresSettledTasks(t *testing.T) {
	tasks := []*state.Task{
		{ID: "t1", Status: state.TaskRunning},
		{ID: "t2", Status: state.TaskSkipped},
		{ID: "t3", Status: state.TaskCompleted},
	}
	assert.Empty(t, ReadySet(tasks))
	assert.Empty(t, Blocked(tasks))
}

func linearPlan(n int) []*state.Task {
	tasks := make([]*state.Task, n)
	for i := range tasks {
		t := &state.Task{ID: fmt.Sprintf("t%d", i), Capability: "screener", Tool: "filter"}
		if i > 0 {
			t.DependsOn = []string{fmt.Sprintf("t%d", i-1)}
		}
		tasks[i] = t
	}
	return tasks
}

func TestValidateLongChain(t *testing.T) {
	require.NoError(t, Validate(linearPlan(200), testAuth, Context{}))
}
