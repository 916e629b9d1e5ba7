// Package plan validates proposed task graphs and computes execution order.
// Validation rejects structural defects (duplicate ids, unknown capabilities
// or tools, dangling or cyclic dependencies) before a plan is ever accepted;
// the ready-set helpers drive the execute loop deterministically in plan
// order. All functions here are pure.
package plan

import (
	"fmt"

	"github.com/tessera-ai/tessera/runtime/state"
)

// Code identifies the category of a planning failure.
type Code string

const (
	// CodeEmptyPlan rejects a plan with no tasks.
	CodeEmptyPlan Code = "EMPTY_PLAN"
	// CodeDuplicateTask rejects a task id used more than once, including
	// ids reserved by a prior plan in the same session.
	CodeDuplicateTask Code = "DUPLICATE_TASK"
	// CodeUnknownCapability rejects a capability absent from the registry.
	CodeUnknownCapability Code = "UNKNOWN_CAPABILITY"
	// CodeUnknownTool rejects a tool the capability is not permitted
	// to use.
	CodeUnknownTool Code = "UNKNOWN_TOOL"
	// CodeUnknownDependency rejects a depends_on id that resolves to no
	// task.
	CodeUnknownDependency Code = "UNKNOWN_DEPENDENCY"
	// CodeCycleDetected rejects a dependency cycle.
	CodeCycleDetected Code = "CYCLE_DETECTED"
	// CodeOracleFailure wraps a planning oracle transport or schema
	// failure. Planning failures are fatal to the session.
	CodeOracleFailure Code = "ORACLE_FAILURE"
)

// Error is a typed planning failure. Planning errors abort the session.
type Error struct {
	Code   Code
	TaskID string
	Detail string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("planning failed (%s): task %q: %s", e.Code, e.TaskID, e.Detail)
	}
	return fmt.Sprintf("planning failed (%s): %s", e.Code, e.Detail)
}

// Authorizer answers capability and tool membership questions during
// validation. The capability registry implements it.
type Authorizer interface {
	// HasCapability reports whether the capability is registered.
	HasCapability(capability string) bool
	// HasTool reports whether the tool is permitted for the capability.
	HasTool(capability, tool string) bool
}

// Context carries session knowledge into validation of an incremental plan.
type Context struct {
	// Reserved lists task ids already used by the session. A new task
	// reusing one is a DUPLICATE_TASK error.
	Reserved []string
	// Satisfied lists task ids whose results already exist; new tasks may
	// depend on them.
	Satisfied []string
}

// Validate checks a proposed plan. Checks run in a fixed order and the first
// violation wins: id uniqueness, capability membership, tool permission,
// dependency resolution, acyclicity. Validation never partially accepts a
// plan.
func Validate(tasks []*state.Task, auth Authorizer, vc Context) error {
	if len(tasks) == 0 {
		return &Error{Code: CodeEmptyPlan, Detail: "proposed plan has no tasks"}
	}

	reserved := toSet(vc.Reserved)
	ids := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return &Error{Code: CodeDuplicateTask, Detail: "task id is empty"}
		}
		if _, ok := ids[t.ID]; ok {
			return &Error{Code: CodeDuplicateTask, TaskID: t.ID, Detail: "id appears more than once"}
		}
		if _, ok := reserved[t.ID]; ok {
			return &Error{Code: CodeDuplicateTask, TaskID: t.ID, Detail: "id already used in this session"}
		}
		ids[t.ID] = struct{}{}
	}

	for _, t := range tasks {
		if !auth.HasCapability(t.Capability) {
			return &Error{Code: CodeUnknownCapability, TaskID: t.ID, Detail: fmt.Sprintf("capability %q is not registered", t.Capability)}
		}
		if !auth.HasTool(t.Capability, t.Tool) {
			return &Error{Code: CodeUnknownTool, TaskID: t.ID, Detail: fmt.Sprintf("tool %q is not permitted for capability %q", t.Tool, t.Capability)}
		}
	}

	satisfied := toSet(vc.Satisfied)
	byID := make(map[string]*state.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; ok {
				continue
			}
			if _, ok := satisfied[dep]; ok {
				continue
			}
			return &Error{Code: CodeUnknownDependency, TaskID: t.ID, Detail: fmt.Sprintf("depends on unknown task %q", dep)}
		}
	}

	return detectCycles(tasks, byID)
}

// detectCycles runs a depth-first traversal with three-color marking. A back
// edge to an in-progress node signals a cycle. Dependencies outside the plan
// were already checked and are treated as settled leaves.
func detectCycles(tasks []*state.Task, byID map[string]*state.Task) error {
	const (
		white = iota // unvisited
		gray         // on the current path
		black        // fully explored
	)
	color := make(map[string]int, len(tasks))

	var visit func(t *state.Task) error
	visit = func(t *state.Task) error {
		color[t.ID] = gray
		for _, dep := range t.DependsOn {
			next, ok := byID[dep]
			if !ok {
				continue
			}
			switch color[next.ID] {
			case gray:
				return &Error{Code: CodeCycleDetected, TaskID: t.ID, Detail: fmt.Sprintf("dependency cycle through %q", dep)}
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[t.ID] = black
		return nil
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			if err := visit(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadySet returns the PENDING tasks whose every dependency is COMPLETED, in
// plan order.
func ReadySet(tasks []*state.Task) []*state.Task {
	byID := index(tasks)
	var ready []*state.Task
	for _, t := range tasks {
		if t.Status != state.TaskPending {
			continue
		}
		if depsStatus(t, byID) == depsReady {
			ready = append(ready, t)
		}
	}
	return ready
}

// Blocked returns the PENDING tasks that can never run because a dependency
// is FAILED, SKIPPED, or missing from the plan, in plan order. The engine
// marks them SKIPPED without dispatching.
func Blocked(tasks []*state.Task) []*state.Task {
	byID := index(tasks)
	var blocked []*state.Task
	for _, t := range tasks {
		if t.Status != state.TaskPending {
			continue
		}
		if depsStatus(t, byID) == depsDead {
			blocked = append(blocked, t)
		}
	}
	return blocked
}

type depState int

const (
	depsReady depState = iota // every dependency completed
	depsWaiting
	depsDead // at least one dependency failed, skipped, or missing
)

func depsStatus(t *state.Task, byID map[string]*state.Task) depState {
	status := depsReady
	for _, dep := range t.DependsOn {
		d, ok := byID[dep]
		if !ok {
			return depsDead
		}
		switch d.Status {
		case state.TaskCompleted:
		case state.TaskFailed, state.TaskSkipped:
			return depsDead
		default:
			status = depsWaiting
		}
	}
	return status
}

func index(tasks []*state.Task) map[string]*state.Task {
	byID := make(map[string]*state.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return byID
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
