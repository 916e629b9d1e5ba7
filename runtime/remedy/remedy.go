// Package remedy implements the deterministic remediation policy: a pure
// table mapping (error kind, retry count, plan size) to a recovery action.
// The table is checked for exhaustiveness at construction so a new error
// kind without a rule fails fast instead of falling through silently.
package remedy

import (
	"fmt"

	"github.com/tessera-ai/tessera/runtime/state"
)

// Action is the recovery step applied to a failed task.
type Action string

const (
	// ActionRetry resets the task to PENDING and increments its retry
	// count.
	ActionRetry Action = "RETRY"
	// ActionRetryWithHint retries with a corrective hint passed to the
	// executor on the next attempt.
	ActionRetryWithHint Action = "RETRY_WITH_HINT"
	// ActionReplan skips the task, discards the remaining pending tasks,
	// and routes the session back to planning with the completed work as
	// context.
	ActionReplan Action = "REPLAN"
	// ActionSkip abandons the task permanently and continues the plan.
	ActionSkip Action = "SKIP_TASK"
)

type (
	// Rule maps one error kind to its recovery action with the guard
	// conditions under which the action applies. When a guard fails the
	// decision degrades to SKIP_TASK.
	Rule struct {
		// Action applied while the guards hold.
		Action Action
		// MaxRetries caps retry actions: the action applies while the
		// task's retry count is below it. Ignored for other actions.
		MaxRetries int
		// MinPlanSize guards REPLAN: replanning a plan smaller than
		// this is pointless, so the task is skipped instead.
		MinPlanSize int
		// Hint is attached to RETRY_WITH_HINT decisions.
		Hint string
	}

	// Decision is the policy output for one failure.
	Decision struct {
		Action Action
		Hint   string
		// Reason explains the decision for the audit trail.
		Reason string
	}

	// Policy is the immutable rule table. Decide is a pure function;
	// identical inputs always yield the identical decision.
	Policy struct {
		rules map[state.ErrorKind]Rule
	}
)

// NewPolicy builds a policy and verifies every execution error kind has a
// rule.
func NewPolicy(rules map[state.ErrorKind]Rule) (*Policy, error) {
	for _, kind := range state.ExecutionKinds() {
		if _, ok := rules[kind]; !ok {
			return nil, fmt.Errorf("remediation table has no rule for error kind %s", kind)
		}
	}
	for kind, rule := range rules {
		switch rule.Action {
		case ActionRetry, ActionRetryWithHint, ActionReplan, ActionSkip:
		default:
			return nil, fmt.Errorf("rule for %s names unknown action %q", kind, rule.Action)
		}
	}
	table := make(map[state.ErrorKind]Rule, len(rules))
	for kind, rule := range rules {
		table[kind] = rule
	}
	return &Policy{rules: table}, nil
}

// DefaultPolicy returns the canonical table: transient failures retry up to
// three attempts, rejected inputs trigger a replan when the plan has other
// tasks, malformed tool arguments retry twice with a stricter-validation
// hint, and everything else, interrupted tasks included, skips. Override the
// INTERRUPTED rule to re-dispatch interrupted work on resume.
func DefaultPolicy() *Policy {
	p, err := NewPolicy(DefaultRules())
	if err != nil {
		panic(err)
	}
	return p
}

// DefaultRules returns a fresh copy of the default rule table, one rule per
// execution error kind. Callers may override entries before building a
// policy from it.
func DefaultRules() map[state.ErrorKind]Rule {
	return map[state.ErrorKind]Rule{
		state.KindTimeout:      {Action: ActionRetry, MaxRetries: 3},
		state.KindNetworkError: {Action: ActionRetry, MaxRetries: 3},
		state.KindInterrupted:  {Action: ActionSkip},
		state.KindInvalidInput: {Action: ActionReplan, MinPlanSize: 2},
		state.KindAgentError: {
			Action:     ActionRetryWithHint,
			MaxRetries: 2,
			Hint:       "validate tool arguments strictly against the tool contract before calling",
		},
		state.KindUnrecoverable: {Action: ActionSkip},
		state.KindUnknown:       {Action: ActionSkip},
	}
}

// Decide maps one failure to its recovery action. Kinds outside the table
// (including audit notes) and exhausted guards resolve to SKIP_TASK.
func (p *Policy) Decide(kind state.ErrorKind, retryCount, planSize int) Decision {
	rule, ok := p.rules[kind]
	if !ok {
		return Decision{Action: ActionSkip, Reason: fmt.Sprintf("no rule for %s", kind)}
	}
	switch rule.Action {
	case ActionRetry, ActionRetryWithHint:
		if retryCount >= rule.MaxRetries {
			return Decision{Action: ActionSkip, Reason: fmt.Sprintf("retry ceiling %d reached for %s", rule.MaxRetries, kind)}
		}
		return Decision{
			Action: rule.Action,
			Hint:   rule.Hint,
			Reason: fmt.Sprintf("%s attempt %d of %d", kind, retryCount+1, rule.MaxRetries),
		}
	case ActionReplan:
		if planSize < rule.MinPlanSize {
			return Decision{Action: ActionSkip, Reason: fmt.Sprintf("plan too small to replan for %s", kind)}
		}
		return Decision{Action: ActionReplan, Reason: fmt.Sprintf("%s invalidates the remaining plan", kind)}
	default:
		return Decision{Action: ActionSkip, Reason: fmt.Sprintf("%s is not recoverable", kind)}
	}
}
