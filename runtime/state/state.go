// Package state defines the session aggregate threaded through the engine:
// the original query, the task plan, accumulated results, the append-only
// error log, and the final answer. The aggregate is mutated only through the
// methods in this package so that every invariant (results only for completed
// tasks, monotonic status transitions, append-only errors) holds at all
// times. Engines hold exactly one writer per session; readers get copies.
package state

import (
	"errors"
	"time"
)

type (
	// Complexity is the classification assigned to the original query.
	Complexity string

	// TaskStatus tracks a task through its lifecycle. Transitions are
	// monotonic except the explicit retry reset, which moves a task from
	// FAILED back to PENDING and increments its retry count.
	TaskStatus string

	// ErrorKind is the execution error taxonomy used by remediation.
	ErrorKind string

	// SessionStatus is the terminal disposition of a session.
	SessionStatus string
)

const (
	// ComplexityUnset marks a session that has not been classified yet.
	ComplexityUnset Complexity = ""
	// ComplexitySimple routes the query to a single synthesized task.
	ComplexitySimple Complexity = "SIMPLE"
	// ComplexityComplex routes the query through full planning.
	ComplexityComplex Complexity = "COMPLEX"
	// ComplexityOutOfScope routes the query to the refusal fallback.
	ComplexityOutOfScope Complexity = "OUT_OF_SCOPE"
)

const (
	// TaskPending is the initial status of every planned task.
	TaskPending TaskStatus = "PENDING"
	// TaskRunning marks a task currently dispatched to an executor.
	TaskRunning TaskStatus = "RUNNING"
	// TaskCompleted marks a task whose result has been stored.
	TaskCompleted TaskStatus = "COMPLETED"
	// TaskFailed marks a task whose dispatch returned an error.
	TaskFailed TaskStatus = "FAILED"
	// TaskSkipped marks a task abandoned by remediation or blocked by a
	// failed dependency.
	TaskSkipped TaskStatus = "SKIPPED"
)

const (
	// KindTimeout reports an executor call that exceeded its deadline.
	KindTimeout ErrorKind = "TIMEOUT"
	// KindNetworkError reports a transient transport failure.
	KindNetworkError ErrorKind = "NETWORK_ERROR"
	// KindInvalidInput reports task inputs the executor rejected.
	KindInvalidInput ErrorKind = "INVALID_INPUT"
	// KindAgentError reports malformed tool arguments or provider misuse.
	KindAgentError ErrorKind = "AGENT_ERROR"
	// KindUnrecoverable reports auth or credential failures retrying
	// cannot fix.
	KindUnrecoverable ErrorKind = "UNRECOVERABLE"
	// KindInterrupted marks a task that was RUNNING when the session was
	// cut short; assigned on resume.
	KindInterrupted ErrorKind = "INTERRUPTED"
	// KindUnknown is the classification of errors matching no other kind.
	KindUnknown ErrorKind = "UNKNOWN"
	// KindNote marks an audit entry recording a remediation decision.
	// Notes are never fed back into the remediation policy.
	KindNote ErrorKind = "NOTE"
)

const (
	// SessionActive marks a session still in flight.
	SessionActive SessionStatus = "ACTIVE"
	// SessionDone marks a session with a final answer.
	SessionDone SessionStatus = "DONE"
	// SessionAborted marks a session terminated by a fatal error.
	SessionAborted SessionStatus = "ABORTED"
)

// ExecutionKinds lists the error kinds a dispatch failure may carry. The
// remediation policy must cover exactly these kinds; NOTE entries are audit
// records and never reach the policy.
func ExecutionKinds() []ErrorKind {
	return []ErrorKind{
		KindTimeout,
		KindNetworkError,
		KindInvalidInput,
		KindAgentError,
		KindUnrecoverable,
		KindInterrupted,
		KindUnknown,
	}
}

type (
	// Task is one unit of work in a plan. Once a plan is accepted only
	// Status and RetryCount mutate; everything else is fixed.
	Task struct {
		// ID is unique within the plan.
		ID string `json:"task_id"`
		// Capability names the role required to run the task.
		Capability string `json:"capability"`
		// Tool names the executor requested within the capability.
		Tool string `json:"tool"`
		// Inputs is the argument map. Values of the form "$ref:<id>"
		// are resolved to the referenced task's result before dispatch.
		Inputs map[string]any `json:"inputs,omitempty"`
		// DependsOn lists the task ids that must complete first.
		DependsOn []string `json:"depends_on,omitempty"`
		// Status is the current lifecycle position.
		Status TaskStatus `json:"status"`
		// RetryCount counts retry resets applied to the task.
		RetryCount int `json:"retry_count"`
	}

	// ErrorRecord is one entry of the append-only audit trail.
	ErrorRecord struct {
		TaskID     string    `json:"task_id"`
		Capability string    `json:"capability,omitempty"`
		Tool       string    `json:"tool,omitempty"`
		Kind       ErrorKind `json:"error_kind"`
		Message    string    `json:"message"`
		// Note carries the remediation audit label (for example
		// "RETRY_ATTEMPT") when Kind is NOTE.
		Note       string    `json:"note,omitempty"`
		Timestamp  time.Time `json:"timestamp"`
		RetryCount int       `json:"retry_count"`
	}

	// State is the session aggregate. All fields are exported for
	// snapshot serialization; mutate only through methods.
	State struct {
		SessionID     string         `json:"session_id"`
		OriginalQuery string         `json:"original_query"`
		Complexity    Complexity     `json:"complexity"`
		TaskPlan      []*Task        `json:"task_plan,omitempty"`
		Results       map[string]any `json:"results"`
		ErrorLog      []ErrorRecord  `json:"error_log,omitempty"`
		FinalAnswer   string         `json:"final_answer,omitempty"`
		Status        SessionStatus  `json:"status"`
		// FatalError holds the message that aborted the session.
		FatalError string `json:"fatal_error,omitempty"`
		// ReplanCount counts planner round-trips triggered by
		// remediation.
		ReplanCount int       `json:"replan_count"`
		CreatedAt   time.Time `json:"created_at"`
		UpdatedAt   time.Time `json:"updated_at"`
	}
)

var (
	// ErrUnknownTask reports a task id absent from the plan.
	ErrUnknownTask = errors.New("unknown task")

	// ErrBadTransition reports a status change the lifecycle forbids.
	ErrBadTransition = errors.New("invalid status transition")

	// ErrComplexityFixed reports a second classification attempt.
	ErrComplexityFixed = errors.New("complexity already set")

	// ErrAnswerFixed reports a second final-answer write.
	ErrAnswerFixed = errors.New("final answer already set")

	// ErrSessionClosed reports a mutation on a terminal session.
	ErrSessionClosed = errors.New("session is terminal")
)

// New creates a fresh aggregate for the given session and query.
func New(sessionID, query string) *State {
	now := time.Now().UTC()
	return &State{
		SessionID:     sessionID,
		OriginalQuery: query,
		Results:       make(map[string]any),
		Status:        SessionActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Task returns the plan entry with the given id.
func (s *State) Task(id string) (*Task, bool) {
	for _, t := range s.TaskPlan {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// PlanSize returns the number of tasks in the current plan.
func (s *State) PlanSize() int { return len(s.TaskPlan) }

// CompletedIDs returns the ids of completed tasks in plan order.
func (s *State) CompletedIDs() []string {
	var ids []string
	for _, t := range s.TaskPlan {
		if t.Status == TaskCompleted {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// Terminal reports whether the session reached DONE or ABORTED.
func (s *State) Terminal() bool {
	return s.Status == SessionDone || s.Status == SessionAborted
}

func (s *State) touch() { s.UpdatedAt = time.Now().UTC() }
