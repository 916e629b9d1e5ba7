package hooks

import (
	"time"

	"github.com/tessera-ai/tessera/runtime/state"
)

// EventType identifies the lifecycle phase an event reports.
type EventType string

const (
	// SessionStarted fires when a session begins or resumes.
	SessionStarted EventType = "session_started"
	// TaskStarted fires when a task is dispatched (span begin).
	TaskStarted EventType = "task_started"
	// TaskCompleted fires when a task's result is stored (span end).
	TaskCompleted EventType = "task_completed"
	// TaskFailed fires when a dispatch returns an error (span end).
	TaskFailed EventType = "task_failed"
	// TaskSkipped fires when a task is abandoned without running or by
	// remediation.
	TaskSkipped EventType = "task_skipped"
	// ReplanTriggered fires when remediation discards the pending plan.
	ReplanTriggered EventType = "replan_triggered"
	// SessionCompleted fires when the session reaches a terminal status.
	SessionCompleted EventType = "session_completed"
)

type (
	// Event is implemented by all engine events. Subscribers use type
	// switches on the concrete types for event-specific fields.
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// SessionID is the session that produced the event.
		SessionID() string
		// Timestamp is the Unix millisecond time of event creation.
		Timestamp() int64
	}

	baseEvent struct {
		eventType EventType
		sessionID string
		timestamp int64
	}

	// SessionStartedEvent reports a new or resumed session.
	SessionStartedEvent struct {
		baseEvent
		// Query is the original user query.
		Query string
		// Resumed is true when the session was restored from a
		// checkpoint.
		Resumed bool
	}

	// TaskStartedEvent reports a task dispatch.
	TaskStartedEvent struct {
		baseEvent
		TaskID     string
		Capability string
		Tool       string
		// Attempt is 1 on the first dispatch and grows with retries.
		Attempt int
	}

	// TaskCompletedEvent reports a stored task result.
	TaskCompletedEvent struct {
		baseEvent
		TaskID   string
		Duration time.Duration
	}

	// TaskFailedEvent reports a classified dispatch failure.
	TaskFailedEvent struct {
		baseEvent
		TaskID     string
		Kind       state.ErrorKind
		Message    string
		RetryCount int
		Duration   time.Duration
	}

	// TaskSkippedEvent reports an abandoned task.
	TaskSkippedEvent struct {
		baseEvent
		TaskID string
		// Reason distinguishes dependency blocks from remediation skips.
		Reason string
	}

	// ReplanTriggeredEvent reports a remediation replan.
	ReplanTriggeredEvent struct {
		baseEvent
		// TaskID is the failure that triggered the replan.
		TaskID string
		// Discarded lists the pending task ids dropped from the plan.
		Discarded []string
	}

	// SessionCompletedEvent reports the terminal session status.
	SessionCompletedEvent struct {
		baseEvent
		Status state.SessionStatus
		// Outcome is the API-level result code: SUCCESS, PARTIAL, or
		// FATAL.
		Outcome string
	}
)

// Type returns the event type constant.
func (e baseEvent) Type() EventType { return e.eventType }

// SessionID returns the session that produced the event.
func (e baseEvent) SessionID() string { return e.sessionID }

// Timestamp returns the Unix millisecond creation time.
func (e baseEvent) Timestamp() int64 { return e.timestamp }

func newBase(eventType EventType, sessionID string) baseEvent {
	return baseEvent{
		eventType: eventType,
		sessionID: sessionID,
		timestamp: time.Now().UnixMilli(),
	}
}

// NewSessionStarted builds a SessionStartedEvent.
func NewSessionStarted(sessionID, query string, resumed bool) *SessionStartedEvent {
	return &SessionStartedEvent{
		baseEvent: newBase(SessionStarted, sessionID),
		Query:     query,
		Resumed:   resumed,
	}
}

// NewTaskStarted builds a TaskStartedEvent.
func NewTaskStarted(sessionID string, task *state.Task) *TaskStartedEvent {
	return &TaskStartedEvent{
		baseEvent:  newBase(TaskStarted, sessionID),
		TaskID:     task.ID,
		Capability: task.Capability,
		Tool:       task.Tool,
		Attempt:    task.RetryCount + 1,
	}
}

// NewTaskCompleted builds a TaskCompletedEvent.
func NewTaskCompleted(sessionID, taskID string, duration time.Duration) *TaskCompletedEvent {
	return &TaskCompletedEvent{
		baseEvent: newBase(TaskCompleted, sessionID),
		TaskID:    taskID,
		Duration:  duration,
	}
}

// NewTaskFailed builds a TaskFailedEvent.
func NewTaskFailed(sessionID string, rec state.ErrorRecord, duration time.Duration) *TaskFailedEvent {
	return &TaskFailedEvent{
		baseEvent:  newBase(TaskFailed, sessionID),
		TaskID:     rec.TaskID,
		Kind:       rec.Kind,
		Message:    rec.Message,
		RetryCount: rec.RetryCount,
		Duration:   duration,
	}
}

// NewTaskSkipped builds a TaskSkippedEvent.
func NewTaskSkipped(sessionID, taskID, reason string) *TaskSkippedEvent {
	return &TaskSkippedEvent{
		baseEvent: newBase(TaskSkipped, sessionID),
		TaskID:    taskID,
		Reason:    reason,
	}
}

// NewReplanTriggered builds a ReplanTriggeredEvent.
func NewReplanTriggered(sessionID, taskID string, discarded []string) *ReplanTriggeredEvent {
	return &ReplanTriggeredEvent{
		baseEvent: newBase(ReplanTriggered, sessionID),
		TaskID:    taskID,
		Discarded: discarded,
	}
}

// NewSessionCompleted builds a SessionCompletedEvent.
func NewSessionCompleted(sessionID string, status state.SessionStatus, outcome string) *SessionCompletedEvent {
	return &SessionCompletedEvent{
		baseEvent: newBase(SessionCompleted, sessionID),
		Status:    status,
		Outcome:   outcome,
	}
}
