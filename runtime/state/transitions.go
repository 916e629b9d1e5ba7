package state

import (
	"fmt"
	"time"
)

// SetComplexity records the classification. It may be set exactly once.
func (s *State) SetComplexity(c Complexity) error {
	if s.Terminal() {
		return ErrSessionClosed
	}
	if s.Complexity != ComplexityUnset {
		return fmt.Errorf("%w: %s", ErrComplexityFixed, s.Complexity)
	}
	switch c {
	case ComplexitySimple, ComplexityComplex, ComplexityOutOfScope:
	default:
		return fmt.Errorf("invalid complexity %q", c)
	}
	s.Complexity = c
	s.touch()
	return nil
}

// AcceptPlan installs a validated plan. Tasks are normalized to PENDING with
// a zero retry count. Plan structure is immutable afterwards; only status and
// retry counts change.
func (s *State) AcceptPlan(tasks []*Task) error {
	if s.Terminal() {
		return ErrSessionClosed
	}
	if len(s.TaskPlan) > 0 {
		return fmt.Errorf("plan already accepted (%d tasks)", len(s.TaskPlan))
	}
	return s.appendTasks(tasks)
}

// AppendPlan extends the plan with replacement tasks produced by replanning.
// Existing entries keep their status and results.
func (s *State) AppendPlan(tasks []*Task) error {
	if s.Terminal() {
		return ErrSessionClosed
	}
	return s.appendTasks(tasks)
}

func (s *State) appendTasks(tasks []*Task) error {
	for _, t := range tasks {
		if _, ok := s.Task(t.ID); ok {
			return fmt.Errorf("task %q already in plan", t.ID)
		}
		ct := *t
		ct.Status = TaskPending
		ct.RetryCount = 0
		s.TaskPlan = append(s.TaskPlan, &ct)
	}
	s.touch()
	return nil
}

// MarkRunning moves a PENDING task to RUNNING.
func (s *State) MarkRunning(id string) error {
	return s.transition(id, TaskPending, TaskRunning)
}

// MarkCompleted moves a RUNNING task to COMPLETED and stores its result.
// This is the only path that writes Results.
func (s *State) MarkCompleted(id string, result any) error {
	if err := s.transition(id, TaskRunning, TaskCompleted); err != nil {
		return err
	}
	s.Results[id] = result
	return nil
}

// MarkFailed moves a RUNNING task to FAILED.
func (s *State) MarkFailed(id string) error {
	return s.transition(id, TaskRunning, TaskFailed)
}

// MarkSkipped abandons a task. PENDING tasks are skipped when a dependency
// fails; FAILED tasks are skipped by remediation.
func (s *State) MarkSkipped(id string) error {
	t, ok := s.Task(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.Status != TaskPending && t.Status != TaskFailed {
		return fmt.Errorf("%w: %s %s -> %s", ErrBadTransition, id, t.Status, TaskSkipped)
	}
	t.Status = TaskSkipped
	s.touch()
	return nil
}

// ResetForRetry moves a FAILED task back to PENDING and increments its retry
// count. This is the only non-monotonic transition in the lifecycle.
func (s *State) ResetForRetry(id string) error {
	if err := s.transition(id, TaskFailed, TaskPending); err != nil {
		return err
	}
	t, _ := s.Task(id)
	t.RetryCount++
	return nil
}

// MarkInterrupted converts a RUNNING task to FAILED on resume and returns
// the audit record to append. Completed tasks are untouched.
func (s *State) MarkInterrupted(id string) (ErrorRecord, error) {
	t, ok := s.Task(id)
	if !ok {
		return ErrorRecord{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if err := s.MarkFailed(id); err != nil {
		return ErrorRecord{}, err
	}
	rec := ErrorRecord{
		TaskID:     id,
		Capability: t.Capability,
		Tool:       t.Tool,
		Kind:       KindInterrupted,
		Message:    "task was running when the session was interrupted",
		RetryCount: t.RetryCount,
	}
	s.AppendError(rec)
	return rec, nil
}

// AppendError appends a record to the audit trail. The trail is append-only;
// nothing ever edits or removes entries. A zero timestamp is stamped now.
func (s *State) AppendError(rec ErrorRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	s.ErrorLog = append(s.ErrorLog, rec)
	s.touch()
}

// AppendNote appends a remediation audit note for the given task.
func (s *State) AppendNote(taskID, label, message string) {
	s.AppendError(ErrorRecord{
		TaskID:  taskID,
		Kind:    KindNote,
		Note:    label,
		Message: message,
	})
}

// DiscardPending removes PENDING tasks from the plan ahead of replanning and
// returns their ids in plan order. Completed, failed, and skipped entries
// stay as context for the new plan.
func (s *State) DiscardPending() []string {
	var dropped []string
	kept := s.TaskPlan[:0]
	for _, t := range s.TaskPlan {
		if t.Status == TaskPending {
			dropped = append(dropped, t.ID)
			continue
		}
		kept = append(kept, t)
	}
	s.TaskPlan = kept
	if len(dropped) > 0 {
		s.touch()
	}
	return dropped
}

// IncrementReplans counts a planner round-trip triggered by remediation.
func (s *State) IncrementReplans() {
	s.ReplanCount++
	s.touch()
}

// SetFinalAnswer records the answer and moves the session to DONE. It may be
// written exactly once; the aggregate is immutable afterwards.
func (s *State) SetFinalAnswer(answer string) error {
	if s.Status == SessionAborted {
		return ErrSessionClosed
	}
	if s.FinalAnswer != "" {
		return ErrAnswerFixed
	}
	s.FinalAnswer = answer
	s.Status = SessionDone
	s.touch()
	return nil
}

// Abort terminates the session with a fatal error.
func (s *State) Abort(fatal error) {
	if s.Terminal() {
		return
	}
	s.Status = SessionAborted
	if fatal != nil {
		s.FatalError = fatal.Error()
	}
	s.touch()
}

func (s *State) transition(id string, from, to TaskStatus) error {
	if s.Terminal() {
		return ErrSessionClosed
	}
	t, ok := s.Task(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.Status != from {
		return fmt.Errorf("%w: %s %s -> %s", ErrBadTransition, id, t.Status, to)
	}
	t.Status = to
	s.touch()
	return nil
}
