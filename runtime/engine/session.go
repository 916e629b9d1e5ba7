package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tessera-ai/tessera/runtime/capability"
	"github.com/tessera-ai/tessera/runtime/checkpoint"
	"github.com/tessera-ai/tessera/runtime/hooks"
	"github.com/tessera-ai/tessera/runtime/oracle"
	"github.com/tessera-ai/tessera/runtime/plan"
	"github.com/tessera-ai/tessera/runtime/remedy"
	"github.com/tessera-ai/tessera/runtime/state"
)

// Audit labels recorded on remediation notes.
const (
	noteRetry   = "RETRY_ATTEMPT"
	noteReplan  = "REPLAN_TRIGGERED"
	noteSkipped = "TASK_SKIPPED"
)

// Reserved input keys injected at dispatch time. The plan structure itself
// never mutates; per-attempt data travels through these keys.
const (
	// inputSessionID carries the session id to the executor.
	inputSessionID = "_session_id"
	// inputDependencies carries the dependency results keyed by task id.
	inputDependencies = "_dependency_results"
	// inputHint carries the remediation hint on RETRY_WITH_HINT attempts.
	inputHint = "_hint"
)

// refPrefix marks an input value that resolves to a prior task's result.
const refPrefix = "$ref:"

// session is the single writer for one aggregate. All state mutation happens
// on the goroutine running the phase loop; concurrent dispatches return
// outcomes that are applied serially here.
type session struct {
	eng    *Engine
	st     *state.State
	seq    uint64
	phase  Phase
	deltas chan<- Delta

	// hints maps task id to the corrective hint attached by the last
	// RETRY_WITH_HINT decision.
	hints map[string]string

	// replanCause carries the failure description into the next PLAN
	// round.
	replanCause string
}

// entryPhase picks where a restored session re-enters the machine.
func (s *session) entryPhase() Phase {
	switch {
	case s.st.Complexity == state.ComplexityUnset:
		return PhaseRoute
	case s.st.Complexity == state.ComplexityOutOfScope:
		return PhaseFallback
	case s.st.PlanSize() == 0:
		return PhasePlan
	default:
		return PhaseExecute
	}
}

// run drives the phase loop to a terminal state. Execution errors never
// escape; the returned error is a fatal classification, planning, or
// persistence failure.
func (s *session) run(ctx context.Context, entry Phase) (*state.State, error) {
	s.phase = entry
	for {
		if err := ctx.Err(); err != nil {
			return s.abort(ctx, fmt.Errorf("session canceled: %w", err))
		}
		s.emit(Delta{Phase: s.phase})

		var err error
		var next Phase
		switch s.phase {
		case PhaseRoute:
			next, err = s.route(ctx)
		case PhasePlan:
			next, err = s.plan(ctx)
		case PhaseExecute:
			next, err = s.execute(ctx)
		case PhaseAnswer:
			next, err = s.answer(ctx)
		case PhaseFallback:
			next, err = s.fallback(ctx)
		case PhaseDone:
			s.finish(ctx)
			return s.st, nil
		default:
			return s.abort(ctx, fmt.Errorf("engine reached unknown phase %q", s.phase))
		}
		if err != nil {
			return s.abort(ctx, err)
		}
		s.phase = next
	}
}

// route classifies the query and branches on the returned complexity.
func (s *session) route(ctx context.Context) (Phase, error) {
	ctx, span := s.eng.tracer.Start(ctx, "session.route")
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, s.eng.oracleTimeout)
	complexity, err := s.eng.classifier.Classify(callCtx, s.st.OriginalQuery)
	cancel()
	if err != nil {
		var cerr *oracle.ClassificationError
		if !errors.As(err, &cerr) {
			err = &oracle.ClassificationError{Detail: "classifier call failed", Err: err}
		}
		return "", err
	}
	// Enum membership is checked here regardless of what the classifier
	// claims to have returned.
	if _, err := oracle.ParseComplexity(string(complexity)); err != nil {
		return "", err
	}
	if err := s.st.SetComplexity(complexity); err != nil {
		return "", err
	}
	s.eng.logger.Info(ctx, "query classified",
		"session_id", s.st.SessionID, "complexity", string(complexity))
	s.eng.metrics.IncCounter("tessera.sessions.classified", 1, "complexity", string(complexity))

	switch complexity {
	case state.ComplexityOutOfScope:
		return PhaseFallback, nil
	default:
		// SIMPLE queries also go through PLAN, constrained to a
		// single task.
		return PhasePlan, nil
	}
}

// plan asks the planning oracle for tasks and accepts them only after schema
// and structural validation. Any failure here is fatal.
func (s *session) plan(ctx context.Context) (Phase, error) {
	ctx, span := s.eng.tracer.Start(ctx, "session.plan")
	defer span.End()

	req := oracle.PlanRequest{
		Query:      s.st.OriginalQuery,
		Catalog:    s.eng.registry.Catalog(),
		Reserved:   s.planIDs(),
		Failure:    s.replanCause,
		SingleTask: s.st.Complexity == state.ComplexitySimple,
	}
	if len(s.st.Results) > 0 {
		req.Completed = make(map[string]any, len(s.st.Results))
		for id, result := range s.st.Results {
			req.Completed[id] = result
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.eng.oracleTimeout)
	proposals, err := s.eng.planner.Plan(callCtx, req)
	cancel()
	if err != nil {
		var perr *plan.Error
		if errors.As(err, &perr) {
			return "", err
		}
		return "", &plan.Error{Code: plan.CodeOracleFailure, Detail: fmt.Sprintf("planner call failed: %v", err)}
	}
	if req.SingleTask && len(proposals) != 1 {
		return "", &plan.Error{
			Code:   plan.CodeOracleFailure,
			Detail: fmt.Sprintf("expected a single-task plan, got %d tasks", len(proposals)),
		}
	}
	if err := oracle.ValidateProposal(proposals); err != nil {
		return "", err
	}

	tasks := oracle.Tasks(proposals)
	vc := plan.Context{Reserved: req.Reserved, Satisfied: s.st.CompletedIDs()}
	if err := plan.Validate(tasks, s.eng.registry, vc); err != nil {
		return "", err
	}
	if err := s.st.AppendPlan(tasks); err != nil {
		return "", err
	}
	s.replanCause = ""
	if err := s.save(ctx); err != nil {
		return "", err
	}

	s.eng.logger.Info(ctx, "plan accepted",
		"session_id", s.st.SessionID, "tasks", len(tasks), "replan_count", s.st.ReplanCount)
	return PhaseExecute, nil
}

// execute runs one iteration of the execute loop: skip dependency-blocked
// tasks, dispatch the ready set, apply outcomes in plan order, and hand
// failures to remediation.
func (s *session) execute(ctx context.Context) (Phase, error) {
	// Tasks whose dependencies failed or were skipped cascade to SKIPPED
	// without ever dispatching.
	for {
		blocked := plan.Blocked(s.st.TaskPlan)
		if len(blocked) == 0 {
			break
		}
		for _, t := range blocked {
			if err := s.skipTask(ctx, t.ID, "dependency failed or skipped"); err != nil {
				return "", err
			}
		}
	}

	ready := plan.ReadySet(s.st.TaskPlan)
	if len(ready) == 0 {
		return PhaseAnswer, nil
	}
	if n := s.eng.maxConcurrent; len(ready) > n {
		ready = ready[:n]
	}

	outcomes, err := s.dispatchBatch(ctx, ready)
	if err != nil {
		return "", err
	}

	// Outcomes are applied serially through this single writer, in plan
	// order, so checkpoints stay deterministic even with concurrency.
	var failures []*state.ErrorRecord
	for i, t := range ready {
		out := outcomes[i]
		if out.err == nil {
			if err := s.completeTask(ctx, t.ID, out.result, out.duration); err != nil {
				return "", err
			}
			continue
		}
		rec, err := s.failTask(ctx, t, out.err, out.duration)
		if err != nil {
			return "", err
		}
		failures = append(failures, rec)
	}

	for _, rec := range failures {
		next, err := s.remediate(ctx, rec)
		if err != nil {
			return "", err
		}
		if next != PhaseExecute {
			return next, nil
		}
	}
	return PhaseExecute, nil
}

type dispatchOutcome struct {
	result   any
	err      error
	duration time.Duration
}

// dispatchBatch marks the tasks RUNNING and invokes their executors, bounded
// by the worker pool. Only the status transitions and checkpoints touch the
// aggregate; they happen before and after the parallel section.
func (s *session) dispatchBatch(ctx context.Context, batch []*state.Task) ([]dispatchOutcome, error) {
	for _, t := range batch {
		if err := s.st.MarkRunning(t.ID); err != nil {
			return nil, err
		}
		if err := s.save(ctx); err != nil {
			return nil, err
		}
		s.publish(ctx, hooks.NewTaskStarted(s.st.SessionID, t))
		s.emit(Delta{Phase: PhaseExecute, TaskID: t.ID, TaskStatus: state.TaskRunning})
	}

	outcomes := make([]dispatchOutcome, len(batch))
	var g errgroup.Group
	for i, t := range batch {
		inputs, err := s.resolveInputs(t)
		if err != nil {
			outcomes[i] = dispatchOutcome{err: err}
			continue
		}
		g.Go(func() error {
			taskCtx, span := s.eng.tracer.Start(ctx, "task.dispatch")
			defer span.End()
			start := time.Now()
			result, err := s.eng.dispatcher.Dispatch(taskCtx, t.Capability, t.Tool, inputs)
			outcomes[i] = dispatchOutcome{result: result, err: err, duration: time.Since(start)}
			if err != nil {
				span.RecordError(err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// resolveInputs copies the task inputs, resolves $ref values against stored
// results, and injects the reserved dispatch keys.
func (s *session) resolveInputs(t *state.Task) (map[string]any, error) {
	inputs := make(map[string]any, len(t.Inputs)+3)
	for k, v := range t.Inputs {
		ref, ok := v.(string)
		if ok && len(ref) > len(refPrefix) && ref[:len(refPrefix)] == refPrefix {
			id := ref[len(refPrefix):]
			result, ok := s.st.Results[id]
			if !ok {
				return nil, capability.NewExecutionError(state.KindInvalidInput,
					fmt.Errorf("input %q references task %q which has no result", k, id))
			}
			inputs[k] = result
			continue
		}
		inputs[k] = v
	}

	inputs[inputSessionID] = s.st.SessionID
	if len(t.DependsOn) > 0 {
		deps := make(map[string]any, len(t.DependsOn))
		for _, id := range t.DependsOn {
			if result, ok := s.st.Results[id]; ok {
				deps[id] = result
			}
		}
		inputs[inputDependencies] = deps
	}
	if hint, ok := s.hints[t.ID]; ok {
		inputs[inputHint] = hint
	}
	return inputs, nil
}

// completeTask applies a successful dispatch.
func (s *session) completeTask(ctx context.Context, taskID string, result any, d time.Duration) error {
	if err := s.st.MarkCompleted(taskID, result); err != nil {
		return err
	}
	delete(s.hints, taskID)
	if err := s.save(ctx); err != nil {
		return err
	}
	s.publish(ctx, hooks.NewTaskCompleted(s.st.SessionID, taskID, d))
	s.emit(Delta{Phase: PhaseExecute, TaskID: taskID, TaskStatus: state.TaskCompleted})
	s.eng.metrics.IncCounter("tessera.tasks.completed", 1)
	s.eng.metrics.RecordTimer("tessera.task.duration", d, "status", "completed")
	s.eng.logger.Debug(ctx, "task completed", "session_id", s.st.SessionID, "task_id", taskID)
	return nil
}

// failTask records a classified dispatch failure. The returned record feeds
// remediation; the error return is fatal only.
func (s *session) failTask(ctx context.Context, t *state.Task, dispatchErr error, d time.Duration) (*state.ErrorRecord, error) {
	kind := capability.ClassifyError(dispatchErr)
	var perr *capability.PermissionError
	if errors.As(dispatchErr, &perr) {
		// A plan that passed validation but fails the dispatch-time
		// permission re-check is stale or tampered; the task cannot
		// ever succeed.
		kind = state.KindUnrecoverable
	}
	rec := state.ErrorRecord{
		TaskID:     t.ID,
		Capability: t.Capability,
		Tool:       t.Tool,
		Kind:       kind,
		Message:    dispatchErr.Error(),
		RetryCount: t.RetryCount,
	}
	s.st.AppendError(rec)
	if err := s.st.MarkFailed(t.ID); err != nil {
		return nil, err
	}
	if err := s.save(ctx); err != nil {
		return nil, err
	}
	s.publish(ctx, hooks.NewTaskFailed(s.st.SessionID, rec, d))
	s.emit(Delta{Phase: PhaseExecute, TaskID: t.ID, TaskStatus: state.TaskFailed})
	s.eng.metrics.IncCounter("tessera.tasks.failed", 1, "kind", string(kind))
	s.eng.logger.Warn(ctx, "task failed",
		"session_id", s.st.SessionID, "task_id", t.ID, "kind", string(kind), "error", rec.Message)
	return &rec, nil
}

// remediate applies the policy decision for one failure. Returns the next
// phase: EXECUTE to continue the loop, PLAN on a replan.
func (s *session) remediate(ctx context.Context, rec *state.ErrorRecord) (Phase, error) {
	s.emit(Delta{Phase: PhaseRemediate, TaskID: rec.TaskID})
	t, ok := s.st.Task(rec.TaskID)
	if !ok {
		return "", fmt.Errorf("remediate: %w: %s", state.ErrUnknownTask, rec.TaskID)
	}

	decision := s.eng.policy.Decide(rec.Kind, t.RetryCount, s.st.PlanSize())
	if decision.Action == remedy.ActionReplan && s.st.ReplanCount >= s.eng.maxReplans {
		decision = remedy.Decision{
			Action: remedy.ActionSkip,
			Reason: fmt.Sprintf("replan budget %d exhausted", s.eng.maxReplans),
		}
	}
	s.eng.logger.Info(ctx, "remediation decided",
		"session_id", s.st.SessionID, "task_id", rec.TaskID,
		"kind", string(rec.Kind), "action", string(decision.Action), "reason", decision.Reason)
	s.eng.metrics.IncCounter("tessera.remediations", 1, "action", string(decision.Action))

	switch decision.Action {
	case remedy.ActionRetry, remedy.ActionRetryWithHint:
		s.st.AppendNote(rec.TaskID, noteRetry, decision.Reason)
		if decision.Hint != "" {
			if s.hints == nil {
				s.hints = make(map[string]string)
			}
			s.hints[rec.TaskID] = decision.Hint
		}
		if err := s.st.ResetForRetry(rec.TaskID); err != nil {
			return "", err
		}
		if err := s.save(ctx); err != nil {
			return "", err
		}
		s.emit(Delta{Phase: PhaseRemediate, TaskID: rec.TaskID, TaskStatus: state.TaskPending})
		return PhaseExecute, nil

	case remedy.ActionReplan:
		if err := s.st.MarkSkipped(rec.TaskID); err != nil {
			return "", err
		}
		discarded := s.st.DiscardPending()
		s.st.IncrementReplans()
		s.st.AppendNote(rec.TaskID, noteReplan, decision.Reason)
		s.replanCause = fmt.Sprintf("task %s failed with %s: %s", rec.TaskID, rec.Kind, rec.Message)
		if err := s.save(ctx); err != nil {
			return "", err
		}
		s.publish(ctx, hooks.NewReplanTriggered(s.st.SessionID, rec.TaskID, discarded))
		s.emit(Delta{Phase: PhasePlan, TaskID: rec.TaskID, TaskStatus: state.TaskSkipped})
		return PhasePlan, nil

	default:
		if err := s.skipTask(ctx, rec.TaskID, decision.Reason); err != nil {
			return "", err
		}
		return PhaseExecute, nil
	}
}

// skipTask abandons a task with an audit note and checkpoint.
func (s *session) skipTask(ctx context.Context, taskID, reason string) error {
	if err := s.st.MarkSkipped(taskID); err != nil {
		return err
	}
	s.st.AppendNote(taskID, noteSkipped, reason)
	if err := s.save(ctx); err != nil {
		return err
	}
	s.publish(ctx, hooks.NewTaskSkipped(s.st.SessionID, taskID, reason))
	s.emit(Delta{Phase: PhaseExecute, TaskID: taskID, TaskStatus: state.TaskSkipped})
	s.eng.metrics.IncCounter("tessera.tasks.skipped", 1)
	return nil
}

// answer synthesizes the final answer from the full state, retrying once and
// falling back to the deterministic template.
func (s *session) answer(ctx context.Context) (Phase, error) {
	ctx, span := s.eng.tracer.Start(ctx, "session.answer")
	defer span.End()

	text, err := s.synthesizeOnce(ctx)
	if err != nil {
		s.eng.logger.Warn(ctx, "answer synthesis failed, retrying",
			"session_id", s.st.SessionID, "error", err.Error())
		text, err = s.synthesizeOnce(ctx)
	}
	if err != nil {
		s.eng.logger.Warn(ctx, "answer synthesis failed twice, using fallback summary",
			"session_id", s.st.SessionID, "error", err.Error())
		text = summaryAnswer(s.st)
	}
	if err := s.st.SetFinalAnswer(text); err != nil {
		return "", err
	}
	if err := s.save(ctx); err != nil {
		return "", err
	}
	return PhaseDone, nil
}

func (s *session) synthesizeOnce(ctx context.Context) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.eng.oracleTimeout)
	defer cancel()
	text, err := s.eng.synthesizer.Synthesize(callCtx, s.st.Clone())
	if err != nil {
		var serr *oracle.SynthesisError
		if errors.As(err, &serr) {
			return "", err
		}
		return "", &oracle.SynthesisError{Detail: "synthesizer call failed", Err: err}
	}
	if text == "" {
		return "", &oracle.SynthesisError{Detail: "synthesizer returned an empty answer"}
	}
	return text, nil
}

// fallback answers an out-of-scope query with a polite refusal.
func (s *session) fallback(ctx context.Context) (Phase, error) {
	text := ""
	if s.eng.refuser != nil {
		callCtx, cancel := context.WithTimeout(ctx, s.eng.oracleTimeout)
		refusal, err := s.eng.refuser.Refuse(callCtx, s.st.OriginalQuery, s.eng.registry.Catalog())
		cancel()
		if err == nil && refusal != "" {
			text = refusal
		} else if err != nil {
			s.eng.logger.Warn(ctx, "refusal oracle failed, using template",
				"session_id", s.st.SessionID, "error", err.Error())
		}
	}
	if text == "" {
		text = refusalAnswer(s.eng.registry.Catalog())
	}
	if err := s.st.SetFinalAnswer(text); err != nil {
		return "", err
	}
	if err := s.save(ctx); err != nil {
		return "", err
	}
	return PhaseDone, nil
}

// finish publishes the terminal event for a non-aborted session.
func (s *session) finish(ctx context.Context) {
	outcome := Outcome(s.st)
	s.publish(ctx, hooks.NewSessionCompleted(s.st.SessionID, s.st.Status, outcome))
	s.eng.metrics.IncCounter("tessera.sessions.completed", 1, "outcome", outcome)
	s.eng.logger.Info(ctx, "session completed",
		"session_id", s.st.SessionID, "outcome", outcome, "errors", len(s.st.ErrorLog))
	s.phase = PhaseDone
}

// abort terminates the session on a fatal error, persisting a last
// consistent checkpoint on a best-effort basis.
func (s *session) abort(ctx context.Context, fatal error) (*state.State, error) {
	s.st.Abort(fatal)
	s.phase = PhaseAborted
	if err := s.save(context.WithoutCancel(ctx)); err != nil {
		s.eng.logger.Error(ctx, "checkpoint on abort failed",
			"session_id", s.st.SessionID, "error", err.Error())
	}
	s.publish(ctx, hooks.NewSessionCompleted(s.st.SessionID, s.st.Status, OutcomeFatal))
	s.eng.metrics.IncCounter("tessera.sessions.completed", 1, "outcome", OutcomeFatal)
	s.eng.logger.Error(ctx, "session aborted",
		"session_id", s.st.SessionID, "error", fatal.Error())
	return s.st, fatal
}

// save checkpoints the aggregate with the next sequence number. Persistence
// failures are fatal to the session.
func (s *session) save(ctx context.Context) error {
	data, err := s.st.Snapshot()
	if err != nil {
		return fmt.Errorf("persist session %s: %w", s.st.SessionID, err)
	}
	s.seq++
	saveCtx, cancel := context.WithTimeout(ctx, s.eng.checkpointTimeout)
	defer cancel()
	err = s.eng.checkpoints.Save(saveCtx, checkpoint.Snapshot{
		SessionID: s.st.SessionID,
		Seq:       s.seq,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("persist session %s seq %d: %w", s.st.SessionID, s.seq, err)
	}
	return nil
}

// publish fans an event out to the hooks bus. Subscriber failures are logged
// and never affect the session.
func (s *session) publish(ctx context.Context, event hooks.Event) {
	if s.eng.hooks == nil {
		return
	}
	if err := s.eng.hooks.Publish(ctx, event); err != nil {
		s.eng.logger.Warn(ctx, "event subscriber failed",
			"session_id", s.st.SessionID, "event", string(event.Type()), "error", err.Error())
	}
}

// emit sends a delta to the stream channel when streaming.
func (s *session) emit(d Delta) {
	if s.deltas == nil {
		return
	}
	select {
	case s.deltas <- d:
	default:
		// A slow consumer drops intermediate deltas; the terminal
		// delta is always delivered by the stream goroutine.
	}
}

// planIDs returns every task id the session has used, including ids whose
// tasks were discarded but whose results remain.
func (s *session) planIDs() []string {
	seen := make(map[string]struct{}, s.st.PlanSize()+len(s.st.Results))
	var ids []string
	for _, t := range s.st.TaskPlan {
		if _, ok := seen[t.ID]; !ok {
			seen[t.ID] = struct{}{}
			ids = append(ids, t.ID)
		}
	}
	for id := range s.st.Results {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
