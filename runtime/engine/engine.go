// Package engine implements the control-flow state machine that drives a
// session from classification through planning, the execute/remediate loop,
// and answer synthesis. The engine owns the state aggregate for the duration
// of a session under single-writer discipline, checkpoints after every task
// status transition, and never lets an individual task failure terminate the
// session; only classification, planning, and persistence failures are
// fatal.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tessera-ai/tessera/runtime/capability"
	"github.com/tessera-ai/tessera/runtime/checkpoint"
	"github.com/tessera-ai/tessera/runtime/checkpoint/inmem"
	"github.com/tessera-ai/tessera/runtime/hooks"
	"github.com/tessera-ai/tessera/runtime/oracle"
	"github.com/tessera-ai/tessera/runtime/remedy"
	"github.com/tessera-ai/tessera/runtime/state"
	"github.com/tessera-ai/tessera/runtime/telemetry"
)

// Outcome codes returned at the API boundary.
const (
	// OutcomeSuccess: final answer set, no errors encountered.
	OutcomeSuccess = "SUCCESS"
	// OutcomePartial: final answer set, error log non-empty.
	OutcomePartial = "PARTIAL"
	// OutcomeFatal: session aborted without a final answer.
	OutcomeFatal = "FATAL"
)

// Phase identifies a position in the engine state machine.
type Phase string

const (
	PhaseRoute     Phase = "ROUTE"
	PhasePlan      Phase = "PLAN"
	PhaseExecute   Phase = "EXECUTE"
	PhaseRemediate Phase = "REMEDIATE"
	PhaseAnswer    Phase = "ANSWER"
	PhaseFallback  Phase = "FALLBACK"
	PhaseDone      Phase = "DONE"
	PhaseAborted   Phase = "ABORTED"
)

type (
	// Options configures an Engine. Registry, Classifier, Planner, and
	// Synthesizer are required; everything else has working defaults.
	Options struct {
		// Registry is the capability authority used for plan
		// validation and dispatch.
		Registry *capability.Registry
		// Classifier assigns a complexity to the query.
		Classifier oracle.Classifier
		// Planner proposes task plans.
		Planner oracle.Planner
		// Synthesizer produces the final answer.
		Synthesizer oracle.Synthesizer
		// Refuser produces out-of-scope refusals. Optional; a static
		// template is used when nil.
		Refuser oracle.Refuser
		// Checkpoints persists session snapshots. Defaults to the
		// in-memory store.
		Checkpoints checkpoint.Store
		// Policy is the remediation table. Defaults to
		// remedy.DefaultPolicy.
		Policy *remedy.Policy
		// Hooks receives lifecycle events. Optional.
		Hooks hooks.Bus
		// Logger, Metrics, and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
		// OracleTimeout bounds each classifier, planner, and
		// synthesizer call. Defaults to 60s.
		OracleTimeout time.Duration
		// DispatchTimeout bounds each executor call. Defaults to 30s.
		DispatchTimeout time.Duration
		// CheckpointTimeout bounds each checkpoint save. Defaults
		// to 5s.
		CheckpointTimeout time.Duration
		// Dispatch carries per-capability rate limits for the
		// dispatcher. Its Timeout is superseded by DispatchTimeout.
		Dispatch capability.DispatcherOptions
		// MaxConcurrentDispatch bounds the worker pool for
		// independent ready tasks. Defaults to 1, which preserves
		// strict plan-order execution.
		MaxConcurrentDispatch int
		// MaxReplans bounds planner round-trips triggered by
		// remediation. Further REPLAN decisions degrade to SKIP_TASK.
		// Defaults to 2.
		MaxReplans int
	}

	// Engine runs sessions. Sessions are independent; one engine may run
	// any number of them concurrently, each with its own aggregate.
	Engine struct {
		registry    *capability.Registry
		dispatcher  *capability.Dispatcher
		classifier  oracle.Classifier
		planner     oracle.Planner
		synthesizer oracle.Synthesizer
		refuser     oracle.Refuser
		checkpoints checkpoint.Store
		policy      *remedy.Policy
		hooks       hooks.Bus
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		tracer      telemetry.Tracer

		oracleTimeout     time.Duration
		checkpointTimeout time.Duration
		maxConcurrent     int
		maxReplans        int
	}

	// Delta is one streamed state change. The terminal delta carries a
	// copy of the final state and, for aborted sessions, the fatal
	// error.
	Delta struct {
		Phase      Phase
		TaskID     string
		TaskStatus state.TaskStatus
		// Final is set on the terminal delta only.
		Final *state.State
		// Err is set on the terminal delta of an aborted session.
		Err error
	}
)

// New validates the options and constructs an engine.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("engine: capability registry is required")
	}
	if opts.Classifier == nil {
		return nil, fmt.Errorf("engine: classifier is required")
	}
	if opts.Planner == nil {
		return nil, fmt.Errorf("engine: planner is required")
	}
	if opts.Synthesizer == nil {
		return nil, fmt.Errorf("engine: synthesizer is required")
	}
	if opts.Checkpoints == nil {
		opts.Checkpoints = inmem.New()
	}
	if opts.Policy == nil {
		opts.Policy = remedy.DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	if opts.OracleTimeout <= 0 {
		opts.OracleTimeout = 60 * time.Second
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 30 * time.Second
	}
	if opts.CheckpointTimeout <= 0 {
		opts.CheckpointTimeout = 5 * time.Second
	}
	if opts.MaxConcurrentDispatch < 1 {
		opts.MaxConcurrentDispatch = 1
	}
	if opts.MaxReplans <= 0 {
		opts.MaxReplans = 2
	}

	dispatchOpts := opts.Dispatch
	dispatchOpts.Timeout = opts.DispatchTimeout

	return &Engine{
		registry:          opts.Registry,
		dispatcher:        capability.NewDispatcher(opts.Registry, dispatchOpts),
		classifier:        opts.Classifier,
		planner:           opts.Planner,
		synthesizer:       opts.Synthesizer,
		refuser:           opts.Refuser,
		checkpoints:       opts.Checkpoints,
		policy:            opts.Policy,
		hooks:             opts.Hooks,
		logger:            opts.Logger,
		metrics:           opts.Metrics,
		tracer:            opts.Tracer,
		oracleTimeout:     opts.OracleTimeout,
		checkpointTimeout: opts.CheckpointTimeout,
		maxConcurrent:     opts.MaxConcurrentDispatch,
		maxReplans:        opts.MaxReplans,
	}, nil
}

// Invoke runs a session to its terminal state. An empty sessionID gets a
// generated id. The returned state is always populated; the error is non-nil
// only when the session aborted on a fatal condition.
func (e *Engine) Invoke(ctx context.Context, query, sessionID string) (*state.State, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	s := &session{eng: e, st: state.New(sessionID, query)}
	s.publish(ctx, hooks.NewSessionStarted(sessionID, query, false))
	return s.run(ctx, PhaseRoute)
}

// Resume restores the latest checkpoint for the session and continues
// execution. Tasks that were RUNNING at the interruption are failed with
// INTERRUPTED and flow through normal remediation; COMPLETED tasks are never
// re-run. Resuming a session that already reached a terminal state returns
// that state unchanged.
func (e *Engine) Resume(ctx context.Context, sessionID string) (*state.State, error) {
	snap, err := e.checkpoints.LoadLatest(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", sessionID, err)
	}
	st, err := state.Restore(snap.Data)
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", sessionID, err)
	}
	if st.Terminal() {
		return st, nil
	}

	s := &session{eng: e, st: st, seq: snap.Seq}
	s.publish(ctx, hooks.NewSessionStarted(sessionID, st.OriginalQuery, true))

	// Tasks caught RUNNING by the interruption are failed with
	// INTERRUPTED and flow through normal remediation before the loop
	// re-enters.
	entry := s.entryPhase()
	for _, t := range st.TaskPlan {
		if t.Status != state.TaskRunning {
			continue
		}
		rec, err := st.MarkInterrupted(t.ID)
		if err != nil {
			return st, fmt.Errorf("resume session %s: %w", sessionID, err)
		}
		if err := s.save(ctx); err != nil {
			return s.abort(ctx, err)
		}
		next, err := s.remediate(ctx, &rec)
		if err != nil {
			return s.abort(ctx, err)
		}
		if next != PhaseExecute {
			entry = next
		}
	}

	return s.run(ctx, entry)
}

// Stream runs a session and emits a delta on every phase change and task
// status transition. The channel is finite: the terminal delta carries the
// final state (and the fatal error for aborted sessions), then the channel
// closes. A stream is not restartable; a new call starts a fresh session.
func (e *Engine) Stream(ctx context.Context, query, sessionID string) (<-chan Delta, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	deltas := make(chan Delta, 16)
	s := &session{eng: e, st: state.New(sessionID, query), deltas: deltas}
	go func() {
		defer close(deltas)
		s.publish(ctx, hooks.NewSessionStarted(sessionID, query, false))
		st, err := s.run(ctx, PhaseRoute)
		final := Delta{Phase: s.phase, Final: st.Clone(), Err: err}
		select {
		case deltas <- final:
		case <-ctx.Done():
		}
	}()
	return deltas, nil
}

// Outcome maps a terminal state to its API result code.
func Outcome(st *state.State) string {
	if st.Status == state.SessionAborted {
		return OutcomeFatal
	}
	if len(st.ErrorLog) > 0 {
		return OutcomePartial
	}
	return OutcomeSuccess
}
