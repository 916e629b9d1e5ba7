package capability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tessera-ai/tessera/runtime/state"
)

type (
	// ExecutionError is a classified task failure. Executors may return it
	// directly to control remediation; untyped errors are classified by
	// keyword heuristics.
	ExecutionError struct {
		Kind state.ErrorKind
		Err  error
	}

	// DispatcherOptions configures dispatch behavior.
	DispatcherOptions struct {
		// Timeout bounds a single executor call. Zero disables the
		// deadline.
		Timeout time.Duration
		// Limits applies a per-capability token bucket. Capabilities
		// absent from the map are unthrottled.
		Limits map[string]rate.Limit
		// Burst is the bucket size for rate-limited capabilities.
		// Defaults to 1.
		Burst int
	}

	// Dispatcher invokes executors with permission re-checks, per-call
	// deadlines, and per-capability throttling.
	Dispatcher struct {
		registry *Registry
		timeout  time.Duration
		limiters map[string]*rate.Limiter
	}
)

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the wrapped cause.
func (e *ExecutionError) Unwrap() error { return e.Err }

// NewExecutionError wraps err with an explicit kind.
func NewExecutionError(kind state.ErrorKind, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, Err: err}
}

// NewDispatcher constructs a dispatcher over the given registry.
func NewDispatcher(registry *Registry, opts DispatcherOptions) *Dispatcher {
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	limiters := make(map[string]*rate.Limiter, len(opts.Limits))
	for capName, limit := range opts.Limits {
		limiters[capName] = rate.NewLimiter(limit, burst)
	}
	return &Dispatcher{
		registry: registry,
		timeout:  opts.Timeout,
		limiters: limiters,
	}
}

// Dispatch runs one task's executor with the resolved inputs. Permission is
// re-asserted here independent of plan validation. The returned error is
// either a PermissionError or an ExecutionError carrying a classified kind.
func (d *Dispatcher) Dispatch(ctx context.Context, capName, tool string, inputs map[string]any) (any, error) {
	fn, err := d.registry.Executor(capName, tool)
	if err != nil {
		return nil, err
	}

	if limiter, ok := d.limiters[capName]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return nil, NewExecutionError(ClassifyError(err), fmt.Errorf("rate limit wait for %s: %w", capName, err))
		}
	}

	callCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	// The executor runs in its own goroutine so a call that ignores its
	// context still surfaces TIMEOUT at the deadline. A late result from
	// such a call is dropped.
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fn(callCtx, inputs)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-callCtx.Done():
		return nil, NewExecutionError(ClassifyError(callCtx.Err()), fmt.Errorf("dispatch %s/%s: %w", capName, tool, callCtx.Err()))
	case out := <-done:
		if out.err != nil {
			var execErr *ExecutionError
			if errors.As(out.err, &execErr) {
				return nil, execErr
			}
			return nil, NewExecutionError(ClassifyError(out.err), out.err)
		}
		return out.result, nil
	}
}

// ClassifyError maps an arbitrary executor error to the remediation
// taxonomy. Typed ExecutionErrors keep their kind; context deadline and
// cancellation map to TIMEOUT and INTERRUPTED; net.Error values are network
// failures; anything else falls back to message keywords.
func ClassifyError(err error) state.ErrorKind {
	if err == nil {
		return state.KindUnknown
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return state.KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return state.KindInterrupted
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return state.KindTimeout
		}
		return state.KindNetworkError
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "deadline"):
		return state.KindTimeout
	case containsAny(msg, "connection", "network", "rate limit", "quota", "too many requests"):
		return state.KindNetworkError
	case containsAny(msg, "unauthorized", "authentication", "api key", "credential", "forbidden"):
		return state.KindUnrecoverable
	case containsAny(msg, "invalid", "not found", "does not exist"):
		return state.KindInvalidInput
	case containsAny(msg, "malformed", "argument", "agent", "tool", "format", "parsing"):
		return state.KindAgentError
	default:
		return state.KindUnknown
	}
}

func containsAny(msg string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
