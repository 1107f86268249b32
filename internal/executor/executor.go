// Package executor implements the Executor contract of spec §4.6:
// execute(route_result, payload, timeout) -> Result, locally against a
// registered handler or remotely over a transport.Session, with timeout
// enforcement, failure classification, and an idempotency-gated
// fallback-to-alternative policy.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
	"github.com/atmosphere-mesh/atmosphere/internal/registry"
)

// FailureClass is the closed set of ways an execution attempt can fail
// (spec §4.6).
type FailureClass string

const (
	FailureNone             FailureClass = ""
	FailureValidationError  FailureClass = "validation_error"
	FailureHandlerError     FailureClass = "handler_error"
	FailureTimeout          FailureClass = "timeout"
	FailureUnavailable      FailureClass = "unavailable"
	FailureTransportFailure FailureClass = "transport_failure"
)

// Default deadlines per capability type (spec §4.6); used when the caller
// doesn't supply one.
const (
	DefaultLLMDeadline    = 30 * time.Second
	DefaultToolDeadline   = 5 * time.Second
	DefaultSensorDeadline = 2 * time.Second
)

// CancellationGrace is how long a cancelled handler is given to return
// before Execute stops waiting for it and returns a timeout result.
const CancellationGrace = 5 * time.Second

// Result is the outcome of one execution attempt.
type Result struct {
	RequestID string
	CapID     string
	Output    []byte
	Failure   FailureClass
	Err       error
	Duration  time.Duration
}

// Succeeded reports whether the call completed without a failure
// classification.
func (r *Result) Succeeded() bool { return r.Failure == FailureNone }

// Session is the remote-invocation abstraction the Executor needs from
// internal/transport: send one framed capability_invoke request to the
// capability's owner node and get back its capability_result (or an
// error, classified as transport_failure by the caller).
type Session interface {
	Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error)
}

// Dialer opens (or reuses) a Session to a node, the highest-priority
// available transport chosen internally by internal/transport.
type Dialer interface {
	Dial(ctx context.Context, nodeID string) (Session, error)
}

// InvokeRequest is the capability_invoke wire payload (spec §4.6).
type InvokeRequest struct {
	CapID     string
	Tool      string
	Payload   []byte
	RequestID string
	Deadline  time.Time
}

// InvokeResponse is the capability_result wire payload.
type InvokeResponse struct {
	RequestID string
	Output    []byte
	Failure   FailureClass
	ErrMsg    string
}

// Executor dispatches local handler calls and remote invocations.
type Executor struct {
	localNodeID string
	registry    *registry.Registry
	handlers    *HandlerSet
	dialer      Dialer
}

// New creates an Executor. dialer may be nil if this node never needs to
// invoke remote capabilities (e.g. a pure capability-provider edge node).
func New(localNodeID string, reg *registry.Registry, handlers *HandlerSet, dialer Dialer) *Executor {
	return &Executor{localNodeID: localNodeID, registry: reg, handlers: handlers, dialer: dialer}
}

// Execute runs one capability invocation end to end: local dispatch if the
// capability's owner is this node, remote dispatch (capability_invoke over
// a Session) otherwise. deadline is absolute; a zero deadline means "use
// the type's default" (spec §4.6).
func (e *Executor) Execute(ctx context.Context, capID, tool string, payload []byte, deadline time.Time) *Result {
	start := time.Now()
	requestID := uuid.NewString()

	cap, err := e.registry.Get(capID)
	if err != nil {
		return &Result{RequestID: requestID, CapID: capID, Failure: FailureUnavailable, Err: err, Duration: time.Since(start)}
	}

	if deadline.IsZero() {
		deadline = time.Now().Add(defaultDeadlineFor(cap.Type))
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var result *Result
	if cap.NodeID == e.localNodeID {
		result = e.executeLocal(ctx, cap, tool, payload, requestID)
	} else {
		result = e.executeRemote(ctx, cap, tool, payload, requestID, deadline)
	}
	result.Duration = time.Since(start)
	return result
}

func defaultDeadlineFor(t meshmodel.CapabilityType) time.Duration {
	s := string(t)
	switch {
	case t.IsAgent(), strings.HasPrefix(s, "llm/"):
		return DefaultLLMDeadline
	case t.IsTool():
		return DefaultToolDeadline
	case t.IsIOT(), strings.HasPrefix(s, "sensor/"):
		return DefaultSensorDeadline
	default:
		return DefaultToolDeadline
	}
}

// executeLocal resolves and invokes the registered handler for cap.Type,
// classifying the outcome (spec §4.6 local path).
func (e *Executor) executeLocal(ctx context.Context, cap *meshmodel.Capability, tool string, payload []byte, requestID string) *Result {
	handler, ok := e.handlers.Lookup(cap.Type)
	if !ok {
		return &Result{RequestID: requestID, CapID: cap.CapID, Failure: FailureUnavailable,
			Err: fmt.Errorf("%w: no handler registered for capability type %q", meshmodel.ErrNoCapability, cap.Type)}
	}

	if tool != "" {
		if _, ok := findTool(cap, tool); !ok {
			return &Result{RequestID: requestID, CapID: cap.CapID, Failure: FailureValidationError,
				Err: fmt.Errorf("%w: capability %q has no tool %q", meshmodel.ErrValidation, cap.CapID, tool)}
		}
	}

	done := make(chan handlerOutcome, 1)
	go func() {
		out, err := handler.Invoke(ctx, InvokeInput{Capability: cap, Tool: tool, Payload: payload})
		done <- handlerOutcome{output: out, err: err}
	}()

	select {
	case <-ctx.Done():
		select {
		case outcome := <-done:
			return classifyLocal(requestID, cap.CapID, outcome)
		case <-time.After(CancellationGrace):
			return &Result{RequestID: requestID, CapID: cap.CapID, Failure: FailureTimeout, Err: ctx.Err()}
		}
	case outcome := <-done:
		return classifyLocal(requestID, cap.CapID, outcome)
	}
}

type handlerOutcome struct {
	output []byte
	err    error
}

func classifyLocal(requestID, capID string, outcome handlerOutcome) *Result {
	if outcome.err == nil {
		return &Result{RequestID: requestID, CapID: capID, Output: outcome.output, Failure: FailureNone}
	}

	var ve *ValidationError
	switch {
	case errors.As(outcome.err, &ve):
		return &Result{RequestID: requestID, CapID: capID, Failure: FailureValidationError, Err: outcome.err}
	case errors.Is(outcome.err, context.DeadlineExceeded):
		return &Result{RequestID: requestID, CapID: capID, Failure: FailureTimeout, Err: outcome.err}
	default:
		return &Result{RequestID: requestID, CapID: capID, Failure: FailureHandlerError, Err: outcome.err}
	}
}

// executeRemote opens (or reuses) a session to the capability's owner and
// sends a framed capability_invoke request, classifying transport errors
// as transport_failure per spec §4.6.
func (e *Executor) executeRemote(ctx context.Context, cap *meshmodel.Capability, tool string, payload []byte, requestID string, deadline time.Time) *Result {
	if e.dialer == nil {
		return &Result{RequestID: requestID, CapID: cap.CapID, Failure: FailureTransportFailure,
			Err: fmt.Errorf("%w: no dialer configured for remote execution", meshmodel.ErrTransportFailure)}
	}

	session, err := e.dialer.Dial(ctx, cap.NodeID)
	if err != nil {
		return &Result{RequestID: requestID, CapID: cap.CapID, Failure: FailureTransportFailure,
			Err: fmt.Errorf("%w: dial %s: %v", meshmodel.ErrTransportFailure, cap.NodeID, err)}
	}

	resp, err := session.Invoke(ctx, &InvokeRequest{
		CapID:     cap.CapID,
		Tool:      tool,
		Payload:   payload,
		RequestID: requestID,
		Deadline:  deadline,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Result{RequestID: requestID, CapID: cap.CapID, Failure: FailureTimeout, Err: err}
		}
		return &Result{RequestID: requestID, CapID: cap.CapID, Failure: FailureTransportFailure,
			Err: fmt.Errorf("%w: %v", meshmodel.ErrTransportFailure, err)}
	}

	if resp.RequestID != requestID {
		// A late response for a previous call arriving on a reused
		// session; the spec requires dropping it, not returning it.
		return &Result{RequestID: requestID, CapID: cap.CapID, Failure: FailureTimeout,
			Err: fmt.Errorf("%w: response request_id mismatch, likely a late reply", meshmodel.ErrTimeout)}
	}

	return &Result{RequestID: requestID, CapID: cap.CapID, Output: resp.Output, Failure: resp.Failure,
		Err: failureErr(resp.Failure, resp.ErrMsg)}
}

func failureErr(failure FailureClass, msg string) error {
	if failure == FailureNone {
		return nil
	}
	if msg == "" {
		msg = string(failure)
	}
	return errors.New(msg)
}

// ShouldFallback reports whether the router may retry with the
// next-best alternative capability after this failure (spec §4.6
// idempotency gate): only on transport_failure/unavailable, or when the
// invoked tool is explicitly idempotent.
func ShouldFallback(result *Result, cap *meshmodel.Capability, tool string) bool {
	if result.Failure == FailureTransportFailure || result.Failure == FailureUnavailable {
		return true
	}
	if t, ok := findTool(cap, tool); ok && t.Idempotent {
		return true
	}
	return false
}

func findTool(cap *meshmodel.Capability, name string) (meshmodel.Tool, bool) {
	if name == "" {
		return meshmodel.Tool{}, false
	}
	for _, t := range cap.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return meshmodel.Tool{}, false
}
