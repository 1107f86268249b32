package executor

import (
	"context"
	"fmt"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

// ValidationError marks a handler failure as validation_error rather than
// handler_error — a payload that doesn't match the tool's declared schema,
// as opposed to a failure while actually doing the work.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// InvokeInput is what every handler interface receives, regardless of
// capability type: the full capability record (for metadata/model
// selection), the tool name if one was addressed explicitly, and the raw
// request payload.
type InvokeInput struct {
	Capability *meshmodel.Capability
	Tool       string
	Payload    []byte
}

// Handler is the minimal shape every capability-type handler implements.
// The small-interface-per-type handlers below (ChatHandler, EmbedHandler,
// ...) each satisfy Handler via a thin adapter, so HandlerSet can dispatch
// on Capability.Type without a type switch at every call site.
type Handler interface {
	Invoke(ctx context.Context, in InvokeInput) ([]byte, error)
}

// ChatHandler serves llm/chat-type capabilities: OpenAI-style chat
// completion over a local model.
type ChatHandler interface {
	Chat(ctx context.Context, in InvokeInput) ([]byte, error)
}

// EmbedHandler serves llm/embed-type capabilities.
type EmbedHandler interface {
	Embed(ctx context.Context, in InvokeInput) ([]byte, error)
}

// ToolHandler serves tool/*-type capabilities: arbitrary named tool
// invocations validated against the tool's declared parameter schema.
type ToolHandler interface {
	InvokeTool(ctx context.Context, in InvokeInput) ([]byte, error)
}

// AnomalyHandler serves ml/anomaly-type capabilities.
type AnomalyHandler interface {
	DetectAnomaly(ctx context.Context, in InvokeInput) ([]byte, error)
}

// ClassifyHandler serves ml/classify-type capabilities.
type ClassifyHandler interface {
	Classify(ctx context.Context, in InvokeInput) ([]byte, error)
}

// HandlerSet maps capability types to the handler that serves them.
// Building it with explicit Register* methods (rather than a single
// generic RegisterHandler(Type, Handler)) keeps each capability type's
// handler interface narrow, per the design notes' small-interface
// guidance, while still giving the Executor one uniform Lookup.
type HandlerSet struct {
	byType map[meshmodel.CapabilityType]Handler
}

// NewHandlerSet creates an empty HandlerSet.
func NewHandlerSet() *HandlerSet {
	return &HandlerSet{byType: make(map[meshmodel.CapabilityType]Handler)}
}

// RegisterChat wires a ChatHandler to capability type t (e.g. "llm/chat").
func (hs *HandlerSet) RegisterChat(t meshmodel.CapabilityType, h ChatHandler) {
	hs.byType[t] = handlerFunc(h.Chat)
}

// RegisterEmbed wires an EmbedHandler to capability type t.
func (hs *HandlerSet) RegisterEmbed(t meshmodel.CapabilityType, h EmbedHandler) {
	hs.byType[t] = handlerFunc(h.Embed)
}

// RegisterTool wires a ToolHandler to capability type t.
func (hs *HandlerSet) RegisterTool(t meshmodel.CapabilityType, h ToolHandler) {
	hs.byType[t] = handlerFunc(h.InvokeTool)
}

// RegisterAnomaly wires an AnomalyHandler to capability type t.
func (hs *HandlerSet) RegisterAnomaly(t meshmodel.CapabilityType, h AnomalyHandler) {
	hs.byType[t] = handlerFunc(h.DetectAnomaly)
}

// RegisterClassify wires a ClassifyHandler to capability type t.
func (hs *HandlerSet) RegisterClassify(t meshmodel.CapabilityType, h ClassifyHandler) {
	hs.byType[t] = handlerFunc(h.Classify)
}

// Lookup returns the handler registered for t, if any.
func (hs *HandlerSet) Lookup(t meshmodel.CapabilityType) (Handler, bool) {
	h, ok := hs.byType[t]
	return h, ok
}

// handlerFunc adapts a bare invoke function to the Handler interface, the
// same way http.HandlerFunc adapts a function to http.Handler.
type handlerFunc func(ctx context.Context, in InvokeInput) ([]byte, error)

func (f handlerFunc) Invoke(ctx context.Context, in InvokeInput) ([]byte, error) { return f(ctx, in) }

// NewValidationError is a convenience constructor handlers can use to
// signal a validation_error classification rather than handler_error.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
