package tracing

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

type scopeKey struct{}

// Scope identifies where a piece of work belongs: the invocation (trace),
// the agent run inside it, the gateway connection it arrived on, and the
// tool call being dispatched. Each With* helper returns a context carrying
// a copy, so sibling tool calls never see each other's fields.
type Scope struct {
	TraceID      string
	RunID        string
	ConnectionID string
	CallID       string
	Tool         string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

// FromContext returns the scope carried by ctx; the zero Scope if none.
func FromContext(ctx context.Context) Scope {
	if s, ok := ctx.Value(scopeKey{}).(Scope); ok {
		return s
	}
	return Scope{}
}

func withScope(ctx context.Context, update func(*Scope)) context.Context {
	s := FromContext(ctx)
	update(&s)
	return context.WithValue(ctx, scopeKey{}, s)
}

// WithTraceID sets the invocation trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withScope(ctx, func(s *Scope) { s.TraceID = traceID })
}

// WithRunID sets the agent run ID.
func WithRunID(ctx context.Context, runID string) context.Context {
	return withScope(ctx, func(s *Scope) { s.RunID = runID })
}

// WithConnectionID sets the gateway connection a request arrived on.
func WithConnectionID(ctx context.Context, connectionID string) context.Context {
	return withScope(ctx, func(s *Scope) { s.ConnectionID = connectionID })
}

// WithToolCall sets the tool call being dispatched.
func WithToolCall(ctx context.Context, callID, tool string) context.Context {
	return withScope(ctx, func(s *Scope) {
		s.CallID = callID
		s.Tool = tool
	})
}

// GetTraceID returns the invocation trace ID, falling back to the trace of
// the active OpenTelemetry span when none was set.
func GetTraceID(ctx context.Context) string {
	if id := FromContext(ctx).TraceID; id != "" {
		return id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

func GetRunID(ctx context.Context) string {
	return FromContext(ctx).RunID
}

func GetConnectionID(ctx context.Context) string {
	return FromContext(ctx).ConnectionID
}

// NewRequestContext starts a new invocation trace.
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewRunContext creates a new context for one agent invocation with a new
// run ID. The trace ID, if any, is kept; a previous tool call is cleared.
func NewRunContext(ctx context.Context) context.Context {
	return withScope(ctx, func(s *Scope) {
		s.RunID = NewRunID()
		s.CallID = ""
		s.Tool = ""
	})
}
