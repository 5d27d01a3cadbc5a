package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/toolmesh/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit event types
const (
	TypeInvocation = "invocation"
	TypeSecurity   = "security"
	TypeConfig     = "config"
)

// Audit statuses
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// AuditEvent represents a structured event for the audit log
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // client id or remote address
	Action    string                 `json:"action"`          // e.g. "invoke", "ws.auth", "reload"
	Status    string                 `json:"status"`          // "success", "failure"
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger appends audit events as JSON lines. A nil *AuditLogger
// records nothing.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   io.Closer
}

// NewAuditLogger writes events to w.
func NewAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{
		logger: zerolog.New(w),
	}
}

// OpenAuditLogger appends events to the file at path.
func OpenAuditLogger(path string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	a := NewAuditLogger(file)
	a.file = file
	return a, nil
}

// Record emits an audit event to the log and, when the context carries a
// recording span, as a span event.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}
	if event.TraceID == "" && span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
	}
	if span.IsRecording() {
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("event_type", event.Type).
		Time("timestamp", event.Timestamp).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.TraceID != "" {
		entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Send()
}

// Close closes the audit log file, if any.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// RecordInvocation audits a finished agent invocation.
func (a *AuditLogger) RecordInvocation(ctx context.Context, actor string, err error, metadata map[string]interface{}) {
	status := StatusSuccess
	if err != nil {
		status = StatusFailure
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		metadata["error"] = err.Error()
	}
	a.Record(ctx, AuditEvent{
		Type:     TypeInvocation,
		Actor:    actor,
		Action:   "invoke",
		Status:   status,
		Metadata: metadata,
	})
}

// RecordSecurity audits an authentication decision.
func (a *AuditLogger) RecordSecurity(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	a.Record(ctx, AuditEvent{
		Type:     TypeSecurity,
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordConfig audits a configuration change.
func (a *AuditLogger) RecordConfig(ctx context.Context, action string, metadata map[string]interface{}) {
	a.Record(ctx, AuditEvent{
		Type:     TypeConfig,
		Action:   action,
		Status:   StatusSuccess,
		Metadata: metadata,
	})
}
