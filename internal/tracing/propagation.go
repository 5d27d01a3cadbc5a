package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns baseLogger with the scope of ctx attached as
// trace_id, run_id, connection_id, call_id and tool. Unset fields are left
// out.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	s := FromContext(ctx)
	s.TraceID = GetTraceID(ctx)
	if s == (Scope{}) {
		return baseLogger
	}

	fields := baseLogger.With()
	for _, f := range []struct{ key, value string }{
		{"trace_id", s.TraceID},
		{"run_id", s.RunID},
		{"connection_id", s.ConnectionID},
		{"call_id", s.CallID},
		{"tool", s.Tool},
	} {
		if f.value != "" {
			fields = fields.Str(f.key, f.value)
		}
	}
	return fields.Logger()
}
