package audit

import (
	"context"

	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/observability"
)

// Logger receives committed audit entries
type Logger interface {
	// Log records an entry
	Log(ctx context.Context, entry *Entry) error

	// Close closes the logger and flushes any buffered entries
	Close() error
}

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return contextkeys.WithAuditLogger(ctx, logger)
}

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(contextkeys.AuditLoggerKey).(Logger); ok {
		return logger
	}
	// Return a no-op logger if none is set
	return NoOp()
}

// NoOp returns a logger that discards every entry
func NoOp() Logger {
	return noOpLogger{}
}

type noOpLogger struct{}

func (noOpLogger) Log(ctx context.Context, entry *Entry) error { return nil }

func (noOpLogger) Close() error { return nil }

// LogLogger writes entries to the structured application log
type LogLogger struct {
	logger *observability.Logger
}

// NewLogLogger creates a logger that emits one info line per entry
func NewLogLogger(logger *observability.Logger) *LogLogger {
	return &LogLogger{logger: logger}
}

// Log writes the entry as structured fields
func (l *LogLogger) Log(ctx context.Context, entry *Entry) error {
	fields := map[string]interface{}{
		"audit_action": string(entry.Action),
		"principal_id": entry.PrincipalID,
		"role_id":      entry.RoleID,
		"performed_at": entry.PerformedAt,
	}
	if entry.AssignmentID != nil {
		fields["assignment_id"] = *entry.AssignmentID
	}
	if entry.PerformedBy != nil {
		fields["performed_by"] = *entry.PerformedBy
	}
	if entry.Reason != "" {
		fields["reason"] = entry.Reason
	}
	l.logger.WithFields(fields).Info("audit entry")
	return nil
}

// Close is a no-op
func (l *LogLogger) Close() error {
	return nil
}
