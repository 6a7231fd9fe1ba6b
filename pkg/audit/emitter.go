package audit

import (
	"log/slog"
)

// EventEmitter accepts structured audit events for recording.
type EventEmitter interface {
	Emit(Event) error
}

// NopEmitter discards all events. Use when no audit backend is configured.
type NopEmitter struct{}

// Emit discards the event.
func (NopEmitter) Emit(Event) error { return nil }

// SlogEmitter writes events to a structured logger. The event severity
// maps to the log level.
type SlogEmitter struct {
	logger *slog.Logger
}

// NewSlogEmitter creates an emitter over the given logger. If logger is
// nil, slog.Default() is used.
func NewSlogEmitter(logger *slog.Logger) *SlogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogEmitter{logger: logger}
}

// Emit writes the event as a structured log record.
func (e *SlogEmitter) Emit(ev Event) error {
	attrs := []any{
		"severity", ev.Severity.String(),
		"actor_id", ev.ActorID,
		"ip", ev.IP,
	}
	if ev.RequestID != "" {
		attrs = append(attrs, "request_id", ev.RequestID)
	}
	for k, v := range ev.Details {
		attrs = append(attrs, k, v)
	}

	switch ev.Severity {
	case SeverityWarning:
		e.logger.Warn(string(ev.Type), attrs...)
	default:
		e.logger.Info(string(ev.Type), attrs...)
	}
	return nil
}

// Recorder fans events out to one or more EventEmitter backends. Emit
// errors are logged but never propagate; audit failures must not block
// requests.
type Recorder struct {
	backends []EventEmitter
	logger   *slog.Logger
}

// NewRecorder creates a Recorder over the given backends. If logger is
// nil, slog.Default() is used for error reporting.
func NewRecorder(logger *slog.Logger, backends ...EventEmitter) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{backends: backends, logger: logger}
}

// Record writes the event to all backends.
func (r *Recorder) Record(ev Event) {
	for _, b := range r.backends {
		if err := b.Emit(ev); err != nil {
			r.logger.Error("audit emit failed", "event", string(ev.Type), "error", err)
		}
	}
}
