package logging

import (
	"context"
	"log/slog"

	"loom/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldRunID identifies one coordinator run.
	FieldRunID = "run_id"
	// FieldPipelineID is the standardized key for pipeline identifiers.
	FieldPipelineID = "pipeline_id"
	// FieldStageID is the standardized key for stage identifiers.
	FieldStageID = "stage_id"
	// FieldTaskID is the standardized key for task identifiers.
	FieldTaskID = "task_id"
	// FieldState is the target state of a transition.
	FieldState = "state"
	// FieldChannel names the message channel involved.
	FieldChannel = "channel"
	// FieldCorrelationID is the standardized key for heartbeat correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType tags log lines with a stable machine-readable event name.
	FieldEventType = "event_type"
	// FieldErrorHint carries a short operator hint alongside failures.
	FieldErrorHint = "error_hint"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := services.RunIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldRunID, id))
	}
	if id, ok := services.PipelineIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldPipelineID, id))
	}
	if id, ok := services.StageIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStageID, id))
	}
	if id, ok := services.TaskIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldTaskID, id))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, f)
	}
	return logger.With(args...)
}
