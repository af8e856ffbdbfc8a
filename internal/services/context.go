package services

import "context"

type contextKey string

const (
	runIDKey      contextKey = "run_id"
	pipelineIDKey contextKey = "pipeline_id"
	stageIDKey    contextKey = "stage_id"
	taskIDKey     contextKey = "task_id"
)

func withString(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithRunID annotates context with the run identifier.
func WithRunID(ctx context.Context, id string) context.Context {
	return withString(ctx, runIDKey, id)
}

// RunIDFromContext extracts the run identifier if present.
func RunIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, runIDKey)
}

// WithPipelineID annotates context with the owning pipeline identifier.
func WithPipelineID(ctx context.Context, id string) context.Context {
	return withString(ctx, pipelineIDKey, id)
}

// PipelineIDFromContext returns the pipeline identifier if present.
func PipelineIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, pipelineIDKey)
}

// WithStageID annotates context with the owning stage identifier.
func WithStageID(ctx context.Context, id string) context.Context {
	return withString(ctx, stageIDKey, id)
}

// StageIDFromContext returns the stage identifier if present.
func StageIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, stageIDKey)
}

// WithTaskID annotates context with the task identifier.
func WithTaskID(ctx context.Context, id string) context.Context {
	return withString(ctx, taskIDKey, id)
}

// TaskIDFromContext returns the task identifier if present.
func TaskIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, taskIDKey)
}

// WithTask stamps pipeline, stage, and task identifiers in one call.
func WithTask(ctx context.Context, pipelineID, stageID, taskID string) context.Context {
	ctx = WithPipelineID(ctx, pipelineID)
	ctx = WithStageID(ctx, stageID)
	return WithTaskID(ctx, taskID)
}
