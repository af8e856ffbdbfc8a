package services_test

import (
	"context"
	"testing"

	"loom/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithRunID(ctx, "run-1")
	ctx = services.WithTask(ctx, "pipeline.a", "stage.b", "task.c")

	if id, ok := services.RunIDFromContext(ctx); !ok || id != "run-1" {
		t.Fatalf("unexpected run id: %v %v", id, ok)
	}
	if id, ok := services.PipelineIDFromContext(ctx); !ok || id != "pipeline.a" {
		t.Fatalf("unexpected pipeline id: %v %v", id, ok)
	}
	if id, ok := services.StageIDFromContext(ctx); !ok || id != "stage.b" {
		t.Fatalf("unexpected stage id: %v %v", id, ok)
	}
	if id, ok := services.TaskIDFromContext(ctx); !ok || id != "task.c" {
		t.Fatalf("unexpected task id: %v %v", id, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := services.WithStageID(context.Background(), "")
	if _, ok := services.StageIDFromContext(ctx); ok {
		t.Fatal("expected no stage value")
	}
}
