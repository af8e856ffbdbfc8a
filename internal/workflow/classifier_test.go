package workflow_test

import (
	"testing"

	"loom/internal/pipeline"
	"loom/internal/workflow"
)

func taskWithExit(code *int) *pipeline.Task {
	task := pipeline.NewTask("sim", "/bin/true")
	task.ExitCode = code
	task.StageIndex = 2
	task.Attempt = 1
	return task
}

func intPtr(v int) *int { return &v }

func TestClassifierDefaultsToZeroExit(t *testing.T) {
	c, err := workflow.NewClassifier("")
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	if c.Source() != "ExitCode == 0" {
		t.Fatalf("unexpected default source %q", c.Source())
	}
	cases := []struct {
		name string
		code *int
		want bool
	}{
		{"zero", intPtr(0), true},
		{"nonzero", intPtr(2), false},
		{"missing", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := c.Succeeded(taskWithExit(tc.code))
			if err != nil {
				t.Fatalf("Succeeded: %v", err)
			}
			if ok != tc.want {
				t.Fatalf("got %v want %v", ok, tc.want)
			}
		})
	}
}

func TestClassifierCustomExpression(t *testing.T) {
	c, err := workflow.NewClassifier("ExitCode in [0, 3] || (Stage == 2 && Attempt > 0)")
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	ok, err := c.Succeeded(taskWithExit(intPtr(3)))
	if err != nil || !ok {
		t.Fatalf("expected exit 3 to succeed, got %v %v", ok, err)
	}
	ok, err = c.Succeeded(taskWithExit(intPtr(9)))
	if err != nil || !ok {
		t.Fatalf("expected stage 2 retry to succeed, got %v %v", ok, err)
	}
	ok, err = c.Succeeded(taskWithExit(nil))
	if err != nil || ok {
		t.Fatalf("a task without an exit code must not succeed, got %v %v", ok, err)
	}
}

func TestClassifierRejectsBadExpressions(t *testing.T) {
	for _, src := range []string{"ExitCode +", "ExitCode", "Unknown == 1"} {
		if _, err := workflow.NewClassifier(src); err == nil {
			t.Fatalf("expected compile error for %q", src)
		}
	}
}
