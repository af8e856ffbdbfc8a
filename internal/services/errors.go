package services

import (
	"errors"
	"fmt"
	"strings"
)

// Engine failure markers. Non-zero task exits are never errors; they surface
// as FAILED task state.
var (
	ErrTransition    = errors.New("transition error")
	ErrChannel       = errors.New("channel error")
	ErrSubmission    = errors.New("submission error")
	ErrLiveness      = errors.New("liveness failure")
	ErrConfiguration = errors.New("configuration error")
	ErrValidation    = errors.New("validation error")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrChannel
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Restartable reports whether a failure inside the task manager should be
// handled by replacing the manager rather than aborting the run.
func Restartable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrLiveness) || errors.Is(err, ErrChannel) || errors.Is(err, ErrSubmission)
}

// Hint returns a short operator hint for a classified error.
func Hint(err error) string {
	switch {
	case errors.Is(err, ErrTransition):
		return "entity state rolled back; inspect the sync channel ordering"
	case errors.Is(err, ErrChannel):
		return "check the channel backend is reachable"
	case errors.Is(err, ErrSubmission):
		return "check the execution pool capacity and the task executable"
	case errors.Is(err, ErrLiveness):
		return "task manager stopped answering heartbeats"
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrValidation):
		return "fix the workflow description or config and retry"
	default:
		return "check logs for details"
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "engine failure"
	}
	return strings.Join(parts, ": ")
}
