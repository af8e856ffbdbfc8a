// Package logging assembles structured slog loggers and formatting helpers used
// across loom components.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so engine code can tag log lines
// with run, pipeline, stage, and task identifiers. The package also provides a
// no-op logger for tests and wiring code that cannot fail.
package logging
