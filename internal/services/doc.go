// Package services defines shared utilities consumed by the engine components.
//
// Key responsibilities:
//   - Context helpers that stamp run, pipeline, stage, task, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper that classify engine
//     failures (transition, channel, submission, liveness) so the coordinator
//     can decide between restarting the task manager and aborting the run.
package services
