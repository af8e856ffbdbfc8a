// Package pipeline holds the workflow entities: tasks, stages, pipelines,
// and the workflow that groups them. It owns the task wire record carried on
// the pending and completed channels, the per-pipeline lock and stage cursor,
// and the deep-copy and replication helpers used for the processor's private
// copy and for failure resubmission.
package pipeline
