// Package workflow runs the processor that walks a workflow's pipelines
// stage by stage.
//
// The Processor owns two loops. The enqueue loop moves the current stage of
// every pipeline into scheduling and publishes its INITIAL tasks onto the
// pending channel. The dequeue loop consumes finished tasks from the completed
// channel, classifies them DONE or FAILED, optionally replaces a FAILED task
// with a fresh clone, and advances the pipeline cursor once a stage's tasks
// are all terminal. Every state change is published on the sync channel
// through a state.Transitioner so the coordinator can mirror it.
//
// The processor works on its own copy of the workflow. Pipelines are locked
// for one inspect-and-transition step at a time, so the two loops never act
// on the same pipeline concurrently. A loop that hits an error it cannot
// recover from reports it on Err and exits; the host decides what happens
// next.
package workflow
