// Package taskmanager moves scheduled tasks onto the execution pool.
//
// A Manager runs one loop that polls the pending channel, then the
// heartbeat-request channel, and repeats. Each pending task is walked through
// SUBMITTING and SUBMITTED around the pool submission. The pool reports the
// outcome through a callback that marks the task COMPLETED, records its
// sandbox in the placeholder map, and publishes it on the completed channel.
//
// HeartbeatMonitor is the other side of the liveness probe. The coordinator
// runs it next to the manager and treats a missing reply as manager death.
//
// A Registry outlives individual managers so a replacement manager neither
// resubmits work its predecessor already handed to the pool nor loses
// completions that could not be published.
package taskmanager
