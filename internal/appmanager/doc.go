// Package appmanager coordinates one workflow run.
//
// The Manager owns the canonical workflow. Run takes the state-directory
// lock, opens the run store, selects the channel backend, builds the
// execution pool, and starts the workflow processor on a deep copy of the
// workflow together with a task manager and its heartbeat monitor. From then
// on the canonical workflow changes only through transition events read off
// the sync channel, which are also mirrored into the run store so `loom
// status` can inspect a run from another process.
//
// The task manager is supervised: a failure or a missed heartbeat replaces
// it with a fresh instance sharing the pool, placeholder map, and submission
// registry, up to engine.max_manager_restarts times. Processor failures end
// the run. On any fatal error or cancellation the entities that have not
// finished are marked CANCELED and the cause is returned wrapped in
// ErrRunFailed.
package appmanager
