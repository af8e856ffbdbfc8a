// Package state defines the task, stage, and pipeline state machines and the
// Transitioner that applies a change, publishes it to the sync channel, and
// restores the previous state when publication fails.
package state
