// Package rts is the execution substrate tasks are submitted to.
//
// A Description names the resource a run executes on. NewPool turns it into a
// Pool; the only built-in resource family is "local.*", served by LocalPool,
// which runs each unit as a process group in its own sandbox directory under
// <sandbox_dir>/<run id>/. Pools accept units without blocking and invoke the
// unit's callback exactly once with the final Result.
package rts
