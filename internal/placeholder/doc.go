// Package placeholder records where completed tasks left their output and
// expands the path references later tasks use in their staging directives.
//
// Three reference forms are understood:
//
//	$STAGE_<n>_TASK_<m>/<file>                 positional, same pipeline
//	$Pipeline_<p>_Stage_<s>_Task_<t>/<file>    explicit ids or registered names
//	$SHARED/<file>                             the pool's shared directory
//
// The map is append-only and safe for concurrent use. Positional entries
// follow a policy when a resubmitted task completes for the same position:
// PolicyLatest lets the retry's output replace the alias, PolicyFirst keeps
// the first completion.
package placeholder
