// Package staging moves task data between the places a workflow names and
// the sandbox a task runs in, and prunes sandboxes left behind by old runs.
//
// A Transfer is one resolved directive. Sources may be doublestar globs; a
// glob that matches several paths places each match inside the target
// directory under its base name.
package staging
