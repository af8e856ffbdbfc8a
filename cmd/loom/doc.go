// Package main hosts the loom CLI entrypoint and command graph.
//
// The Cobra command tree loads workflow manifests, drives the application
// coordinator for a run, and reads the run store back for status reports.
// Configuration resolution and logger setup happen here once so subcommands
// only deal with presentation.
//
// Keep this package lean: new behaviour belongs in the internal packages
// first and is surfaced here through commands or flags.
package main
