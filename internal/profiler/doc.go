// Package profiler records per-component lifecycle timestamps as CSV rows so
// a run's scheduling latency can be reconstructed offline.
package profiler
