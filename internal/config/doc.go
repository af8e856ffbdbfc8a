// Package config loads, normalizes, and validates loom configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// LOOM_NATS_URL. The Config type centralizes the engine cadence, channel
// backend, default resource description, and logging knobs so the CLI and the
// coordinator discover them in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
