// Package config loads, normalizes, and validates poflow configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// POFLOW_DATABASE_DSN and POFLOW_API_TOKEN. Queue concurrency, retry policy,
// recovery thresholds and per-owner execution modes are all resolved here so
// the daemon and CLI agree on the same values.
package config
