// Package store persists workflow records, per-stage outcomes, stage queue
// jobs and purchase order aggregates.
//
// The same queries run on SQLite (the default, via modernc.org/sqlite),
// PostgreSQL (pgx) and MySQL. Queries are written with ? placeholders and
// rebound for postgres; upserts are generated per dialect. Timestamps are
// stored as fixed-width UTC text so ordering and cutoff comparisons behave
// the same on every backend.
//
// Workflow writes are compare-and-set on (status, epoch): UpdateWorkflow
// returns ErrStale when the row moved since it was read, and stage records
// passed alongside are only written when the transition wins.
package store
