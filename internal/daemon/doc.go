// Package daemon coordinates the long-running poflow process.
//
// It wires configuration, the workflow store, the metadata store, the stage
// collaborators, both executors, the recovery sweeper, the HTTP API and the
// bucket ingest receiver into a single lifecycle with flock-based locking to
// prevent multiple instances.
//
// Keep orchestration logic here: stage work lives in pipeline and its
// collaborator packages while the daemon focuses on startup, shutdown, and
// running the background loops.
package daemon
