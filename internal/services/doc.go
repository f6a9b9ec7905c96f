// Package services defines shared utilities consumed by stage handlers and
// external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp workflow IDs, stage names, queue names, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper and Classify, which decide
//     whether a stage failure is retried, retried with quota backoff, or
//     terminal.
//
// Collaborator adapters should wrap their failures with one of the markers so
// the orchestrator and sequential runner reach the same decision.
package services
