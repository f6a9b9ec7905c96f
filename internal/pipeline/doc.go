// Package pipeline defines the fixed purchase order stage sequence, the
// collaborator interfaces the stages call, and the Tracker that applies
// every workflow transition.
//
// Both executors (the queue-driven orchestrator and the sequential runner)
// run the same Stage values through the same Tracker; only the hand-off
// between stages differs. Stage outputs are JSON payloads stored in the
// metadata store under "<workflowId>:<stage>".
package pipeline
