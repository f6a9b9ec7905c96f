// Package workflow defines the persisted workflow and stage record types and
// the transition functions that move a workflow between statuses.
//
// The transitions are pure: they mutate an in-memory *Workflow and report
// invalid moves, while persistence applies the result under the Guard captured
// at load time. Both executors and the recovery sweep go through these
// functions so every path produces the same persisted shape.
package workflow
