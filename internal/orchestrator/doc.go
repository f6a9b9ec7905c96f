// Package orchestrator runs workflows as a chain of per-stage queue jobs.
//
// Each stage has its own queue (named after the stage) served by a
// jobqueue.Manager. A job carries only the workflow id, the stage and the
// dispatch epoch; the wrapper around every stage loads the workflow, checks
// the job is still current, reads the stage inputs from the metadata store,
// runs the stage, and hands the outcome to the pipeline tracker. The next
// stage's job is enqueued only after the completion is persisted.
package orchestrator
