// Package engine is the entry point for documents. It deduplicates
// submissions by content hash, creates the workflow, stores the upload in
// the metadata store and hands the workflow to the executor selected for
// its owner. It also re-dispatches pending workflows, which is how work
// reset by the recovery sweep resumes.
package engine
