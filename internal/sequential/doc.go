// Package sequential runs every stage of a workflow in order in one
// goroutine. Outputs are handed to the next stage in memory and still
// written to the metadata store. Any stage error ends the run.
package sequential
