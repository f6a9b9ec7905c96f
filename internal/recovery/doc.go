// Package recovery reconciles workflows stuck in processing.
//
// A workflow is stuck when it has not been updated for longer than the
// staleness threshold. Decide maps a stuck workflow to one action: skip it
// while a quota backoff is active, finalize it when line items were already
// persisted, reset it to pending while reattempts remain, or abandon it. The
// Sweeper applies the action with the compare-and-set guard captured at
// selection, so concurrent sweeps and late stage results never both win.
package recovery
