package recovery

import (
	"time"

	"poflow/internal/workflow"
)

// Action is the sweep's verdict for one stuck workflow.
type Action string

const (
	ActionSkip     Action = "skip"
	ActionFinalize Action = "finalize"
	ActionReset    Action = "reset"
	ActionAbandon  Action = "abandon"
)

// Reasons recorded in the recovery_reason metadata key.
const (
	ReasonQuotaBackoff    = "quota_backoff_active"
	ReasonJobQueued       = "job_queued"
	ReasonAccepted        = "stale_with_data_accepted"
	ReasonLowConfidence   = "stale_with_data_low_confidence"
	ReasonResetNoData     = "stale_no_data_reset"
	ReasonAbandonedNoData = "stale_no_data_abandoned"
)

// Policy holds the sweep thresholds.
type Policy struct {
	AcceptanceThreshold float64
	MaxReattempts       int
}

// Input is everything Decide looks at.
type Input struct {
	Workflow   *workflow.Workflow
	LineItems  int
	Confidence float64
	// Queued is set when a waiting or delayed job exists for the current
	// stage and epoch, e.g. behind a paused queue or a backlog.
	Queued bool
	Now    time.Time
}

// Decision is the outcome of Decide. Status is set for finalize and abandon.
type Decision struct {
	Action Action
	Status workflow.Status
	Reason string
}

// Decide chooses the recovery action for a stuck workflow.
func Decide(in Input, policy Policy) Decision {
	wf := in.Workflow
	if until, ok := quotaBackoffUntil(wf); ok && until.After(in.Now) {
		return Decision{Action: ActionSkip, Reason: ReasonQuotaBackoff}
	}
	if in.Queued {
		return Decision{Action: ActionSkip, Reason: ReasonJobQueued}
	}
	if in.LineItems > 0 {
		if in.Confidence >= policy.AcceptanceThreshold {
			return Decision{Action: ActionFinalize, Status: workflow.StatusCompleted, Reason: ReasonAccepted}
		}
		return Decision{Action: ActionFinalize, Status: workflow.StatusReviewNeeded, Reason: ReasonLowConfidence}
	}
	if wf.Reattempts < policy.MaxReattempts {
		return Decision{Action: ActionReset, Status: workflow.StatusPending, Reason: ReasonResetNoData}
	}
	return Decision{Action: ActionAbandon, Status: workflow.StatusFailed, Reason: ReasonAbandonedNoData}
}

func quotaBackoffUntil(wf *workflow.Workflow) (time.Time, bool) {
	raw := wf.Meta(workflow.MetaQuotaBackoffUntil)
	if raw == "" {
		return time.Time{}, false
	}
	until, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return until, true
}
