package workflow

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a transition is applied from a status that does not allow it.
var ErrInvalidTransition = errors.New("invalid workflow transition")

// AbandonedReason is the error message recorded when the sweep gives up on a workflow with no extracted data.
const AbandonedReason = "abandoned, no data extracted"

// New returns a pending workflow with no stage dispatched.
func New(id, owner string, mode Mode, stagesTotal int, now time.Time) *Workflow {
	return &Workflow{
		ID:          id,
		Owner:       owner,
		Mode:        mode,
		Status:      StatusPending,
		StagesTotal: stagesTotal,
		Metadata:    map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func invalid(w *Workflow, op string) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, w.Status)
}

// Dispatch moves a pending workflow into processing at its first stage.
func Dispatch(w *Workflow, firstStage string, now time.Time) error {
	if w.Status != StatusPending {
		return invalid(w, "dispatch")
	}
	w.Status = StatusProcessing
	w.CurrentStage = firstStage
	w.StagesCompleted = 0
	w.ProgressPercent = 0
	w.ErrorMessage = ""
	w.FailedStage = ""
	w.CompletedAt = nil
	w.Epoch++
	if w.StartedAt == nil {
		started := now
		w.StartedAt = &started
	}
	w.UpdatedAt = now
	return nil
}

// AdvanceStage records completion of the current stage and moves to next.
// next is empty when the completed stage was the last one.
func AdvanceStage(w *Workflow, completed, next string, now time.Time) error {
	if w.Status != StatusProcessing {
		return invalid(w, "advance")
	}
	if w.CurrentStage != completed {
		return fmt.Errorf("%w: advance %s while current stage is %s", ErrInvalidTransition, completed, w.CurrentStage)
	}
	if w.StagesCompleted < w.StagesTotal {
		w.StagesCompleted++
	}
	w.ProgressPercent = progress(w.StagesCompleted, w.StagesTotal)
	if next != "" {
		w.CurrentStage = next
	}
	w.UpdatedAt = now
	return nil
}

// Complete marks a processing workflow as completed.
func Complete(w *Workflow, now time.Time) error {
	if w.Status != StatusProcessing {
		return invalid(w, "complete")
	}
	w.Status = StatusCompleted
	w.StagesCompleted = w.StagesTotal
	w.ProgressPercent = 100
	completed := now
	w.CompletedAt = &completed
	w.ErrorMessage = ""
	w.FailedStage = ""
	w.UpdatedAt = now
	return nil
}

// Fail marks the workflow failed at stage. An empty stage falls back to the
// current stage.
func Fail(w *Workflow, stage, message string, now time.Time) error {
	if w.Status.Terminal() {
		return invalid(w, "fail")
	}
	setFailure(w, StatusFailed, stage, message, now)
	return nil
}

// NeedsReview parks a processing workflow for manual completion.
func NeedsReview(w *Workflow, stage, message string, now time.Time) error {
	if w.Status != StatusProcessing {
		return invalid(w, "review")
	}
	setFailure(w, StatusReviewNeeded, stage, message, now)
	return nil
}

func setFailure(w *Workflow, status Status, stage, message string, now time.Time) {
	if stage == "" {
		stage = w.CurrentStage
	}
	if stage == "" {
		stage = "dispatch"
	}
	if message == "" {
		message = "unknown error"
	}
	w.Status = status
	w.FailedStage = stage
	w.ErrorMessage = message
	w.UpdatedAt = now
}

// RecordRetry counts a retry of the current stage. The workflow stays processing.
func RecordRetry(w *Workflow, reason string, now time.Time) error {
	if w.Status != StatusProcessing {
		return invalid(w, "retry")
	}
	w.RetryCount++
	w.SetMeta(MetaLastRetryReason, reason)
	w.UpdatedAt = now
	return nil
}

// ResetToPending is the recovery sweep's abandonment path. The epoch moves
// forward so results of the abandoned dispatch are discarded.
func ResetToPending(w *Workflow, now time.Time) error {
	if w.Status != StatusProcessing {
		return invalid(w, "reset")
	}
	resetProgress(w, now)
	w.Reattempts++
	return nil
}

// Resubmit returns a failed or review_needed workflow to pending on explicit request.
func Resubmit(w *Workflow, now time.Time) error {
	if w.Status != StatusFailed && w.Status != StatusReviewNeeded {
		return invalid(w, "resubmit")
	}
	resetProgress(w, now)
	w.RetryCount = 0
	w.SetMeta(MetaResubmittedAt, now.UTC().Format(time.RFC3339))
	return nil
}

func resetProgress(w *Workflow, now time.Time) {
	w.Status = StatusPending
	w.CurrentStage = ""
	w.StagesCompleted = 0
	w.ProgressPercent = 0
	w.ErrorMessage = ""
	w.FailedStage = ""
	w.CompletedAt = nil
	w.Epoch++
	w.UpdatedAt = now
}

// Finalize forces a stalled processing workflow to completed or review_needed
// at terminalStage with full progress.
func Finalize(w *Workflow, status Status, terminalStage, reason string, now time.Time) error {
	if w.Status != StatusProcessing {
		return invalid(w, "finalize")
	}
	switch status {
	case StatusCompleted:
		if err := Complete(w, now); err != nil {
			return err
		}
	case StatusReviewNeeded:
		setFailure(w, StatusReviewNeeded, terminalStage, reason, now)
		w.StagesCompleted = w.StagesTotal
		w.ProgressPercent = 100
	default:
		return fmt.Errorf("%w: finalize to %s", ErrInvalidTransition, status)
	}
	w.CurrentStage = terminalStage
	return nil
}

// Validate checks the structural invariants of a workflow.
func Validate(w *Workflow) error {
	if w.StagesCompleted < 0 || w.StagesCompleted > w.StagesTotal {
		return fmt.Errorf("stages completed %d outside [0,%d]", w.StagesCompleted, w.StagesTotal)
	}
	if w.ProgressPercent < 0 || w.ProgressPercent > 100 {
		return fmt.Errorf("progress %d outside [0,100]", w.ProgressPercent)
	}
	switch w.Status {
	case StatusCompleted:
		if w.CompletedAt == nil {
			return errors.New("completed workflow without completed_at")
		}
		if w.ProgressPercent != 100 {
			return fmt.Errorf("completed workflow at %d%%", w.ProgressPercent)
		}
	case StatusFailed:
		if w.ErrorMessage == "" || w.FailedStage == "" {
			return errors.New("failed workflow without error message and failed stage")
		}
	case StatusPending, StatusProcessing, StatusReviewNeeded:
	default:
		return fmt.Errorf("unknown status %q", w.Status)
	}
	return nil
}

func progress(done, total int) int {
	if total <= 0 {
		return 0
	}
	return done * 100 / total
}
