package api

import (
	"time"

	"poflow/internal/engine"
	"poflow/internal/jobqueue"
	"poflow/internal/recovery"
	"poflow/internal/workflow"
)

// FromWorkflow converts a workflow to its API representation.
func FromWorkflow(wf *workflow.Workflow) WorkflowView {
	if wf == nil {
		return WorkflowView{}
	}
	view := WorkflowView{
		ID:              wf.ID,
		DocumentName:    wf.DocumentName,
		DocumentURI:     wf.DocumentURI,
		DocumentHash:    wf.DocumentHash,
		Owner:           wf.Owner,
		Mode:            string(wf.Mode),
		Status:          string(wf.Status),
		CurrentStage:    wf.CurrentStage,
		StagesTotal:     wf.StagesTotal,
		StagesCompleted: wf.StagesCompleted,
		ProgressPercent: wf.ProgressPercent,
		RetryCount:      wf.RetryCount,
		Reattempts:      wf.Reattempts,
		ErrorMessage:    wf.ErrorMessage,
		FailedStage:     wf.FailedStage,
		Epoch:           wf.Epoch,
		CreatedAt:       formatTime(wf.CreatedAt),
		StartedAt:       formatTimePtr(wf.StartedAt),
		UpdatedAt:       formatTime(wf.UpdatedAt),
		CompletedAt:     formatTimePtr(wf.CompletedAt),
	}
	if len(wf.Metadata) > 0 {
		view.Metadata = make(map[string]string, len(wf.Metadata))
		for k, v := range wf.Metadata {
			view.Metadata[k] = v
		}
	}
	return view
}

// FromStageRecord converts a stage record.
func FromStageRecord(rec workflow.StageRecord) StageView {
	return StageView{
		Name:            rec.StageName,
		Order:           rec.StageOrder,
		Status:          string(rec.Status),
		Attempts:        rec.Attempts,
		StartedAt:       formatTimePtr(rec.StartedAt),
		CompletedAt:     formatTimePtr(rec.CompletedAt),
		DurationSeconds: rec.Duration.Seconds(),
		ErrorMessage:    rec.ErrorMessage,
	}
}

// FromDetail converts an engine detail.
func FromDetail(detail *engine.Detail) WorkflowDetail {
	out := WorkflowDetail{Workflow: FromWorkflow(detail.Workflow), Aggregate: detail.Aggregate}
	out.Stages = make([]StageView, 0, len(detail.Stages))
	for _, rec := range detail.Stages {
		out.Stages = append(out.Stages, FromStageRecord(rec))
	}
	return out
}

// FromCounts converts queue counts.
func FromCounts(c jobqueue.Counts) QueueView {
	return QueueView{
		Name:      c.Queue,
		Waiting:   c.Waiting,
		Active:    c.Active,
		Delayed:   c.Delayed,
		Completed: c.Completed,
		Failed:    c.Failed,
		Paused:    c.Paused,
	}
}

// FromReport converts a sweep report.
func FromReport(r recovery.Report) SweepResponse {
	out := SweepResponse{
		Scanned:   r.Scanned,
		Finalized: r.Finalized,
		Reset:     r.Reset,
		Abandoned: r.Abandoned,
		Skipped:   r.Skipped,
		Stale:     r.Stale,
	}
	for _, item := range r.Items {
		out.Items = append(out.Items, SweepItem{
			WorkflowID: item.WorkflowID,
			Action:     string(item.Action),
			Status:     item.Status,
			Reason:     item.Reason,
			Stale:      item.Stale,
		})
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
