package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"poflow/internal/logging"
	"poflow/internal/pipeline"
	"poflow/internal/store"
	"poflow/internal/workflow"
)

// RecoveredBy is the recovered_by metadata value written by the sweep.
const RecoveredBy = "sweep"

// Observer receives sweep outcomes. The metrics package implements it.
type Observer interface {
	SweepAction(action string)
}

// Options configures a Sweeper.
type Options struct {
	Policy     Policy
	StaleAfter time.Duration
	Interval   time.Duration
	// Stages is the stage sequence; its last stage is the terminal stage and
	// its entries get skipped records when a workflow is finalized early.
	Stages   []pipeline.Stage
	Logger   *slog.Logger
	Observer Observer
	Now      func() time.Time
}

// Sweeper finds and repairs stuck workflows.
type Sweeper struct {
	store      *store.Store
	aggregates pipeline.AggregateStore
	opts       Options
	logger     *slog.Logger
	mu         sync.Mutex
}

// ReportItem describes the action taken for one workflow.
type ReportItem struct {
	WorkflowID string `json:"workflow_id"`
	Action     Action `json:"action"`
	Status     string `json:"status,omitempty"`
	Reason     string `json:"reason"`
	Stale      bool   `json:"stale,omitempty"`
}

// Report summarizes one sweep pass.
type Report struct {
	Scanned   int          `json:"scanned"`
	Finalized int          `json:"finalized"`
	Reset     int          `json:"reset"`
	Abandoned int          `json:"abandoned"`
	Skipped   int          `json:"skipped"`
	Stale     int          `json:"stale"`
	Items     []ReportItem `json:"items,omitempty"`
}

// New constructs a sweeper.
func New(st *store.Store, aggregates pipeline.AggregateStore, opts Options) *Sweeper {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Sweeper{
		store:      st,
		aggregates: aggregates,
		opts:       opts,
		logger:     logging.NewComponentLogger(logger, "recovery"),
	}
}

// Run sweeps immediately and then every Interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			logging.ErrorWithContext(s.logger, "recovery sweep failed", "sweep_failed", logging.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce examines every stale processing workflow once.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	stuck, err := s.store.ListStuckWorkflows(ctx, workflow.StatusProcessing, now.Add(-s.opts.StaleAfter))
	if err != nil {
		return Report{}, fmt.Errorf("list stuck workflows: %w", err)
	}
	report := Report{Scanned: len(stuck)}
	for _, wf := range stuck {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		item, err := s.recover(ctx, wf, now)
		if err != nil {
			logging.WarnWithContext(s.logger, "workflow recovery failed", "sweep_item_failed",
				logging.String(logging.FieldWorkflowID, wf.ID),
				logging.Error(err),
				logging.String(logging.FieldImpact, "workflow left as is until the next sweep"),
			)
			continue
		}
		report.Items = append(report.Items, item)
		switch {
		case item.Stale:
			report.Stale++
		case item.Action == ActionSkip:
			report.Skipped++
		case item.Action == ActionFinalize:
			report.Finalized++
		case item.Action == ActionReset:
			report.Reset++
		case item.Action == ActionAbandon:
			report.Abandoned++
		}
		if s.opts.Observer != nil && !item.Stale {
			s.opts.Observer.SweepAction(string(item.Action))
		}
	}
	if report.Scanned > 0 {
		s.logger.Info("recovery sweep finished",
			logging.Int("scanned", report.Scanned),
			logging.Int("finalized", report.Finalized),
			logging.Int("reset", report.Reset),
			logging.Int("abandoned", report.Abandoned),
			logging.Int("skipped", report.Skipped),
			logging.Int("stale", report.Stale),
			logging.String(logging.FieldEventType, "sweep_complete"),
		)
	}
	return report, nil
}

func (s *Sweeper) recover(ctx context.Context, wf *workflow.Workflow, now time.Time) (ReportItem, error) {
	lines, err := s.aggregates.CountLineItems(ctx, wf.ID)
	if err != nil {
		return ReportItem{}, fmt.Errorf("count line items: %w", err)
	}
	confidence := 0.0
	if lines > 0 {
		value, ok, err := s.aggregates.AggregateConfidence(ctx, wf.ID)
		if err != nil {
			return ReportItem{}, fmt.Errorf("read confidence: %w", err)
		}
		if ok {
			confidence = value
		}
	}
	queued := false
	if wf.CurrentStage != "" {
		queued, err = s.store.HasQueuedJob(ctx, wf.ID, wf.CurrentStage, wf.Epoch)
		if err != nil {
			return ReportItem{}, fmt.Errorf("check queued job: %w", err)
		}
	}
	decision := Decide(Input{Workflow: wf, LineItems: lines, Confidence: confidence, Queued: queued, Now: now}, s.opts.Policy)
	item := ReportItem{WorkflowID: wf.ID, Action: decision.Action, Status: string(decision.Status), Reason: decision.Reason}
	if decision.Action == ActionSkip {
		return item, nil
	}

	next := wf.Clone()
	var records []workflow.StageRecord
	switch decision.Action {
	case ActionFinalize:
		terminal := pipeline.TerminalStage(s.opts.Stages)
		if err := workflow.Finalize(next, decision.Status, terminal, "recovered by sweep: "+decision.Reason, now); err != nil {
			return item, err
		}
		next.SetMeta(workflow.MetaRecoveryConfidence, strconv.FormatFloat(confidence, 'f', 4, 64))
		records, err = s.skipUnfinished(ctx, wf.ID, now)
		if err != nil {
			return item, err
		}
	case ActionReset:
		if err := workflow.ResetToPending(next, now); err != nil {
			return item, err
		}
		records, err = s.store.ResetStageRecords(ctx, wf.ID)
		if err != nil {
			return item, err
		}
	case ActionAbandon:
		if err := workflow.Fail(next, wf.CurrentStage, workflow.AbandonedReason, now); err != nil {
			return item, err
		}
	}
	next.SetMeta(workflow.MetaRecoveryReason, decision.Reason)
	next.SetMeta(workflow.MetaRecoveredAt, now.UTC().Format(time.RFC3339))
	next.SetMeta(workflow.MetaRecoveredBy, RecoveredBy)

	if err := s.store.UpdateWorkflow(ctx, next, wf.Guard(), records...); err != nil {
		if errors.Is(err, store.ErrStale) {
			item.Stale = true
			return item, nil
		}
		return item, err
	}
	s.logger.Info("stuck workflow recovered",
		logging.String(logging.FieldWorkflowID, wf.ID),
		logging.String(logging.FieldStage, wf.CurrentStage),
		logging.String("action", string(decision.Action)),
		logging.String("reason", decision.Reason),
		logging.Int("line_items", lines),
		logging.Float64("confidence", confidence),
		logging.String("resulting_status", string(next.Status)),
		logging.String(logging.FieldEventType, "workflow_recovered"),
	)
	return item, nil
}

// skipUnfinished returns skipped records for every stage that did not complete.
func (s *Sweeper) skipUnfinished(ctx context.Context, workflowID string, now time.Time) ([]workflow.StageRecord, error) {
	existing, err := s.store.ListStageRecords(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]workflow.StageRecord, len(existing))
	for _, rec := range existing {
		byName[rec.StageName] = rec
	}
	var out []workflow.StageRecord
	for _, stage := range s.opts.Stages {
		rec, ok := byName[stage.Name]
		if !ok {
			rec = workflow.StageRecord{WorkflowID: workflowID, StageName: stage.Name, StageOrder: stage.Order}
		}
		if rec.Status.Done() {
			continue
		}
		rec.Finish(workflow.StageSkipped, "skipped by recovery sweep", now)
		out = append(out, rec)
	}
	return out, nil
}
