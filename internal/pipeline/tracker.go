package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"poflow/internal/logging"
	"poflow/internal/metastore"
	"poflow/internal/services"
	"poflow/internal/store"
	"poflow/internal/workflow"
)

// Stage outcomes reported to the Observer.
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeReview    = "review_needed"
	OutcomeStale     = "stale"
)

// Observer receives stage and workflow outcomes. The metrics package implements it.
type Observer interface {
	StageFinished(stage, outcome string, elapsed time.Duration)
	WorkflowFinished(status workflow.Status)
}

// Executor runs a workflow through the stages. Execute dispatches a pending
// workflow and returns its latest persisted state.
type Executor interface {
	Execute(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, error)
}

// Tracker applies workflow transitions and stage record updates for both
// executors, so persisted state is identical regardless of dispatch path.
type Tracker struct {
	store      *store.Store
	meta       metastore.Store
	aggregates AggregateStore
	stages     []Stage
	ttl        time.Duration
	now        func() time.Time
	logger     *slog.Logger
	observer   Observer
	tracer     trace.Tracer
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithObserver registers a metrics observer.
func WithObserver(observer Observer) TrackerOption {
	return func(t *Tracker) { t.observer = observer }
}

// WithMetadataTTL sets the expiry of stage payloads.
func WithMetadataTTL(ttl time.Duration) TrackerOption {
	return func(t *Tracker) { t.ttl = ttl }
}

// WithTracerProvider sets the provider stage spans are created from.
func WithTracerProvider(tp trace.TracerProvider) TrackerOption {
	return func(t *Tracker) {
		if tp != nil {
			t.tracer = tp.Tracer("poflow/pipeline")
		}
	}
}

// NewTracker constructs a tracker over the given stages.
func NewTracker(st *store.Store, meta metastore.Store, aggregates AggregateStore, stages []Stage, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:      st,
		meta:       meta,
		aggregates: aggregates,
		stages:     stages,
		ttl:        24 * time.Hour,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logging.NewNop(),
		tracer:     otel.Tracer("poflow/pipeline"),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.NewComponentLogger(t.logger, "pipeline")
	return t
}

// Stages returns the stage sequence.
func (t *Tracker) Stages() []Stage { return t.stages }

// Store returns the workflow store.
func (t *Tracker) Store() *store.Store { return t.store }

// Metadata returns the metadata store.
func (t *Tracker) Metadata() metastore.Store { return t.meta }

// Logger returns the tracker's logger.
func (t *Tracker) Logger() *slog.Logger { return t.logger }

// Now returns the tracker clock.
func (t *Tracker) Now() time.Time { return t.now() }

// Dispatch moves a pending workflow to processing at the first stage.
func (t *Tracker) Dispatch(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, error) {
	if len(t.stages) == 0 {
		return nil, errors.New("no stages configured")
	}
	next := wf.Clone()
	if err := workflow.Dispatch(next, t.stages[0].Name, t.now()); err != nil {
		return nil, err
	}
	if err := t.store.UpdateWorkflow(ctx, next, wf.Guard()); err != nil {
		return nil, err
	}
	t.logger.Info("workflow dispatched",
		logging.String(logging.FieldWorkflowID, next.ID),
		logging.String("mode", string(next.Mode)),
		logging.Int64("epoch", next.Epoch),
		logging.String(logging.FieldEventType, "workflow_dispatched"),
	)
	return next, nil
}

// LoadInputs reads the declared inputs of stage from the metadata store.
// A missing entry is a configuration error.
func (t *Tracker) LoadInputs(ctx context.Context, wf *workflow.Workflow, stage *Stage) (Inputs, error) {
	in := make(Inputs, len(stage.Inputs))
	for _, name := range stage.Inputs {
		data, err := t.meta.Get(ctx, metastore.Key(wf.ID, name))
		if errors.Is(err, metastore.ErrNotFound) {
			return nil, services.Wrap(services.ErrConfiguration, stage.Name, "load input",
				fmt.Sprintf("metadata %s missing or expired", metastore.Key(wf.ID, name)), nil)
		}
		if err != nil {
			return nil, services.Wrap(services.ErrTransient, stage.Name, "load input", "", err)
		}
		in[name] = data
	}
	return in, nil
}

// BeginStage marks stage processing for a new attempt. Persisting it also
// refreshes updated_at, which the recovery sweep reads as liveness.
func (t *Tracker) BeginStage(ctx context.Context, wf *workflow.Workflow, stage *Stage) (*workflow.Workflow, workflow.StageRecord, error) {
	rec, err := t.store.GetStageRecord(ctx, wf.ID, stage.Name, stage.Order)
	if err != nil {
		return nil, rec, err
	}
	now := t.now()
	rec.Begin(now)
	next := wf.Clone()
	next.UpdatedAt = now
	if err := t.store.UpdateWorkflow(ctx, next, wf.Guard(), rec); err != nil {
		return nil, rec, err
	}
	t.stageLogger(next, stage).Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Int("attempt", rec.Attempts),
		logging.Int64("epoch", next.Epoch),
	)
	return next, rec, nil
}

// RunStage invokes the stage inside a span. A panic becomes a transient error.
func (t *Tracker) RunStage(ctx context.Context, wf *workflow.Workflow, stage *Stage, in Inputs) (out Output, err error) {
	ctx, span := t.tracer.Start(ctx, "stage."+stage.Name, trace.WithAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.String("workflow.mode", string(wf.Mode)),
		attribute.String("stage.name", stage.Name),
		attribute.Int("stage.order", stage.Order),
		attribute.Int64("workflow.epoch", wf.Epoch),
	))
	defer func() {
		if r := recover(); r != nil {
			err = services.Wrap(services.ErrTransient, stage.Name, "run", fmt.Sprintf("panic: %v", r), nil)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(services.Classify(err)))
		}
		span.End()
	}()
	ctx = services.WithWorkflowID(ctx, wf.ID)
	ctx = services.WithStage(ctx, stage.Name)
	return stage.Run(ctx, wf, in)
}

// CompleteStage stores the stage output, advances the workflow and persists
// both with the workflow's guard. It completes the workflow after the last
// stage. The encoded payload is returned for in-memory hand-off.
func (t *Tracker) CompleteStage(ctx context.Context, wf *workflow.Workflow, stage *Stage, rec workflow.StageRecord, out Output) (*workflow.Workflow, []byte, error) {
	payload, err := encodePayload(stage.Name, out.Payload)
	if err != nil {
		return nil, nil, err
	}
	if payload != nil {
		if err := t.meta.Put(ctx, metastore.Key(wf.ID, stage.Name), payload, t.ttl); err != nil {
			return nil, nil, services.Wrap(services.ErrTransient, stage.Name, "store output", "", err)
		}
	}

	now := t.now()
	next := wf.Clone()
	for k, v := range out.Metadata {
		next.SetMeta(k, v)
	}

	outcome := OutcomeCompleted
	status := workflow.StageCompleted
	if out.Skipped {
		outcome = OutcomeSkipped
		status = workflow.StageSkipped
	}
	rec.Finish(status, "", now)

	_, following, err := Lookup(t.stages, stage.Name)
	if err != nil {
		return nil, nil, err
	}
	nextName := ""
	if following != nil {
		nextName = following.Name
	}
	if err := workflow.AdvanceStage(next, stage.Name, nextName, now); err != nil {
		return nil, nil, err
	}
	if following == nil {
		if err := workflow.Complete(next, now); err != nil {
			return nil, nil, err
		}
	}
	if err := t.store.UpdateWorkflow(ctx, next, wf.Guard(), rec); err != nil {
		return nil, nil, err
	}

	t.observeStage(stage.Name, outcome, rec.Duration)
	logger := t.stageLogger(next, stage)
	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String("outcome", outcome),
		logging.Duration("duration", rec.Duration),
		logging.Int("progress_percent", next.ProgressPercent),
	)
	if following == nil {
		t.observeWorkflow(next.Status)
		logger.Info("workflow completed",
			logging.String(logging.FieldEventType, "workflow_completed"),
		)
	}
	return next, payload, nil
}

// RetryStage records a retry of the current stage. The workflow stays
// processing; quota retries stamp the backoff deadline so the sweep leaves
// the workflow alone until it passes.
func (t *Tracker) RetryStage(ctx context.Context, wf *workflow.Workflow, stage *Stage, rec workflow.StageRecord, cause error, retryAt time.Time) (*workflow.Workflow, error) {
	kind := services.Classify(cause)
	now := t.now()
	next := wf.Clone()
	if err := workflow.RecordRetry(next, string(kind)+": "+cause.Error(), now); err != nil {
		return nil, err
	}
	next.SetMeta(workflow.MetaErrorKind, string(kind))
	if kind == services.KindQuota {
		next.SetMeta(workflow.MetaQuotaBackoffUntil, retryAt.UTC().Format(time.RFC3339))
	}

	rec.Status = workflow.StagePending
	rec.ErrorMessage = cause.Error()
	if rec.StartedAt != nil {
		rec.Duration = now.Sub(*rec.StartedAt)
	}
	if err := t.store.UpdateWorkflow(ctx, next, wf.Guard(), rec); err != nil {
		return nil, err
	}
	t.observeStage(stage.Name, OutcomeRetried, rec.Duration)
	return next, nil
}

// FailStage applies the terminal transition for cause. Validation errors
// park the workflow for review when line items were already persisted.
// rec may be nil when the stage never began.
func (t *Tracker) FailStage(ctx context.Context, wf *workflow.Workflow, stage *Stage, rec *workflow.StageRecord, cause error) (*workflow.Workflow, error) {
	kind := services.Classify(cause)
	now := t.now()
	next := wf.Clone()
	message := cause.Error()

	review := false
	if kind == services.KindValidation && t.aggregates != nil {
		count, err := t.aggregates.CountLineItems(ctx, wf.ID)
		if err != nil {
			return nil, fmt.Errorf("count line items: %w", err)
		}
		review = count > 0
	}
	if review {
		if err := workflow.NeedsReview(next, stage.Name, message, now); err != nil {
			return nil, err
		}
	} else if err := workflow.Fail(next, stage.Name, message, now); err != nil {
		return nil, err
	}
	next.SetMeta(workflow.MetaErrorKind, string(kind))

	var records []workflow.StageRecord
	elapsed := time.Duration(0)
	if rec != nil {
		rec.Finish(workflow.StageFailed, message, now)
		elapsed = rec.Duration
		records = append(records, *rec)
	}
	if err := t.store.UpdateWorkflow(ctx, next, wf.Guard(), records...); err != nil {
		return nil, err
	}

	outcome := OutcomeFailed
	if review {
		outcome = OutcomeReview
	}
	t.observeStage(stage.Name, outcome, elapsed)
	t.observeWorkflow(next.Status)
	logging.WarnWithContext(t.stageLogger(next, stage), "workflow stopped", "workflow_"+outcome,
		logging.Error(cause),
		logging.String(logging.FieldErrorKind, string(kind)),
		logging.String(logging.FieldImpact, "workflow requires resubmission or manual review"),
		logging.String(logging.FieldErrorHint, "inspect the stage error and resubmit"),
	)
	return next, nil
}

// Stale reports a result discarded because the workflow moved on.
func (t *Tracker) Stale(wf *workflow.Workflow, stage string, err error) {
	t.observeStage(stage, OutcomeStale, 0)
	t.logger.Info("stale stage result discarded",
		logging.String(logging.FieldWorkflowID, wf.ID),
		logging.String(logging.FieldStage, stage),
		logging.Int64("epoch", wf.Epoch),
		logging.String("reason", err.Error()),
		logging.String(logging.FieldEventType, "stage_result_stale"),
	)
}

func (t *Tracker) stageLogger(wf *workflow.Workflow, stage *Stage) *slog.Logger {
	return t.logger.With(
		logging.String(logging.FieldWorkflowID, wf.ID),
		logging.String(logging.FieldStage, stage.Name),
	)
}

func (t *Tracker) observeStage(stage, outcome string, elapsed time.Duration) {
	if t.observer != nil {
		t.observer.StageFinished(stage, outcome, elapsed)
	}
}

func (t *Tracker) observeWorkflow(status workflow.Status) {
	if t.observer != nil {
		t.observer.WorkflowFinished(status)
	}
}
