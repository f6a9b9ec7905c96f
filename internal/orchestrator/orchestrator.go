package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"poflow/internal/jobqueue"
	"poflow/internal/logging"
	"poflow/internal/metastore"
	"poflow/internal/pipeline"
	"poflow/internal/services"
	"poflow/internal/store"
	"poflow/internal/workflow"
)

// Options tunes an Orchestrator.
type Options struct {
	MaxAttempts int
	Backoff     Backoff
	// Concurrency returns the worker count for a stage queue.
	Concurrency func(stage string) int
	Logger      *slog.Logger
}

// Orchestrator executes workflows through per-stage queues.
type Orchestrator struct {
	tracker     *pipeline.Tracker
	queues      *jobqueue.Manager
	backoff     Backoff
	maxAttempts int
	logger      *slog.Logger
}

var _ pipeline.Executor = (*Orchestrator)(nil)

// New registers one queue per tracker stage on queues. Start the manager
// after construction.
func New(tracker *pipeline.Tracker, queues *jobqueue.Manager, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	o := &Orchestrator{
		tracker:     tracker,
		queues:      queues,
		backoff:     opts.Backoff,
		maxAttempts: maxAttempts,
		logger:      logging.NewComponentLogger(logger, "orchestrator"),
	}
	stages := tracker.Stages()
	for i := range stages {
		stage := &stages[i]
		concurrency := 1
		if opts.Concurrency != nil {
			concurrency = opts.Concurrency(stage.Name)
		}
		queues.Register(stage.Name, concurrency, o.handler(stage))
	}
	return o
}

// Queues returns the underlying queue manager.
func (o *Orchestrator) Queues() *jobqueue.Manager { return o.queues }

// Execute dispatches a pending workflow and enqueues its first stage.
func (o *Orchestrator) Execute(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, error) {
	next, err := o.tracker.Dispatch(ctx, wf)
	if err != nil {
		return nil, err
	}
	if err := o.enqueue(ctx, next, next.CurrentStage); err != nil {
		return next, err
	}
	return next, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, wf *workflow.Workflow, stage string) error {
	def, _, err := pipeline.Lookup(o.tracker.Stages(), stage)
	if err != nil {
		return err
	}
	ref := ""
	if len(def.Inputs) > 0 {
		ref = metastore.Key(wf.ID, def.Inputs[0])
	}
	job, created, err := o.queues.Enqueue(ctx, jobqueue.Spec{
		Queue:      stage,
		WorkflowID: wf.ID,
		Stage:      stage,
		Epoch:      wf.Epoch,
		PayloadRef: ref,
	})
	if err != nil {
		return err
	}
	o.logger.Debug("stage job enqueued",
		logging.String(logging.FieldWorkflowID, wf.ID),
		logging.String(logging.FieldStage, stage),
		logging.String(logging.FieldJobID, job.ID),
		logging.Int64("epoch", wf.Epoch),
		logging.Bool("created", created),
	)
	return nil
}

func (o *Orchestrator) handler(stage *pipeline.Stage) jobqueue.Handler {
	return func(ctx context.Context, job jobqueue.Job) error {
		return o.run(ctx, stage, job)
	}
}

func (o *Orchestrator) run(ctx context.Context, stage *pipeline.Stage, job jobqueue.Job) error {
	st := o.tracker.Store()
	wf, err := st.GetWorkflow(ctx, job.WorkflowID)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("job for unknown workflow dropped",
			logging.String(logging.FieldWorkflowID, job.WorkflowID),
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldEventType, "job_orphaned"),
		)
		return nil
	}
	if err != nil {
		return o.retryInfrastructure(job, fmt.Errorf("load workflow: %w", err))
	}
	if !current(wf, job) {
		o.tracker.Stale(wf, job.Stage, fmt.Errorf("job epoch %d for %s, workflow %s at %q epoch %d",
			job.Epoch, job.Stage, wf.Status, wf.CurrentStage, wf.Epoch))
		return nil
	}

	begun, rec, err := o.tracker.BeginStage(ctx, wf, stage)
	if err != nil {
		if errors.Is(err, store.ErrStale) {
			o.tracker.Stale(wf, stage.Name, err)
			return nil
		}
		return o.retryInfrastructure(job, err)
	}
	wf = begun

	in, err := o.tracker.LoadInputs(ctx, wf, stage)
	if err != nil {
		return o.settleFailure(ctx, wf, stage, job, rec, err)
	}
	out, err := o.tracker.RunStage(ctx, wf, stage, in)
	if err != nil {
		return o.settleFailure(ctx, wf, stage, job, rec, err)
	}
	next, _, err := o.tracker.CompleteStage(ctx, wf, stage, rec, out)
	if errors.Is(err, store.ErrStale) {
		o.tracker.Stale(wf, stage.Name, err)
		return nil
	}
	if err != nil {
		return o.settleFailure(ctx, wf, stage, job, rec, err)
	}
	if next.Status != workflow.StatusProcessing {
		return nil
	}
	if err := o.enqueue(ctx, next, next.CurrentStage); err != nil {
		logging.ErrorWithContext(o.logger, "enqueue next stage failed", "stage_enqueue_failed",
			logging.String(logging.FieldWorkflowID, next.ID),
			logging.String(logging.FieldStage, next.CurrentStage),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the recovery sweep resets the workflow once it is stale"),
		)
	}
	return nil
}

// settleFailure retries retryable errors below the attempt ceiling and
// applies the terminal transition otherwise.
func (o *Orchestrator) settleFailure(ctx context.Context, wf *workflow.Workflow, stage *pipeline.Stage, job jobqueue.Job, rec workflow.StageRecord, cause error) error {
	kind := services.Classify(cause)
	attempt := job.Attempts + 1
	if kind.Retryable() && attempt < o.maxAttempts {
		delay := o.backoff.Delay(kind, attempt)
		if _, err := o.tracker.RetryStage(ctx, wf, stage, rec, cause, o.tracker.Now().Add(delay)); err != nil {
			if errors.Is(err, store.ErrStale) {
				o.tracker.Stale(wf, stage.Name, err)
				return nil
			}
			return o.retryInfrastructure(job, err)
		}
		return jobqueue.Retry(cause, delay)
	}
	if _, err := o.tracker.FailStage(ctx, wf, stage, &rec, cause); err != nil {
		if errors.Is(err, store.ErrStale) {
			o.tracker.Stale(wf, stage.Name, err)
			return nil
		}
		return fmt.Errorf("apply terminal transition: %w", err)
	}
	return cause
}

// retryInfrastructure reschedules a job after a store or queue error that
// happened outside the stage itself.
func (o *Orchestrator) retryInfrastructure(job jobqueue.Job, err error) error {
	attempt := job.Attempts + 1
	if attempt >= o.maxAttempts {
		return err
	}
	return jobqueue.Retry(err, o.backoff.Delay(services.KindTransient, attempt))
}

func current(wf *workflow.Workflow, job jobqueue.Job) bool {
	return wf.Status == workflow.StatusProcessing && wf.Epoch == job.Epoch && wf.CurrentStage == job.Stage
}
