package sequential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"poflow/internal/logging"
	"poflow/internal/pipeline"
	"poflow/internal/store"
	"poflow/internal/workflow"
)

// Runner executes workflows stage by stage in the calling goroutine.
type Runner struct {
	tracker *pipeline.Tracker
	sem     *semaphore.Weighted
	logger  *slog.Logger
	wg      sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
}

var _ pipeline.Executor = (*Runner)(nil)

// New returns a runner allowing at most concurrency workflows at once.
func New(tracker *pipeline.Tracker, concurrency int, logger *slog.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{
		tracker:  tracker,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		logger:   logging.NewComponentLogger(logger, "sequential"),
		inflight: make(map[string]struct{}),
	}
}

// Execute dispatches wf and runs all stages. Stage failures end in a
// terminal workflow state and are not returned as errors; the returned
// workflow is the last persisted state.
func (r *Runner) Execute(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)
	return r.run(ctx, wf)
}

// ExecuteAsync runs Execute in a tracked goroutine and reports whether a run
// was started. A workflow already running here is not started twice. The run
// is detached from ctx cancellation so it outlives the request that started
// it; Wait drains it.
func (r *Runner) ExecuteAsync(ctx context.Context, wf *workflow.Workflow) bool {
	if !r.claim(wf.ID) {
		return false
	}
	runCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(wf.ID)
		if _, err := r.Execute(runCtx, wf); err != nil {
			logging.ErrorWithContext(r.logger, "sequential workflow aborted", "sequential_aborted",
				logging.String(logging.FieldWorkflowID, wf.ID),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "the recovery sweep picks the workflow up once it is stale"),
			)
		}
	}()
	return true
}

// InFlight reports whether an ExecuteAsync run for id has not finished yet.
func (r *Runner) InFlight(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[id]
	return ok
}

func (r *Runner) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inflight[id]; ok {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}

// Wait blocks until all ExecuteAsync runs finish.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, error) {
	wf, err := r.tracker.Dispatch(ctx, wf)
	if err != nil {
		return nil, err
	}

	// Outputs of completed stages, keyed by stage name, for in-memory hand-off.
	produced := make(pipeline.Inputs)
	stages := r.tracker.Stages()
	for i := range stages {
		stage := &stages[i]
		begun, rec, err := r.tracker.BeginStage(ctx, wf, stage)
		if err != nil {
			return r.abort(wf, stage, err)
		}
		wf = begun

		next, data, err := r.runStage(ctx, wf, stage, rec, produced)
		if err == nil {
			wf = next
			if data != nil {
				produced[stage.Name] = data
			}
			continue
		}
		if errors.Is(err, store.ErrStale) {
			return r.abort(wf, stage, err)
		}

		failed, failErr := r.tracker.FailStage(ctx, wf, stage, &rec, err)
		if failErr != nil {
			return r.abort(wf, stage, failErr)
		}
		return failed, nil
	}
	return wf, nil
}

func (r *Runner) runStage(ctx context.Context, wf *workflow.Workflow, stage *pipeline.Stage, rec workflow.StageRecord, produced pipeline.Inputs) (*workflow.Workflow, []byte, error) {
	in, err := r.inputs(ctx, wf, stage, produced)
	if err != nil {
		return nil, nil, err
	}
	out, err := r.tracker.RunStage(ctx, wf, stage, in)
	if err != nil {
		return nil, nil, err
	}
	return r.tracker.CompleteStage(ctx, wf, stage, rec, out)
}

// inputs prefers payloads produced earlier in this run and falls back to
// the metadata store for the upload.
func (r *Runner) inputs(ctx context.Context, wf *workflow.Workflow, stage *pipeline.Stage, produced pipeline.Inputs) (pipeline.Inputs, error) {
	in := make(pipeline.Inputs, len(stage.Inputs))
	var missing []string
	for _, name := range stage.Inputs {
		if data, ok := produced[name]; ok {
			in[name] = data
			continue
		}
		missing = append(missing, name)
	}
	if len(missing) == 0 {
		return in, nil
	}
	loaded, err := r.tracker.LoadInputs(ctx, wf, &pipeline.Stage{Name: stage.Name, Inputs: missing})
	if err != nil {
		return nil, err
	}
	for name, data := range loaded {
		in[name] = data
	}
	return in, nil
}

func (r *Runner) abort(wf *workflow.Workflow, stage *pipeline.Stage, err error) (*workflow.Workflow, error) {
	if errors.Is(err, store.ErrStale) {
		r.tracker.Stale(wf, stage.Name, err)
		return wf, nil
	}
	return wf, fmt.Errorf("stage %s: %w", stage.Name, err)
}
