package sequential_test

import (
	"context"
	"testing"
	"time"

	"poflow/internal/metastore"
	"poflow/internal/pipeline"
	"poflow/internal/sequential"
	"poflow/internal/services"
	"poflow/internal/store"
	"poflow/internal/testsupport"
	"poflow/internal/workflow"
)

func newRunner(t *testing.T, deps pipeline.Deps) (*sequential.Runner, *store.Store, *metastore.Memory) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	meta := metastore.NewMemory()
	if deps.Aggregates == nil {
		deps.Aggregates = st
	}
	tracker := pipeline.NewTracker(st, meta, st, pipeline.Stages(deps))
	return sequential.New(tracker, 2, nil), st, meta
}

func newPending(t *testing.T, st *store.Store, meta metastore.Store, id string) *workflow.Workflow {
	t.Helper()
	wf := testsupport.NewWorkflow(t, st, id, "tests", workflow.ModeSequential, 6)
	testsupport.PutUpload(t, meta, id, testsupport.SampleDocument)
	return wf
}

func TestRunnerCompletesInOrder(t *testing.T) {
	archiver := &testsupport.FakeArchiver{}
	runner, st, meta := newRunner(t, pipeline.Deps{Extractor: testsupport.NewFakeExtractor(), Archiver: archiver})
	ctx := context.Background()
	wf := newPending(t, st, meta, "wf-seq")

	got, err := runner.Execute(ctx, wf)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got.Status != workflow.StatusCompleted || got.ProgressPercent != 100 {
		t.Fatalf("expected completed at 100%%, got %s %d%%", got.Status, got.ProgressPercent)
	}

	records, err := st.ListStageRecords(ctx, "wf-seq")
	if err != nil {
		t.Fatalf("ListStageRecords failed: %v", err)
	}
	if len(records) != 6 {
		t.Fatalf("expected 6 records, got %d", len(records))
	}
	for i, rec := range records {
		if rec.StageOrder != i+1 || !rec.Status.Done() {
			t.Fatalf("record %d: %s order=%d status=%s", i, rec.StageName, rec.StageOrder, rec.Status)
		}
	}

	// Stage outputs are visible in the metadata store like in queued mode.
	for _, stage := range []string{pipeline.StageExtract, pipeline.StageNormalize, pipeline.StagePersist, pipeline.StageEnrich} {
		if _, err := meta.Get(ctx, metastore.Key("wf-seq", stage)); err != nil {
			t.Fatalf("expected %s output in metadata store: %v", stage, err)
		}
	}
	if _, ok := archiver.Archived("wf-seq/extraction.json"); !ok {
		t.Fatal("expected raw extraction archived")
	}
}

func TestRunnerStopsOnFirstError(t *testing.T) {
	transient := services.Wrap(services.ErrTransient, pipeline.StageExtract, "generate", "503", nil)
	extractor := testsupport.NewFakeExtractor(transient)
	runner, st, meta := newRunner(t, pipeline.Deps{Extractor: extractor})
	wf := newPending(t, st, meta, "wf-seq-fail")

	got, err := runner.Execute(context.Background(), wf)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got.Status != workflow.StatusFailed || got.FailedStage != pipeline.StageExtract {
		t.Fatalf("expected failed at extract, got %s at %q", got.Status, got.FailedStage)
	}
	if extractor.Calls() != 1 || got.RetryCount != 0 {
		t.Fatalf("sequential mode must not retry: calls=%d retries=%d", extractor.Calls(), got.RetryCount)
	}
}

func TestRunnerValidationWithPersistedLinesNeedsReview(t *testing.T) {
	rejected := services.Wrap(services.ErrValidation, pipeline.StageSync, "push", "422", nil)
	runner, st, meta := newRunner(t, pipeline.Deps{
		Extractor: testsupport.NewFakeExtractor(),
		Syncer:    &testsupport.FakeSyncer{Errors: []error{rejected}},
	})
	wf := newPending(t, st, meta, "wf-seq-review")

	got, err := runner.Execute(context.Background(), wf)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got.Status != workflow.StatusReviewNeeded || got.FailedStage != pipeline.StageSync {
		t.Fatalf("expected review_needed at sync, got %s at %q", got.Status, got.FailedStage)
	}
}

func TestRunnerExecuteAsync(t *testing.T) {
	runner, st, meta := newRunner(t, pipeline.Deps{Extractor: testsupport.NewFakeExtractor()})
	ids := []string{"wf-a", "wf-b", "wf-c"}
	for _, id := range ids {
		runner.ExecuteAsync(context.Background(), newPending(t, st, meta, id))
	}
	runner.Wait()
	for _, id := range ids {
		wf, err := st.GetWorkflow(context.Background(), id)
		if err != nil {
			t.Fatalf("GetWorkflow failed: %v", err)
		}
		if wf.Status != workflow.StatusCompleted {
			t.Fatalf("%s: expected completed, got %s", id, wf.Status)
		}
	}
}

func TestRunnerExecuteAsyncIgnoresCallerCancellation(t *testing.T) {
	extractor := testsupport.NewFakeExtractor()
	gate := make(chan struct{})
	extractor.SetGate(gate)
	runner, st, meta := newRunner(t, pipeline.Deps{Extractor: extractor})

	ctx, cancel := context.WithCancel(context.Background())
	if !runner.ExecuteAsync(ctx, newPending(t, st, meta, "wf-detached")) {
		t.Fatal("expected run to start")
	}
	testsupport.WaitFor(t, 5*time.Second, func() bool { return extractor.Calls() == 1 })
	cancel()
	close(gate)
	runner.Wait()

	wf, err := st.GetWorkflow(context.Background(), "wf-detached")
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if wf.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s at %q", wf.Status, wf.CurrentStage)
	}
}

func TestRunnerExecuteAsyncSkipsInFlightWorkflow(t *testing.T) {
	extractor := testsupport.NewFakeExtractor()
	gate := make(chan struct{})
	extractor.SetGate(gate)
	runner, st, meta := newRunner(t, pipeline.Deps{Extractor: extractor})
	wf := newPending(t, st, meta, "wf-once")

	if !runner.ExecuteAsync(context.Background(), wf) {
		t.Fatal("expected first run to start")
	}
	if runner.ExecuteAsync(context.Background(), wf) {
		t.Fatal("expected second run to be skipped")
	}
	if !runner.InFlight(wf.ID) {
		t.Fatal("expected workflow to be in flight")
	}
	close(gate)
	runner.Wait()

	if runner.InFlight(wf.ID) {
		t.Fatal("workflow still reported in flight after Wait")
	}
	if extractor.Calls() != 1 {
		t.Fatalf("expected a single extraction, got %d", extractor.Calls())
	}
}
