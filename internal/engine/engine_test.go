package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"poflow/internal/engine"
	"poflow/internal/jobqueue"
	"poflow/internal/metastore"
	"poflow/internal/orchestrator"
	"poflow/internal/pipeline"
	"poflow/internal/sequential"
	"poflow/internal/services"
	"poflow/internal/store"
	"poflow/internal/testsupport"
	"poflow/internal/workflow"
)

type fixture struct {
	store  *store.Store
	meta   *metastore.Memory
	engine *engine.Engine
	runner *sequential.Runner
	source *testsupport.FakeSource
}

func newFixture(t *testing.T, deps pipeline.Deps, owners map[string]string) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	meta := metastore.NewMemory()
	if deps.Aggregates == nil {
		deps.Aggregates = st
	}
	tracker := pipeline.NewTracker(st, meta, st, pipeline.Stages(deps))

	mgr := jobqueue.NewManager(st, jobqueue.Options{PollInterval: 20 * time.Millisecond})
	orch := orchestrator.New(tracker, mgr, orchestrator.Options{
		MaxAttempts: 3,
		Backoff:     orchestrator.Backoff{Base: 10 * time.Millisecond, Cap: 20 * time.Millisecond},
	})
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(mgr.Stop)

	runner := sequential.New(tracker, 4, nil)
	t.Cleanup(runner.Wait)

	source := &testsupport.FakeSource{Docs: map[string][]byte{}}
	eng := engine.New(st, meta, map[workflow.Mode]pipeline.Executor{
		workflow.ModeQueued:     orch,
		workflow.ModeSequential: runner,
	}, func(owner string) string {
		return owners[owner]
	}, engine.Options{Source: source})
	return &fixture{store: st, meta: meta, engine: eng, runner: runner, source: source}
}

// gateExtractor blocks extractions until the returned release is called. The
// gate is also released at cleanup so runner.Wait cannot hang a failed test.
func gateExtractor(t *testing.T, extractor *testsupport.FakeExtractor) func() {
	t.Helper()
	gate := make(chan struct{})
	extractor.SetGate(gate)
	release := sync.OnceFunc(func() { close(gate) })
	t.Cleanup(release)
	return release
}

func (f *fixture) waitTerminal(t *testing.T, id string) *workflow.Workflow {
	t.Helper()
	var wf *workflow.Workflow
	testsupport.WaitFor(t, 10*time.Second, func() bool {
		got, err := f.store.GetWorkflow(context.Background(), id)
		if err != nil {
			t.Fatalf("GetWorkflow failed: %v", err)
		}
		wf = got
		return got.Status.Terminal()
	})
	return wf
}

func TestSubmitDeduplicatesByHash(t *testing.T) {
	f := newFixture(t, pipeline.Deps{Extractor: testsupport.NewFakeExtractor()}, map[string]string{"acme": "sequential"})
	ctx := context.Background()
	req := engine.SubmitRequest{Owner: "acme", Filename: "/uploads/po.pdf", Content: testsupport.SampleDocument}

	first, dup, err := f.engine.Submit(ctx, req)
	if err != nil || dup {
		t.Fatalf("first Submit: dup=%v err=%v", dup, err)
	}
	if first.Mode != workflow.ModeSequential || first.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed sequential workflow, got %s %s", first.Mode, first.Status)
	}
	if first.DocumentName != "po.pdf" || first.DocumentHash != engine.HashContent(testsupport.SampleDocument) {
		t.Fatalf("unexpected document fields %q %q", first.DocumentName, first.DocumentHash)
	}

	second, dup, err := f.engine.Submit(ctx, req)
	if err != nil || !dup || second.ID != first.ID {
		t.Fatalf("expected duplicate of %s, got %v dup=%v err=%v", first.ID, second, dup, err)
	}

	other, dup, err := f.engine.Submit(ctx, engine.SubmitRequest{Owner: "globex", Content: testsupport.SampleDocument})
	if err != nil || dup || other.ID == first.ID {
		t.Fatalf("another owner must get its own workflow: dup=%v err=%v", dup, err)
	}
	if other.Mode != workflow.ModeQueued {
		t.Fatalf("expected default queued mode, got %s", other.Mode)
	}
}

func TestSubmitRejectsEmptyDocuments(t *testing.T) {
	f := newFixture(t, pipeline.Deps{Extractor: testsupport.NewFakeExtractor()}, nil)
	_, _, err := f.engine.Submit(context.Background(), engine.SubmitRequest{Owner: "acme"})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitFetchesFromDocumentURI(t *testing.T) {
	f := newFixture(t, pipeline.Deps{Extractor: testsupport.NewFakeExtractor()}, map[string]string{"acme": "sequential"})
	f.source.Docs["gs://inbox/po-7.pdf"] = testsupport.SampleDocument

	wf, _, err := f.engine.Submit(context.Background(), engine.SubmitRequest{Owner: "acme", DocumentURI: "gs://inbox/po-7.pdf"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if wf.DocumentName != "po-7.pdf" || wf.Status != workflow.StatusCompleted {
		t.Fatalf("unexpected workflow %q %s", wf.DocumentName, wf.Status)
	}
}

func TestDispatchPendingRestoresExpiredUpload(t *testing.T) {
	f := newFixture(t, pipeline.Deps{Extractor: testsupport.NewFakeExtractor()}, nil)
	ctx := context.Background()

	restorable := testsupport.NewWorkflow(t, f.store, "wf-restore", "acme", workflow.ModeSequential, 6)
	f.source.Docs[restorable.DocumentURI] = testsupport.SampleDocument
	lost := testsupport.NewWorkflow(t, f.store, "wf-lost", "acme", workflow.ModeSequential, 6)

	n, err := f.engine.DispatchPending(ctx)
	if err != nil {
		t.Fatalf("DispatchPending failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one dispatched workflow, got %d", n)
	}
	got := f.waitTerminal(t, restorable.ID)
	if got.Status != workflow.StatusCompleted {
		t.Fatalf("expected restored workflow completed, got %s (%s)", got.Status, got.ErrorMessage)
	}
	failed, err := f.store.GetWorkflow(ctx, lost.ID)
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if failed.Status != workflow.StatusFailed || failed.Meta(workflow.MetaErrorKind) != string(services.KindConfiguration) {
		t.Fatalf("expected configuration failure, got %s %q", failed.Status, failed.Meta(workflow.MetaErrorKind))
	}
}

func TestResubmitRunsFailedWorkflowAgain(t *testing.T) {
	transient := errors.New("socket closed")
	f := newFixture(t, pipeline.Deps{Extractor: testsupport.NewFakeExtractor(transient)}, map[string]string{"acme": "sequential"})
	ctx := context.Background()

	wf, _, err := f.engine.Submit(ctx, engine.SubmitRequest{Owner: "acme", Filename: "po.pdf", Content: testsupport.SampleDocument})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if wf.Status != workflow.StatusFailed {
		t.Fatalf("expected first run to fail, got %s", wf.Status)
	}

	if _, err := f.engine.Resubmit(ctx, wf.ID); err != nil {
		t.Fatalf("Resubmit failed: %v", err)
	}
	got := f.waitTerminal(t, wf.ID)
	if got.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed after resubmit, got %s", got.Status)
	}
	if got.Epoch != 3 || got.Meta(workflow.MetaResubmittedAt) == "" {
		t.Fatalf("unexpected epoch %d or missing resubmitted_at", got.Epoch)
	}

	if _, err := f.engine.Resubmit(ctx, wf.ID); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for completed workflow, got %v", err)
	}
}

func TestResubmitSurvivesCancelledRequest(t *testing.T) {
	extractor := testsupport.NewFakeExtractor(errors.New("socket closed"))
	f := newFixture(t, pipeline.Deps{Extractor: extractor}, map[string]string{"acme": "sequential"})

	wf, _, err := f.engine.Submit(context.Background(), engine.SubmitRequest{Owner: "acme", Filename: "po.pdf", Content: testsupport.SampleDocument})
	if err != nil || wf.Status != workflow.StatusFailed {
		t.Fatalf("expected failed first run, got %v err=%v", wf, err)
	}

	release := gateExtractor(t, extractor)
	reqCtx, cancel := context.WithCancel(context.Background())
	if _, err := f.engine.Resubmit(reqCtx, wf.ID); err != nil {
		t.Fatalf("Resubmit failed: %v", err)
	}
	testsupport.WaitFor(t, 5*time.Second, func() bool { return extractor.Calls() == 2 })
	cancel()
	release()

	f.runner.Wait()
	got, err := f.store.GetWorkflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if got.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed after the request went away, got %s at %q", got.Status, got.CurrentStage)
	}
}

func TestResubmitWithCancelledContextStillRuns(t *testing.T) {
	f := newFixture(t, pipeline.Deps{Extractor: testsupport.NewFakeExtractor(errors.New("socket closed"))}, map[string]string{"acme": "sequential"})
	wf, _, err := f.engine.Submit(context.Background(), engine.SubmitRequest{Owner: "acme", Content: testsupport.SampleDocument})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// The handler may return before the background run is scheduled.
	reqCtx, cancel := context.WithCancel(context.Background())
	if _, err := f.engine.Resubmit(reqCtx, wf.ID); err != nil {
		t.Fatalf("Resubmit failed: %v", err)
	}
	cancel()

	got := f.waitTerminal(t, wf.ID)
	if got.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestSequentialSubmitSurvivesClientDisconnect(t *testing.T) {
	extractor := testsupport.NewFakeExtractor()
	f := newFixture(t, pipeline.Deps{Extractor: extractor}, map[string]string{"acme": "sequential"})
	release := gateExtractor(t, extractor)

	reqCtx, cancel := context.WithCancel(context.Background())
	type result struct {
		wf  *workflow.Workflow
		err error
	}
	done := make(chan result, 1)
	go func() {
		wf, _, err := f.engine.Submit(reqCtx, engine.SubmitRequest{Owner: "acme", Content: testsupport.SampleDocument})
		done <- result{wf, err}
	}()
	testsupport.WaitFor(t, 5*time.Second, func() bool { return extractor.Calls() == 1 })
	cancel()
	release()

	res := <-done
	if res.err != nil {
		t.Fatalf("Submit failed: %v", res.err)
	}
	if res.wf.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s at %q", res.wf.Status, res.wf.CurrentStage)
	}
}

func TestResubmitResetsStageRecords(t *testing.T) {
	rejected := services.Wrap(services.ErrValidation, pipeline.StageSync, "push", "422", nil)
	extractor := testsupport.NewFakeExtractor()
	f := newFixture(t, pipeline.Deps{
		Extractor: extractor,
		Syncer:    &testsupport.FakeSyncer{Errors: []error{rejected}},
	}, map[string]string{"acme": "sequential"})
	ctx := context.Background()

	wf, _, err := f.engine.Submit(ctx, engine.SubmitRequest{Owner: "acme", Content: testsupport.SampleDocument})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if wf.Status != workflow.StatusReviewNeeded || wf.FailedStage != pipeline.StageSync {
		t.Fatalf("expected review_needed at sync, got %s at %q", wf.Status, wf.FailedStage)
	}

	extractor.QueueErrors(errors.New("socket closed"))
	if _, err := f.engine.Resubmit(ctx, wf.ID); err != nil {
		t.Fatalf("Resubmit failed: %v", err)
	}
	got := f.waitTerminal(t, wf.ID)
	if got.Status != workflow.StatusFailed || got.FailedStage != pipeline.StageExtract {
		t.Fatalf("expected failure at extract, got %s at %q", got.Status, got.FailedStage)
	}

	records, err := f.store.ListStageRecords(ctx, wf.ID)
	if err != nil {
		t.Fatalf("ListStageRecords failed: %v", err)
	}
	for _, rec := range records {
		if rec.StageName == pipeline.StageExtract {
			if rec.Status != workflow.StageFailed || rec.Attempts != 1 {
				t.Fatalf("unexpected extract record %+v", rec)
			}
			continue
		}
		if rec.Status != workflow.StagePending || rec.Attempts != 0 || rec.StartedAt != nil || rec.CompletedAt != nil || rec.ErrorMessage != "" {
			t.Fatalf("stage %s kept state from the previous epoch: %+v", rec.StageName, rec)
		}
	}
}

func TestDispatchPendingSkipsWorkflowsAlreadyRunning(t *testing.T) {
	extractor := testsupport.NewFakeExtractor()
	f := newFixture(t, pipeline.Deps{Extractor: extractor}, nil)
	release := gateExtractor(t, extractor)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		wf := testsupport.NewWorkflow(t, f.store, fmt.Sprintf("wf-busy-%d", i), "acme", workflow.ModeSequential, 6)
		testsupport.PutUpload(t, f.meta, wf.ID, testsupport.SampleDocument)
		ids = append(ids, wf.ID)
	}
	n, err := f.engine.DispatchPending(ctx)
	if err != nil || n != 5 {
		t.Fatalf("first DispatchPending = %d, %v", n, err)
	}
	// Four runs hold the runner; the fifth waits for a slot and stays pending.
	testsupport.WaitFor(t, 5*time.Second, func() bool { return extractor.Calls() == 4 })

	n, err = f.engine.DispatchPending(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second DispatchPending = %d, %v", n, err)
	}
	release()
	for _, id := range ids {
		if got := f.waitTerminal(t, id); got.Status != workflow.StatusCompleted {
			t.Fatalf("%s: expected completed, got %s", id, got.Status)
		}
	}
	if extractor.Calls() != 5 {
		t.Fatalf("expected one extraction per workflow, got %d", extractor.Calls())
	}
}

func TestDescribeIncludesAggregate(t *testing.T) {
	f := newFixture(t, pipeline.Deps{Extractor: testsupport.NewFakeExtractor()}, map[string]string{"acme": "sequential"})
	wf, _, err := f.engine.Submit(context.Background(), engine.SubmitRequest{Owner: "acme", Content: testsupport.SampleDocument})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	detail, err := f.engine.Describe(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if len(detail.Stages) != 6 || detail.Aggregate == nil || len(detail.Aggregate.Lines) != 2 {
		t.Fatalf("unexpected detail %+v", detail)
	}
	if detail.Aggregate.VendorKey != "acme-supply-co" {
		t.Fatalf("expected enriched vendor key, got %q", detail.Aggregate.VendorKey)
	}
}
