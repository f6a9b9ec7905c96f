package orchestrator_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"poflow/internal/jobqueue"
	"poflow/internal/metastore"
	"poflow/internal/orchestrator"
	"poflow/internal/pipeline"
	"poflow/internal/services"
	"poflow/internal/store"
	"poflow/internal/testsupport"
	"poflow/internal/workflow"
)

type harness struct {
	store *store.Store
	meta  *metastore.Memory
	orch  *orchestrator.Orchestrator
}

func newHarness(t *testing.T, deps pipeline.Deps) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	meta := metastore.NewMemory()
	if deps.Aggregates == nil {
		deps.Aggregates = st
	}
	tracker := pipeline.NewTracker(st, meta, st, pipeline.Stages(deps))
	mgr := jobqueue.NewManager(st, jobqueue.Options{
		WorkerID:          "orchestrator-test",
		PollInterval:      20 * time.Millisecond,
		LockTimeout:       5 * time.Second,
		HeartbeatInterval: time.Second,
	})
	orch := orchestrator.New(tracker, mgr, orchestrator.Options{
		MaxAttempts: 3,
		Backoff: orchestrator.Backoff{
			Base:      10 * time.Millisecond,
			Cap:       50 * time.Millisecond,
			QuotaBase: 20 * time.Millisecond,
			QuotaCap:  50 * time.Millisecond,
		},
		Concurrency: cfg.Queues.StageConcurrency,
	})
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(mgr.Stop)
	return &harness{store: st, meta: meta, orch: orch}
}

func (h *harness) submit(t *testing.T, id string) *workflow.Workflow {
	t.Helper()
	wf := testsupport.NewWorkflow(t, h.store, id, "tests", workflow.ModeQueued, len(pipeline.Stages(pipeline.Deps{})))
	testsupport.PutUpload(t, h.meta, id, testsupport.SampleDocument)
	dispatched, err := h.orch.Execute(context.Background(), wf)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if dispatched.Status != workflow.StatusProcessing || dispatched.CurrentStage != pipeline.StageExtract {
		t.Fatalf("unexpected dispatched state %s at %q", dispatched.Status, dispatched.CurrentStage)
	}
	return dispatched
}

func (h *harness) waitTerminal(t *testing.T, id string) *workflow.Workflow {
	t.Helper()
	var wf *workflow.Workflow
	testsupport.WaitFor(t, 10*time.Second, func() bool {
		got, err := h.store.GetWorkflow(context.Background(), id)
		if err != nil {
			t.Fatalf("GetWorkflow failed: %v", err)
		}
		wf = got
		return got.Status.Terminal()
	})
	return wf
}

func assertOrderedRecords(t *testing.T, st *store.Store, id string) []workflow.StageRecord {
	t.Helper()
	records, err := st.ListStageRecords(context.Background(), id)
	if err != nil {
		t.Fatalf("ListStageRecords failed: %v", err)
	}
	stages := pipeline.Stages(pipeline.Deps{})
	if len(records) != len(stages) {
		t.Fatalf("expected %d stage records, got %d", len(stages), len(records))
	}
	for i, rec := range records {
		if rec.StageName != stages[i].Name || rec.StageOrder != stages[i].Order {
			t.Fatalf("record %d is %s/%d, want %s/%d", i, rec.StageName, rec.StageOrder, stages[i].Name, stages[i].Order)
		}
		if !rec.Status.Done() {
			t.Fatalf("stage %s ended %s", rec.StageName, rec.Status)
		}
		if i > 0 && records[i-1].CompletedAt.After(*rec.StartedAt) {
			t.Fatalf("stage %s started before %s completed", rec.StageName, records[i-1].StageName)
		}
	}
	return records
}

func TestOrchestratorCompletesAllStages(t *testing.T) {
	syncer := &testsupport.FakeSyncer{}
	h := newHarness(t, pipeline.Deps{Extractor: testsupport.NewFakeExtractor(), Syncer: syncer})
	h.submit(t, "wf-complete")

	wf := h.waitTerminal(t, "wf-complete")
	if wf.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", wf.Status, wf.ErrorMessage)
	}
	if wf.ProgressPercent != 100 || wf.StagesCompleted != wf.StagesTotal {
		t.Fatalf("unexpected progress %d%% %d/%d", wf.ProgressPercent, wf.StagesCompleted, wf.StagesTotal)
	}
	if wf.CompletedAt == nil {
		t.Fatal("expected completed_at")
	}
	if wf.Meta(workflow.MetaAggregateID) == "" {
		t.Fatal("expected aggregate id in metadata")
	}
	assertOrderedRecords(t, h.store, "wf-complete")
	if pushed := syncer.Pushed(); len(pushed) != 1 || pushed[0] != wf.Meta(workflow.MetaAggregateID) {
		t.Fatalf("unexpected pushes %v", pushed)
	}

	count, err := h.store.CountLineItems(context.Background(), "wf-complete")
	if err != nil || count != 2 {
		t.Fatalf("CountLineItems = %d, %v", count, err)
	}
}

// The final stage completes the workflow without enqueuing another job.
func TestOrchestratorFinalStageEnqueuesNothing(t *testing.T) {
	h := newHarness(t, pipeline.Deps{Extractor: testsupport.NewFakeExtractor()})
	h.submit(t, "wf-final")
	wf := h.waitTerminal(t, "wf-final")
	if wf.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", wf.Status, wf.ErrorMessage)
	}
	if wf.CurrentStage != pipeline.StageFinalize {
		t.Fatalf("expected current stage finalize, got %q", wf.CurrentStage)
	}

	testsupport.WaitFor(t, 5*time.Second, func() bool {
		jobs, err := h.store.ListJobs(context.Background(), "wf-final")
		if err != nil {
			t.Fatalf("ListJobs failed: %v", err)
		}
		for _, job := range jobs {
			if job.Status != jobqueue.StatusCompleted {
				return false
			}
		}
		return len(jobs) == 6
	})

	records := assertOrderedRecords(t, h.store, "wf-final")
	if records[4].Status != workflow.StageSkipped {
		t.Fatalf("expected sync skipped without a syncer, got %s", records[4].Status)
	}
}

func TestOrchestratorRetriesQuotaErrors(t *testing.T) {
	quota := services.Wrap(services.ErrQuotaExceeded, pipeline.StageExtract, "generate", "429 resource exhausted", nil)
	extractor := testsupport.NewFakeExtractor(quota)
	h := newHarness(t, pipeline.Deps{Extractor: extractor})
	h.submit(t, "wf-quota")

	wf := h.waitTerminal(t, "wf-quota")
	if wf.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed after quota retry, got %s (%s)", wf.Status, wf.ErrorMessage)
	}
	if wf.RetryCount != 1 {
		t.Fatalf("expected one retry, got %d", wf.RetryCount)
	}
	if !strings.HasPrefix(wf.Meta(workflow.MetaLastRetryReason), string(services.KindQuota)) {
		t.Fatalf("unexpected retry reason %q", wf.Meta(workflow.MetaLastRetryReason))
	}
	if _, err := time.Parse(time.RFC3339, wf.Meta(workflow.MetaQuotaBackoffUntil)); err != nil {
		t.Fatalf("expected quota_backoff_until timestamp: %v", err)
	}
	if extractor.Calls() != 2 {
		t.Fatalf("expected two extract calls, got %d", extractor.Calls())
	}
	records := assertOrderedRecords(t, h.store, "wf-quota")
	if records[0].Attempts != 2 {
		t.Fatalf("expected extract attempted twice, got %d", records[0].Attempts)
	}
}

func TestOrchestratorFailsAfterMaxAttempts(t *testing.T) {
	transient := errors.New("connection reset")
	h := newHarness(t, pipeline.Deps{Extractor: testsupport.NewFakeExtractor(transient, transient, transient)})
	h.submit(t, "wf-exhausted")

	wf := h.waitTerminal(t, "wf-exhausted")
	if wf.Status != workflow.StatusFailed {
		t.Fatalf("expected failed, got %s", wf.Status)
	}
	if wf.FailedStage != pipeline.StageExtract || !strings.Contains(wf.ErrorMessage, "connection reset") {
		t.Fatalf("unexpected failure %q at %q", wf.ErrorMessage, wf.FailedStage)
	}
	if wf.RetryCount != 2 {
		t.Fatalf("expected two retries before failing, got %d", wf.RetryCount)
	}
}

func TestOrchestratorConfigurationErrorFailsImmediately(t *testing.T) {
	h := newHarness(t, pipeline.Deps{Extractor: testsupport.NewFakeExtractor()})
	wf := testsupport.NewWorkflow(t, h.store, "wf-no-upload", "tests", workflow.ModeQueued, 6)
	if _, err := h.orch.Execute(context.Background(), wf); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	got := h.waitTerminal(t, "wf-no-upload")
	if got.Status != workflow.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("configuration errors must not retry, got %d retries", got.RetryCount)
	}
	if got.Meta(workflow.MetaErrorKind) != string(services.KindConfiguration) {
		t.Fatalf("unexpected error kind %q", got.Meta(workflow.MetaErrorKind))
	}
}

func TestOrchestratorValidationAfterPersistNeedsReview(t *testing.T) {
	rejected := services.Wrap(services.ErrValidation, pipeline.StageSync, "push", "422 unknown vendor", nil)
	h := newHarness(t, pipeline.Deps{
		Extractor: testsupport.NewFakeExtractor(),
		Syncer:    &testsupport.FakeSyncer{Errors: []error{rejected}},
	})
	h.submit(t, "wf-review")

	wf := h.waitTerminal(t, "wf-review")
	if wf.Status != workflow.StatusReviewNeeded {
		t.Fatalf("expected review_needed, got %s", wf.Status)
	}
	if wf.FailedStage != pipeline.StageSync {
		t.Fatalf("expected failed stage sync, got %q", wf.FailedStage)
	}
	count, err := h.store.CountLineItems(context.Background(), "wf-review")
	if err != nil || count == 0 {
		t.Fatalf("expected partial aggregate kept, got %d (%v)", count, err)
	}
}

func TestOrchestratorDropsStaleJobs(t *testing.T) {
	h := newHarness(t, pipeline.Deps{Extractor: testsupport.NewFakeExtractor()})
	wf := testsupport.NewWorkflow(t, h.store, "wf-stale", "tests", workflow.ModeQueued, 6)
	testsupport.PutUpload(t, h.meta, "wf-stale", testsupport.SampleDocument)

	// A job from an epoch the workflow never reached must not advance it.
	if _, _, err := h.orch.Queues().Enqueue(context.Background(), jobqueue.Spec{
		Queue: pipeline.StageExtract, WorkflowID: wf.ID, Stage: pipeline.StageExtract, Epoch: 7,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	testsupport.WaitFor(t, 5*time.Second, func() bool {
		jobs, err := h.store.ListJobs(context.Background(), wf.ID)
		return err == nil && len(jobs) == 1 && jobs[0].Status == jobqueue.StatusCompleted
	})
	got, err := h.store.GetWorkflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if got.Status != workflow.StatusPending || got.StagesCompleted != 0 {
		t.Fatalf("stale job changed workflow: %s %d", got.Status, got.StagesCompleted)
	}
}
