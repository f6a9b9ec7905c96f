package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"poflow/internal/jobqueue"
	"poflow/internal/testsupport"
)

func TestInsertJobDeduplicatesByEpoch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	spec := jobqueue.Job{Queue: "extract", WorkflowID: "wf-1", Stage: "extract", Epoch: 1, PayloadRef: "wf-1:upload"}
	first, created, err := st.InsertJob(ctx, spec)
	if err != nil || !created {
		t.Fatalf("first InsertJob: created=%v err=%v", created, err)
	}
	second, created, err := st.InsertJob(ctx, spec)
	if err != nil {
		t.Fatalf("second InsertJob failed: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected existing job %s, got %s created=%v", first.ID, second.ID, created)
	}

	spec.Epoch = 2
	if _, created, err := st.InsertJob(ctx, spec); err != nil || !created {
		t.Fatalf("new epoch must create a job: created=%v err=%v", created, err)
	}
}

func TestClaimJobLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, _, err := st.InsertJob(ctx, jobqueue.Job{Queue: "normalize", WorkflowID: "wf-2", Stage: "normalize", Epoch: 1, CreatedAt: now}); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}

	job, err := st.ClaimJob(ctx, "normalize", "worker-a", now, now.Add(time.Minute))
	if err != nil || job == nil {
		t.Fatalf("ClaimJob: job=%v err=%v", job, err)
	}
	if job.Status != jobqueue.StatusActive || job.LockedBy != "worker-a" {
		t.Fatalf("unexpected claimed job: %+v", job)
	}
	if again, err := st.ClaimJob(ctx, "normalize", "worker-b", now, now.Add(time.Minute)); err != nil || again != nil {
		t.Fatalf("expected no second claim, got %v err=%v", again, err)
	}

	if err := st.CompleteJob(ctx, job.ID, "worker-b", now); !errors.Is(err, jobqueue.ErrLockLost) {
		t.Fatalf("expected ErrLockLost for foreign worker, got %v", err)
	}

	retryAt := now.Add(30 * time.Second)
	if err := st.RescheduleJob(ctx, job.ID, "worker-a", "upstream unavailable", retryAt, now); err != nil {
		t.Fatalf("RescheduleJob failed: %v", err)
	}
	if early, err := st.ClaimJob(ctx, "normalize", "worker-a", now, now.Add(time.Minute)); err != nil || early != nil {
		t.Fatalf("delayed job claimed early: %v err=%v", early, err)
	}
	counts, err := st.CountJobs(ctx, "normalize", now)
	if err != nil {
		t.Fatalf("CountJobs failed: %v", err)
	}
	if counts.Delayed != 1 || counts.Active != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	later := retryAt.Add(time.Second)
	job, err = st.ClaimJob(ctx, "normalize", "worker-a", later, later.Add(time.Minute))
	if err != nil || job == nil {
		t.Fatalf("ClaimJob after delay: job=%v err=%v", job, err)
	}
	if job.Attempts != 1 || job.LastError != "upstream unavailable" {
		t.Fatalf("unexpected retried job: %+v", job)
	}
	if err := st.CompleteJob(ctx, job.ID, "worker-a", later); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	counts, err = st.CountJobs(ctx, "normalize", later)
	if err != nil {
		t.Fatalf("CountJobs failed: %v", err)
	}
	if counts.Completed != 1 {
		t.Fatalf("expected one completed job, got %+v", counts)
	}
}

func TestReleaseExpiredReturnsJobToWaiting(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, _, err := st.InsertJob(ctx, jobqueue.Job{Queue: "sync", WorkflowID: "wf-3", Stage: "sync", Epoch: 1, CreatedAt: now}); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	job, err := st.ClaimJob(ctx, "sync", "worker-a", now, now.Add(time.Second))
	if err != nil || job == nil {
		t.Fatalf("ClaimJob: job=%v err=%v", job, err)
	}

	released, err := st.ReleaseExpired(ctx, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("ReleaseExpired failed: %v", err)
	}
	if released != 1 {
		t.Fatalf("expected 1 released job, got %d", released)
	}
	if err := st.ExtendLock(ctx, job.ID, "worker-a", now.Add(time.Minute)); !errors.Is(err, jobqueue.ErrLockLost) {
		t.Fatalf("expected ErrLockLost after release, got %v", err)
	}
	reclaimed, err := st.ClaimJob(ctx, "sync", "worker-b", now.Add(3*time.Second), now.Add(time.Minute))
	if err != nil || reclaimed == nil || reclaimed.ID != job.ID {
		t.Fatalf("expected worker-b to reclaim %s, got %v err=%v", job.ID, reclaimed, err)
	}
}

func TestQueuePauseAndDrain(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	now := time.Now().UTC()

	paused, err := st.QueuePaused(ctx, "enrich")
	if err != nil || paused {
		t.Fatalf("new queue should not be paused: %v err=%v", paused, err)
	}
	if err := st.SetQueuePaused(ctx, "enrich", true, now); err != nil {
		t.Fatalf("SetQueuePaused failed: %v", err)
	}
	if paused, err = st.QueuePaused(ctx, "enrich"); err != nil || !paused {
		t.Fatalf("expected paused queue: %v err=%v", paused, err)
	}
	if err := st.SetQueuePaused(ctx, "enrich", false, now); err != nil {
		t.Fatalf("SetQueuePaused failed: %v", err)
	}
	if paused, err = st.QueuePaused(ctx, "enrich"); err != nil || paused {
		t.Fatalf("expected resumed queue: %v err=%v", paused, err)
	}

	if _, _, err := st.InsertJob(ctx, jobqueue.Job{Queue: "enrich", WorkflowID: "wf-4", Stage: "enrich", Epoch: 1, CreatedAt: now}); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	job, err := st.ClaimJob(ctx, "enrich", "worker-a", now, now.Add(time.Minute))
	if err != nil || job == nil {
		t.Fatalf("ClaimJob: job=%v err=%v", job, err)
	}
	if err := st.FailJob(ctx, job.ID, "worker-a", "bad document", now); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}
	removed, err := st.DeleteFailedJobs(ctx, "enrich")
	if err != nil || removed != 1 {
		t.Fatalf("DeleteFailedJobs: removed=%d err=%v", removed, err)
	}
}
