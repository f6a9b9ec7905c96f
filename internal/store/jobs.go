package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"poflow/internal/jobqueue"
)

var _ jobqueue.Backend = (*Store)(nil)

const jobColumns = `id, queue, workflow_id, stage, epoch, attempts, payload_ref, status,
	available_at, locked_by, locked_until, last_error, created_at, updated_at`

// claimAttempts bounds how often ClaimJob retries after losing a race for a row.
const claimAttempts = 3

// InsertJob implements jobqueue.Backend.
func (s *Store) InsertJob(ctx context.Context, job jobqueue.Job) (jobqueue.Job, bool, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = jobqueue.StatusWaiting
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	if job.AvailableAt.IsZero() {
		job.AvailableAt = job.CreatedAt
	}
	query := s.dialect.insertIgnore("jobs", []string{
		"id", "queue", "workflow_id", "stage", "epoch", "attempts", "payload_ref", "status",
		"available_at", "created_at", "updated_at",
	})
	res, err := s.exec(ctx, query,
		job.ID, job.Queue, job.WorkflowID, job.Stage, job.Epoch, job.Attempts, job.PayloadRef, string(job.Status),
		formatTime(job.AvailableAt), formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	if err != nil {
		return jobqueue.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected > 0 {
		return job, true, nil
	}
	existing, err := s.scanJob(s.queryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE workflow_id = ? AND stage = ? AND epoch = ?`,
		job.WorkflowID, job.Stage, job.Epoch))
	if err != nil {
		return jobqueue.Job{}, false, fmt.Errorf("load existing job: %w", err)
	}
	return *existing, false, nil
}

// ClaimJob implements jobqueue.Backend. Selection and locking are separate
// statements; the conditional UPDATE decides which worker wins a row.
func (s *Store) ClaimJob(ctx context.Context, queue, worker string, now, lockUntil time.Time) (*jobqueue.Job, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var id string
		err := s.queryRow(ctx, `SELECT id FROM jobs
			WHERE queue = ? AND status IN (?, ?) AND available_at <= ?
			ORDER BY available_at, created_at LIMIT 1`,
			queue, string(jobqueue.StatusWaiting), string(jobqueue.StatusDelayed), formatTime(now),
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select claimable job: %w", err)
		}

		res, err := s.exec(ctx, `UPDATE jobs SET status = ?, locked_by = ?, locked_until = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?)`,
			string(jobqueue.StatusActive), worker, formatTime(lockUntil), formatTime(now),
			id, string(jobqueue.StatusWaiting), string(jobqueue.StatusDelayed),
		)
		if err != nil {
			return nil, fmt.Errorf("lock job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("lock job rows: %w", err)
		}
		if affected == 0 {
			continue
		}
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*jobqueue.Job, error) {
	job, err := s.scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns the jobs of a workflow, oldest first.
func (s *Store) ListJobs(ctx context.Context, workflowID string) ([]jobqueue.Job, error) {
	rows, err := s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE workflow_id = ? ORDER BY created_at, id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var out []jobqueue.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// ExtendLock implements jobqueue.Backend.
func (s *Store) ExtendLock(ctx context.Context, id, worker string, until time.Time) error {
	return s.updateLocked(ctx, id, worker,
		`UPDATE jobs SET locked_until = ? WHERE id = ? AND locked_by = ? AND status = ?`,
		formatTime(until), id, worker, string(jobqueue.StatusActive),
	)
}

// CompleteJob implements jobqueue.Backend.
func (s *Store) CompleteJob(ctx context.Context, id, worker string, now time.Time) error {
	return s.updateLocked(ctx, id, worker,
		`UPDATE jobs SET status = ?, locked_by = NULL, locked_until = NULL, last_error = NULL, updated_at = ?
		WHERE id = ? AND locked_by = ? AND status = ?`,
		string(jobqueue.StatusCompleted), formatTime(now), id, worker, string(jobqueue.StatusActive),
	)
}

// RescheduleJob implements jobqueue.Backend.
func (s *Store) RescheduleJob(ctx context.Context, id, worker, lastErr string, availableAt, now time.Time) error {
	return s.updateLocked(ctx, id, worker,
		`UPDATE jobs SET status = ?, attempts = attempts + 1, available_at = ?, last_error = ?,
		locked_by = NULL, locked_until = NULL, updated_at = ?
		WHERE id = ? AND locked_by = ? AND status = ?`,
		string(jobqueue.StatusDelayed), formatTime(availableAt), nullableString(lastErr), formatTime(now),
		id, worker, string(jobqueue.StatusActive),
	)
}

// FailJob implements jobqueue.Backend.
func (s *Store) FailJob(ctx context.Context, id, worker, lastErr string, now time.Time) error {
	return s.updateLocked(ctx, id, worker,
		`UPDATE jobs SET status = ?, attempts = attempts + 1, last_error = ?,
		locked_by = NULL, locked_until = NULL, updated_at = ?
		WHERE id = ? AND locked_by = ? AND status = ?`,
		string(jobqueue.StatusFailed), nullableString(lastErr), formatTime(now),
		id, worker, string(jobqueue.StatusActive),
	)
}

func (s *Store) updateLocked(ctx context.Context, id, worker, query string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("job %s held by %s: %w", id, worker, jobqueue.ErrLockLost)
	}
	return nil
}

// ReleaseExpired implements jobqueue.Backend.
func (s *Store) ReleaseExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx, `UPDATE jobs SET status = ?, locked_by = NULL, locked_until = NULL, updated_at = ?
		WHERE status = ? AND locked_until IS NOT NULL AND locked_until < ?`,
		string(jobqueue.StatusWaiting), formatTime(now), string(jobqueue.StatusActive), formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("release expired jobs: %w", err)
	}
	return res.RowsAffected()
}

// CountJobs implements jobqueue.Backend.
func (s *Store) CountJobs(ctx context.Context, queue string, _ time.Time) (jobqueue.Counts, error) {
	counts := jobqueue.Counts{Queue: queue}
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM jobs WHERE queue = ? GROUP BY status`, queue)
	if err != nil {
		return counts, fmt.Errorf("count jobs: %w", err)
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return counts, fmt.Errorf("scan job count: %w", err)
		}
		switch jobqueue.Status(status) {
		case jobqueue.StatusWaiting:
			counts.Waiting = n
		case jobqueue.StatusActive:
			counts.Active = n
		case jobqueue.StatusDelayed:
			counts.Delayed = n
		case jobqueue.StatusCompleted:
			counts.Completed = n
		case jobqueue.StatusFailed:
			counts.Failed = n
		}
	}
	iterErr := rows.Err()
	rows.Close()
	if iterErr != nil {
		return counts, fmt.Errorf("iterate job counts: %w", iterErr)
	}
	paused, err := s.QueuePaused(ctx, queue)
	if err != nil {
		return counts, err
	}
	counts.Paused = paused
	return counts, nil
}

// DeleteFailedJobs implements jobqueue.Backend.
func (s *Store) DeleteFailedJobs(ctx context.Context, queue string) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM jobs WHERE queue = ? AND status = ?`, queue, string(jobqueue.StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("delete failed jobs: %w", err)
	}
	return res.RowsAffected()
}

// SetQueuePaused implements jobqueue.Backend.
func (s *Store) SetQueuePaused(ctx context.Context, queue string, paused bool, now time.Time) error {
	flag := 0
	if paused {
		flag = 1
	}
	query := s.dialect.upsert("queue_state", []string{"queue", "paused", "updated_at"},
		[]string{"queue"}, []string{"paused", "updated_at"})
	if _, err := s.exec(ctx, query, queue, flag, formatTime(now)); err != nil {
		return fmt.Errorf("set queue paused: %w", err)
	}
	return nil
}

// QueuePaused implements jobqueue.Backend.
func (s *Store) QueuePaused(ctx context.Context, queue string) (bool, error) {
	var flag int
	err := s.queryRow(ctx, `SELECT paused FROM queue_state WHERE queue = ?`, queue).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read queue state: %w", err)
	}
	return flag != 0, nil
}

func (s *Store) scanJob(sc scanner) (*jobqueue.Job, error) {
	var (
		job                  jobqueue.Job
		status               string
		availableAt          string
		lockedBy, lastError  sql.NullString
		lockedUntil          sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(&job.ID, &job.Queue, &job.WorkflowID, &job.Stage, &job.Epoch, &job.Attempts,
		&job.PayloadRef, &status, &availableAt, &lockedBy, &lockedUntil, &lastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	job.Status = jobqueue.Status(status)
	job.AvailableAt = parseTime(availableAt)
	job.LockedBy = lockedBy.String
	job.LockedUntil = timePtr(lockedUntil)
	job.LastError = lastError.String
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return &job, nil
}

// HasQueuedJob reports whether a waiting or delayed job exists for the
// workflow's stage at epoch.
func (s *Store) HasQueuedJob(ctx context.Context, workflowID, stage string, epoch int64) (bool, error) {
	var n int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE workflow_id = ? AND stage = ? AND epoch = ? AND status IN (?, ?)`,
		workflowID, stage, epoch, string(jobqueue.StatusWaiting), string(jobqueue.StatusDelayed),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count queued jobs: %w", err)
	}
	return n > 0, nil
}
