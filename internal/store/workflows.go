package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"poflow/internal/workflow"
)

const workflowColumns = `id, document_name, document_uri, document_hash, owner, mode, status,
	current_stage, stages_total, stages_completed, progress_percent, retry_count, reattempts,
	error_message, failed_stage, metadata, epoch, created_at, started_at, updated_at, completed_at`

// CreateWorkflow inserts a new workflow.
func (s *Store) CreateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	if wf == nil || strings.TrimSpace(wf.ID) == "" {
		return errors.New("create workflow: id is required")
	}
	if err := workflow.Validate(wf); err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	now := s.now()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	if wf.UpdatedAt.IsZero() {
		wf.UpdatedAt = now
	}
	meta, err := encodeMetadata(wf.Metadata)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO workflows (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.DocumentName, wf.DocumentURI, wf.DocumentHash, wf.Owner, string(wf.Mode), string(wf.Status),
		wf.CurrentStage, wf.StagesTotal, wf.StagesCompleted, wf.ProgressPercent, wf.RetryCount, wf.Reattempts,
		nullableString(wf.ErrorMessage), nullableString(wf.FailedStage), meta, wf.Epoch,
		formatTime(wf.CreatedAt), nullableTime(wf.StartedAt), formatTime(wf.UpdatedAt), nullableTime(wf.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow fetches a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	row := s.queryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

// UpdateWorkflow persists wf only if the stored row still matches guard, and
// upserts records in the same transaction. It returns ErrStale when another
// writer moved the workflow first.
func (s *Store) UpdateWorkflow(ctx context.Context, wf *workflow.Workflow, guard workflow.Guard, records ...workflow.StageRecord) error {
	if err := workflow.Validate(wf); err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	meta, err := encodeMetadata(wf.Metadata)
	if err != nil {
		return err
	}
	if wf.UpdatedAt.IsZero() {
		wf.UpdatedAt = s.now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.txExec(ctx, tx, `UPDATE workflows SET
			document_name = ?, document_uri = ?, document_hash = ?, owner = ?, mode = ?, status = ?,
			current_stage = ?, stages_total = ?, stages_completed = ?, progress_percent = ?,
			retry_count = ?, reattempts = ?, error_message = ?, failed_stage = ?, metadata = ?,
			epoch = ?, started_at = ?, updated_at = ?, completed_at = ?
			WHERE id = ? AND status = ? AND epoch = ? AND current_stage = ?`,
			wf.DocumentName, wf.DocumentURI, wf.DocumentHash, wf.Owner, string(wf.Mode), string(wf.Status),
			wf.CurrentStage, wf.StagesTotal, wf.StagesCompleted, wf.ProgressPercent,
			wf.RetryCount, wf.Reattempts, nullableString(wf.ErrorMessage), nullableString(wf.FailedStage), meta,
			wf.Epoch, nullableTime(wf.StartedAt), formatTime(wf.UpdatedAt), nullableTime(wf.CompletedAt),
			wf.ID, string(guard.Status), guard.Epoch, guard.Stage,
		)
		if err != nil {
			return fmt.Errorf("update workflow: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update workflow rows: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("workflow %s (%s at %q, epoch %d): %w", wf.ID, guard.Status, guard.Stage, guard.Epoch, ErrStale)
		}
		for _, rec := range records {
			if err := s.upsertStageRecord(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListFilter narrows ListWorkflows.
type ListFilter struct {
	Statuses []workflow.Status
	Owner    string
	Limit    int
}

// ListWorkflows returns workflows newest first.
func (s *Store) ListWorkflows(ctx context.Context, filter ListFilter) ([]*workflow.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+makePlaceholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	if filter.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, filter.Owner)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return s.queryWorkflows(ctx, query, args...)
}

// ListStuckWorkflows returns workflows in status whose updated_at is older than cutoff.
func (s *Store) ListStuckWorkflows(ctx context.Context, status workflow.Status, cutoff time.Time) ([]*workflow.Workflow, error) {
	return s.queryWorkflows(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE status = ? AND updated_at < ? ORDER BY updated_at, id`,
		string(status), formatTime(cutoff),
	)
}

// ListPending returns pending workflows in the given mode, oldest first.
func (s *Store) ListPending(ctx context.Context, mode workflow.Mode, limit int) ([]*workflow.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE status = ? AND mode = ? ORDER BY created_at, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryWorkflows(ctx, query, string(workflow.StatusPending), string(mode))
}

// FindByHash returns the newest non-failed workflow for owner with the given
// document hash, or ErrNotFound.
func (s *Store) FindByHash(ctx context.Context, owner, hash string) (*workflow.Workflow, error) {
	if strings.TrimSpace(hash) == "" {
		return nil, ErrNotFound
	}
	list, err := s.queryWorkflows(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE document_hash = ? AND owner = ? AND status <> ?
		ORDER BY created_at DESC LIMIT 1`,
		hash, owner, string(workflow.StatusFailed),
	)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

func (s *Store) queryWorkflows(ctx context.Context, query string, args ...any) ([]*workflow.Workflow, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflows: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(sc scanner) (*workflow.Workflow, error) {
	var (
		wf                     workflow.Workflow
		mode, status           string
		errMsg, failedStage    sql.NullString
		meta                   sql.NullString
		createdAt, updatedAt   string
		startedAt, completedAt sql.NullString
	)
	if err := sc.Scan(
		&wf.ID, &wf.DocumentName, &wf.DocumentURI, &wf.DocumentHash, &wf.Owner, &mode, &status,
		&wf.CurrentStage, &wf.StagesTotal, &wf.StagesCompleted, &wf.ProgressPercent, &wf.RetryCount, &wf.Reattempts,
		&errMsg, &failedStage, &meta, &wf.Epoch, &createdAt, &startedAt, &updatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	wf.Mode = workflow.Mode(mode)
	wf.Status = workflow.Status(status)
	wf.ErrorMessage = errMsg.String
	wf.FailedStage = failedStage.String
	wf.CreatedAt = parseTime(createdAt)
	wf.UpdatedAt = parseTime(updatedAt)
	wf.StartedAt = timePtr(startedAt)
	wf.CompletedAt = timePtr(completedAt)
	wf.Metadata = map[string]string{}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &wf.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", wf.ID, err)
		}
	}
	return &wf, nil
}

func encodeMetadata(meta map[string]string) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}
