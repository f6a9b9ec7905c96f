package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"poflow/internal/workflow"
)

var stageRecordColumns = []string{
	"workflow_id", "stage_name", "stage_order", "status", "attempts",
	"started_at", "completed_at", "duration_ms", "error_message",
}

// UpsertStageRecord writes rec outside of a workflow transition.
func (s *Store) UpsertStageRecord(ctx context.Context, rec workflow.StageRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.upsertStageRecord(ctx, tx, rec)
	})
}

func (s *Store) upsertStageRecord(ctx context.Context, tx *sql.Tx, rec workflow.StageRecord) error {
	query := s.dialect.upsert("stage_records", stageRecordColumns,
		[]string{"workflow_id", "stage_name"},
		stageRecordColumns[2:],
	)
	_, err := s.txExec(ctx, tx, query,
		rec.WorkflowID, rec.StageName, rec.StageOrder, string(rec.Status), rec.Attempts,
		nullableTime(rec.StartedAt), nullableTime(rec.CompletedAt), rec.Duration.Milliseconds(),
		nullableString(rec.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("upsert stage record %s/%s: %w", rec.WorkflowID, rec.StageName, err)
	}
	return nil
}

// ListStageRecords returns the stage records of a workflow in stage order.
func (s *Store) ListStageRecords(ctx context.Context, workflowID string) ([]workflow.StageRecord, error) {
	rows, err := s.query(ctx, `SELECT workflow_id, stage_name, stage_order, status, attempts,
		started_at, completed_at, duration_ms, error_message
		FROM stage_records WHERE workflow_id = ? ORDER BY stage_order`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query stage records: %w", err)
	}
	defer rows.Close()

	var out []workflow.StageRecord
	for rows.Next() {
		var (
			rec                    workflow.StageRecord
			status                 string
			startedAt, completedAt sql.NullString
			durationMS             int64
			errMsg                 sql.NullString
		)
		if err := rows.Scan(&rec.WorkflowID, &rec.StageName, &rec.StageOrder, &status, &rec.Attempts,
			&startedAt, &completedAt, &durationMS, &errMsg); err != nil {
			return nil, fmt.Errorf("scan stage record: %w", err)
		}
		rec.Status = workflow.StageStatus(status)
		rec.StartedAt = timePtr(startedAt)
		rec.CompletedAt = timePtr(completedAt)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.ErrorMessage = errMsg.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage records: %w", err)
	}
	return out, nil
}

// GetStageRecord returns the record for one stage, or a fresh pending record
// when none has been written yet.
func (s *Store) GetStageRecord(ctx context.Context, workflowID, stage string, order int) (workflow.StageRecord, error) {
	records, err := s.ListStageRecords(ctx, workflowID)
	if err != nil {
		return workflow.StageRecord{}, err
	}
	for _, rec := range records {
		if rec.StageName == stage {
			return rec, nil
		}
	}
	return workflow.StageRecord{
		WorkflowID: workflowID,
		StageName:  stage,
		StageOrder: order,
		Status:     workflow.StagePending,
	}, nil
}

// ResetStageRecords returns the workflow's existing records reset to
// pending, ready to be written with the transition that starts a new epoch.
func (s *Store) ResetStageRecords(ctx context.Context, workflowID string) ([]workflow.StageRecord, error) {
	records, err := s.ListStageRecords(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].Reset()
	}
	return records, nil
}
