package store

import (
	"context"
	"fmt"
	"time"

	"poflow/internal/workflow"
)

// Stats returns a count of workflows grouped by status.
func (s *Store) Stats(ctx context.Context) (map[workflow.Status]int, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(1) FROM workflows GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("workflow stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[workflow.Status]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[workflow.Status(status)] = count
	}
	return stats, rows.Err()
}

// HealthSummary describes aggregated workflow counts per lifecycle state.
type HealthSummary struct {
	Total        int `json:"total"`
	Pending      int `json:"pending"`
	Processing   int `json:"processing"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	ReviewNeeded int `json:"review_needed"`
}

// Health aggregates workflow state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case workflow.StatusPending:
			health.Pending += count
		case workflow.StatusProcessing:
			health.Processing += count
		case workflow.StatusCompleted:
			health.Completed += count
		case workflow.StatusFailed:
			health.Failed += count
		case workflow.StatusReviewNeeded:
			health.ReviewNeeded += count
		}
	}
	return health, nil
}

// DatabaseHealth captures diagnostic information about the database.
type DatabaseHealth struct {
	Driver        string `json:"driver"`
	Path          string `json:"path,omitempty"`
	Reachable     bool   `json:"reachable"`
	SchemaVersion int    `json:"schema_version"`
	Workflows     int    `json:"workflows"`
	Jobs          int    `json:"jobs"`
	Error         string `json:"error,omitempty"`
}

// CheckHealth returns diagnostic information about the database.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{Driver: s.dialect.name, Path: s.path}

	connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping database: %w", err)
	}
	health.Reachable = true

	if err := s.queryRow(connCtx, "SELECT version FROM schema_version").Scan(&health.SchemaVersion); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("read schema version: %w", err)
	}
	if err := s.queryRow(connCtx, "SELECT COUNT(*) FROM workflows").Scan(&health.Workflows); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("count workflows: %w", err)
	}
	if err := s.queryRow(connCtx, "SELECT COUNT(*) FROM jobs").Scan(&health.Jobs); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("count jobs: %w", err)
	}
	return health, nil
}

// PurgeCompletedJobs deletes completed jobs last touched before cutoff.
func (s *Store) PurgeCompletedJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM jobs WHERE status = 'completed' AND updated_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge completed jobs: %w", err)
	}
	return res.RowsAffected()
}
