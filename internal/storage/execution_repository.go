package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/social-monitor/internal/errors"
	"github.com/social-monitor/internal/models"
)

const (
	// DefaultHistoryLimit is used when a caller passes a non-positive limit
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps the number of records returned in one call
	MaxHistoryLimit = 500
)

// ClampHistoryLimit normalizes a requested history page size
func ClampHistoryLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}

// ExecutionRepository is the append-only execution log
type ExecutionRepository struct {
	q querier
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(db *PostgresDB) *ExecutionRepository {
	return &ExecutionRepository{q: db.Pool()}
}

// AppendExecutionRecord appends one run record
func (r *ExecutionRepository) AppendExecutionRecord(ctx context.Context, rec *models.ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	query := `
		INSERT INTO execution_records (id, job_id, entity_id, started_at, completed_at, outcome,
			items_fetched, items_new, items_updated, items_considered, sub_items_new,
			retry_after_seconds, error_detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.q.Exec(ctx, query,
		rec.ID,
		rec.JobID,
		rec.EntityID,
		rec.StartedAt,
		rec.CompletedAt,
		rec.Outcome,
		rec.ItemsFetched,
		rec.ItemsNew,
		rec.ItemsUpdated,
		rec.ItemsConsidered,
		rec.SubItemsNew,
		rec.RetryAfterSeconds,
		rec.ErrorDetail,
	)
	if err != nil {
		return apperrors.NewDatabaseError("append execution record", err)
	}
	return nil
}

// ListExecutionHistory returns the records of a job, newest first
func (r *ExecutionRepository) ListExecutionHistory(ctx context.Context, jobID string, limit int) ([]*models.ExecutionRecord, error) {
	query := `
		SELECT id, job_id, entity_id, started_at, completed_at, outcome, items_fetched,
			items_new, items_updated, items_considered, sub_items_new,
			retry_after_seconds, error_detail
		FROM execution_records
		WHERE job_id = $1
		ORDER BY started_at DESC, id
		LIMIT $2
	`

	rows, err := r.q.Query(ctx, query, jobID, ClampHistoryLimit(limit))
	if err != nil {
		return nil, apperrors.NewDatabaseError("list execution history", err)
	}
	defer rows.Close()

	records := make([]*models.ExecutionRecord, 0)
	for rows.Next() {
		var rec models.ExecutionRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.JobID,
			&rec.EntityID,
			&rec.StartedAt,
			&rec.CompletedAt,
			&rec.Outcome,
			&rec.ItemsFetched,
			&rec.ItemsNew,
			&rec.ItemsUpdated,
			&rec.ItemsConsidered,
			&rec.SubItemsNew,
			&rec.RetryAfterSeconds,
			&rec.ErrorDetail,
		); err != nil {
			return nil, apperrors.NewDatabaseError("scan execution record", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list execution history", err)
	}
	return records, nil
}

// ExecutionStats aggregates the outcomes of a job's runs
func (r *ExecutionRepository) ExecutionStats(ctx context.Context, jobID string) (*models.ExecutionStats, error) {
	query := `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE outcome = 'success'),
			COUNT(*) FILTER (WHERE outcome = 'failed'),
			COUNT(*) FILTER (WHERE outcome = 'rate_limited'),
			COUNT(*) FILTER (WHERE outcome = 'auth_error'),
			MAX(started_at)
		FROM execution_records
		WHERE job_id = $1
	`

	var stats models.ExecutionStats
	var lastRun *time.Time
	err := r.q.QueryRow(ctx, query, jobID).Scan(
		&stats.TotalRuns,
		&stats.Successful,
		&stats.Failed,
		&stats.RateLimited,
		&stats.AuthErrors,
		&lastRun,
	)
	if err != nil {
		return nil, apperrors.NewDatabaseError("execution stats", err)
	}
	stats.LastRunAt = lastRun
	return &stats, nil
}
