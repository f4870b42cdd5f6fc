package models

import (
	"time"

	"github.com/social-monitor/internal/types"
)

// ExecutionRecord represents one job run. Records are append-only.
type ExecutionRecord struct {
	ID                string        `json:"id" db:"id"`
	JobID             string        `json:"jobId" db:"job_id"`
	EntityID          string        `json:"entityId" db:"entity_id"`
	StartedAt         time.Time     `json:"startedAt" db:"started_at"`
	CompletedAt       time.Time     `json:"completedAt" db:"completed_at"`
	Outcome           types.Outcome `json:"outcome" db:"outcome"`
	ItemsFetched      int           `json:"itemsFetched" db:"items_fetched"`
	ItemsNew          int           `json:"itemsNew" db:"items_new"`
	ItemsUpdated      int           `json:"itemsUpdated" db:"items_updated"`
	ItemsConsidered   int           `json:"itemsConsidered" db:"items_considered"`
	SubItemsNew       int           `json:"subItemsNew" db:"sub_items_new"`
	RetryAfterSeconds *int          `json:"retryAfterSeconds,omitempty" db:"retry_after_seconds"`
	ErrorDetail       *string       `json:"errorDetail,omitempty" db:"error_detail"`
}

// Duration returns how long the run took
func (r *ExecutionRecord) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// ExecutionStats aggregates the execution history of a job
type ExecutionStats struct {
	TotalRuns   int64      `json:"totalRuns"`
	Successful  int64      `json:"successful"`
	Failed      int64      `json:"failed"`
	RateLimited int64      `json:"rateLimited"`
	AuthErrors  int64      `json:"authErrors"`
	LastRunAt   *time.Time `json:"lastRunAt,omitempty"`
}
