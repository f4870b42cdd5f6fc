package storage

import (
	"context"
	"time"

	apperrors "github.com/social-monitor/internal/errors"
	"github.com/social-monitor/internal/models"
)

// JobRepository persists the scheduler's job rows so they survive a restart
type JobRepository struct {
	q querier
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *PostgresDB) *JobRepository {
	return &JobRepository{q: db.Pool()}
}

// UpsertJob creates or replaces the job of an entity
func (r *JobRepository) UpsertJob(ctx context.Context, job *models.Job) error {
	job.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO monitoring_jobs (id, entity_id, owner_id, platform, interval_seconds,
			active, next_due_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (entity_id) DO UPDATE
		SET id = EXCLUDED.id,
			interval_seconds = EXCLUDED.interval_seconds,
			active = EXCLUDED.active,
			next_due_at = EXCLUDED.next_due_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.q.Exec(ctx, query,
		job.ID,
		job.EntityID,
		job.OwnerID,
		job.Platform,
		job.IntervalSeconds,
		job.Active,
		job.NextDueAt,
		job.UpdatedAt,
	)
	if err != nil {
		return apperrors.NewDatabaseError("upsert job", err)
	}
	return nil
}

// DeleteJob removes the job of an entity. Deleting a missing job is not an error.
func (r *JobRepository) DeleteJob(ctx context.Context, entityID string) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM monitoring_jobs WHERE entity_id = $1`, entityID); err != nil {
		return apperrors.NewDatabaseError("delete job", err)
	}
	return nil
}

// ListDueJobs reconstructs the jobs of every monitoring-enabled entity. The job row
// only contributes the paused flag; entities without one come back active. NextDueAt
// is last_collected_at + interval, or zero for entities never collected.
func (r *JobRepository) ListDueJobs(ctx context.Context) ([]*models.Job, error) {
	query := `
		SELECT e.id, e.owner_id, e.platform, e.interval_seconds,
			COALESCE(j.active, TRUE),
			e.last_collected_at + make_interval(secs => e.interval_seconds)
		FROM monitored_entities e
		LEFT JOIN monitoring_jobs j ON j.entity_id = e.id
		WHERE e.monitoring_enabled
		ORDER BY e.id
	`

	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list due jobs", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var job models.Job
		var nextDue *time.Time
		if err := rows.Scan(
			&job.EntityID,
			&job.OwnerID,
			&job.Platform,
			&job.IntervalSeconds,
			&job.Active,
			&nextDue,
		); err != nil {
			return nil, apperrors.NewDatabaseError("scan job", err)
		}
		job.ID = models.JobID(job.Platform, job.EntityID)
		if nextDue != nil {
			job.NextDueAt = *nextDue
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list due jobs", err)
	}
	return jobs, nil
}
