package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/social-monitor/internal/errors"
	"github.com/social-monitor/internal/models"
)

const entityColumns = `id, owner_id, platform, handle, monitoring_enabled, interval_seconds,
	item_limit, sub_item_limit, total_items, total_sub_items, last_collected_at, created_at, updated_at`

// uniqueViolation is the Postgres SQLSTATE for unique constraint violations
const uniqueViolation = "23505"

// EntityRepository handles monitored entity persistence
type EntityRepository struct {
	q querier
}

// knownEntityID reports a malformed id as a missing entity instead of letting
// the uuid cast fail in Postgres
func knownEntityID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperrors.NewNotFoundError("entity", id)
	}
	return nil
}

// NewEntityRepository creates a new entity repository
func NewEntityRepository(db *PostgresDB) *EntityRepository {
	return &EntityRepository{q: db.Pool()}
}

// Create inserts a new monitored entity. (owner, platform, handle) must be unique.
func (r *EntityRepository) Create(ctx context.Context, entity *models.MonitoredEntity) error {
	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	entity.CreatedAt = now
	entity.UpdatedAt = now

	query := `
		INSERT INTO monitored_entities (id, owner_id, platform, handle, monitoring_enabled,
			interval_seconds, item_limit, sub_item_limit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.q.Exec(ctx, query,
		entity.ID,
		entity.OwnerID,
		entity.Platform,
		entity.Handle,
		entity.MonitoringEnabled,
		entity.IntervalSeconds,
		entity.ItemLimit,
		entity.SubItemLimit,
		entity.CreatedAt,
		entity.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.NewInvalidParameterError("handle",
				fmt.Sprintf("%s/%s is already monitored by this owner", entity.Platform, entity.Handle))
		}
		return apperrors.NewDatabaseError("create entity", err)
	}
	return nil
}

// GetByID retrieves a monitored entity by ID
func (r *EntityRepository) GetByID(ctx context.Context, id string) (*models.MonitoredEntity, error) {
	if err := knownEntityID(id); err != nil {
		return nil, err
	}
	query := `SELECT ` + entityColumns + ` FROM monitored_entities WHERE id = $1`

	entity, err := scanEntity(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("entity", id)
		}
		return nil, apperrors.NewDatabaseError("get entity", err)
	}
	return entity, nil
}

// ListByOwner returns the entities of an owner, newest first
func (r *EntityRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.MonitoredEntity, error) {
	query := `SELECT ` + entityColumns + ` FROM monitored_entities WHERE owner_id = $1 ORDER BY created_at DESC`

	rows, err := r.q.Query(ctx, query, ownerID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list entities", err)
	}
	defer rows.Close()

	var entities []*models.MonitoredEntity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan entity", err)
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list entities", err)
	}
	return entities, nil
}

// SetMonitoring flips the monitoring flag and, when intervalSeconds > 0, the interval
func (r *EntityRepository) SetMonitoring(ctx context.Context, id string, enabled bool, intervalSeconds int) error {
	if err := knownEntityID(id); err != nil {
		return err
	}
	query := `
		UPDATE monitored_entities
		SET monitoring_enabled = $2,
			interval_seconds = CASE WHEN $3 > 0 THEN $3 ELSE interval_seconds END,
			updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.q.Exec(ctx, query, id, enabled, intervalSeconds)
	if err != nil {
		return apperrors.NewDatabaseError("set monitoring", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("entity", id)
	}
	return nil
}

// UpdateStats recomputes the aggregate counters from the item tables and stamps
// last_collected_at
func (r *EntityRepository) UpdateStats(ctx context.Context, id string, collectedAt time.Time) (*models.EntityStats, error) {
	if err := knownEntityID(id); err != nil {
		return nil, err
	}
	query := `
		UPDATE monitored_entities e
		SET total_items = (SELECT COUNT(*) FROM collected_items i WHERE i.entity_id = e.id),
			total_sub_items = (
				SELECT COUNT(*) FROM collected_sub_items s
				JOIN collected_items i ON i.id = s.item_id
				WHERE i.entity_id = e.id
			),
			last_collected_at = $2,
			updated_at = $2
		WHERE e.id = $1
		RETURNING total_items, total_sub_items, last_collected_at
	`

	var stats models.EntityStats
	err := r.q.QueryRow(ctx, query, id, collectedAt).Scan(
		&stats.TotalItems,
		&stats.TotalSubItems,
		&stats.LastCollectedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("entity", id)
		}
		return nil, apperrors.NewDatabaseError("update entity stats", err)
	}
	return &stats, nil
}

// Delete removes an entity. Items, sub-items and the job row go with it via FK cascade.
func (r *EntityRepository) Delete(ctx context.Context, id string) error {
	if err := knownEntityID(id); err != nil {
		return err
	}
	tag, err := r.q.Exec(ctx, `DELETE FROM monitored_entities WHERE id = $1`, id)
	if err != nil {
		return apperrors.NewDatabaseError("delete entity", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("entity", id)
	}
	return nil
}

func scanEntity(row pgx.Row) (*models.MonitoredEntity, error) {
	var e models.MonitoredEntity
	err := row.Scan(
		&e.ID,
		&e.OwnerID,
		&e.Platform,
		&e.Handle,
		&e.MonitoringEnabled,
		&e.IntervalSeconds,
		&e.ItemLimit,
		&e.SubItemLimit,
		&e.TotalItems,
		&e.TotalSubItems,
		&e.LastCollectedAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
