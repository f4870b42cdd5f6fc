package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/social-monitor/internal/errors"
	"github.com/social-monitor/internal/models"
	"github.com/social-monitor/internal/types"
)

// Tx is the set of writes one collection run applies atomically: item and
// sub-item upserts, the entity counters and the execution record
type Tx interface {
	GetExistingKeys(ctx context.Context, entityID string, nativeIDs []string) (map[string]bool, error)
	UpsertItems(ctx context.Context, entityID string, items []*models.CollectedItem) error
	GetExistingSubKeys(ctx context.Context, keys []models.SubItemKey) (map[models.SubItemKey]bool, error)
	UpsertSubItems(ctx context.Context, subs []*models.CollectedSubItem) error
	UpdateEntityStats(ctx context.Context, entityID string, collectedAt time.Time) (*models.EntityStats, error)
	AppendExecutionRecord(ctx context.Context, rec *models.ExecutionRecord) error
}

// Store bundles the Postgres repositories behind the engine's collaborator methods
type Store struct {
	db         *PostgresDB
	Entities   *EntityRepository
	Items      *ItemRepository
	Jobs       *JobRepository
	Executions *ExecutionRepository
	Profiles   *ProfileRepository
}

// NewStore creates a store over an open Postgres connection
func NewStore(db *PostgresDB) *Store {
	return &Store{
		db:         db,
		Entities:   NewEntityRepository(db),
		Items:      NewItemRepository(db),
		Jobs:       NewJobRepository(db),
		Executions: NewExecutionRepository(db),
		Profiles:   NewProfileRepository(db),
	}
}

// InTx runs fn inside one database transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(tx Tx) error) error {
	err := pgx.BeginFunc(ctx, s.db.Pool(), func(pgxTx pgx.Tx) error {
		return fn(&txStore{
			items:      &ItemRepository{q: pgxTx},
			entities:   &EntityRepository{q: pgxTx},
			executions: &ExecutionRepository{q: pgxTx},
		})
	})
	if err != nil {
		if apperrors.Categorize(err).Category == apperrors.CategorySystem {
			return apperrors.NewDatabaseError("transaction", err)
		}
		return err
	}
	return nil
}

// GetEntity retrieves a monitored entity
func (s *Store) GetEntity(ctx context.Context, id string) (*models.MonitoredEntity, error) {
	return s.Entities.GetByID(ctx, id)
}

// CreateEntity inserts a monitored entity
func (s *Store) CreateEntity(ctx context.Context, entity *models.MonitoredEntity) error {
	return s.Entities.Create(ctx, entity)
}

// SetMonitoring flips an entity's monitoring flag
func (s *Store) SetMonitoring(ctx context.Context, id string, enabled bool, intervalSeconds int) error {
	return s.Entities.SetMonitoring(ctx, id, enabled, intervalSeconds)
}

// DeleteEntity removes an entity and everything collected for it
func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	return s.Entities.Delete(ctx, id)
}

// AppendExecutionRecord appends a record outside any run transaction
func (s *Store) AppendExecutionRecord(ctx context.Context, rec *models.ExecutionRecord) error {
	return s.Executions.AppendExecutionRecord(ctx, rec)
}

// ListExecutionHistory returns a job's records, newest first
func (s *Store) ListExecutionHistory(ctx context.Context, jobID string, limit int) ([]*models.ExecutionRecord, error) {
	return s.Executions.ListExecutionHistory(ctx, jobID, limit)
}

// ExecutionStats aggregates a job's outcomes
func (s *Store) ExecutionStats(ctx context.Context, jobID string) (*models.ExecutionStats, error) {
	return s.Executions.ExecutionStats(ctx, jobID)
}

// UpsertJob persists a job
func (s *Store) UpsertJob(ctx context.Context, job *models.Job) error {
	return s.Jobs.UpsertJob(ctx, job)
}

// DeleteJob removes an entity's job row
func (s *Store) DeleteJob(ctx context.Context, entityID string) error {
	return s.Jobs.DeleteJob(ctx, entityID)
}

// ListDueJobs reconstructs jobs for rehydration
func (s *Store) ListDueJobs(ctx context.Context) ([]*models.Job, error) {
	return s.Jobs.ListDueJobs(ctx)
}

// GetActiveProfile returns the active credential ciphertext for (owner, platform)
func (s *Store) GetActiveProfile(ctx context.Context, ownerID string, platform types.Platform) ([]byte, error) {
	return s.Profiles.GetActiveProfile(ctx, ownerID, platform)
}

// txStore routes the run's writes through one pgx transaction
type txStore struct {
	items      *ItemRepository
	entities   *EntityRepository
	executions *ExecutionRepository
}

func (t *txStore) GetExistingKeys(ctx context.Context, entityID string, nativeIDs []string) (map[string]bool, error) {
	return t.items.GetExistingKeys(ctx, entityID, nativeIDs)
}

func (t *txStore) UpsertItems(ctx context.Context, entityID string, items []*models.CollectedItem) error {
	return t.items.UpsertItems(ctx, entityID, items)
}

func (t *txStore) GetExistingSubKeys(ctx context.Context, keys []models.SubItemKey) (map[models.SubItemKey]bool, error) {
	return t.items.GetExistingSubKeys(ctx, keys)
}

func (t *txStore) UpsertSubItems(ctx context.Context, subs []*models.CollectedSubItem) error {
	return t.items.UpsertSubItems(ctx, subs)
}

func (t *txStore) UpdateEntityStats(ctx context.Context, entityID string, collectedAt time.Time) (*models.EntityStats, error) {
	return t.entities.UpdateStats(ctx, entityID, collectedAt)
}

func (t *txStore) AppendExecutionRecord(ctx context.Context, rec *models.ExecutionRecord) error {
	return t.executions.AppendExecutionRecord(ctx, rec)
}
