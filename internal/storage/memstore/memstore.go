// Package memstore is an in-memory implementation of the storage collaborators,
// used by tests and by STORAGE_DRIVER=memory development runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/social-monitor/internal/errors"
	"github.com/social-monitor/internal/models"
	"github.com/social-monitor/internal/storage"
	"github.com/social-monitor/internal/types"
)

type itemKey struct {
	entityID string
	nativeID string
}

type profileKey struct {
	ownerID  string
	platform types.Platform
}

type state struct {
	entities   map[string]*models.MonitoredEntity
	items      map[itemKey]*models.CollectedItem
	subItems   map[models.SubItemKey]*models.CollectedSubItem
	jobs       map[string]*models.Job // keyed by entity id
	executions []*models.ExecutionRecord
	profiles   map[profileKey][]*models.CredentialProfile
}

func newState() *state {
	return &state{
		entities: make(map[string]*models.MonitoredEntity),
		items:    make(map[itemKey]*models.CollectedItem),
		subItems: make(map[models.SubItemKey]*models.CollectedSubItem),
		jobs:     make(map[string]*models.Job),
		profiles: make(map[profileKey][]*models.CredentialProfile),
	}
}

// clone deep-copies the state so a failed transaction can be rolled back
func (s *state) clone() *state {
	out := newState()
	for k, v := range s.entities {
		e := *v
		out.entities[k] = &e
	}
	for k, v := range s.items {
		item := *v
		item.Metrics = v.Metrics.Clone()
		out.items[k] = &item
	}
	for k, v := range s.subItems {
		sub := *v
		sub.Metrics = v.Metrics.Clone()
		out.subItems[k] = &sub
	}
	for k, v := range s.jobs {
		j := *v
		out.jobs[k] = &j
	}
	out.executions = append(out.executions, s.executions...)
	for k, v := range s.profiles {
		out.profiles[k] = append([]*models.CredentialProfile(nil), v...)
	}
	return out
}

// Store is a mutex-guarded in-memory store. Transactions are serialized.
type Store struct {
	mu    sync.Mutex
	state *state

	// FailNextTx, when set, makes the next InTx fail after fn has run, for tests
	// of the rollback path
	FailNextTx error
}

// New creates an empty store
func New() *Store {
	return &Store{state: newState()}
}

// InTx runs fn against the live state and restores a snapshot if fn fails
func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	err := fn(&tx{state: s.state})
	if err == nil && s.FailNextTx != nil {
		err, s.FailNextTx = s.FailNextTx, nil
	}
	if err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// CreateEntity inserts a monitored entity. (owner, platform, handle) must be unique.
func (s *Store) CreateEntity(ctx context.Context, entity *models.MonitoredEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.state.entities {
		if e.OwnerID == entity.OwnerID && e.Platform == entity.Platform && e.Handle == entity.Handle {
			return apperrors.NewInvalidParameterError("handle",
				fmt.Sprintf("%s/%s is already monitored by this owner", entity.Platform, entity.Handle))
		}
	}
	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	entity.CreatedAt, entity.UpdatedAt = now, now

	stored := *entity
	s.state.entities[entity.ID] = &stored
	return nil
}

// GetEntity returns a copy of the entity
func (s *Store) GetEntity(ctx context.Context, id string) (*models.MonitoredEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.state.entities[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("entity", id)
	}
	out := *e
	return &out, nil
}

// SetMonitoring flips the monitoring flag and, when intervalSeconds > 0, the interval
func (s *Store) SetMonitoring(ctx context.Context, id string, enabled bool, intervalSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.state.entities[id]
	if !ok {
		return apperrors.NewNotFoundError("entity", id)
	}
	e.MonitoringEnabled = enabled
	if intervalSeconds > 0 {
		e.IntervalSeconds = intervalSeconds
	}
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteEntity removes an entity, its job, items and sub-items
func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.entities[id]; !ok {
		return apperrors.NewNotFoundError("entity", id)
	}
	delete(s.state.entities, id)
	delete(s.state.jobs, id)
	for k, item := range s.state.items {
		if k.entityID != id {
			continue
		}
		for sk := range s.state.subItems {
			if sk.ItemID == item.ID {
				delete(s.state.subItems, sk)
			}
		}
		delete(s.state.items, k)
	}
	return nil
}

// Items returns copies of an entity's items ordered by native id
func (s *Store) Items(entityID string) []*models.CollectedItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.CollectedItem
	for k, v := range s.state.items {
		if k.entityID == entityID {
			item := *v
			item.Metrics = v.Metrics.Clone()
			out = append(out, &item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NativeID < out[j].NativeID })
	return out
}

// SubItems returns copies of an item's sub-items ordered by native id
func (s *Store) SubItems(itemID string) []*models.CollectedSubItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.CollectedSubItem
	for k, v := range s.state.subItems {
		if k.ItemID == itemID {
			sub := *v
			sub.Metrics = v.Metrics.Clone()
			out = append(out, &sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NativeID < out[j].NativeID })
	return out
}

// AppendExecutionRecord appends a record outside any run transaction
func (s *Store) AppendExecutionRecord(ctx context.Context, rec *models.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	appendRecord(s.state, rec)
	return nil
}

// ListExecutionHistory returns a job's records, newest first
func (s *Store) ListExecutionHistory(ctx context.Context, jobID string, limit int) ([]*models.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]*models.ExecutionRecord, 0)
	for i := len(s.state.executions) - 1; i >= 0; i-- {
		if rec := s.state.executions[i]; rec.JobID == jobID {
			out := *rec
			records = append(records, &out)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	if limit = storage.ClampHistoryLimit(limit); len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// ExecutionStats aggregates a job's outcomes
func (s *Store) ExecutionStats(ctx context.Context, jobID string) (*models.ExecutionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats models.ExecutionStats
	for _, rec := range s.state.executions {
		if rec.JobID != jobID {
			continue
		}
		stats.TotalRuns++
		switch rec.Outcome {
		case types.OutcomeSuccess:
			stats.Successful++
		case types.OutcomeFailed:
			stats.Failed++
		case types.OutcomeRateLimited:
			stats.RateLimited++
		case types.OutcomeAuthError:
			stats.AuthErrors++
		}
		if stats.LastRunAt == nil || rec.StartedAt.After(*stats.LastRunAt) {
			started := rec.StartedAt
			stats.LastRunAt = &started
		}
	}
	return &stats, nil
}

// UpsertJob persists a job, keyed by entity
func (s *Store) UpsertJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job.UpdatedAt = time.Now().UTC()
	stored := *job
	s.state.jobs[job.EntityID] = &stored
	return nil
}

// DeleteJob removes an entity's job
func (s *Store) DeleteJob(ctx context.Context, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.jobs, entityID)
	return nil
}

// Job returns a copy of the persisted job of an entity
func (s *Store) Job(entityID string) (*models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.state.jobs[entityID]
	if !ok {
		return nil, false
	}
	out := *j
	return &out, true
}

// ListDueJobs reconstructs the jobs of every monitoring-enabled entity
func (s *Store) ListDueJobs(ctx context.Context) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*models.Job
	for _, e := range s.state.entities {
		if !e.MonitoringEnabled {
			continue
		}
		job := &models.Job{
			ID:              models.JobID(e.Platform, e.ID),
			EntityID:        e.ID,
			OwnerID:         e.OwnerID,
			Platform:        e.Platform,
			IntervalSeconds: e.IntervalSeconds,
			Active:          true,
		}
		if persisted, ok := s.state.jobs[e.ID]; ok {
			job.Active = persisted.Active
		}
		if e.LastCollectedAt != nil {
			job.NextDueAt = e.LastCollectedAt.Add(e.Interval())
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].EntityID < jobs[j].EntityID })
	return jobs, nil
}

// SaveActiveProfile stores a profile as the only active one for its (owner, platform)
func (s *Store) SaveActiveProfile(ctx context.Context, profile *models.CredentialProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if profile.ID == "" {
		profile.ID = uuid.New().String()
	}
	profile.CreatedAt = time.Now().UTC()
	profile.IsActive = true

	key := profileKey{profile.OwnerID, profile.Platform}
	for _, p := range s.state.profiles[key] {
		p.IsActive = false
	}
	stored := *profile
	s.state.profiles[key] = append(s.state.profiles[key], &stored)
	return nil
}

// GetActiveProfile returns the active credential ciphertext for (owner, platform)
func (s *Store) GetActiveProfile(ctx context.Context, ownerID string, platform types.Platform) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.state.profiles[profileKey{ownerID, platform}] {
		if p.IsActive {
			return append([]byte(nil), p.Ciphertext...), nil
		}
	}
	return nil, apperrors.NewNotFoundError("active credential profile", fmt.Sprintf("%s/%s", ownerID, platform))
}

func appendRecord(st *state, rec *models.ExecutionRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	stored := *rec
	st.executions = append(st.executions, &stored)
}

// tx operates on the state while InTx holds the store mutex
type tx struct {
	state *state
}

func (t *tx) GetExistingKeys(ctx context.Context, entityID string, nativeIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	for _, id := range nativeIDs {
		if _, ok := t.state.items[itemKey{entityID, id}]; ok {
			existing[id] = true
		}
	}
	return existing, nil
}

func (t *tx) UpsertItems(ctx context.Context, entityID string, items []*models.CollectedItem) error {
	if _, ok := t.state.entities[entityID]; !ok {
		return apperrors.NewDatabaseError("upsert item", fmt.Errorf("entity %s does not exist", entityID))
	}
	for _, item := range items {
		key := itemKey{entityID, item.NativeID}
		if stored, ok := t.state.items[key]; ok {
			stored.Metrics = item.Metrics.Clone()
			stored.UpdatedAt = item.UpdatedAt
			item.ID = stored.ID
			continue
		}
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		stored := *item
		stored.EntityID = entityID
		stored.Metrics = item.Metrics.Clone()
		t.state.items[key] = &stored
	}
	return nil
}

func (t *tx) GetExistingSubKeys(ctx context.Context, keys []models.SubItemKey) (map[models.SubItemKey]bool, error) {
	existing := make(map[models.SubItemKey]bool)
	for _, k := range keys {
		if _, ok := t.state.subItems[k]; ok {
			existing[k] = true
		}
	}
	return existing, nil
}

func (t *tx) UpsertSubItems(ctx context.Context, subs []*models.CollectedSubItem) error {
	for _, sub := range subs {
		key := models.SubItemKey{ItemID: sub.ItemID, NativeID: sub.NativeID}
		if stored, ok := t.state.subItems[key]; ok {
			stored.Metrics = sub.Metrics.Clone()
			stored.UpdatedAt = sub.UpdatedAt
			sub.ID = stored.ID
			continue
		}
		if sub.ID == "" {
			sub.ID = uuid.New().String()
		}
		stored := *sub
		stored.Metrics = sub.Metrics.Clone()
		t.state.subItems[key] = &stored
	}
	return nil
}

func (t *tx) UpdateEntityStats(ctx context.Context, entityID string, collectedAt time.Time) (*models.EntityStats, error) {
	e, ok := t.state.entities[entityID]
	if !ok {
		return nil, apperrors.NewNotFoundError("entity", entityID)
	}

	itemIDs := make(map[string]bool)
	for k, item := range t.state.items {
		if k.entityID == entityID {
			itemIDs[item.ID] = true
		}
	}
	var subCount int64
	for k := range t.state.subItems {
		if itemIDs[k.ItemID] {
			subCount++
		}
	}

	e.TotalItems = int64(len(itemIDs))
	e.TotalSubItems = subCount
	at := collectedAt
	e.LastCollectedAt = &at
	e.UpdatedAt = collectedAt

	return &models.EntityStats{
		TotalItems:      e.TotalItems,
		TotalSubItems:   e.TotalSubItems,
		LastCollectedAt: collectedAt,
	}, nil
}

func (t *tx) AppendExecutionRecord(ctx context.Context, rec *models.ExecutionRecord) error {
	appendRecord(t.state, rec)
	return nil
}
