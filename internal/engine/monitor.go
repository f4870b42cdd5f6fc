package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/social-monitor/internal/errors"
	"github.com/social-monitor/internal/logging"
	"github.com/social-monitor/internal/models"
	"github.com/social-monitor/internal/notify"
	"github.com/social-monitor/internal/scheduler"
	"github.com/social-monitor/internal/storage"
	"github.com/social-monitor/internal/types"
)

// MonitorStore is the storage behind the monitoring operations
type MonitorStore interface {
	CreateEntity(ctx context.Context, entity *models.MonitoredEntity) error
	GetEntity(ctx context.Context, id string) (*models.MonitoredEntity, error)
	SetMonitoring(ctx context.Context, id string, enabled bool, intervalSeconds int) error
	DeleteEntity(ctx context.Context, id string) error
	ListExecutionHistory(ctx context.Context, jobID string, limit int) ([]*models.ExecutionRecord, error)
	ExecutionStats(ctx context.Context, jobID string) (*models.ExecutionStats, error)
}

// JobScheduler is the job registry the monitor drives
type JobScheduler interface {
	Start(ctx context.Context, spec scheduler.JobSpec) (string, error)
	Stop(ctx context.Context, entityID string) error
	Pause(ctx context.Context, entityID string) error
	Resume(ctx context.Context, entityID string) error
	Status(entityID string) scheduler.JobStatus
}

// JobStatus is the state of an entity's monitoring job
type JobStatus struct {
	EntityID        string                 `json:"entityId"`
	JobID           string                 `json:"jobId"`
	Exists          bool                   `json:"exists"`
	Active          bool                   `json:"active"`
	InFlight        bool                   `json:"inFlight"`
	NextRunAt       *time.Time             `json:"nextRunAt,omitempty"`
	IntervalSeconds int                    `json:"intervalSeconds,omitempty"`
	LastCollectedAt *time.Time             `json:"lastCollectedAt,omitempty"`
	Stats           *models.ExecutionStats `json:"stats,omitempty"`
}

// CreateEntityInput describes an entity to monitor
type CreateEntityInput struct {
	OwnerID         string `json:"ownerId"`
	Platform        string `json:"platform"`
	Handle          string `json:"handle"`
	IntervalSeconds int    `json:"intervalSeconds"`
	ItemLimit       int    `json:"itemLimit"`
	SubItemLimit    int    `json:"subItemLimit"`
}

// Monitor exposes the monitoring operations. Start and Stop keep the entity's
// monitoring flag in step with the scheduler.
type Monitor struct {
	store            MonitorStore
	scheduler        JobScheduler
	sink             notify.Sink
	defaultIntervals map[types.Platform]time.Duration
	now              func() time.Time
}

// NewMonitor creates the monitor. sink may be nil.
func NewMonitor(store MonitorStore, sched JobScheduler, sink notify.Sink, defaultIntervals map[types.Platform]time.Duration) *Monitor {
	return &Monitor{
		store:            store,
		scheduler:        sched,
		sink:             sink,
		defaultIntervals: defaultIntervals,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// CreateEntity registers a new entity with monitoring disabled
func (m *Monitor) CreateEntity(ctx context.Context, input *CreateEntityInput) (*models.MonitoredEntity, error) {
	platform, err := types.ParsePlatform(input.Platform)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("platform", err.Error())
	}
	if strings.TrimSpace(input.OwnerID) == "" {
		return nil, apperrors.NewInvalidParameterError("ownerId", "must not be empty")
	}
	handle := strings.TrimSpace(input.Handle)
	if handle == "" {
		return nil, apperrors.NewInvalidParameterError("handle", "must not be empty")
	}
	if input.IntervalSeconds < 0 || input.ItemLimit < 0 || input.SubItemLimit < 0 {
		return nil, apperrors.NewInvalidParameterError("limits", "must not be negative")
	}

	interval := input.IntervalSeconds
	if interval == 0 {
		interval = int(m.defaultInterval(platform) / time.Second)
	}

	entity := &models.MonitoredEntity{
		OwnerID:         input.OwnerID,
		Platform:        platform,
		Handle:          handle,
		IntervalSeconds: interval,
		ItemLimit:       input.ItemLimit,
		SubItemLimit:    input.SubItemLimit,
	}
	if err := m.store.CreateEntity(ctx, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// GetEntity returns an entity
func (m *Monitor) GetEntity(ctx context.Context, entityID string) (*models.MonitoredEntity, error) {
	return m.store.GetEntity(ctx, entityID)
}

// StartMonitoring schedules an entity. A non-positive interval keeps the entity's
// configured interval, or the platform default when it has none.
func (m *Monitor) StartMonitoring(ctx context.Context, entityID string, intervalSeconds int) (string, error) {
	entity, err := m.store.GetEntity(ctx, entityID)
	if err != nil {
		return "", err
	}

	if intervalSeconds <= 0 {
		intervalSeconds = entity.IntervalSeconds
	}
	if intervalSeconds <= 0 {
		intervalSeconds = int(m.defaultInterval(entity.Platform) / time.Second)
	}

	jobID, err := m.scheduler.Start(ctx, scheduler.JobSpec{
		EntityID: entity.ID,
		OwnerID:  entity.OwnerID,
		Platform: entity.Platform,
		Interval: time.Duration(intervalSeconds) * time.Second,
	})
	if err != nil {
		return "", err
	}

	if err := m.store.SetMonitoring(ctx, entity.ID, true, intervalSeconds); err != nil {
		if stopErr := m.scheduler.Stop(ctx, entity.ID); stopErr != nil {
			logging.FromContext(ctx).WithError(stopErr).WithField("entityId", entity.ID).Error("Failed to roll back job")
		}
		return "", fmt.Errorf("enabling monitoring: %w", err)
	}

	m.pushStatus(ctx, entity, "started", map[string]interface{}{
		"job_id":           jobID,
		"interval_seconds": intervalSeconds,
	})
	return jobID, nil
}

// StopMonitoring unschedules an entity. A run in flight still completes.
func (m *Monitor) StopMonitoring(ctx context.Context, entityID string) error {
	entity, err := m.store.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	if err := m.scheduler.Stop(ctx, entity.ID); err != nil {
		return err
	}
	if err := m.store.SetMonitoring(ctx, entity.ID, false, entity.IntervalSeconds); err != nil {
		return fmt.Errorf("disabling monitoring: %w", err)
	}
	m.pushStatus(ctx, entity, "stopped", nil)
	return nil
}

// PauseMonitoring suspends triggering without forgetting the schedule
func (m *Monitor) PauseMonitoring(ctx context.Context, entityID string) error {
	return m.toggle(ctx, entityID, "paused", m.scheduler.Pause)
}

// ResumeMonitoring re-enables a paused job
func (m *Monitor) ResumeMonitoring(ctx context.Context, entityID string) error {
	return m.toggle(ctx, entityID, "resumed", m.scheduler.Resume)
}

func (m *Monitor) toggle(ctx context.Context, entityID, status string, op func(context.Context, string) error) error {
	entity, err := m.store.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	if err := op(ctx, entity.ID); err != nil {
		return err
	}
	m.pushStatus(ctx, entity, status, nil)
	return nil
}

// GetJobStatus reports the scheduling state of an entity plus its run statistics
func (m *Monitor) GetJobStatus(ctx context.Context, entityID string) (*JobStatus, error) {
	entity, err := m.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}

	st := m.scheduler.Status(entity.ID)
	out := &JobStatus{
		EntityID:        entity.ID,
		JobID:           models.JobID(entity.Platform, entity.ID),
		Exists:          st.Exists,
		Active:          st.Active,
		InFlight:        st.InFlight,
		NextRunAt:       st.NextRunAt,
		LastCollectedAt: entity.LastCollectedAt,
	}
	if st.Exists {
		out.IntervalSeconds = int(st.Interval / time.Second)
	}

	stats, err := m.store.ExecutionStats(ctx, out.JobID)
	if err != nil {
		return nil, err
	}
	out.Stats = stats
	return out, nil
}

// ListExecutionHistory returns the newest records of a job first
func (m *Monitor) ListExecutionHistory(ctx context.Context, jobID string, limit int) ([]*models.ExecutionRecord, error) {
	if jobID == "" {
		return nil, apperrors.NewInvalidParameterError("jobId", "must not be empty")
	}
	return m.store.ListExecutionHistory(ctx, jobID, storage.ClampHistoryLimit(limit))
}

// DeleteEntity stops the entity's job and deletes the entity with its items
func (m *Monitor) DeleteEntity(ctx context.Context, entityID string) error {
	entity, err := m.store.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	if err := m.scheduler.Stop(ctx, entity.ID); err != nil {
		return err
	}
	if err := m.store.DeleteEntity(ctx, entity.ID); err != nil {
		return err
	}
	m.pushStatus(ctx, entity, "deleted", nil)
	return nil
}

func (m *Monitor) defaultInterval(platform types.Platform) time.Duration {
	if d, ok := m.defaultIntervals[platform]; ok && d > 0 {
		return d
	}
	return time.Hour
}

func (m *Monitor) pushStatus(ctx context.Context, entity *models.MonitoredEntity, status string, extra map[string]interface{}) {
	if m.sink == nil {
		return
	}
	data := map[string]interface{}{
		"status": status,
		"handle": entity.Handle,
	}
	for k, v := range extra {
		data[k] = v
	}
	m.sink.Push(ctx, entity.OwnerID, models.Event{
		Type:      types.EventMonitoringUpdate,
		Platform:  entity.Platform,
		EntityID:  entity.ID,
		Timestamp: m.now(),
		Data:      data,
	})
}
