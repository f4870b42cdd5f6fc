// Package engine executes collection runs and exposes the monitoring operations
// on top of the scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/social-monitor/internal/collector"
	"github.com/social-monitor/internal/dedup"
	apperrors "github.com/social-monitor/internal/errors"
	"github.com/social-monitor/internal/logging"
	"github.com/social-monitor/internal/models"
	"github.com/social-monitor/internal/notify"
	"github.com/social-monitor/internal/scheduler"
	"github.com/social-monitor/internal/storage"
	"github.com/social-monitor/internal/types"
	"github.com/social-monitor/internal/vault"
)

// maxErrorDetail bounds the error text kept on an execution record
const maxErrorDetail = 2000

// Store is the storage the engine runs against
type Store interface {
	GetEntity(ctx context.Context, id string) (*models.MonitoredEntity, error)
	AppendExecutionRecord(ctx context.Context, rec *models.ExecutionRecord) error
	InTx(ctx context.Context, fn func(tx storage.Tx) error) error
}

// Vault resolves the active credentials of an owner
type Vault interface {
	Decrypt(ctx context.Context, ownerID string, platform types.Platform) (*vault.Credentials, error)
}

// Collectors returns the collector of a platform
type Collectors interface {
	Get(platform types.Platform) (collector.Collector, error)
}

// RunResult describes one RunOnce call. Skipped runs write no record.
type RunResult struct {
	Skipped bool
	Record  *models.ExecutionRecord
}

// Engine runs one collection cycle per call
type Engine struct {
	store      Store
	vault      Vault
	collectors Collectors
	sink       notify.Sink
	now        func() time.Time
	logger     *logging.Logger
}

// New creates an engine. sink may be nil.
func New(store Store, v Vault, collectors Collectors, sink notify.Sink) *Engine {
	return &Engine{
		store:      store,
		vault:      v,
		collectors: collectors,
		sink:       sink,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logging.GetGlobalLogger().Component("engine"),
	}
}

// RunOnce collects one entity. Run failures are classified and recorded, not
// returned; the error is reserved for runs whose outcome could not be recorded.
func (e *Engine) RunOnce(ctx context.Context, entityID string) (*RunResult, error) {
	entity, err := e.store.GetEntity(ctx, entityID)
	if err != nil {
		if apperrors.Categorize(err).Category == apperrors.CategoryNotFound {
			return &RunResult{Skipped: true}, nil
		}
		return nil, fmt.Errorf("loading entity %s: %w", entityID, err)
	}
	if !entity.MonitoringEnabled {
		return &RunResult{Skipped: true}, nil
	}

	rec := &models.ExecutionRecord{
		JobID:     models.JobID(entity.Platform, entity.ID),
		EntityID:  entity.ID,
		StartedAt: e.now(),
	}
	logger := logging.FromContext(ctx).WithFields(logging.Fields{
		"jobId":    rec.JobID,
		"platform": entity.Platform,
	})
	ctx = logging.WithLogger(ctx, logger)

	creds, err := e.vault.Decrypt(ctx, entity.OwnerID, entity.Platform)
	if err != nil {
		return e.fail(ctx, entity, rec, err)
	}
	defer creds.Destroy()

	c, err := e.collectors.Get(entity.Platform)
	if err != nil {
		return e.fail(ctx, entity, rec, err)
	}

	items, err := c.Fetch(ctx, entity, creds)
	if err != nil {
		return e.fail(ctx, entity, rec, collector.Classify(entity.Platform, err))
	}
	rec.ItemsFetched = len(items)

	var (
		res   dedup.Result
		stats *models.EntityStats
	)
	err = e.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		if res, err = dedup.Apply(ctx, tx, entity.ID, items, rec.StartedAt); err != nil {
			return err
		}
		completed := e.now()
		if stats, err = tx.UpdateEntityStats(ctx, entity.ID, completed); err != nil {
			return err
		}
		rec.CompletedAt = completed
		rec.Outcome = types.OutcomeSuccess
		rec.ItemsNew = res.New
		rec.ItemsUpdated = res.Updated
		rec.ItemsConsidered = res.Considered
		rec.SubItemsNew = res.SubNew
		return tx.AppendExecutionRecord(ctx, rec)
	})
	if err != nil {
		// the transaction rolled back, including its record
		*rec = models.ExecutionRecord{
			JobID:        rec.JobID,
			EntityID:     rec.EntityID,
			StartedAt:    rec.StartedAt,
			ItemsFetched: rec.ItemsFetched,
		}
		return e.fail(ctx, entity, rec, storageFailure(err))
	}

	e.observe(entity.Platform, rec)
	itemsNewTotal.WithLabelValues(string(entity.Platform)).Add(float64(res.New))
	itemsUpdatedTotal.WithLabelValues(string(entity.Platform)).Add(float64(res.Updated))

	logger.WithFields(logging.Fields{
		"fetched":    rec.ItemsFetched,
		"new":        res.New,
		"updated":    res.Updated,
		"subNew":     res.SubNew,
		"totalItems": stats.TotalItems,
		"duration":   rec.Duration().String(),
	}).Info("Collection run succeeded")

	e.push(ctx, entity.OwnerID, models.Event{
		Type:      types.EventPlatformUpdate,
		Platform:  entity.Platform,
		EntityID:  entity.ID,
		Timestamp: rec.CompletedAt,
		Data: map[string]interface{}{
			"handle":          entity.Handle,
			"new_items":       res.New,
			"updated_items":   res.Updated,
			"new_sub_items":   res.SubNew,
			"total_items":     stats.TotalItems,
			"total_sub_items": stats.TotalSubItems,
		},
	})

	return &RunResult{Record: rec}, nil
}

// fail classifies err, appends the failure record and leaves entity state untouched
func (e *Engine) fail(ctx context.Context, entity *models.MonitoredEntity, rec *models.ExecutionRecord, cause error) (*RunResult, error) {
	rec.CompletedAt = e.now()
	rec.Outcome = apperrors.OutcomeFor(cause)
	detail := truncate(cause.Error(), maxErrorDetail)
	rec.ErrorDetail = &detail
	if wait := apperrors.RetryAfter(cause); wait > 0 {
		secs := int((wait + time.Second - 1) / time.Second)
		rec.RetryAfterSeconds = &secs
	}

	e.observe(entity.Platform, rec)
	logging.FromContext(ctx).WithError(cause).WithField("outcome", rec.Outcome).Warn("Collection run failed")

	if err := e.store.AppendExecutionRecord(ctx, rec); err != nil {
		return &RunResult{Record: rec}, fmt.Errorf("recording %s run of %s: %w", rec.Outcome, rec.JobID, err)
	}
	return &RunResult{Record: rec}, nil
}

func (e *Engine) observe(platform types.Platform, rec *models.ExecutionRecord) {
	runsTotal.WithLabelValues(string(platform), string(rec.Outcome)).Inc()
	runDuration.WithLabelValues(string(platform)).Observe(rec.Duration().Seconds())
}

func (e *Engine) push(ctx context.Context, ownerID string, event models.Event) {
	if e.sink == nil {
		return
	}
	e.sink.Push(ctx, ownerID, event)
}

// RunJob implements scheduler.Runner
func (e *Engine) RunJob(ctx context.Context, entityID string) scheduler.Report {
	res, err := e.RunOnce(ctx, entityID)
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("entityId", entityID).Error("Collection run could not be recorded")
	}
	if res == nil || res.Record == nil {
		return scheduler.Report{Outcome: types.OutcomeFailed}
	}
	report := scheduler.Report{Outcome: res.Record.Outcome}
	if res.Record.RetryAfterSeconds != nil {
		report.RetryAfter = time.Duration(*res.Record.RetryAfterSeconds) * time.Second
	}
	return report
}

// RecordPanic implements scheduler.Runner
func (e *Engine) RecordPanic(ctx context.Context, entityID string, startedAt time.Time, recovered interface{}) {
	entity, err := e.store.GetEntity(ctx, entityID)
	if err != nil {
		e.logger.WithError(err).WithField("entityId", entityID).Error("Cannot record panicked run")
		return
	}
	detail := truncate(fmt.Sprintf("panic: %v", recovered), maxErrorDetail)
	rec := &models.ExecutionRecord{
		JobID:       models.JobID(entity.Platform, entity.ID),
		EntityID:    entity.ID,
		StartedAt:   startedAt,
		CompletedAt: e.now(),
		Outcome:     types.OutcomeFailed,
		ErrorDetail: &detail,
	}
	e.observe(entity.Platform, rec)
	if err := e.store.AppendExecutionRecord(ctx, rec); err != nil {
		e.logger.WithError(err).WithField("jobId", rec.JobID).Error("Cannot record panicked run")
	}
}

// storageFailure marks uncategorized errors from the write path as storage errors
func storageFailure(err error) error {
	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) {
		return err
	}
	return apperrors.NewDatabaseError("apply collection run", err)
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
