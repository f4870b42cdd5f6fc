// Package scheduler keeps the registry of recurring collection jobs and drives
// them from a single ticker loop onto a bounded worker pool. At most one run per
// entity is in flight at any time.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/social-monitor/internal/errors"
	"github.com/social-monitor/internal/logging"
	"github.com/social-monitor/internal/models"
	"github.com/social-monitor/internal/types"
)

// ErrShutdown is returned when a job is started after Shutdown
var ErrShutdown = errors.New("scheduler is shut down")

// JobStore persists the job registry
type JobStore interface {
	UpsertJob(ctx context.Context, job *models.Job) error
	DeleteJob(ctx context.Context, entityID string) error
	ListDueJobs(ctx context.Context) ([]*models.Job, error)
}

// Report is what a finished run tells the scheduler
type Report struct {
	Outcome    types.Outcome
	RetryAfter time.Duration
}

// Runner executes one collection run for an entity
type Runner interface {
	RunJob(ctx context.Context, entityID string) Report
	// RecordPanic records a run that panicked after starting at startedAt
	RecordPanic(ctx context.Context, entityID string, startedAt time.Time, recovered interface{})
}

// JobSpec describes a job to start
type JobSpec struct {
	EntityID string
	OwnerID  string
	Platform types.Platform
	Interval time.Duration
}

// JobStatus is the externally visible state of a job
type JobStatus struct {
	JobID     string        `json:"jobId,omitempty"`
	Exists    bool          `json:"exists"`
	Active    bool          `json:"active"`
	InFlight  bool          `json:"inFlight"`
	Interval  time.Duration `json:"-"`
	NextRunAt *time.Time    `json:"nextRunAt,omitempty"`
}

// Config configures a Scheduler
type Config struct {
	TickInterval time.Duration
	MaxWorkers   int
	// MinInterval rejects jobs scheduled more often than this. Zero disables the check.
	MinInterval      time.Duration
	PauseOnAuthError bool
}

// Scheduler is the job registry plus its coordinating loop
type Scheduler struct {
	mu       sync.Mutex
	jobs     map[string]*entry // keyed by entity id
	queue    dueQueue
	inFlight map[string]bool
	closed   bool

	sem    chan struct{}
	wg     sync.WaitGroup
	runCtx context.Context
	abort  context.CancelFunc
	store  JobStore
	runner Runner
	config Config
	now    func() time.Time
	logger *logging.Logger
}

// New creates a scheduler. Zero config values fall back to a 1s tick and 10 workers.
func New(cfg Config, store JobStore, runner Runner) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	runCtx, abort := context.WithCancel(context.Background())

	return &Scheduler{
		jobs:     make(map[string]*entry),
		inFlight: make(map[string]bool),
		sem:      make(chan struct{}, cfg.MaxWorkers),
		runCtx:   runCtx,
		abort:    abort,
		store:    store,
		runner:   runner,
		config:   cfg,
		now:      time.Now,
		logger:   logging.GetGlobalLogger().Component("scheduler"),
	}
}

// Start registers or replaces the job of an entity, first due one interval from now
func (s *Scheduler) Start(ctx context.Context, spec JobSpec) (string, error) {
	if spec.EntityID == "" {
		return "", apperrors.NewInvalidParameterError("entity_id", "must not be empty")
	}
	if spec.Interval <= 0 {
		return "", apperrors.NewInvalidParameterError("interval", "must be positive")
	}
	if s.config.MinInterval > 0 && spec.Interval < s.config.MinInterval {
		return "", apperrors.NewInvalidParameterError("interval",
			fmt.Sprintf("must be at least %s", s.config.MinInterval))
	}

	e := &entry{
		id:       models.JobID(spec.Platform, spec.EntityID),
		entityID: spec.EntityID,
		ownerID:  spec.OwnerID,
		platform: spec.Platform,
		interval: spec.Interval,
		active:   true,
		nextDue:  s.now().Add(spec.Interval),
		index:    -1,
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", ErrShutdown
	}

	if err := s.store.UpsertJob(ctx, e.model()); err != nil {
		return "", fmt.Errorf("persisting job: %w", err)
	}

	s.mu.Lock()
	s.install(e)
	s.mu.Unlock()

	s.logger.WithFields(logging.Fields{
		"jobId":    e.id,
		"interval": spec.Interval.String(),
	}).Info("Job started")
	return e.id, nil
}

// Stop removes the job of an entity. A run already in flight finishes normally.
// Stopping an unknown job is a no-op.
func (s *Scheduler) Stop(ctx context.Context, entityID string) error {
	s.mu.Lock()
	e, ok := s.jobs[entityID]
	if ok {
		s.remove(e)
	}
	s.mu.Unlock()

	if err := s.store.DeleteJob(ctx, entityID); err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	if ok {
		s.logger.WithField("jobId", e.id).Info("Job stopped")
	}
	return nil
}

// Pause keeps the job registered but stops triggering it
func (s *Scheduler) Pause(ctx context.Context, entityID string) error {
	return s.setActive(ctx, entityID, false)
}

// Resume re-enables a paused job. Its next due time is kept; a due time in the
// past fires on the next tick.
func (s *Scheduler) Resume(ctx context.Context, entityID string) error {
	return s.setActive(ctx, entityID, true)
}

func (s *Scheduler) setActive(ctx context.Context, entityID string, active bool) error {
	s.mu.Lock()
	e, ok := s.jobs[entityID]
	if !ok {
		s.mu.Unlock()
		return apperrors.NewNotFoundError("job", entityID)
	}
	if e.active == active {
		s.mu.Unlock()
		return nil
	}
	s.applyActive(e, active)
	job := e.model()
	s.mu.Unlock()

	if err := s.store.UpsertJob(ctx, job); err != nil {
		return fmt.Errorf("persisting job: %w", err)
	}

	s.logger.WithFields(logging.Fields{"jobId": job.ID, "active": active}).Info("Job state changed")
	return nil
}

// Status reports the state of an entity's job
func (s *Scheduler) Status(entityID string) JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[entityID]
	if !ok {
		return JobStatus{InFlight: s.inFlight[entityID]}
	}
	next := e.nextDue
	return JobStatus{
		JobID:     e.id,
		Exists:    true,
		Active:    e.active,
		InFlight:  s.inFlight[entityID],
		Interval:  e.interval,
		NextRunAt: &next,
	}
}

// Rehydrate loads the persisted jobs after a restart. Jobs never collected are due
// immediately; paused jobs stay paused.
func (s *Scheduler) Rehydrate(ctx context.Context) (int, error) {
	jobs, err := s.store.ListDueJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading jobs: %w", err)
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for _, job := range jobs {
		if job.IntervalSeconds <= 0 {
			s.logger.WithField("entityId", job.EntityID).Warn("Skipping job without a positive interval")
			continue
		}
		next := job.NextDueAt
		if next.IsZero() {
			next = now
		}
		id := job.ID
		if id == "" {
			id = models.JobID(job.Platform, job.EntityID)
		}
		s.install(&entry{
			id:       id,
			entityID: job.EntityID,
			ownerID:  job.OwnerID,
			platform: job.Platform,
			interval: time.Duration(job.IntervalSeconds) * time.Second,
			active:   job.Active,
			nextDue:  next,
			index:    -1,
		})
		loaded++
	}

	s.logger.WithField("jobs", loaded).Info("Jobs rehydrated")
	return loaded, nil
}

// Run drives the registry until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.logger.WithFields(logging.Fields{
		"tick":    s.config.TickInterval.String(),
		"workers": s.config.MaxWorkers,
	}).Info("Scheduler loop started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler loop stopped")
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick dispatches every due job. It never waits for a worker.
func (s *Scheduler) tick() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for {
		e := s.queue.peek()
		if e == nil || e.nextDue.After(now) {
			return
		}

		next, missed := nextSlot(e.nextDue, e.interval, now)
		e.nextDue = next
		heap.Fix(&s.queue, e.index)

		if s.inFlight[e.entityID] {
			triggersSkipped.WithLabelValues(string(e.platform), "in_flight").Add(float64(missed))
			s.logger.WithField("jobId", e.id).Debug("Previous run still in flight, trigger dropped")
			continue
		}
		if missed > 1 {
			triggersSkipped.WithLabelValues(string(e.platform), "coalesced").Add(float64(missed - 1))
		}

		s.inFlight[e.entityID] = true
		s.wg.Add(1)
		runsInFlight.Inc()
		go s.execute(e)
	}
}

// execute runs one job on a worker slot and records its effect on the schedule
func (s *Scheduler) execute(e *entry) {
	defer s.wg.Done()
	defer runsInFlight.Dec()

	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	ctx := logging.WithLogger(s.runCtx, s.logger.WithFields(logging.Fields{
		"jobId":    e.id,
		"platform": e.platform,
	}))

	report := s.runSafely(ctx, e)
	s.finish(ctx, e, report)
}

func (s *Scheduler) runSafely(ctx context.Context, e *entry) (report Report) {
	startedAt := s.now()
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx).WithField("panic", fmt.Sprint(r)).Error("Collection run panicked")
			report = Report{Outcome: types.OutcomeFailed}
			s.recordPanic(ctx, e.entityID, startedAt, r)
		}
	}()
	return s.runner.RunJob(ctx, e.entityID)
}

func (s *Scheduler) recordPanic(ctx context.Context, entityID string, startedAt time.Time, recovered interface{}) {
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx).WithField("panic", fmt.Sprint(r)).Error("Recording a panicked run panicked")
		}
	}()
	s.runner.RecordPanic(ctx, entityID, startedAt, recovered)
}

func (s *Scheduler) finish(ctx context.Context, e *entry, report Report) {
	s.mu.Lock()
	delete(s.inFlight, e.entityID)

	// the job may have been stopped or replaced meanwhile
	if s.jobs[e.entityID] != e {
		s.mu.Unlock()
		return
	}

	var persist *models.Job
	switch report.Outcome {
	case types.OutcomeRateLimited:
		if report.RetryAfter > 0 {
			if at := s.now().Add(report.RetryAfter); at.After(e.nextDue) {
				e.nextDue = at
				if e.index >= 0 {
					heap.Fix(&s.queue, e.index)
				}
				persist = e.model()
			}
		}
	case types.OutcomeAuthError:
		if s.config.PauseOnAuthError && e.active {
			s.applyActive(e, false)
			persist = e.model()
			logging.FromContext(ctx).Warn("Job paused after credentials were rejected")
		}
	}
	s.mu.Unlock()

	if persist != nil {
		if err := s.store.UpsertJob(ctx, persist); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Failed to persist job state")
		}
	}
}

// Shutdown stops dispatching and waits for in-flight runs. When ctx expires first
// the runs are cancelled and ctx's error is returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.abort()
		s.logger.Info("Scheduler shut down")
		return nil
	case <-ctx.Done():
		s.abort()
		<-done
		s.logger.Warn("Scheduler shutdown timed out, in-flight runs cancelled")
		return ctx.Err()
	}
}

// install adds or replaces an entry. Caller holds mu.
func (s *Scheduler) install(e *entry) {
	if old, ok := s.jobs[e.entityID]; ok {
		s.remove(old)
	}
	s.jobs[e.entityID] = e
	if e.active {
		heap.Push(&s.queue, e)
	}
	jobsScheduled.Set(float64(len(s.jobs)))
}

// remove drops an entry. Caller holds mu.
func (s *Scheduler) remove(e *entry) {
	if e.index >= 0 {
		heap.Remove(&s.queue, e.index)
	}
	delete(s.jobs, e.entityID)
	jobsScheduled.Set(float64(len(s.jobs)))
}

// applyActive toggles an entry in and out of the due queue. Caller holds mu.
func (s *Scheduler) applyActive(e *entry, active bool) {
	e.active = active
	switch {
	case active && e.index < 0:
		heap.Push(&s.queue, e)
	case !active && e.index >= 0:
		heap.Remove(&s.queue, e.index)
	}
}

func (e *entry) model() *models.Job {
	return &models.Job{
		ID:              e.id,
		EntityID:        e.entityID,
		OwnerID:         e.ownerID,
		Platform:        e.platform,
		IntervalSeconds: int(e.interval / time.Second),
		Active:          e.active,
		NextDueAt:       e.nextDue,
	}
}
