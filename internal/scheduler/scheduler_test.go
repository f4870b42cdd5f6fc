package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/social-monitor/internal/errors"
	"github.com/social-monitor/internal/models"
	"github.com/social-monitor/internal/storage/memstore"
	"github.com/social-monitor/internal/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeRunner struct {
	mu        sync.Mutex
	calls     map[string]int
	running   map[string]int
	overlap   bool
	active    int
	maxActive int
	gate      chan struct{}
	report    Report
	panicFor  string
	panics    []string
	panicAt   []time.Time
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: make(map[string]int), running: make(map[string]int)}
}

func (r *fakeRunner) RunJob(ctx context.Context, entityID string) Report {
	r.mu.Lock()
	r.calls[entityID]++
	r.running[entityID]++
	if r.running[entityID] > 1 {
		r.overlap = true
	}
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	gate, report, panicFor := r.gate, r.report, r.panicFor
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running[entityID]--
		r.active--
		r.mu.Unlock()
	}()

	if gate != nil {
		<-gate
	}
	if entityID == panicFor {
		panic("collector exploded")
	}
	return report
}

func (r *fakeRunner) RecordPanic(ctx context.Context, entityID string, startedAt time.Time, recovered interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.panics = append(r.panics, entityID)
	r.panicAt = append(r.panicAt, startedAt)
}

func (r *fakeRunner) callsFor(entityID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[entityID]
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *fakeRunner, *memstore.Store, *fakeClock) {
	t.Helper()
	store := memstore.New()
	runner := newFakeRunner()
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := New(cfg, store, runner)
	s.now = clock.Now
	return s, runner, store, clock
}

func spec(entityID string, interval time.Duration) JobSpec {
	return JobSpec{EntityID: entityID, OwnerID: "owner", Platform: types.PlatformYouTube, Interval: interval}
}

func TestStartRegistersAndPersists(t *testing.T) {
	s, _, store, clock := newTestScheduler(t, Config{})
	ctx := context.Background()

	id, err := s.Start(ctx, spec("e1", time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "youtube_monitor_e1", id)

	st := s.Status("e1")
	assert.True(t, st.Exists)
	assert.True(t, st.Active)
	assert.False(t, st.InFlight)
	require.NotNil(t, st.NextRunAt)
	assert.Equal(t, clock.Now().Add(time.Minute), *st.NextRunAt)

	job, ok := store.Job("e1")
	require.True(t, ok)
	assert.Equal(t, 60, job.IntervalSeconds)
	assert.True(t, job.Active)

	// starting again replaces rather than duplicates
	clock.Advance(10 * time.Second)
	id2, err := s.Start(ctx, spec("e1", 2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	assert.Len(t, s.jobs, 1)
	assert.Equal(t, 1, s.queue.Len())
	assert.Equal(t, clock.Now().Add(2*time.Minute), *s.Status("e1").NextRunAt)
}

func TestStartValidatesInterval(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, Config{MinInterval: 30 * time.Second})

	_, err := s.Start(context.Background(), spec("e1", 0))
	assert.Equal(t, apperrors.CategoryUserInput, apperrors.Categorize(err).Category)

	_, err = s.Start(context.Background(), spec("e1", 10*time.Second))
	assert.Error(t, err)

	_, err = s.Start(context.Background(), spec("", time.Minute))
	assert.Error(t, err)
}

func TestTickRunsOnlyDueJobs(t *testing.T) {
	s, runner, _, clock := newTestScheduler(t, Config{})
	ctx := context.Background()
	_, err := s.Start(ctx, spec("fast", time.Minute))
	require.NoError(t, err)
	_, err = s.Start(ctx, spec("slow", time.Hour))
	require.NoError(t, err)

	s.tick()
	s.wg.Wait()
	assert.Zero(t, runner.callsFor("fast"))

	clock.Advance(time.Minute)
	s.tick()
	s.wg.Wait()
	assert.Equal(t, 1, runner.callsFor("fast"))
	assert.Zero(t, runner.callsFor("slow"))
	assert.Equal(t, clock.Now().Add(time.Minute), *s.Status("fast").NextRunAt)
}

func TestNoConcurrentRunsForSameEntity(t *testing.T) {
	s, runner, _, clock := newTestScheduler(t, Config{})
	runner.gate = make(chan struct{})
	_, err := s.Start(context.Background(), spec("e1", time.Minute))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	s.tick()
	require.Eventually(t, func() bool { return runner.callsFor("e1") == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Status("e1").InFlight)

	// the run overruns several intervals
	for i := 0; i < 3; i++ {
		clock.Advance(time.Minute)
		s.tick()
	}
	close(runner.gate)
	s.wg.Wait()

	assert.Equal(t, 1, runner.callsFor("e1"))
	assert.False(t, runner.overlap)
	assert.False(t, s.Status("e1").InFlight)

	clock.Advance(time.Minute)
	s.tick()
	s.wg.Wait()
	assert.Equal(t, 2, runner.callsFor("e1"))
}

func TestMissedTriggersCoalesce(t *testing.T) {
	s, runner, _, clock := newTestScheduler(t, Config{})
	start := clock.Now()
	_, err := s.Start(context.Background(), spec("e1", time.Minute))
	require.NoError(t, err)

	// the process was stalled for ten intervals
	clock.Advance(10*time.Minute + 30*time.Second)
	s.tick()
	s.tick()
	s.wg.Wait()

	assert.Equal(t, 1, runner.callsFor("e1"), "missed triggers are dropped, not replayed")
	assert.Equal(t, start.Add(11*time.Minute), *s.Status("e1").NextRunAt)
}

func TestPauseAndResume(t *testing.T) {
	s, runner, store, clock := newTestScheduler(t, Config{})
	ctx := context.Background()
	_, err := s.Start(ctx, spec("e1", time.Minute))
	require.NoError(t, err)
	due := *s.Status("e1").NextRunAt

	require.NoError(t, s.Pause(ctx, "e1"))
	st := s.Status("e1")
	assert.True(t, st.Exists)
	assert.False(t, st.Active)
	assert.Equal(t, due, *st.NextRunAt)
	job, _ := store.Job("e1")
	assert.False(t, job.Active)

	clock.Advance(5 * time.Minute)
	s.tick()
	s.wg.Wait()
	assert.Zero(t, runner.callsFor("e1"))

	require.NoError(t, s.Pause(ctx, "e1"), "pausing twice is harmless")
	require.NoError(t, s.Resume(ctx, "e1"))
	assert.True(t, s.Status("e1").Active)

	s.tick()
	s.wg.Wait()
	assert.Equal(t, 1, runner.callsFor("e1"))

	err = s.Pause(ctx, "missing")
	assert.Equal(t, apperrors.CategoryNotFound, apperrors.Categorize(err).Category)
}

func TestStopRemovesJobAndLetsRunFinish(t *testing.T) {
	s, runner, store, clock := newTestScheduler(t, Config{})
	runner.gate = make(chan struct{})
	ctx := context.Background()
	_, err := s.Start(ctx, spec("e1", time.Minute))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	s.tick()
	require.Eventually(t, func() bool { return runner.callsFor("e1") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(ctx, "e1"))
	assert.False(t, s.Status("e1").Exists)
	assert.True(t, s.Status("e1").InFlight)
	_, ok := store.Job("e1")
	assert.False(t, ok)

	close(runner.gate)
	s.wg.Wait()
	assert.False(t, s.Status("e1").InFlight)

	clock.Advance(10 * time.Minute)
	s.tick()
	s.wg.Wait()
	assert.Equal(t, 1, runner.callsFor("e1"))

	assert.NoError(t, s.Stop(ctx, "never-started"))
}

func TestPanicIsRecoveredAndRecorded(t *testing.T) {
	s, runner, _, clock := newTestScheduler(t, Config{})
	runner.panicFor = "bad"
	ctx := context.Background()
	_, err := s.Start(ctx, spec("bad", time.Minute))
	require.NoError(t, err)
	_, err = s.Start(ctx, spec("good", time.Minute))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	s.tick()
	s.wg.Wait()

	assert.Equal(t, []string{"bad"}, runner.panics)
	assert.Equal(t, []time.Time{clock.Now()}, runner.panicAt)
	assert.Equal(t, 1, runner.callsFor("good"))
	assert.False(t, s.Status("bad").InFlight)
	assert.True(t, s.Status("bad").Exists)

	clock.Advance(time.Minute)
	s.tick()
	s.wg.Wait()
	assert.Equal(t, 2, runner.callsFor("bad"))
}

func TestRateLimitedRetryAfterDefersNextRun(t *testing.T) {
	s, runner, store, clock := newTestScheduler(t, Config{})
	runner.report = Report{Outcome: types.OutcomeRateLimited, RetryAfter: 10 * time.Minute}
	_, err := s.Start(context.Background(), spec("e1", time.Minute))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	s.tick()
	s.wg.Wait()

	want := clock.Now().Add(10 * time.Minute)
	assert.Equal(t, want, *s.Status("e1").NextRunAt)
	job, _ := store.Job("e1")
	assert.Equal(t, want, job.NextDueAt)

	// a retry-after shorter than the interval changes nothing
	runner.mu.Lock()
	runner.report = Report{Outcome: types.OutcomeRateLimited, RetryAfter: time.Second}
	runner.mu.Unlock()
	clock.Advance(10 * time.Minute)
	s.tick()
	s.wg.Wait()
	assert.Equal(t, clock.Now().Add(time.Minute), *s.Status("e1").NextRunAt)
}

func TestAuthErrorPausesOnlyWhenConfigured(t *testing.T) {
	for _, pause := range []bool{false, true} {
		s, runner, store, clock := newTestScheduler(t, Config{PauseOnAuthError: pause})
		runner.report = Report{Outcome: types.OutcomeAuthError}
		_, err := s.Start(context.Background(), spec("e1", time.Minute))
		require.NoError(t, err)

		clock.Advance(time.Minute)
		s.tick()
		s.wg.Wait()

		assert.Equal(t, !pause, s.Status("e1").Active, "pauseOnAuthError=%v", pause)
		job, _ := store.Job("e1")
		assert.Equal(t, !pause, job.Active)
	}
}

func TestWorkerPoolIsBounded(t *testing.T) {
	s, runner, _, clock := newTestScheduler(t, Config{MaxWorkers: 2})
	runner.gate = make(chan struct{})
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := s.Start(context.Background(), spec(id, time.Minute))
		require.NoError(t, err)
	}

	clock.Advance(time.Minute)
	s.tick()
	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.active == 2
	}, time.Second, 5*time.Millisecond)

	close(runner.gate)
	s.wg.Wait()
	assert.Equal(t, 2, runner.maxActive)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		assert.Equal(t, 1, runner.callsFor(id))
	}
}

func TestRehydrate(t *testing.T) {
	s, runner, store, clock := newTestScheduler(t, Config{})
	ctx := context.Background()

	collected := clock.Now().Add(-30 * time.Second)
	entities := []*models.MonitoredEntity{
		{ID: "fresh", OwnerID: "o", Platform: types.PlatformTwitter, Handle: "a", MonitoringEnabled: true, IntervalSeconds: 60},
		{ID: "recent", OwnerID: "o", Platform: types.PlatformTwitter, Handle: "b", MonitoringEnabled: true, IntervalSeconds: 60, LastCollectedAt: &collected},
		{ID: "paused", OwnerID: "o", Platform: types.PlatformReddit, Handle: "c", MonitoringEnabled: true, IntervalSeconds: 60},
		{ID: "off", OwnerID: "o", Platform: types.PlatformReddit, Handle: "d", IntervalSeconds: 60},
	}
	for _, e := range entities {
		require.NoError(t, store.CreateEntity(ctx, e))
	}
	require.NoError(t, store.UpsertJob(ctx, &models.Job{ID: "reddit_monitor_paused", EntityID: "paused", Active: false}))

	n, err := s.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, clock.Now(), *s.Status("fresh").NextRunAt)
	assert.Equal(t, collected.Add(time.Minute), *s.Status("recent").NextRunAt)
	assert.False(t, s.Status("paused").Active)
	assert.False(t, s.Status("off").Exists)

	s.tick()
	s.wg.Wait()
	assert.Equal(t, 1, runner.callsFor("fresh"))
	assert.Zero(t, runner.callsFor("recent"))
	assert.Zero(t, runner.callsFor("paused"))
}

func TestShutdownWaitsForInFlightRuns(t *testing.T) {
	s, runner, _, clock := newTestScheduler(t, Config{})
	runner.gate = make(chan struct{})
	_, err := s.Start(context.Background(), spec("e1", time.Minute))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	s.tick()
	require.Eventually(t, func() bool { return runner.callsFor("e1") == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- s.Shutdown(context.Background()) }()

	select {
	case <-done:
		t.Fatal("shutdown returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.gate)
	require.NoError(t, <-done)

	_, err = s.Start(context.Background(), spec("e2", time.Minute))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestShutdownTimeout(t *testing.T) {
	s, runner, _, clock := newTestScheduler(t, Config{})
	runner.gate = make(chan struct{})
	_, err := s.Start(context.Background(), spec("e1", time.Minute))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	s.tick()
	require.Eventually(t, func() bool { return runner.callsFor("e1") == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	go func() {
		<-ctx.Done()
		close(runner.gate)
	}()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)
}

func TestRunLoopDrivesJobs(t *testing.T) {
	runner := newFakeRunner()
	s := New(Config{TickInterval: 5 * time.Millisecond}, memstore.New(), runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	_, err := s.Start(ctx, spec("e1", 20*time.Millisecond))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return runner.callsFor("e1") >= 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestNextSlot(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	next, missed := nextSlot(base.Add(time.Minute), time.Minute, base)
	assert.Equal(t, base.Add(time.Minute), next)
	assert.Zero(t, missed)

	next, missed = nextSlot(base, time.Minute, base)
	assert.Equal(t, base.Add(time.Minute), next)
	assert.Equal(t, 1, missed)

	next, missed = nextSlot(base, time.Minute, base.Add(150*time.Second))
	assert.Equal(t, base.Add(3*time.Minute), next)
	assert.Equal(t, 3, missed)
}
