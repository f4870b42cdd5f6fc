package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/social-monitor/internal/collector"
	apperrors "github.com/social-monitor/internal/errors"
	"github.com/social-monitor/internal/models"
	"github.com/social-monitor/internal/scheduler"
	"github.com/social-monitor/internal/types"
)

func newMonitorFixture(t *testing.T) (*fixture, *scheduler.Scheduler, *Monitor) {
	t.Helper()
	f := newFixture(t)
	sched := scheduler.New(scheduler.Config{TickInterval: time.Hour, MinInterval: 30 * time.Second}, f.store, f.engine)
	t.Cleanup(func() { _ = sched.Shutdown(context.Background()) })
	m := NewMonitor(f.store, sched, f.sink, map[types.Platform]time.Duration{
		types.PlatformTwitch: 5 * time.Minute,
	})
	return f, sched, m
}

func statuses(events []models.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Data["status"].(string))
	}
	return out
}

func TestMonitorCreateEntity(t *testing.T) {
	_, _, m := newMonitorFixture(t)
	ctx := context.Background()

	entity, err := m.CreateEntity(ctx, &CreateEntityInput{OwnerID: "o", Platform: "Twitch", Handle: "  streamer "})
	require.NoError(t, err)
	assert.NotEmpty(t, entity.ID)
	assert.Equal(t, types.PlatformTwitch, entity.Platform)
	assert.Equal(t, "streamer", entity.Handle)
	assert.Equal(t, 300, entity.IntervalSeconds)
	assert.False(t, entity.MonitoringEnabled)

	entity, err = m.CreateEntity(ctx, &CreateEntityInput{OwnerID: "o", Platform: "reddit", Handle: "golang"})
	require.NoError(t, err)
	assert.Equal(t, 3600, entity.IntervalSeconds, "platforms without a default use one hour")
}

func TestMonitorCreateEntityValidation(t *testing.T) {
	_, _, m := newMonitorFixture(t)

	tests := []struct {
		name  string
		input CreateEntityInput
	}{
		{"unknown platform", CreateEntityInput{OwnerID: "o", Platform: "myspace", Handle: "h"}},
		{"missing owner", CreateEntityInput{Platform: "youtube", Handle: "h"}},
		{"blank handle", CreateEntityInput{OwnerID: "o", Platform: "youtube", Handle: "  "}},
		{"negative limit", CreateEntityInput{OwnerID: "o", Platform: "youtube", Handle: "h", ItemLimit: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.CreateEntity(context.Background(), &tt.input)
			require.Error(t, err)
			assert.Equal(t, apperrors.CategoryUserInput, apperrors.Categorize(err).Category)
		})
	}
}

func TestMonitorStartStopLifecycle(t *testing.T) {
	f, sched, m := newMonitorFixture(t)
	ctx := context.Background()

	before := time.Now()
	jobID, err := m.StartMonitoring(ctx, f.entity.ID, 120)
	require.NoError(t, err)
	assert.Equal(t, models.JobID(types.PlatformYouTube, f.entity.ID), jobID)

	entity := f.reload(t)
	assert.True(t, entity.MonitoringEnabled)
	assert.Equal(t, 120, entity.IntervalSeconds)

	st := sched.Status(f.entity.ID)
	require.True(t, st.Exists)
	assert.True(t, st.Active)
	require.NotNil(t, st.NextRunAt)
	assert.WithinDuration(t, before.Add(2*time.Minute), *st.NextRunAt, 5*time.Second)

	job, ok := f.store.Job(f.entity.ID)
	require.True(t, ok)
	assert.Equal(t, 120, job.IntervalSeconds)

	require.NoError(t, m.StopMonitoring(ctx, f.entity.ID))
	assert.False(t, f.reload(t).MonitoringEnabled)
	assert.False(t, sched.Status(f.entity.ID).Exists)
	_, ok = f.store.Job(f.entity.ID)
	assert.False(t, ok)

	// restarting yields exactly one job, due one interval from the restart
	restart := time.Now()
	_, err = m.StartMonitoring(ctx, f.entity.ID, 0)
	require.NoError(t, err)
	st = sched.Status(f.entity.ID)
	require.True(t, st.Exists)
	assert.Equal(t, 2*time.Minute, st.Interval, "zero keeps the entity's interval")
	assert.WithinDuration(t, restart.Add(2*time.Minute), *st.NextRunAt, 5*time.Second)

	jobs, err := f.store.ListDueJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	assert.Equal(t, []string{"started", "stopped", "started"}, statuses(f.sink.ofType(types.EventMonitoringUpdate)))
}

func TestMonitorStartRejectsShortInterval(t *testing.T) {
	f, sched, m := newMonitorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetMonitoring(ctx, f.entity.ID, false, 60))

	_, err := m.StartMonitoring(ctx, f.entity.ID, 10)
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryUserInput, apperrors.Categorize(err).Category)
	assert.False(t, sched.Status(f.entity.ID).Exists)
	assert.False(t, f.reload(t).MonitoringEnabled)

	_, err = m.StartMonitoring(ctx, "missing", 60)
	assert.Equal(t, apperrors.CategoryNotFound, apperrors.Categorize(err).Category)
}

func TestMonitorPauseResume(t *testing.T) {
	f, sched, m := newMonitorFixture(t)
	ctx := context.Background()

	err := m.PauseMonitoring(ctx, f.entity.ID)
	require.Error(t, err, "pausing an unscheduled entity")
	assert.Equal(t, apperrors.CategoryNotFound, apperrors.Categorize(err).Category)

	_, err = m.StartMonitoring(ctx, f.entity.ID, 60)
	require.NoError(t, err)

	require.NoError(t, m.PauseMonitoring(ctx, f.entity.ID))
	st := sched.Status(f.entity.ID)
	assert.True(t, st.Exists)
	assert.False(t, st.Active)
	job, _ := f.store.Job(f.entity.ID)
	assert.False(t, job.Active)

	require.NoError(t, m.ResumeMonitoring(ctx, f.entity.ID))
	assert.True(t, sched.Status(f.entity.ID).Active)

	assert.Equal(t, []string{"started", "paused", "resumed"}, statuses(f.sink.ofType(types.EventMonitoringUpdate)))
}

func TestMonitorGetJobStatus(t *testing.T) {
	f, _, m := newMonitorFixture(t)
	ctx := context.Background()

	st, err := m.GetJobStatus(ctx, f.entity.ID)
	require.NoError(t, err)
	assert.False(t, st.Exists)
	assert.Zero(t, st.Stats.TotalRuns)

	_, err = m.StartMonitoring(ctx, f.entity.ID, 60)
	require.NoError(t, err)

	f.collector.set([]collector.RawItem{video("a", 1)}, nil)
	_, err = f.engine.RunOnce(ctx, f.entity.ID)
	require.NoError(t, err)
	f.collector.set(nil, &collector.RateLimitedError{Platform: types.PlatformYouTube, RetryAfter: time.Minute})
	_, err = f.engine.RunOnce(ctx, f.entity.ID)
	require.NoError(t, err)

	st, err = m.GetJobStatus(ctx, f.entity.ID)
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.True(t, st.Active)
	assert.Equal(t, 60, st.IntervalSeconds)
	assert.NotNil(t, st.NextRunAt)
	assert.NotNil(t, st.LastCollectedAt)
	assert.Equal(t, int64(2), st.Stats.TotalRuns)
	assert.Equal(t, int64(1), st.Stats.Successful)
	assert.Equal(t, int64(1), st.Stats.RateLimited)

	_, err = m.GetJobStatus(ctx, "missing")
	assert.Equal(t, apperrors.CategoryNotFound, apperrors.Categorize(err).Category)
}

func TestMonitorListExecutionHistory(t *testing.T) {
	f, _, m := newMonitorFixture(t)
	ctx := context.Background()
	f.collector.set([]collector.RawItem{video("a", 1)}, nil)
	for i := 0; i < 3; i++ {
		_, err := f.engine.RunOnce(ctx, f.entity.ID)
		require.NoError(t, err)
	}
	jobID := models.JobID(f.entity.Platform, f.entity.ID)

	records, err := m.ListExecutionHistory(ctx, jobID, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.False(t, records[0].StartedAt.Before(records[1].StartedAt), "newest first")

	records, err = m.ListExecutionHistory(ctx, jobID, 0)
	require.NoError(t, err)
	assert.Len(t, records, 3)

	records, err = m.ListExecutionHistory(ctx, "youtube_monitor_unknown", 10)
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = m.ListExecutionHistory(ctx, "", 10)
	assert.Equal(t, apperrors.CategoryUserInput, apperrors.Categorize(err).Category)
}

func TestMonitorDeleteEntity(t *testing.T) {
	f, sched, m := newMonitorFixture(t)
	ctx := context.Background()

	f.collector.set([]collector.RawItem{video("a", 1), video("b", 2)}, nil)
	_, err := f.engine.RunOnce(ctx, f.entity.ID)
	require.NoError(t, err)
	_, err = m.StartMonitoring(ctx, f.entity.ID, 60)
	require.NoError(t, err)

	require.NoError(t, m.DeleteEntity(ctx, f.entity.ID))
	assert.False(t, sched.Status(f.entity.ID).Exists)
	assert.Empty(t, f.store.Items(f.entity.ID))
	_, err = f.store.GetEntity(ctx, f.entity.ID)
	assert.Equal(t, apperrors.CategoryNotFound, apperrors.Categorize(err).Category)

	err = m.DeleteEntity(ctx, f.entity.ID)
	assert.Equal(t, apperrors.CategoryNotFound, apperrors.Categorize(err).Category)
}

// A fresh scheduler over the same store picks the jobs back up.
func TestMonitorJobsSurviveRestart(t *testing.T) {
	f, _, m := newMonitorFixture(t)
	ctx := context.Background()

	_, err := m.StartMonitoring(ctx, f.entity.ID, 60)
	require.NoError(t, err)
	require.NoError(t, m.PauseMonitoring(ctx, f.entity.ID))

	restarted := scheduler.New(scheduler.Config{TickInterval: time.Hour}, f.store, f.engine)
	defer restarted.Shutdown(context.Background())

	n, err := restarted.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st := restarted.Status(f.entity.ID)
	assert.True(t, st.Exists)
	assert.False(t, st.Active, "paused jobs stay paused")
	assert.Equal(t, time.Minute, st.Interval)
}
