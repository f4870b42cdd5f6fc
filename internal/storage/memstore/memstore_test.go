package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/social-monitor/internal/errors"
	"github.com/social-monitor/internal/models"
	"github.com/social-monitor/internal/storage"
	"github.com/social-monitor/internal/types"
)

func newEntity(t *testing.T, s *Store, enabled bool) *models.MonitoredEntity {
	t.Helper()
	e := &models.MonitoredEntity{
		OwnerID:           "owner-1",
		Platform:          types.PlatformReddit,
		Handle:            "golang-" + time.Now().Format("150405.000000000"),
		MonitoringEnabled: enabled,
		IntervalSeconds:   60,
	}
	require.NoError(t, s.CreateEntity(context.Background(), e))
	return e
}

func TestStore_CreateEntityRejectsDuplicateHandle(t *testing.T) {
	s := New()
	e := newEntity(t, s, true)

	err := s.CreateEntity(context.Background(), &models.MonitoredEntity{
		OwnerID: e.OwnerID, Platform: e.Platform, Handle: e.Handle, IntervalSeconds: 60,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryUserInput, apperrors.Categorize(err).Category)
}

func TestStore_InTxRollsBack(t *testing.T) {
	s := New()
	ctx := context.Background()
	e := newEntity(t, s, true)

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx storage.Tx) error {
		now := time.Now()
		require.NoError(t, tx.UpsertItems(ctx, e.ID, []*models.CollectedItem{{NativeID: "a", CollectedAt: now}}))
		_, err := tx.UpdateEntityStats(ctx, e.ID, now)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Empty(t, s.Items(e.ID))
	got, err := s.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastCollectedAt)
	assert.Zero(t, got.TotalItems)
}

func TestStore_FailNextTx(t *testing.T) {
	s := New()
	ctx := context.Background()
	e := newEntity(t, s, true)
	s.FailNextTx = apperrors.NewDatabaseError("commit", nil)

	err := s.InTx(ctx, func(tx storage.Tx) error {
		return tx.UpsertItems(ctx, e.ID, []*models.CollectedItem{{NativeID: "a"}})
	})
	require.Error(t, err)
	assert.Empty(t, s.Items(e.ID))

	// only the next transaction fails
	require.NoError(t, s.InTx(ctx, func(tx storage.Tx) error { return nil }))
}

func TestStore_UpsertOnlyRefreshesMetrics(t *testing.T) {
	s := New()
	ctx := context.Background()
	e := newEntity(t, s, true)
	first := time.Now().Add(-time.Hour)

	require.NoError(t, s.InTx(ctx, func(tx storage.Tx) error {
		return tx.UpsertItems(ctx, e.ID, []*models.CollectedItem{{
			NativeID: "a", Title: "first", Metrics: models.Metrics{"score": 1}, CollectedAt: first, UpdatedAt: first,
		}})
	}))
	require.NoError(t, s.InTx(ctx, func(tx storage.Tx) error {
		return tx.UpsertItems(ctx, e.ID, []*models.CollectedItem{{
			NativeID: "a", Title: "second", Metrics: models.Metrics{"score": 9}, CollectedAt: time.Now(), UpdatedAt: time.Now(),
		}})
	}))

	items := s.Items(e.ID)
	require.Len(t, items, 1)
	assert.Equal(t, "first", items[0].Title)
	assert.Equal(t, int64(9), items[0].Metrics["score"])
	assert.True(t, items[0].CollectedAt.Equal(first))
}

func TestStore_DeleteEntityCascades(t *testing.T) {
	s := New()
	ctx := context.Background()
	e := newEntity(t, s, true)

	require.NoError(t, s.InTx(ctx, func(tx storage.Tx) error {
		items := []*models.CollectedItem{{NativeID: "a"}}
		if err := tx.UpsertItems(ctx, e.ID, items); err != nil {
			return err
		}
		return tx.UpsertSubItems(ctx, []*models.CollectedSubItem{{ItemID: items[0].ID, NativeID: "c1"}})
	}))
	itemID := s.Items(e.ID)[0].ID
	require.NoError(t, s.UpsertJob(ctx, &models.Job{EntityID: e.ID, Active: true}))

	require.NoError(t, s.DeleteEntity(ctx, e.ID))

	assert.Empty(t, s.Items(e.ID))
	assert.Empty(t, s.SubItems(itemID))
	_, ok := s.Job(e.ID)
	assert.False(t, ok)
	_, err := s.GetEntity(ctx, e.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestStore_ListDueJobs(t *testing.T) {
	s := New()
	ctx := context.Background()
	enabled := newEntity(t, s, true)
	paused := newEntity(t, s, true)
	newEntity(t, s, false)

	require.NoError(t, s.UpsertJob(ctx, &models.Job{EntityID: paused.ID, Active: false}))
	collected := time.Now().Add(-30 * time.Second)
	require.NoError(t, s.InTx(ctx, func(tx storage.Tx) error {
		_, err := tx.UpdateEntityStats(ctx, enabled.ID, collected)
		return err
	}))

	jobs, err := s.ListDueJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	byEntity := map[string]*models.Job{}
	for _, j := range jobs {
		byEntity[j.EntityID] = j
	}
	assert.True(t, byEntity[enabled.ID].Active)
	assert.True(t, byEntity[enabled.ID].NextDueAt.Equal(collected.Add(time.Minute)))
	assert.False(t, byEntity[paused.ID].Active)
	assert.True(t, byEntity[paused.ID].NextDueAt.IsZero())
}

func TestStore_ActiveProfileIsUnique(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetActiveProfile(ctx, "owner-1", types.PlatformTwitch)
	assert.True(t, apperrors.IsNotFound(err))

	require.NoError(t, s.SaveActiveProfile(ctx, &models.CredentialProfile{
		OwnerID: "owner-1", Platform: types.PlatformTwitch, Name: "old", Ciphertext: []byte("old"),
	}))
	require.NoError(t, s.SaveActiveProfile(ctx, &models.CredentialProfile{
		OwnerID: "owner-1", Platform: types.PlatformTwitch, Name: "new", Ciphertext: []byte("new"),
	}))

	got, err := s.GetActiveProfile(ctx, "owner-1", types.PlatformTwitch)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestStore_ExecutionHistoryNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendExecutionRecord(ctx, &models.ExecutionRecord{
			JobID:     "job",
			StartedAt: base.Add(time.Duration(i) * time.Second),
			Outcome:   types.OutcomeSuccess,
		}))
	}
	require.NoError(t, s.AppendExecutionRecord(ctx, &models.ExecutionRecord{JobID: "other", StartedAt: base}))

	history, err := s.ListExecutionHistory(ctx, "job", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.True(t, history[0].StartedAt.Equal(base.Add(4*time.Second)))

	stats, err := s.ExecutionStats(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.TotalRuns)
	assert.Equal(t, int64(5), stats.Successful)
}
