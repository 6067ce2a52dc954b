package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	pipelinedomain "github.com/ottworks/telemetria/internal/pipeline/domain"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&pipelinedomain.PipelineWatermark{},
		&pipelinedomain.PipelineRun{},
		&pipelinedomain.PipelineLease{},
	))
	return db
}

func TestWatermarkAdvanceIsMonotonic(t *testing.T) {
	db := newTestDB(t)
	store := ProvideWatermarkStore(db)
	ctx := context.Background()

	position, err := store.Get(ctx, pipelinedomain.WatermarkIngest)
	require.NoError(t, err)
	require.Equal(t, int64(0), position)

	advance := func(to int64) {
		require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
			return store.AdvanceTx(ctx, tx, pipelinedomain.WatermarkIngest, to)
		}))
	}

	advance(10)
	position, err = store.Get(ctx, pipelinedomain.WatermarkIngest)
	require.NoError(t, err)
	require.Equal(t, int64(10), position)

	// A replayed lower position never moves the mark back.
	advance(5)
	position, err = store.Get(ctx, pipelinedomain.WatermarkIngest)
	require.NoError(t, err)
	require.Equal(t, int64(10), position)

	advance(15)
	position, err = store.Get(ctx, pipelinedomain.WatermarkIngest)
	require.NoError(t, err)
	require.Equal(t, int64(15), position)
}

func TestWatermarksAreIndependentPerName(t *testing.T) {
	db := newTestDB(t)
	store := ProvideWatermarkStore(db)
	ctx := context.Background()

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return store.AdvanceTx(ctx, tx, pipelinedomain.WatermarkIngest, 100)
	}))

	mergeMark, err := store.Get(ctx, pipelinedomain.WatermarkMerge)
	require.NoError(t, err)
	require.Equal(t, int64(0), mergeMark)
}

func TestLeaseAcquireReleaseSteal(t *testing.T) {
	db := newTestDB(t)
	store := ProvideLeaseStore(db)
	ctx := context.Background()
	now := time.Now().UTC()
	ttl := time.Minute

	acquired, err := store.Acquire(ctx, "chain", "worker-a", ttl, now)
	require.NoError(t, err)
	require.True(t, acquired)

	// A live lease blocks other owners.
	acquired, err = store.Acquire(ctx, "chain", "worker-b", ttl, now.Add(10*time.Second))
	require.NoError(t, err)
	require.False(t, acquired)

	// The holder renews freely.
	acquired, err = store.Acquire(ctx, "chain", "worker-a", ttl, now.Add(30*time.Second))
	require.NoError(t, err)
	require.True(t, acquired)

	// An expired lease may be stolen.
	acquired, err = store.Acquire(ctx, "chain", "worker-b", ttl, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, acquired)

	// Release only removes the caller's own lease.
	require.NoError(t, store.Release(ctx, "chain", "worker-a"))
	acquired, err = store.Acquire(ctx, "chain", "worker-c", ttl, now.Add(2*time.Minute+time.Second))
	require.NoError(t, err)
	require.False(t, acquired)

	require.NoError(t, store.Release(ctx, "chain", "worker-b"))
	acquired, err = store.Acquire(ctx, "chain", "worker-c", ttl, now.Add(2*time.Minute+2*time.Second))
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestRunStoreLatestAndUpdate(t *testing.T) {
	db := newTestDB(t)
	store := ProvideRunStore(db)
	ctx := context.Background()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	first := &pipelinedomain.PipelineRun{
		ID:        node.Generate(),
		State:     pipelinedomain.RunStateScheduled,
		Trigger:   pipelinedomain.RunTriggerSchedule,
		Attempt:   1,
		StartedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	second := &pipelinedomain.PipelineRun{
		ID:        node.Generate(),
		State:     pipelinedomain.RunStateScheduled,
		Trigger:   pipelinedomain.RunTriggerManual,
		Attempt:   1,
		StartedAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Create(ctx, second))

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, second.ID, latest.ID)

	require.NoError(t, store.Update(ctx, second.ID, map[string]any{
		"state":          pipelinedomain.RunStateRunningIngest,
		"events_fetched": 12,
	}))

	got, err := store.Get(ctx, second.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, pipelinedomain.RunStateRunningIngest, got.State)
	require.Equal(t, 12, got.EventsFetched)

	missing, err := store.Get(ctx, node.Generate())
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestRunStoreLatestEmpty(t *testing.T) {
	db := newTestDB(t)
	store := ProvideRunStore(db)

	latest, err := store.Latest(context.Background())
	require.NoError(t, err)
	require.Nil(t, latest)
}
