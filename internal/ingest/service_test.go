package ingest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	pipelinedomain "github.com/ottworks/telemetria/internal/pipeline/domain"
	pipelinerepo "github.com/ottworks/telemetria/internal/pipeline/repository"
	telemetrydomain "github.com/ottworks/telemetria/internal/telemetry/domain"
	telemetryrepo "github.com/ottworks/telemetria/internal/telemetry/repository"
	"github.com/ottworks/telemetria/internal/upstream"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeClient struct {
	pages      map[int64][]upstream.Record
	err        error
	gotOffsets []int64
	gotLimits  []int
}

func (f *fakeClient) Login(ctx context.Context) error { return nil }

func (f *fakeClient) FetchRecords(ctx context.Context, offset int64, limit int) ([]upstream.Record, error) {
	f.gotOffsets = append(f.gotOffsets, offset)
	f.gotLimits = append(f.gotLimits, limit)
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[offset], nil
}

func record(id int64, actionID int32, device string, ts time.Time) upstream.Record {
	return upstream.Record{
		RecordID:  id,
		ActionID:  actionID,
		ActionKey: "Tuned in channel",
		DeviceID:  device,
		Timestamp: ts,
	}
}

func newIngestTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&telemetrydomain.TelemetryEvent{},
		&pipelinedomain.PipelineWatermark{},
	))
	return db
}

func newTestIngestor(t *testing.T, db *gorm.DB, client upstream.Client) Ingestor {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(ServiceParam{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Client:     client,
		Events:     telemetryrepo.Provide(db),
		Watermarks: pipelinerepo.ProvideWatermarkStore(db),
	})
}

func TestPullDrainsUpstreamPages(t *testing.T) {
	db := newIngestTestDB(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	client := &fakeClient{pages: map[int64][]upstream.Record{
		0: {
			record(1, 5, "stb-1", base),
			record(2, 6, "stb-1", base.Add(time.Minute)),
			record(3, 5, "stb-2", base.Add(2*time.Minute)),
		},
		3: {
			record(4, 6, "stb-2", base.Add(3*time.Minute)),
		},
	}}
	ingestor := newTestIngestor(t, db, client)

	result, err := ingestor.Pull(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, 4, result.Fetched)
	require.Equal(t, 4, result.Saved)
	require.Equal(t, 0, result.Skipped)
	require.Equal(t, int64(4), result.Watermark)
	require.Equal(t, []int64{0, 3}, client.gotOffsets)

	var count int64
	require.NoError(t, db.Model(&telemetrydomain.TelemetryEvent{}).Count(&count).Error)
	require.Equal(t, int64(4), count)

	position, err := pipelinerepo.ProvideWatermarkStore(db).Get(context.Background(), pipelinedomain.WatermarkIngest)
	require.NoError(t, err)
	require.Equal(t, int64(4), position)
}

func TestPullDerivesOffsetFromLocalCount(t *testing.T) {
	db := newIngestTestDB(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	client := &fakeClient{pages: map[int64][]upstream.Record{
		0: {
			record(1, 5, "stb-1", base),
			record(2, 6, "stb-1", base.Add(time.Minute)),
		},
	}}
	ingestor := newTestIngestor(t, db, client)

	_, err := ingestor.Pull(context.Background(), 100)
	require.NoError(t, err)

	// The next pull starts at the number of rows already stored.
	client.pages = map[int64][]upstream.Record{
		2: {record(3, 5, "stb-2", base.Add(2*time.Minute))},
	}
	result, err := ingestor.Pull(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, int64(2), client.gotOffsets[len(client.gotOffsets)-1])
	require.Equal(t, 1, result.Saved)
	require.Equal(t, int64(3), result.Watermark)
}

func TestPullSkipsRecordsBelowWatermark(t *testing.T) {
	db := newIngestTestDB(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	client := &fakeClient{pages: map[int64][]upstream.Record{
		0: {
			record(1, 5, "stb-1", base),
			record(2, 6, "stb-1", base.Add(time.Minute)),
		},
	}}
	ingestor := newTestIngestor(t, db, client)

	_, err := ingestor.Pull(context.Background(), 100)
	require.NoError(t, err)

	// The upstream re-serves an already-committed record; only the new
	// one lands.
	require.NoError(t, db.Exec(`DELETE FROM telemetry_events WHERE record_id = 2`).Error)
	client.pages = map[int64][]upstream.Record{
		1: {
			record(2, 6, "stb-1", base.Add(time.Minute)),
			record(3, 5, "stb-2", base.Add(2*time.Minute)),
		},
	}

	result, err := ingestor.Pull(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, 2, result.Fetched)
	require.Equal(t, 1, result.Saved)
	require.Equal(t, 1, result.Skipped)
	require.Equal(t, int64(3), result.Watermark)
}

func TestPullEmptySourceIsNoOp(t *testing.T) {
	db := newIngestTestDB(t)
	client := &fakeClient{}
	ingestor := newTestIngestor(t, db, client)

	result, err := ingestor.Pull(context.Background(), 100)
	require.NoError(t, err)
	require.Zero(t, result.Fetched)
	require.Zero(t, result.Saved)
	require.Equal(t, int64(0), result.Watermark)
}

func TestPullCountsMalformedRecords(t *testing.T) {
	db := newIngestTestDB(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	client := &fakeClient{pages: map[int64][]upstream.Record{
		0: {
			record(1, 5, "stb-1", base),
			{RecordID: 0, ActionID: 5, DeviceID: "stb-1", Timestamp: base},
			{RecordID: 2, ActionID: 6, DeviceID: "stb-1"},
			record(3, 5, "stb-2", base.Add(time.Minute)),
		},
	}}
	ingestor := newTestIngestor(t, db, client)

	result, err := ingestor.Pull(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, 4, result.Fetched)
	require.Equal(t, 2, result.Saved)
	require.Equal(t, 2, result.Errors)
	require.Equal(t, 0, result.Skipped)
	require.Equal(t, int64(3), result.Watermark)

	var count int64
	require.NoError(t, db.Model(&telemetrydomain.TelemetryEvent{}).Count(&count).Error)
	require.Equal(t, int64(2), count)
}

// flakyEventRepo fails the next BatchInsert after writing part of the
// page, so the surrounding transaction has in-flight rows to roll back.
type flakyEventRepo struct {
	telemetrydomain.Repository
	failInserts int
}

func (f *flakyEventRepo) BatchInsert(ctx context.Context, db *gorm.DB, events []*telemetrydomain.TelemetryEvent) (int, error) {
	if f.failInserts > 0 {
		f.failInserts--
		if len(events) > 1 {
			if _, err := f.Repository.BatchInsert(ctx, db, events[:1]); err != nil {
				return 0, err
			}
		}
		return 0, fmt.Errorf("insert page: disk full")
	}
	return f.Repository.BatchInsert(ctx, db, events)
}

func TestPullFailedPageRollsBackWatermark(t *testing.T) {
	db := newIngestTestDB(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	client := &fakeClient{pages: map[int64][]upstream.Record{
		0: {
			record(1, 5, "stb-1", base),
			record(2, 6, "stb-1", base.Add(time.Minute)),
		},
	}}
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	flaky := &flakyEventRepo{Repository: telemetryrepo.Provide(db), failInserts: 1}
	ingestor := NewService(ServiceParam{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Client:     client,
		Events:     flaky,
		Watermarks: pipelinerepo.ProvideWatermarkStore(db),
	})

	_, err = ingestor.Pull(context.Background(), 100)
	require.Error(t, err)

	// The failed page rolled back wholesale: no rows, no watermark move.
	var count int64
	require.NoError(t, db.Model(&telemetrydomain.TelemetryEvent{}).Count(&count).Error)
	require.Zero(t, count)
	position, err := pipelinerepo.ProvideWatermarkStore(db).Get(context.Background(), pipelinedomain.WatermarkIngest)
	require.NoError(t, err)
	require.Zero(t, position)

	// The next pull re-fetches the full page and saves it exactly once.
	result, err := ingestor.Pull(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, int64(0), client.gotOffsets[len(client.gotOffsets)-1])
	require.Equal(t, 2, result.Saved)
	require.Equal(t, 0, result.Skipped)
	require.Equal(t, int64(2), result.Watermark)
	require.NoError(t, db.Model(&telemetrydomain.TelemetryEvent{}).Count(&count).Error)
	require.Equal(t, int64(2), count)
}

func TestPullPropagatesUpstreamError(t *testing.T) {
	db := newIngestTestDB(t)
	client := &fakeClient{err: fmt.Errorf("%w: connection reset", upstream.ErrTransient)}
	ingestor := newTestIngestor(t, db, client)

	_, err := ingestor.Pull(context.Background(), 100)
	require.Error(t, err)
	require.True(t, upstream.IsTransient(err))
}
