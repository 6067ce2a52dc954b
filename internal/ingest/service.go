// Package ingest pulls telemetry records from the upstream source into the
// local event store, advancing the ingest watermark a committed page at a
// time.
package ingest

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/ottworks/telemetria/internal/observability/metrics"
	pipelinedomain "github.com/ottworks/telemetria/internal/pipeline/domain"
	pipelinerepo "github.com/ottworks/telemetria/internal/pipeline/repository"
	telemetrydomain "github.com/ottworks/telemetria/internal/telemetry/domain"
	"github.com/ottworks/telemetria/internal/upstream"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Result summarizes one ingest stage execution.
type Result struct {
	Fetched   int   `json:"fetched"`
	Saved     int   `json:"saved"`
	Skipped   int   `json:"skipped"`
	Errors    int   `json:"errors"`
	Watermark int64 `json:"watermark"`
}

// Ingestor pulls new upstream records until the source is drained.
type Ingestor interface {
	Pull(ctx context.Context, pageSize int) (Result, error)
}

var Module = fx.Module("ingest",
	fx.Provide(NewService),
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Client     upstream.Client
	Events     telemetrydomain.Repository
	Watermarks pipelinerepo.WatermarkStore
	ObsMetrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	client     upstream.Client
	events     telemetrydomain.Repository
	watermarks pipelinerepo.WatermarkStore
	obsMetrics *metrics.Metrics
}

func NewService(p ServiceParam) Ingestor {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ingest"),
		genID:      p.GenID,
		client:     p.Client,
		events:     p.Events,
		watermarks: p.Watermarks,
		obsMetrics: p.ObsMetrics,
	}
}

// Pull pages through the upstream stream starting after the ingest
// watermark. Each page is committed in its own transaction together with
// the watermark advance, so a failure mid-run never loses or duplicates
// committed work; records below the watermark count as skipped.
//
// The page offset is derived from the local row count: record ids are
// append-only and ingestion is gapless below the watermark, so the number
// of rows already stored equals the upstream offset of the first unseen
// record.
func (s *Service) Pull(ctx context.Context, pageSize int) (Result, error) {
	var result Result

	watermark, err := s.watermarks.Get(ctx, pipelinedomain.WatermarkIngest)
	if err != nil {
		return result, fmt.Errorf("load ingest watermark: %w", err)
	}
	result.Watermark = watermark

	offset, err := s.events.Count(ctx)
	if err != nil {
		return result, fmt.Errorf("count ingested events: %w", err)
	}

	for {
		records, err := s.client.FetchRecords(ctx, offset, pageSize)
		if err != nil {
			return result, err
		}
		if len(records) == 0 {
			break
		}
		result.Fetched += len(records)

		page := make([]*telemetrydomain.TelemetryEvent, 0, len(records))
		maxRecordID := result.Watermark
		for _, record := range records {
			if record.RecordID <= 0 || record.Timestamp.IsZero() {
				// Malformed records are dropped but still consume their
				// slot in the offset, so a poison record cannot stall
				// the stream.
				result.Errors++
				s.log.Warn("dropping malformed upstream record",
					zap.Int64("record_id", record.RecordID),
					zap.String("action", record.ActionKey),
				)
				continue
			}
			if record.RecordID > maxRecordID {
				maxRecordID = record.RecordID
			}
			if record.RecordID <= watermark {
				result.Skipped++
				continue
			}
			page = append(page, s.toEvent(record))
		}

		saved := 0
		if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			saved, txErr = s.events.BatchInsert(ctx, tx, page)
			if txErr != nil {
				return txErr
			}
			return s.watermarks.AdvanceTx(ctx, tx, pipelinedomain.WatermarkIngest, maxRecordID)
		}); err != nil {
			// The failed page did not advance anything; the previously
			// committed pages stand.
			return result, fmt.Errorf("commit ingest page: %w", err)
		}

		result.Saved += saved
		result.Skipped += len(page) - saved
		result.Watermark = maxRecordID
		offset += int64(len(records))

		if len(records) < pageSize {
			break
		}
	}

	s.obsMetrics.RecordEventsIngested(ctx, "saved", int64(result.Saved))
	s.obsMetrics.RecordEventsIngested(ctx, "skipped", int64(result.Skipped))
	s.obsMetrics.RecordEventsIngested(ctx, "errors", int64(result.Errors))
	s.log.Info("ingest pull finished",
		zap.Int("fetched", result.Fetched),
		zap.Int("saved", result.Saved),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", result.Errors),
		zap.Int64("watermark", result.Watermark),
	)
	return result, nil
}

func (s *Service) toEvent(record upstream.Record) *telemetrydomain.TelemetryEvent {
	return &telemetrydomain.TelemetryEvent{
		ID:             s.genID.Generate(),
		RecordID:       record.RecordID,
		ActionID:       record.ActionID,
		ActionName:     record.ActionKey,
		DeviceID:       record.DeviceID,
		SubscriberCode: record.SubscriberCode,
		ChannelName:    record.ChannelName,
		Timestamp:      record.Timestamp,
		DataDate:       record.DataDate(),
		HourOfDay:      record.HourOfDay(),
		Attributes:     datatypes.JSONMap(record.Attributes),
	}
}
