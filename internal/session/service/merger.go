package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/ottworks/telemetria/internal/observability/metrics"
	pipelinedomain "github.com/ottworks/telemetria/internal/pipeline/domain"
	pipelinerepo "github.com/ottworks/telemetria/internal/pipeline/repository"
	sessiondomain "github.com/ottworks/telemetria/internal/session/domain"
	telemetrydomain "github.com/ottworks/telemetria/internal/telemetry/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type MergerParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Events     telemetrydomain.Repository
	Sessions   sessiondomain.Repository
	Watermarks pipelinerepo.WatermarkStore
	ObsMetrics *metrics.Metrics `optional:"true"`
}

// Merger reconstructs viewing sessions from tune-in/tune-out pairs.
type Merger struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	events     telemetrydomain.Repository
	sessions   sessiondomain.Repository
	watermarks pipelinerepo.WatermarkStore
	obsMetrics *metrics.Metrics
}

func NewMerger(p MergerParam) sessiondomain.Merger {
	return &Merger{
		db:         p.DB,
		log:        p.Log.Named("merger"),
		genID:      p.GenID,
		events:     p.Events,
		sessions:   p.Sessions,
		watermarks: p.Watermarks,
		obsMetrics: p.ObsMetrics,
	}
}

// MergeNewEvents scans events with record id in (mergeWatermark,
// snapshotBound] in batches. Each batch commits its session writes, its
// open-index mutations, and the merge watermark advance in one
// transaction, so a crash mid-run resumes cleanly: replaying the same
// range collapses into no-ops because session inserts are keyed by start
// and stop record id uniqueness.
func (m *Merger) MergeNewEvents(ctx context.Context, snapshotBound int64, batchSize int) (sessiondomain.MergeResult, error) {
	var result sessiondomain.MergeResult
	if batchSize <= 0 {
		batchSize = 500
	}

	watermark, err := m.watermarks.Get(ctx, pipelinedomain.WatermarkMerge)
	if err != nil {
		return result, fmt.Errorf("load merge watermark: %w", err)
	}
	result.Watermark = watermark

	for watermark < snapshotBound {
		events, err := m.events.ScanRange(ctx, watermark, snapshotBound, batchSize)
		if err != nil {
			return result, fmt.Errorf("scan merge range: %w", err)
		}
		if len(events) == 0 {
			// Nothing left below the bound; mark the whole range done.
			if err := m.advance(ctx, snapshotBound); err != nil {
				return result, err
			}
			watermark = snapshotBound
			result.Watermark = snapshotBound
			break
		}

		batchMax := events[len(events)-1].RecordID
		batch, err := m.mergeBatch(ctx, events, batchMax)
		if err != nil {
			return result, err
		}

		result.Processed += len(events)
		result.Paired += batch.Paired
		result.OrphanStops += batch.OrphanStops
		result.Reopened += batch.Reopened
		watermark = batchMax
		result.Watermark = batchMax

		if len(events) < batchSize {
			if err := m.advance(ctx, snapshotBound); err != nil {
				return result, err
			}
			watermark = snapshotBound
			result.Watermark = snapshotBound
			break
		}
	}

	stillOpen, err := m.sessions.CountOpen(ctx)
	if err != nil {
		return result, fmt.Errorf("count open sessions: %w", err)
	}
	result.StillOpen = int(stillOpen)

	m.obsMetrics.RecordSessionOutcome(ctx, "paired", int64(result.Paired))
	m.obsMetrics.RecordSessionOutcome(ctx, "orphan_stop", int64(result.OrphanStops))
	m.obsMetrics.RecordSessionOutcome(ctx, "superseded", int64(result.Reopened))
	m.log.Info("merge finished",
		zap.Int("processed", result.Processed),
		zap.Int("paired", result.Paired),
		zap.Int("orphan_stops", result.OrphanStops),
		zap.Int("reopened", result.Reopened),
		zap.Int("still_open", result.StillOpen),
		zap.Int64("watermark", result.Watermark),
	)
	return result, nil
}

func (m *Merger) advance(ctx context.Context, position int64) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return m.watermarks.AdvanceTx(ctx, tx, pipelinedomain.WatermarkMerge, position)
	})
}

func (m *Merger) mergeBatch(ctx context.Context, events []telemetrydomain.TelemetryEvent, batchMax int64) (sessiondomain.MergeResult, error) {
	var result sessiondomain.MergeResult

	groups := groupByKey(events)
	keys := sortedKeys(groups)

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, key := range keys {
			if err := m.mergeKey(ctx, tx, key, groups[key], &result); err != nil {
				return err
			}
		}
		return m.watermarks.AdvanceTx(ctx, tx, pipelinedomain.WatermarkMerge, batchMax)
	})
	if err != nil {
		return result, fmt.Errorf("commit merge batch: %w", err)
	}
	return result, nil
}

func (m *Merger) mergeKey(ctx context.Context, tx *gorm.DB, key sessiondomain.Key, events []telemetrydomain.TelemetryEvent, result *sessiondomain.MergeResult) error {
	open, err := m.sessions.FindOpenByKey(ctx, tx, key)
	if err != nil {
		return err
	}

	for i := range events {
		event := events[i]
		switch {
		case event.IsTuneIn():
			open, err = m.handleTuneIn(ctx, tx, key, event, open, result)
		case event.IsTuneOut():
			open, err = m.handleTuneOut(ctx, tx, key, event, open, result)
		default:
			// Other actions are stored but never merged.
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// handleTuneIn opens a session for the key. An existing open start is
// superseded first: last tune-in wins, the superseded session stays
// forever unmatched.
func (m *Merger) handleTuneIn(ctx context.Context, tx *gorm.DB, key sessiondomain.Key, event telemetrydomain.TelemetryEvent, open *sessiondomain.OpenSession, result *sessiondomain.MergeResult) (*sessiondomain.OpenSession, error) {
	if open != nil {
		if open.StartRecordID == event.RecordID {
			// Replay of the tune-in that produced this index entry.
			return open, nil
		}
		superseded, err := m.sessions.MarkUnmatched(ctx, tx, open.SessionID)
		if err != nil {
			return open, err
		}
		if superseded {
			result.Reopened++
		}
	}

	startRecordID := event.RecordID
	startTimestamp := event.Timestamp
	session := &sessiondomain.ViewingSession{
		ID:             m.genID.Generate(),
		DeviceID:       event.DeviceID,
		SubscriberCode: event.SubscriberCode,
		ChannelName:    event.ChannelName,
		StartRecordID:  &startRecordID,
		StartTimestamp: &startTimestamp,
		Status:         sessiondomain.SessionStatusOpen,
		Attributes:     event.Attributes,
	}
	inserted, err := m.sessions.InsertSession(ctx, tx, session)
	if err != nil {
		return open, err
	}
	if !inserted {
		// A previous run already created the session for this start; the
		// index entry was lost with that run's supersession or crash.
		existing, err := m.sessions.FindByStartRecordID(ctx, tx, event.RecordID)
		if err != nil {
			return open, err
		}
		if existing == nil || existing.Status != sessiondomain.SessionStatusOpen {
			return open, nil
		}
		session = existing
	}

	next := &sessiondomain.OpenSession{
		ID:             m.genID.Generate(),
		DeviceID:       key.DeviceID,
		SubscriberCode: key.SubscriberCode,
		ChannelName:    key.ChannelName,
		SessionID:      session.ID,
		StartRecordID:  event.RecordID,
		StartTimestamp: event.Timestamp,
	}
	if err := m.sessions.UpsertOpen(ctx, tx, next); err != nil {
		return open, err
	}
	return next, nil
}

// handleTuneOut completes the pending start for the key, or records an
// orphan stop when there is none.
func (m *Merger) handleTuneOut(ctx context.Context, tx *gorm.DB, key sessiondomain.Key, event telemetrydomain.TelemetryEvent, open *sessiondomain.OpenSession, result *sessiondomain.MergeResult) (*sessiondomain.OpenSession, error) {
	if open != nil {
		duration := int64(event.Timestamp.Sub(open.StartTimestamp).Seconds())
		completed, err := m.sessions.Complete(ctx, tx, sessiondomain.CompleteParams{
			SessionID:       open.SessionID,
			StopRecordID:    event.RecordID,
			StopTimestamp:   event.Timestamp,
			DurationSeconds: duration,
			Anomaly:         duration < 0,
		})
		if err != nil {
			return open, err
		}
		if completed {
			result.Paired++
		}
		if err := m.sessions.DeleteOpenByKey(ctx, tx, key); err != nil {
			return open, err
		}
		return nil, nil
	}

	stopRecordID := event.RecordID
	stopTimestamp := event.Timestamp
	orphan := &sessiondomain.ViewingSession{
		ID:             m.genID.Generate(),
		DeviceID:       event.DeviceID,
		SubscriberCode: event.SubscriberCode,
		ChannelName:    event.ChannelName,
		StopRecordID:   &stopRecordID,
		StopTimestamp:  &stopTimestamp,
		Status:         sessiondomain.SessionStatusOrphan,
		Attributes:     event.Attributes,
	}
	inserted, err := m.sessions.InsertSession(ctx, tx, orphan)
	if err != nil {
		return nil, err
	}
	if inserted {
		result.OrphanStops++
	}
	return nil, nil
}

// groupByKey splits a batch per viewing key and orders each group by
// (timestamp, recordId), record id breaking timestamp ties.
func groupByKey(events []telemetrydomain.TelemetryEvent) map[sessiondomain.Key][]telemetrydomain.TelemetryEvent {
	groups := make(map[sessiondomain.Key][]telemetrydomain.TelemetryEvent)
	for _, event := range events {
		key := sessiondomain.Key{
			DeviceID:       event.DeviceID,
			SubscriberCode: derefOrEmpty(event.SubscriberCode),
			ChannelName:    derefOrEmpty(event.ChannelName),
		}
		groups[key] = append(groups[key], event)
	}
	for key := range groups {
		group := groups[key]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Timestamp.Equal(group[j].Timestamp) {
				return group[i].RecordID < group[j].RecordID
			}
			return group[i].Timestamp.Before(group[j].Timestamp)
		})
	}
	return groups
}

func sortedKeys(groups map[sessiondomain.Key][]telemetrydomain.TelemetryEvent) []sessiondomain.Key {
	keys := make([]sessiondomain.Key, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].DeviceID != keys[j].DeviceID {
			return keys[i].DeviceID < keys[j].DeviceID
		}
		if keys[i].SubscriberCode != keys[j].SubscriberCode {
			return keys[i].SubscriberCode < keys[j].SubscriberCode
		}
		return keys[i].ChannelName < keys[j].ChannelName
	})
	return keys
}

func derefOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
