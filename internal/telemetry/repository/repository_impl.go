package repository

import (
	"context"
	"strings"

	telemetrydomain "github.com/ottworks/telemetria/internal/telemetry/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct {
	db *gorm.DB
}

// Provide builds the telemetry event repository.
func Provide(db *gorm.DB) telemetrydomain.Repository {
	return &repo{db: db}
}

func (r *repo) BatchInsert(ctx context.Context, db *gorm.DB, events []*telemetrydomain.TelemetryEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	if db == nil {
		db = r.db
	}

	// Conflicts on record_id are replays of already-committed pages.
	stmt := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_id"}},
		DoNothing: true,
	}).Create(events)
	if stmt.Error != nil {
		return 0, stmt.Error
	}
	return int(stmt.RowsAffected), nil
}

func (r *repo) Count(ctx context.Context) (int64, error) {
	var count int64
	// Seeded demo rows carry negative record ids and are not part of the
	// upstream stream, so they must not shift the derived page offset.
	err := r.db.WithContext(ctx).
		Model(&telemetrydomain.TelemetryEvent{}).
		Where("record_id > 0").
		Count(&count).Error
	return count, err
}

func (r *repo) ScanRange(ctx context.Context, after, bound int64, limit int) ([]telemetrydomain.TelemetryEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	var events []telemetrydomain.TelemetryEvent
	err := r.db.WithContext(ctx).
		Where("record_id > ? AND record_id <= ?", after, bound).
		Order("record_id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *repo) List(ctx context.Context, req telemetrydomain.ListEventsRequest) ([]telemetrydomain.TelemetryEvent, error) {
	pageSize := int(req.PageSize)
	if pageSize <= 0 {
		pageSize = 50
	}

	stmt := r.db.WithContext(ctx).Model(&telemetrydomain.TelemetryEvent{})
	if device := strings.TrimSpace(req.DeviceID); device != "" {
		stmt = stmt.Where("device_id = ?", device)
	}
	if subscriber := strings.TrimSpace(req.SubscriberCode); subscriber != "" {
		stmt = stmt.Where("subscriber_code = ?", subscriber)
	}
	if channel := strings.TrimSpace(req.ChannelName); channel != "" {
		stmt = stmt.Where("channel_name = ?", channel)
	}
	if req.ActionID != nil {
		stmt = stmt.Where("action_id = ?", *req.ActionID)
	}
	if req.From != nil {
		stmt = stmt.Where("timestamp >= ?", *req.From)
	}
	if req.To != nil {
		stmt = stmt.Where("timestamp <= ?", *req.To)
	}
	if req.BeforeRecordID != nil {
		stmt = stmt.Where("record_id < ?", *req.BeforeRecordID)
	}

	var events []telemetrydomain.TelemetryEvent
	err := stmt.Order("record_id DESC").Limit(pageSize + 1).Find(&events).Error
	return events, err
}
