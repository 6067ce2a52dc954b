package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	sessiondomain "github.com/ottworks/telemetria/internal/session/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct {
	db *gorm.DB
}

// Provide builds the viewing session repository.
func Provide(db *gorm.DB) sessiondomain.Repository {
	return &repo{db: db}
}

func (r *repo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *repo) InsertSession(ctx context.Context, tx *gorm.DB, session *sessiondomain.ViewingSession) (bool, error) {
	// A conflict on start_record_id or stop_record_id means a previous
	// run already accounted for this event.
	stmt := r.conn(tx).WithContext(ctx).Clauses(clause.OnConflict{
		DoNothing: true,
	}).Create(session)
	if stmt.Error != nil {
		return false, stmt.Error
	}
	return stmt.RowsAffected > 0, nil
}

func (r *repo) FindByStartRecordID(ctx context.Context, tx *gorm.DB, recordID int64) (*sessiondomain.ViewingSession, error) {
	var session sessiondomain.ViewingSession
	err := r.conn(tx).WithContext(ctx).
		Where("start_record_id = ?", recordID).
		First(&session).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

func (r *repo) Complete(ctx context.Context, tx *gorm.DB, params sessiondomain.CompleteParams) (bool, error) {
	result := r.conn(tx).WithContext(ctx).Exec(
		`UPDATE viewing_sessions
		 SET stop_record_id = ?,
		     stop_timestamp = ?,
		     duration_seconds = ?,
		     status = ?,
		     anomaly = ?,
		     updated_at = ?
		 WHERE id = ? AND stop_record_id IS NULL AND status = ?`,
		params.StopRecordID,
		params.StopTimestamp,
		params.DurationSeconds,
		sessiondomain.SessionStatusCompleted,
		params.Anomaly,
		time.Now().UTC(),
		params.SessionID,
		sessiondomain.SessionStatusOpen,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkUnmatched(ctx context.Context, tx *gorm.DB, sessionID snowflake.ID) (bool, error) {
	result := r.conn(tx).WithContext(ctx).Exec(
		`UPDATE viewing_sessions
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND stop_record_id IS NULL`,
		sessiondomain.SessionStatusUnmatched,
		time.Now().UTC(),
		sessionID,
		sessiondomain.SessionStatusOpen,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindOpenByKey(ctx context.Context, tx *gorm.DB, key sessiondomain.Key) (*sessiondomain.OpenSession, error) {
	var open sessiondomain.OpenSession
	err := r.conn(tx).WithContext(ctx).
		Where("device_id = ? AND subscriber_code = ? AND channel_name = ?",
			key.DeviceID, key.SubscriberCode, key.ChannelName).
		First(&open).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &open, nil
}

func (r *repo) UpsertOpen(ctx context.Context, tx *gorm.DB, open *sessiondomain.OpenSession) error {
	return r.conn(tx).WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "device_id"}, {Name: "subscriber_code"}, {Name: "channel_name"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"session_id", "start_record_id", "start_timestamp", "updated_at",
		}),
	}).Create(open).Error
}

func (r *repo) DeleteOpenByKey(ctx context.Context, tx *gorm.DB, key sessiondomain.Key) error {
	return r.conn(tx).WithContext(ctx).
		Where("device_id = ? AND subscriber_code = ? AND channel_name = ?",
			key.DeviceID, key.SubscriberCode, key.ChannelName).
		Delete(&sessiondomain.OpenSession{}).Error
}

func (r *repo) CountOpen(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&sessiondomain.OpenSession{}).Count(&count).Error
	return count, err
}

func (r *repo) List(ctx context.Context, req sessiondomain.ListSessionsRequest) ([]sessiondomain.ViewingSession, error) {
	pageSize := int(req.PageSize)
	if pageSize <= 0 {
		pageSize = 50
	}

	stmt := r.db.WithContext(ctx).Model(&sessiondomain.ViewingSession{})
	if device := strings.TrimSpace(req.DeviceID); device != "" {
		stmt = stmt.Where("device_id = ?", device)
	}
	if subscriber := strings.TrimSpace(req.SubscriberCode); subscriber != "" {
		stmt = stmt.Where("subscriber_code = ?", subscriber)
	}
	if channel := strings.TrimSpace(req.ChannelName); channel != "" {
		stmt = stmt.Where("channel_name = ?", channel)
	}
	if status := strings.TrimSpace(req.Status); status != "" {
		stmt = stmt.Where("status = ?", strings.ToUpper(status))
	}
	if req.From != nil {
		stmt = stmt.Where("start_timestamp >= ?", *req.From)
	}
	if req.To != nil {
		stmt = stmt.Where("start_timestamp <= ?", *req.To)
	}
	if req.BeforeID != nil {
		stmt = stmt.Where("id < ?", *req.BeforeID)
	}

	var sessions []sessiondomain.ViewingSession
	err := stmt.Order("id DESC").Limit(pageSize + 1).Find(&sessions).Error
	return sessions, err
}
