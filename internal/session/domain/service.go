package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/ottworks/telemetria/pkg/db/pagination"
	"gorm.io/gorm"
)

// MergeResult summarizes one merge stage execution.
type MergeResult struct {
	Processed   int   `json:"processed"`
	Paired      int   `json:"paired"`
	OrphanStops int   `json:"orphan_stops"`
	Reopened    int   `json:"reopened"`
	StillOpen   int   `json:"still_open"`
	Watermark   int64 `json:"watermark"`
}

// Merger pairs tune-in/tune-out events into viewing sessions.
//
// snapshotBound is the ingest watermark captured at the start of the
// chain; the merger never reads past it, so concurrent ingestion cannot
// change what a run sees.
type Merger interface {
	MergeNewEvents(ctx context.Context, snapshotBound int64, batchSize int) (MergeResult, error)
}

// ListSessionsRequest filters the session listing.
type ListSessionsRequest struct {
	DeviceID       string     `form:"device_id"`
	SubscriberCode string     `form:"subscriber_code"`
	ChannelName    string     `form:"channel_name"`
	Status         string     `form:"status"`
	From           *time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To             *time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	PageToken      string     `form:"page_token"`
	PageSize       int32      `form:"page_size"`

	// BeforeID is derived from PageToken by the service.
	BeforeID *snowflake.ID `form:"-"`
}

// ListSessionsResponse is a page of viewing sessions.
type ListSessionsResponse struct {
	pagination.PageInfo
	Sessions []ViewingSession `json:"sessions"`
}

// Service exposes read access to the merged session store.
type Service interface {
	List(context.Context, ListSessionsRequest) (ListSessionsResponse, error)
}

// Key identifies a viewing context. SubscriberCode and ChannelName are
// normalized to "" when the event carried null.
type Key struct {
	DeviceID       string
	SubscriberCode string
	ChannelName    string
}

// CompleteParams carries the tune-out side of a pairing.
type CompleteParams struct {
	SessionID       snowflake.ID
	StopRecordID    int64
	StopTimestamp   time.Time
	DurationSeconds int64
	Anomaly         bool
}

// Repository persists viewing sessions and the open-session index.
type Repository interface {
	// InsertSession stores a new session, silently skipping start or stop
	// record ids already referenced by another session. It reports whether
	// a row was written.
	InsertSession(ctx context.Context, tx *gorm.DB, session *ViewingSession) (bool, error)
	// FindByStartRecordID returns the session holding the given start
	// record id, or nil.
	FindByStartRecordID(ctx context.Context, tx *gorm.DB, recordID int64) (*ViewingSession, error)
	// Complete writes the stop side of an open session. The update is
	// guarded on a null stop_record_id, so replays report false.
	Complete(ctx context.Context, tx *gorm.DB, params CompleteParams) (bool, error)
	// MarkUnmatched flips an open session to UNMATCHED. Duration stays
	// null forever.
	MarkUnmatched(ctx context.Context, tx *gorm.DB, sessionID snowflake.ID) (bool, error)

	FindOpenByKey(ctx context.Context, tx *gorm.DB, key Key) (*OpenSession, error)
	UpsertOpen(ctx context.Context, tx *gorm.DB, open *OpenSession) error
	DeleteOpenByKey(ctx context.Context, tx *gorm.DB, key Key) error
	CountOpen(ctx context.Context) (int64, error)

	// List returns a filtered page of sessions, newest first.
	List(ctx context.Context, req ListSessionsRequest) ([]ViewingSession, error)
}

var (
	ErrInvalidPageSize  = errors.New("invalid_page_size")
	ErrInvalidStatus    = errors.New("invalid_status")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)
