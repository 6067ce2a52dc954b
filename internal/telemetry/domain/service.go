package domain

import (
	"context"
	"errors"
	"time"

	"github.com/ottworks/telemetria/pkg/db/pagination"
	"gorm.io/gorm"
)

// ListEventsRequest filters the raw event listing.
type ListEventsRequest struct {
	DeviceID       string     `form:"device_id"`
	SubscriberCode string     `form:"subscriber_code"`
	ChannelName    string     `form:"channel_name"`
	ActionID       *int32     `form:"action_id"`
	From           *time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To             *time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	PageToken      string     `form:"page_token"`
	PageSize       int32      `form:"page_size"`

	// BeforeRecordID is derived from PageToken by the service.
	BeforeRecordID *int64 `form:"-"`
}

// ListEventsResponse is a page of raw events.
type ListEventsResponse struct {
	pagination.PageInfo
	Events []TelemetryEvent `json:"events"`
}

// Service exposes read access to the raw event store.
type Service interface {
	List(context.Context, ListEventsRequest) (ListEventsResponse, error)
}

// Repository persists and scans raw telemetry events.
type Repository interface {
	// BatchInsert stores events, silently skipping record ids that already
	// exist. It returns how many rows were actually written.
	BatchInsert(ctx context.Context, db *gorm.DB, events []*TelemetryEvent) (int, error)
	// Count returns the number of events ingested from the upstream
	// stream. Seeded rows with negative record ids do not count.
	Count(ctx context.Context) (int64, error)
	// ScanRange returns events with record id in (after, bound], ascending
	// by record id, capped at limit.
	ScanRange(ctx context.Context, after, bound int64, limit int) ([]TelemetryEvent, error)
	// List returns a filtered page of events, newest first.
	List(ctx context.Context, req ListEventsRequest) ([]TelemetryEvent, error)
}

var (
	ErrInvalidPageSize  = errors.New("invalid_page_size")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)
