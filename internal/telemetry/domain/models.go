// Package domain contains persistence models for raw telemetry ingestion.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Action identifiers assigned by the upstream subscriber-management system.
const (
	ActionTuneIn  int32 = 5
	ActionTuneOut int32 = 6
)

// TelemetryEvent stores a single logged subscriber action.
//
// RecordID is assigned upstream, globally ordered, and never reused. It is
// the dedup key for ingestion; inserts that collide on it are skipped.
type TelemetryEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	RecordID       int64             `gorm:"not null;uniqueIndex:ux_telemetry_events_record_id"`
	ActionID       int32             `gorm:"not null;index"`
	ActionName     string            `gorm:"type:text;not null"`
	DeviceID       string            `gorm:"type:text;not null;index"`
	SubscriberCode *string           `gorm:"type:text"`
	ChannelName    *string           `gorm:"type:text"`
	Timestamp      time.Time         `gorm:"not null;index"`
	DataDate       time.Time         `gorm:"type:date;not null;index"`
	HourOfDay      int16             `gorm:"not null"`
	Attributes     datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TelemetryEvent) TableName() string { return "telemetry_events" }

// IsTuneIn reports whether the event opens a viewing session.
func (e TelemetryEvent) IsTuneIn() bool { return e.ActionID == ActionTuneIn }

// IsTuneOut reports whether the event closes a viewing session.
func (e TelemetryEvent) IsTuneOut() bool { return e.ActionID == ActionTuneOut }
