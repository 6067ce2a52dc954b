// Package domain contains persistence models for merged viewing sessions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SessionStatus represents the lifecycle of a reconstructed session.
type SessionStatus string

const (
	// SessionStatusOpen marks a session whose tune-out has not arrived yet.
	SessionStatusOpen SessionStatus = "OPEN"
	// SessionStatusCompleted marks a start/stop pair with a fixed duration.
	SessionStatusCompleted SessionStatus = "COMPLETED"
	// SessionStatusUnmatched marks a start superseded by a later tune-in
	// on the same key. Its duration stays null forever.
	SessionStatusUnmatched SessionStatus = "UNMATCHED"
	// SessionStatusOrphan marks a tune-out with no preceding open start.
	SessionStatusOrphan SessionStatus = "ORPHAN"
)

// ViewingSession is one continuous tune-in/tune-out span for a
// (device, subscriber, channel) key.
//
// StartRecordID and StopRecordID each reference a telemetry event at most
// once across the whole table; the unique indexes make replayed merges
// collapse into no-ops. DurationSeconds is written exactly once at
// completion and never recomputed.
type ViewingSession struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	DeviceID        string            `gorm:"type:text;not null;index"`
	SubscriberCode  *string           `gorm:"type:text"`
	ChannelName     *string           `gorm:"type:text;index"`
	StartRecordID   *int64            `gorm:"uniqueIndex:ux_viewing_sessions_start_record_id"`
	StopRecordID    *int64            `gorm:"uniqueIndex:ux_viewing_sessions_stop_record_id"`
	StartTimestamp  *time.Time        `gorm:"index"`
	StopTimestamp   *time.Time        `gorm:""`
	DurationSeconds *int64            `gorm:""`
	Status          SessionStatus     `gorm:"type:text;not null;default:'OPEN';index"`
	Anomaly         bool              `gorm:"not null;default:false"`
	Attributes      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ViewingSession) TableName() string { return "viewing_sessions" }

// OpenSession is the pending-start index entry for one key. At most one
// open start exists per key; a later tune-in on the same key supersedes it.
//
// SubscriberCode and ChannelName are normalized to "" when the event
// carried null, so the composite unique index holds for those keys too.
type OpenSession struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	DeviceID       string       `gorm:"type:text;not null;uniqueIndex:ux_open_sessions_key,priority:1"`
	SubscriberCode string       `gorm:"type:text;not null;default:'';uniqueIndex:ux_open_sessions_key,priority:2"`
	ChannelName    string       `gorm:"type:text;not null;default:'';uniqueIndex:ux_open_sessions_key,priority:3"`
	SessionID      snowflake.ID `gorm:"not null"`
	StartRecordID  int64        `gorm:"not null"`
	StartTimestamp time.Time    `gorm:"not null"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (OpenSession) TableName() string { return "open_sessions" }
