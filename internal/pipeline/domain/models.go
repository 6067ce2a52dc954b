// Package domain contains persistence models for pipeline orchestration
// state: watermarks, run records, and the single-flight lease.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Watermark names.
const (
	WatermarkIngest = "ingest"
	WatermarkMerge  = "merge"
)

// RunState tracks an ingest-then-merge chain through its stages.
type RunState string

const (
	RunStateScheduled     RunState = "SCHEDULED"
	RunStateRunningIngest RunState = "RUNNING_INGEST"
	RunStateRunningMerge  RunState = "RUNNING_MERGE"
	RunStateDone          RunState = "DONE"
	RunStateFailed        RunState = "FAILED"
)

// Run triggers.
const (
	RunTriggerSchedule = "schedule"
	RunTriggerManual   = "manual"
)

// PipelineWatermark is a named high-water mark over upstream record ids.
// It only ever moves forward, and only inside the transaction that
// committed the work it accounts for.
type PipelineWatermark struct {
	Name      string    `gorm:"primaryKey;type:text"`
	Position  int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PipelineWatermark) TableName() string { return "pipeline_watermarks" }

// PipelineRun records one execution of the ingest-then-merge chain.
type PipelineRun struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	State          RunState     `gorm:"type:text;not null;default:'SCHEDULED';index"`
	Trigger        string       `gorm:"type:text;not null;default:'schedule'"`
	Attempt        int          `gorm:"not null;default:1"`
	SnapshotBound  int64        `gorm:"not null;default:0"`
	EventsFetched  int          `gorm:"not null;default:0"`
	EventsSaved    int          `gorm:"not null;default:0"`
	EventsSkipped  int          `gorm:"not null;default:0"`
	EventsErrors   int          `gorm:"not null;default:0"`
	SessionsPaired int          `gorm:"not null;default:0"`
	OrphanStops    int          `gorm:"not null;default:0"`
	Reopened       int          `gorm:"not null;default:0"`
	StillOpen      int          `gorm:"not null;default:0"`
	Error          *string      `gorm:"type:text"`
	StartedAt      time.Time    `gorm:"not null"`
	FinishedAt     *time.Time   `gorm:""`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PipelineRun) TableName() string { return "pipeline_runs" }

// PipelineLease serializes chain execution across processes. A holder
// renews by extending ExpiresAt; an expired lease may be stolen, so a
// crashed run never blocks future ticks for longer than the TTL.
type PipelineLease struct {
	Name      string    `gorm:"primaryKey;type:text"`
	Owner     string    `gorm:"type:text;not null"`
	ExpiresAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PipelineLease) TableName() string { return "pipeline_leases" }
