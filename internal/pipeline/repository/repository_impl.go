// Package repository persists pipeline orchestration state.
package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	pipelinedomain "github.com/ottworks/telemetria/internal/pipeline/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WatermarkStore reads and advances the named high-water marks.
type WatermarkStore interface {
	Get(ctx context.Context, name string) (int64, error)
	// AdvanceTx moves the watermark forward inside tx. Positions at or
	// below the current value are ignored, so replays cannot move it back.
	AdvanceTx(ctx context.Context, tx *gorm.DB, name string, position int64) error
}

// RunStore records chain executions.
type RunStore interface {
	Create(ctx context.Context, run *pipelinedomain.PipelineRun) error
	Update(ctx context.Context, id snowflake.ID, updates map[string]any) error
	Get(ctx context.Context, id snowflake.ID) (*pipelinedomain.PipelineRun, error)
	Latest(ctx context.Context) (*pipelinedomain.PipelineRun, error)
}

// LeaseStore serializes chain executions across processes.
type LeaseStore interface {
	// Acquire takes the named lease for owner until now+ttl. It succeeds
	// when the lease is free, expired, or already held by the same owner.
	Acquire(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) (bool, error)
	Release(ctx context.Context, name, owner string) error
}

type watermarkStore struct {
	db *gorm.DB
}

// ProvideWatermarkStore builds the watermark store.
func ProvideWatermarkStore(db *gorm.DB) WatermarkStore {
	return &watermarkStore{db: db}
}

func (s *watermarkStore) Get(ctx context.Context, name string) (int64, error) {
	var mark pipelinedomain.PipelineWatermark
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&mark).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, err
	}
	return mark.Position, nil
}

func (s *watermarkStore) AdvanceTx(ctx context.Context, tx *gorm.DB, name string, position int64) error {
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&pipelinedomain.PipelineWatermark{Name: name}).Error; err != nil {
		return err
	}

	return tx.WithContext(ctx).Exec(
		`UPDATE pipeline_watermarks
		 SET position = ?, updated_at = ?
		 WHERE name = ? AND position < ?`,
		position,
		time.Now().UTC(),
		name,
		position,
	).Error
}

type runStore struct {
	db *gorm.DB
}

// ProvideRunStore builds the pipeline run store.
func ProvideRunStore(db *gorm.DB) RunStore {
	return &runStore{db: db}
}

func (s *runStore) Create(ctx context.Context, run *pipelinedomain.PipelineRun) error {
	return s.db.WithContext(ctx).Create(run).Error
}

func (s *runStore) Update(ctx context.Context, id snowflake.ID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&pipelinedomain.PipelineRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (s *runStore) Get(ctx context.Context, id snowflake.ID) (*pipelinedomain.PipelineRun, error) {
	var run pipelinedomain.PipelineRun
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

func (s *runStore) Latest(ctx context.Context) (*pipelinedomain.PipelineRun, error) {
	var run pipelinedomain.PipelineRun
	err := s.db.WithContext(ctx).Order("started_at DESC, id DESC").First(&run).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

type leaseStore struct {
	db *gorm.DB
}

// ProvideLeaseStore builds the lease store.
func ProvideLeaseStore(db *gorm.DB) LeaseStore {
	return &leaseStore{db: db}
}

func (s *leaseStore) Acquire(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) (bool, error) {
	expiresAt := now.Add(ttl)

	insert := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&pipelinedomain.PipelineLease{
		Name:      name,
		Owner:     owner,
		ExpiresAt: expiresAt,
		UpdatedAt: now,
	})
	if insert.Error != nil {
		return false, insert.Error
	}
	if insert.RowsAffected > 0 {
		return true, nil
	}

	// Steal only expired leases; renew our own.
	takeover := s.db.WithContext(ctx).Exec(
		`UPDATE pipeline_leases
		 SET owner = ?, expires_at = ?, updated_at = ?
		 WHERE name = ? AND (owner = ? OR expires_at < ?)`,
		owner,
		expiresAt,
		now,
		name,
		owner,
		now,
	)
	if takeover.Error != nil {
		return false, takeover.Error
	}
	return takeover.RowsAffected > 0, nil
}

func (s *leaseStore) Release(ctx context.Context, name, owner string) error {
	return s.db.WithContext(ctx).
		Where("name = ? AND owner = ?", name, owner).
		Delete(&pipelinedomain.PipelineLease{}).Error
}
