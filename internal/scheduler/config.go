package scheduler

import (
	"time"

	"github.com/ottworks/telemetria/internal/config"
)

// Config controls the pipeline chain cadence, batch sizes, and retries.
type Config struct {
	RunInterval    time.Duration
	PageSize       int
	MergeBatchSize int
	StageTimeout   time.Duration
	RetryAttempts  int
	RetryDelay     time.Duration
	LeaseTTL       time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:    2 * time.Minute,
		PageSize:       1000,
		MergeBatchSize: 500,
		StageTimeout:   10 * time.Minute,
		RetryAttempts:  3,
		RetryDelay:     time.Minute,
		LeaseTTL:       15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.PageSize <= 0 {
		c.PageSize = defaults.PageSize
	}
	if c.MergeBatchSize <= 0 {
		c.MergeBatchSize = defaults.MergeBatchSize
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = defaults.StageTimeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = defaults.RetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.LeaseTTL
	}
	return c
}

// ProvideConfig maps application configuration onto the scheduler config.
func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:    cfg.Pipeline.RunInterval,
		PageSize:       cfg.Pipeline.PageSize,
		MergeBatchSize: cfg.Pipeline.MergeBatchSize,
		StageTimeout:   cfg.Pipeline.StageTimeout,
		RetryAttempts:  cfg.Pipeline.RetryAttempts,
		RetryDelay:     cfg.Pipeline.RetryDelay,
		LeaseTTL:       cfg.Pipeline.LeaseTTL,
	}.withDefaults()
}
