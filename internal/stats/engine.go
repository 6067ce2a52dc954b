// Package stats computes aggregate reports over the merged session store.
// Two engines exist: the basic engine recomputes everything with direct
// per-call loops and works on every dialect, the accelerated engine pushes
// aggregation into SQL and uses single-pass numeric routines.
package stats

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/ottworks/telemetria/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ChannelStat is one row of the per-channel report. Duration statistics
// cover completed sessions with a positive duration; anomalous rows are
// counted but excluded from the distribution.
type ChannelStat struct {
	ChannelName       string  `json:"channel_name"`
	Sessions          int64   `json:"sessions"`
	CompletedSessions int64   `json:"completed_sessions"`
	TotalSeconds      int64   `json:"total_seconds"`
	AvgSeconds        float64 `json:"avg_seconds"`
	StddevSeconds     float64 `json:"stddev_seconds"`
	P50Seconds        float64 `json:"p50_seconds"`
	P95Seconds        float64 `json:"p95_seconds"`
}

// Summary describes a sample of values.
type Summary struct {
	Count  int64   `json:"count"`
	Mean   float64 `json:"mean"`
	Stddev float64 `json:"stddev"`
}

// Engine serves read-only aggregate queries and the numeric routines
// behind them. Both implementations must produce the same results; they
// differ only in how the work is organized.
type Engine interface {
	// ChannelStats aggregates completed viewing time per channel for
	// sessions starting in [from, to], ordered by total seconds descending.
	ChannelStats(ctx context.Context, from, to time.Time, limit int) ([]ChannelStat, error)

	// Summarize computes count, mean, and population standard deviation.
	Summarize(values []float64) Summary

	// Percentile returns the nearest-rank percentile of values, p in
	// [0, 100]. An empty sample yields 0.
	Percentile(values []float64, p float64) float64

	// ZScores maps each value to its distance from the sample mean in
	// standard deviations. A zero-variance sample yields all zeros.
	ZScores(values []float64) []float64

	// LinearTrend fits values against their indexes by least squares and
	// returns the slope and intercept.
	LinearTrend(values []float64) (slope, intercept float64)
}

var Module = fx.Module("stats",
	fx.Provide(NewEngine),
)

// NewEngine selects the engine implementation from configuration.
func NewEngine(cfg config.Config, db *gorm.DB, log *zap.Logger) Engine {
	switch strings.ToLower(strings.TrimSpace(cfg.StatsEngine)) {
	case "accelerated":
		return newAcceleratedEngine(db, log)
	default:
		return newBasicEngine(db, log)
	}
}

// percentileSorted reads the nearest-rank percentile from an already
// sorted sample.
func percentileSorted(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

// leastSquares fits values against indexes 0..n-1. Shared by both engines
// so they cannot disagree on the fit.
func leastSquares(values []float64) (slope, intercept float64) {
	n := float64(len(values))
	if n == 0 {
		return 0, 0
	}
	if n == 1 {
		return 0, values[0]
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}
