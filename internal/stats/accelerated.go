package stats

import (
	"context"
	"math"
	"sort"
	"time"

	sessiondomain "github.com/ottworks/telemetria/internal/session/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// acceleratedEngine pushes the grouping into SQL and computes the numeric
// figures with single-pass routines. Percentiles ride on the database
// sort: durations arrive ordered per channel, so no in-process sort runs
// during report generation.
type acceleratedEngine struct {
	db  *gorm.DB
	log *zap.Logger
}

func newAcceleratedEngine(db *gorm.DB, log *zap.Logger) Engine {
	return &acceleratedEngine{
		db:  db,
		log: log.Named("stats").With(zap.String("engine", "accelerated")),
	}
}

func (e *acceleratedEngine) ChannelStats(ctx context.Context, from, to time.Time, limit int) ([]ChannelStat, error) {
	if limit <= 0 {
		limit = 50
	}

	var stats []ChannelStat
	err := e.db.WithContext(ctx).Raw(
		`SELECT channel_name,
		        COUNT(*) AS sessions,
		        COUNT(CASE WHEN status = ? AND duration_seconds IS NOT NULL THEN 1 END) AS completed_sessions,
		        COALESCE(SUM(CASE WHEN status = ? AND duration_seconds > 0 THEN duration_seconds ELSE 0 END), 0) AS total_seconds
		 FROM viewing_sessions
		 WHERE channel_name IS NOT NULL
		   AND start_timestamp >= ? AND start_timestamp <= ?
		 GROUP BY channel_name
		 ORDER BY total_seconds DESC, channel_name ASC
		 LIMIT ?`,
		sessiondomain.SessionStatusCompleted,
		sessiondomain.SessionStatusCompleted,
		from,
		to,
		limit,
	).Scan(&stats).Error
	if err != nil {
		return nil, err
	}
	if len(stats) == 0 {
		return stats, nil
	}

	durations, err := e.sortedDurations(ctx, from, to)
	if err != nil {
		return nil, err
	}

	for i := range stats {
		if stats[i].CompletedSessions > 0 {
			stats[i].AvgSeconds = float64(stats[i].TotalSeconds) / float64(stats[i].CompletedSessions)
		}
		sample := durations[stats[i].ChannelName]
		stats[i].StddevSeconds = welford(sample).Stddev
		stats[i].P50Seconds = percentileSorted(sample, 50)
		stats[i].P95Seconds = percentileSorted(sample, 95)
	}
	return stats, nil
}

// sortedDurations loads positive completed durations per channel, already
// ordered by the database.
func (e *acceleratedEngine) sortedDurations(ctx context.Context, from, to time.Time) (map[string][]float64, error) {
	var rows []struct {
		ChannelName     string
		DurationSeconds int64
	}
	err := e.db.WithContext(ctx).Raw(
		`SELECT channel_name, duration_seconds
		 FROM viewing_sessions
		 WHERE channel_name IS NOT NULL
		   AND status = ?
		   AND duration_seconds > 0
		   AND start_timestamp >= ? AND start_timestamp <= ?
		 ORDER BY channel_name ASC, duration_seconds ASC`,
		sessiondomain.SessionStatusCompleted,
		from,
		to,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	durations := make(map[string][]float64)
	for _, row := range rows {
		durations[row.ChannelName] = append(durations[row.ChannelName], float64(row.DurationSeconds))
	}
	return durations, nil
}

// welford computes count, mean, and population standard deviation in one
// pass.
func welford(values []float64) Summary {
	var (
		count int64
		mean  float64
		m2    float64
	)
	for _, v := range values {
		count++
		delta := v - mean
		mean += delta / float64(count)
		m2 += delta * (v - mean)
	}
	if count == 0 {
		return Summary{}
	}
	return Summary{
		Count:  count,
		Mean:   mean,
		Stddev: math.Sqrt(m2 / float64(count)),
	}
}

func (e *acceleratedEngine) Summarize(values []float64) Summary {
	return welford(values)
}

func (e *acceleratedEngine) Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p)
}

func (e *acceleratedEngine) ZScores(values []float64) []float64 {
	summary := welford(values)
	scores := make([]float64, len(values))
	if summary.Stddev == 0 {
		return scores
	}
	for i, v := range values {
		scores[i] = (v - summary.Mean) / summary.Stddev
	}
	return scores
}

func (e *acceleratedEngine) LinearTrend(values []float64) (float64, float64) {
	return leastSquares(values)
}
