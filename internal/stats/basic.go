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

// basicEngine recomputes every figure with plain loops at call time. It
// is the default because it behaves identically on all dialects.
type basicEngine struct {
	db  *gorm.DB
	log *zap.Logger
}

func newBasicEngine(db *gorm.DB, log *zap.Logger) Engine {
	return &basicEngine{
		db:  db,
		log: log.Named("stats").With(zap.String("engine", "basic")),
	}
}

type basicRow struct {
	ChannelName     *string
	Status          sessiondomain.SessionStatus
	DurationSeconds *int64
}

func (e *basicEngine) ChannelStats(ctx context.Context, from, to time.Time, limit int) ([]ChannelStat, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []basicRow
	err := e.db.WithContext(ctx).
		Model(&sessiondomain.ViewingSession{}).
		Select("channel_name, status, duration_seconds").
		Where("channel_name IS NOT NULL").
		Where("start_timestamp >= ? AND start_timestamp <= ?", from, to).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	byChannel := make(map[string]*ChannelStat)
	durations := make(map[string][]float64)
	for _, row := range rows {
		if row.ChannelName == nil {
			continue
		}
		name := *row.ChannelName
		stat, ok := byChannel[name]
		if !ok {
			stat = &ChannelStat{ChannelName: name}
			byChannel[name] = stat
		}
		stat.Sessions++
		if row.Status == sessiondomain.SessionStatusCompleted && row.DurationSeconds != nil {
			stat.CompletedSessions++
			if *row.DurationSeconds > 0 {
				stat.TotalSeconds += *row.DurationSeconds
				durations[name] = append(durations[name], float64(*row.DurationSeconds))
			}
		}
	}

	stats := make([]ChannelStat, 0, len(byChannel))
	for name, stat := range byChannel {
		if stat.CompletedSessions > 0 {
			stat.AvgSeconds = float64(stat.TotalSeconds) / float64(stat.CompletedSessions)
		}
		sample := durations[name]
		stat.StddevSeconds = e.Summarize(sample).Stddev
		stat.P50Seconds = e.Percentile(sample, 50)
		stat.P95Seconds = e.Percentile(sample, 95)
		stats = append(stats, *stat)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].TotalSeconds != stats[j].TotalSeconds {
			return stats[i].TotalSeconds > stats[j].TotalSeconds
		}
		return stats[i].ChannelName < stats[j].ChannelName
	})
	if len(stats) > limit {
		stats = stats[:limit]
	}
	return stats, nil
}

func (e *basicEngine) Summarize(values []float64) Summary {
	n := len(values)
	if n == 0 {
		return Summary{}
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return Summary{
		Count:  int64(n),
		Mean:   mean,
		Stddev: math.Sqrt(ss / float64(n)),
	}
}

func (e *basicEngine) Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p)
}

func (e *basicEngine) ZScores(values []float64) []float64 {
	summary := e.Summarize(values)
	scores := make([]float64, len(values))
	if summary.Stddev == 0 {
		return scores
	}
	for i, v := range values {
		scores[i] = (v - summary.Mean) / summary.Stddev
	}
	return scores
}

func (e *basicEngine) LinearTrend(values []float64) (float64, float64) {
	return leastSquares(values)
}
