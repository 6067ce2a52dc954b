package stats

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	sessiondomain "github.com/ottworks/telemetria/internal/session/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var sessionIDNode, _ = snowflake.NewNode(1)

func newStatsTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&sessiondomain.ViewingSession{}))
	return db
}

func insertSession(t *testing.T, db *gorm.DB, channel string, status sessiondomain.SessionStatus, start time.Time, duration int64) {
	t.Helper()
	session := sessiondomain.ViewingSession{
		ID:             sessionIDNode.Generate(),
		DeviceID:       "stb-1",
		StartTimestamp: &start,
		Status:         status,
	}
	if channel != "" {
		session.ChannelName = &channel
	}
	startRecordID := session.ID.Int64()
	session.StartRecordID = &startRecordID
	if status == sessiondomain.SessionStatusCompleted {
		session.DurationSeconds = &duration
		stop := start.Add(time.Duration(duration) * time.Second)
		session.StopTimestamp = &stop
	}
	require.NoError(t, db.Create(&session).Error)
}

func seedChannelSessions(t *testing.T, db *gorm.DB, base time.Time) {
	insertSession(t, db, "Canal Uno", sessiondomain.SessionStatusCompleted, base, 600)
	insertSession(t, db, "Canal Uno", sessiondomain.SessionStatusCompleted, base.Add(time.Hour), 300)
	insertSession(t, db, "Canal Uno", sessiondomain.SessionStatusOpen, base.Add(2*time.Hour), 0)
	insertSession(t, db, "Canal Dos", sessiondomain.SessionStatusCompleted, base, 1200)
	insertSession(t, db, "Canal Dos", sessiondomain.SessionStatusUnmatched, base, 0)
	insertSession(t, db, "Canal Tres", sessiondomain.SessionStatusOrphan, base, 0)
	// Outside the report window.
	insertSession(t, db, "Canal Uno", sessiondomain.SessionStatusCompleted, base.Add(-48*time.Hour), 900)
	// No channel, never reported.
	insertSession(t, db, "", sessiondomain.SessionStatusCompleted, base, 500)
}

func assertChannelStats(t *testing.T, stats []ChannelStat) {
	t.Helper()
	require.Len(t, stats, 3)

	require.Equal(t, "Canal Dos", stats[0].ChannelName)
	require.Equal(t, int64(2), stats[0].Sessions)
	require.Equal(t, int64(1), stats[0].CompletedSessions)
	require.Equal(t, int64(1200), stats[0].TotalSeconds)
	require.Equal(t, float64(1200), stats[0].AvgSeconds)
	require.Equal(t, float64(0), stats[0].StddevSeconds)
	require.Equal(t, float64(1200), stats[0].P50Seconds)
	require.Equal(t, float64(1200), stats[0].P95Seconds)

	require.Equal(t, "Canal Uno", stats[1].ChannelName)
	require.Equal(t, int64(3), stats[1].Sessions)
	require.Equal(t, int64(2), stats[1].CompletedSessions)
	require.Equal(t, int64(900), stats[1].TotalSeconds)
	require.Equal(t, float64(450), stats[1].AvgSeconds)
	require.Equal(t, float64(150), stats[1].StddevSeconds)
	require.Equal(t, float64(300), stats[1].P50Seconds)
	require.Equal(t, float64(600), stats[1].P95Seconds)

	require.Equal(t, "Canal Tres", stats[2].ChannelName)
	require.Equal(t, int64(1), stats[2].Sessions)
	require.Equal(t, int64(0), stats[2].CompletedSessions)
	require.Equal(t, int64(0), stats[2].TotalSeconds)
	require.Equal(t, float64(0), stats[2].P95Seconds)
}

func bothEngines(db *gorm.DB) map[string]Engine {
	return map[string]Engine{
		"basic":       newBasicEngine(db, zap.NewNop()),
		"accelerated": newAcceleratedEngine(db, zap.NewNop()),
	}
}

func TestSummarize(t *testing.T) {
	db := newStatsTestDB(t)
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	for name, engine := range bothEngines(db) {
		t.Run(name, func(t *testing.T) {
			summary := engine.Summarize(values)
			require.Equal(t, int64(8), summary.Count)
			require.InDelta(t, 5, summary.Mean, 1e-9)
			require.InDelta(t, 2, summary.Stddev, 1e-9)

			require.Equal(t, Summary{}, engine.Summarize(nil))
		})
	}
}

func TestPercentileNearestRank(t *testing.T) {
	db := newStatsTestDB(t)
	values := []float64{35, 15, 50, 20, 40}
	for name, engine := range bothEngines(db) {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, float64(20), engine.Percentile(values, 30))
			require.Equal(t, float64(35), engine.Percentile(values, 50))
			require.Equal(t, float64(50), engine.Percentile(values, 95))
			require.Equal(t, float64(15), engine.Percentile(values, 0))
			require.Equal(t, float64(50), engine.Percentile(values, 100))
			require.Equal(t, float64(0), engine.Percentile(nil, 50))
		})
	}
}

func TestZScores(t *testing.T) {
	db := newStatsTestDB(t)
	for name, engine := range bothEngines(db) {
		t.Run(name, func(t *testing.T) {
			scores := engine.ZScores([]float64{1, 2, 3})
			require.Len(t, scores, 3)
			require.InDelta(t, 0, scores[1], 1e-9)
			require.InDelta(t, -scores[2], scores[0], 1e-9)

			// Zero variance yields zeros, not NaN.
			require.Equal(t, []float64{0, 0, 0}, engine.ZScores([]float64{4, 4, 4}))
		})
	}
}

func TestLinearTrend(t *testing.T) {
	db := newStatsTestDB(t)
	for name, engine := range bothEngines(db) {
		t.Run(name, func(t *testing.T) {
			slope, intercept := engine.LinearTrend([]float64{1, 3, 5, 7})
			require.InDelta(t, 2, slope, 1e-9)
			require.InDelta(t, 1, intercept, 1e-9)

			slope, intercept = engine.LinearTrend([]float64{42})
			require.Equal(t, float64(0), slope)
			require.Equal(t, float64(42), intercept)
		})
	}
}

func TestBasicEngineChannelStats(t *testing.T) {
	db := newStatsTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedChannelSessions(t, db, base)

	engine := newBasicEngine(db, zap.NewNop())
	stats, err := engine.ChannelStats(context.Background(), base.Add(-time.Hour), base.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assertChannelStats(t, stats)
}

func TestAcceleratedEngineChannelStats(t *testing.T) {
	db := newStatsTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedChannelSessions(t, db, base)

	engine := newAcceleratedEngine(db, zap.NewNop())
	stats, err := engine.ChannelStats(context.Background(), base.Add(-time.Hour), base.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assertChannelStats(t, stats)
}

func TestEnginesAgree(t *testing.T) {
	db := newStatsTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedChannelSessions(t, db, base)

	from, to := base.Add(-time.Hour), base.Add(24*time.Hour)
	basic, err := newBasicEngine(db, zap.NewNop()).ChannelStats(context.Background(), from, to, 10)
	require.NoError(t, err)
	accelerated, err := newAcceleratedEngine(db, zap.NewNop()).ChannelStats(context.Background(), from, to, 10)
	require.NoError(t, err)
	require.Equal(t, basic, accelerated)
}

func TestChannelStatsHonorsLimit(t *testing.T) {
	db := newStatsTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedChannelSessions(t, db, base)

	engine := newBasicEngine(db, zap.NewNop())
	stats, err := engine.ChannelStats(context.Background(), base.Add(-time.Hour), base.Add(24*time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, "Canal Dos", stats[0].ChannelName)
}
