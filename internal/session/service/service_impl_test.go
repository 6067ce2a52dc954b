package service

import (
	"context"
	"testing"
	"time"

	sessiondomain "github.com/ottworks/telemetria/internal/session/domain"
	sessionrepo "github.com/ottworks/telemetria/internal/session/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newSessionService(t *testing.T) (sessiondomain.Service, *gorm.DB) {
	t.Helper()
	db := newMergerTestDB(t)
	return NewService(sessionrepo.Provide(db), zap.NewNop()), db
}

func seedSessions(t *testing.T, db *gorm.DB, count int) {
	t.Helper()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	channel := "Canal Uno"
	for i := 0; i < count; i++ {
		start := base.Add(time.Duration(i) * time.Hour)
		startRecordID := int64(i + 1)
		duration := int64(600)
		require.NoError(t, db.Create(&sessiondomain.ViewingSession{
			ID:              eventIDNode.Generate(),
			DeviceID:        "stb-1",
			ChannelName:     &channel,
			StartRecordID:   &startRecordID,
			StartTimestamp:  &start,
			DurationSeconds: &duration,
			Status:          sessiondomain.SessionStatusCompleted,
		}).Error)
	}
}

func TestSessionListRejectsOversizedPage(t *testing.T) {
	svc, _ := newSessionService(t)

	_, err := svc.List(context.Background(), sessiondomain.ListSessionsRequest{PageSize: 251})
	require.ErrorIs(t, err, sessiondomain.ErrInvalidPageSize)
}

func TestSessionListRejectsUnknownStatus(t *testing.T) {
	svc, _ := newSessionService(t)

	_, err := svc.List(context.Background(), sessiondomain.ListSessionsRequest{Status: "PAUSED"})
	require.ErrorIs(t, err, sessiondomain.ErrInvalidStatus)
}

func TestSessionListAcceptsLowercaseStatus(t *testing.T) {
	svc, db := newSessionService(t)
	seedSessions(t, db, 1)

	resp, err := svc.List(context.Background(), sessiondomain.ListSessionsRequest{Status: "completed"})
	require.NoError(t, err)
	require.Len(t, resp.Sessions, 1)
}

func TestSessionListRejectsInvertedTimeRange(t *testing.T) {
	svc, _ := newSessionService(t)
	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)

	_, err := svc.List(context.Background(), sessiondomain.ListSessionsRequest{From: &from, To: &to})
	require.ErrorIs(t, err, sessiondomain.ErrInvalidTimeRange)
}

func TestSessionListPaginates(t *testing.T) {
	svc, db := newSessionService(t)
	seedSessions(t, db, 3)

	page, err := svc.List(context.Background(), sessiondomain.ListSessionsRequest{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Sessions, 2)
	require.True(t, page.HasMore)
	require.NotEmpty(t, page.NextPageToken)

	next, err := svc.List(context.Background(), sessiondomain.ListSessionsRequest{
		PageSize:  2,
		PageToken: page.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, next.Sessions, 1)
	require.False(t, next.HasMore)

	// Newest first, no overlap between pages.
	require.Greater(t, int64(page.Sessions[0].ID), int64(page.Sessions[1].ID))
	require.Greater(t, int64(page.Sessions[1].ID), int64(next.Sessions[0].ID))
}

func TestSessionListFiltersByStatus(t *testing.T) {
	svc, db := newSessionService(t)
	seedSessions(t, db, 2)
	start := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	startRecordID := int64(99)
	require.NoError(t, db.Create(&sessiondomain.ViewingSession{
		ID:             eventIDNode.Generate(),
		DeviceID:       "stb-2",
		StartRecordID:  &startRecordID,
		StartTimestamp: &start,
		Status:         sessiondomain.SessionStatusOpen,
	}).Error)

	resp, err := svc.List(context.Background(), sessiondomain.ListSessionsRequest{Status: "OPEN"})
	require.NoError(t, err)
	require.Len(t, resp.Sessions, 1)
	require.Equal(t, "stb-2", resp.Sessions[0].DeviceID)
}
