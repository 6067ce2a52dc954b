package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	sessiondomain "github.com/ottworks/telemetria/internal/session/domain"
	"github.com/ottworks/telemetria/pkg/db/pagination"
	"go.uber.org/zap"
)

var validStatuses = map[string]bool{
	string(sessiondomain.SessionStatusOpen):      true,
	string(sessiondomain.SessionStatusCompleted): true,
	string(sessiondomain.SessionStatusUnmatched): true,
	string(sessiondomain.SessionStatusOrphan):    true,
}

// Service serves read-only queries over the merged session store.
type Service struct {
	repo sessiondomain.Repository
	log  *zap.Logger
}

// NewService builds the session read service.
func NewService(repo sessiondomain.Repository, log *zap.Logger) sessiondomain.Service {
	return &Service{
		repo: repo,
		log:  log.Named("session"),
	}
}

func (s *Service) List(ctx context.Context, req sessiondomain.ListSessionsRequest) (sessiondomain.ListSessionsResponse, error) {
	if req.PageSize <= 0 {
		req.PageSize = 50
	}
	if req.PageSize > 250 {
		return sessiondomain.ListSessionsResponse{}, sessiondomain.ErrInvalidPageSize
	}
	if status := strings.ToUpper(strings.TrimSpace(req.Status)); status != "" && !validStatuses[status] {
		return sessiondomain.ListSessionsResponse{}, sessiondomain.ErrInvalidStatus
	}
	if req.From != nil && req.To != nil && req.To.Before(*req.From) {
		return sessiondomain.ListSessionsResponse{}, sessiondomain.ErrInvalidTimeRange
	}

	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err == nil && cursor.ID != "" {
			if id, parseErr := snowflake.ParseString(cursor.ID); parseErr == nil {
				req.BeforeID = &id
			}
		}
	}

	sessions, err := s.repo.List(ctx, req)
	if err != nil {
		return sessiondomain.ListSessionsResponse{}, err
	}

	resp := sessiondomain.ListSessionsResponse{Sessions: sessions}
	if len(sessions) > int(req.PageSize) {
		resp.Sessions = sessions[:req.PageSize]
		resp.HasMore = true
		last := resp.Sessions[len(resp.Sessions)-1]
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: last.ID.String()})
		if err == nil {
			resp.NextPageToken = token
		}
	}
	return resp, nil
}
