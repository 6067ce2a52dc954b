package service

import (
	"context"
	"strconv"

	telemetrydomain "github.com/ottworks/telemetria/internal/telemetry/domain"
	"github.com/ottworks/telemetria/pkg/db/pagination"
	"go.uber.org/zap"
)

// Service serves read-only queries over the raw event store.
type Service struct {
	repo telemetrydomain.Repository
	log  *zap.Logger
}

// NewService builds the telemetry read service.
func NewService(repo telemetrydomain.Repository, log *zap.Logger) telemetrydomain.Service {
	return &Service{
		repo: repo,
		log:  log.Named("telemetry"),
	}
}

func (s *Service) List(ctx context.Context, req telemetrydomain.ListEventsRequest) (telemetrydomain.ListEventsResponse, error) {
	if req.PageSize <= 0 {
		req.PageSize = 50
	}
	if req.PageSize > 250 {
		return telemetrydomain.ListEventsResponse{}, telemetrydomain.ErrInvalidPageSize
	}
	if req.From != nil && req.To != nil && req.To.Before(*req.From) {
		return telemetrydomain.ListEventsResponse{}, telemetrydomain.ErrInvalidTimeRange
	}

	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err == nil && cursor.ID != "" {
			if recordID, parseErr := strconv.ParseInt(cursor.ID, 10, 64); parseErr == nil {
				req.BeforeRecordID = &recordID
			}
		}
	}

	events, err := s.repo.List(ctx, req)
	if err != nil {
		return telemetrydomain.ListEventsResponse{}, err
	}

	resp := telemetrydomain.ListEventsResponse{Events: events}
	if len(events) > int(req.PageSize) {
		resp.Events = events[:req.PageSize]
		resp.HasMore = true
		last := resp.Events[len(resp.Events)-1]
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID: strconv.FormatInt(last.RecordID, 10),
		})
		if err == nil {
			resp.NextPageToken = token
		}
	}
	return resp, nil
}
