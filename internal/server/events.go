package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	telemetrydomain "github.com/ottworks/telemetria/internal/telemetry/domain"
)

func (s *Server) ListEvents(c *gin.Context) {
	var req telemetrydomain.ListEventsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	req.SubscriberCode = strings.TrimSpace(req.SubscriberCode)
	req.ChannelName = strings.TrimSpace(req.ChannelName)
	req.PageToken = strings.TrimSpace(req.PageToken)

	resp, err := s.telemetrySvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
