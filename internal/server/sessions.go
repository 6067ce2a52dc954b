package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	sessiondomain "github.com/ottworks/telemetria/internal/session/domain"
)

func (s *Server) ListSessions(c *gin.Context) {
	var req sessiondomain.ListSessionsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	req.SubscriberCode = strings.TrimSpace(req.SubscriberCode)
	req.ChannelName = strings.TrimSpace(req.ChannelName)
	req.Status = strings.ToUpper(strings.TrimSpace(req.Status))
	req.PageToken = strings.TrimSpace(req.PageToken)

	resp, err := s.sessionSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
