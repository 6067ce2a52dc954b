package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	defaultReportLimit = 25
	maxReportLimit     = 100
	defaultReportSpan  = 30 * 24 * time.Hour
)

func (s *Server) GetChannelReport(c *gin.Context) {
	var query struct {
		From  string `form:"from"`
		To    string `form:"to"`
		Limit int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	from, err := parseOptionalTime(query.From, false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid value"))
		return
	}
	to, err := parseOptionalTime(query.To, true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid value"))
		return
	}

	end := time.Now().UTC()
	if to != nil {
		end = *to
	}
	start := end.Add(-defaultReportSpan)
	if from != nil {
		start = *from
	}
	if end.Before(start) {
		AbortWithError(c, newValidationError("from", "invalid_time_range", "invalid value"))
		return
	}

	limit := query.Limit
	if limit <= 0 {
		limit = defaultReportLimit
	}
	if limit > maxReportLimit {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid value"))
		return
	}

	rows, err := s.statsEngine.ChannelStats(c.Request.Context(), start, end, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"from":     start,
		"to":       end,
		"channels": rows,
	}})
}
