package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// TriggerPipelineRun starts one ingest-then-merge chain and waits for it.
// A chain already in flight maps to a conflict.
func (s *Server) TriggerPipelineRun(c *gin.Context) {
	run, err := s.scheduler.TriggerChain(c.Request.Context())
	if err != nil {
		if run != nil {
			// The run record carries the failure detail.
			c.JSON(http.StatusBadGateway, gin.H{"data": run})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": run})
}

// GetPipelineStatus reports both watermarks, the open-session count and
// the latest run. A fresh deployment answers with last_run null so the
// endpoint is pollable before the first chain ever runs.
func (s *Server) GetPipelineStatus(c *gin.Context) {
	status, err := s.scheduler.Status(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}
