package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	prax "github.com/praxhq/prax"
	"github.com/praxhq/prax/pkg/api"
)

// handleHealth reports liveness plus basic definition counts
func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()

	published, err := s.stores.Definitions.Count(
		ctx, api.DefinitionPublished,
	)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":              "healthy",
		"service":             prax.Name,
		"version":             prax.Version,
		"published_processes": published,
	})
}
