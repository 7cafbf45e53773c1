package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/praxhq/prax/internal/engine"
	"github.com/praxhq/prax/internal/store"
	"github.com/praxhq/prax/pkg/api"
)

// handleWebhookTrigger starts an execution of the published definition
// whose webhook trigger matches the path id. The request body becomes the
// execution input
func (s *Server) handleWebhookTrigger(c *gin.Context) {
	ctx := c.Request.Context()
	webhookID := c.Param("webhookID")

	def, err := s.findWebhookDefinition(c, webhookID)
	if err != nil {
		writeError(c, err)
		return
	}

	var input api.Input
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			writeValidationError(c, err.Error())
			return
		}
	}

	exec, err := s.engine.Start(ctx, engine.StartRequest{
		ProcessName: def.Name,
		Version:     def.Version,
		Input:       input,
		TriggeredBy: api.TriggeredAPI,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"execution_id": exec.ID,
		"status":       exec.Status,
	})
}

func (s *Server) findWebhookDefinition(
	c *gin.Context, webhookID string,
) (*api.ProcessDefinition, error) {
	published, err := s.stores.Definitions.List(
		c.Request.Context(), store.DefinitionFilter{
			Status: api.DefinitionPublished,
		},
	)
	if err != nil {
		return nil, err
	}

	for _, def := range published {
		for _, t := range def.Triggers {
			if t.Type == api.TriggerWebhook && t.Webhook != nil &&
				t.Webhook.ID == webhookID {
				return def, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: webhook %s", api.ErrNotFound, webhookID)
}
