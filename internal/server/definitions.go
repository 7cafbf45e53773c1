package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/praxhq/prax/internal/store"
	"github.com/praxhq/prax/internal/validate"
	"github.com/praxhq/prax/pkg/api"
	"github.com/praxhq/prax/pkg/log"
)

// definitionBody reads the request body as a YAML process definition.
// JSON is a subset of YAML, so both content types decode the same way
func definitionBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty request body")
	}
	return body, nil
}

func (s *Server) listDefinitions(c *gin.Context) {
	limit, offset := pagination(c)
	filter := store.DefinitionFilter{
		Status: api.DefinitionStatus(c.Query("status")),
		Limit:  limit,
		Offset: offset,
	}

	defs, err := s.stores.Definitions.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"processes": defs})
}

func (s *Server) createDefinition(c *gin.Context) {
	body, err := definitionBody(c)
	if err != nil {
		writeValidationError(c, err.Error())
		return
	}

	res := validate.ParseYAML(body, time.Now().UTC())
	if !res.OK() {
		c.JSON(http.StatusUnprocessableEntity, res)
		return
	}
	s.checkReferences(c.Request.Context(), res)

	def := res.Definition
	def.Status = api.DefinitionDraft
	if err := s.stores.Definitions.Save(c.Request.Context(), def); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"process":  def,
		"warnings": res.Warnings,
	})
}

// checkReferences appends runtime advisories to a validation result:
// unknown agents and missing or unpublished sub-processes
func (s *Server) checkReferences(ctx context.Context, res *validate.Result) {
	if res.Definition == nil {
		return
	}
	refs := validate.References{
		Definition: s.stores.Definitions.GetByName,
		KnownAgent: s.engine.KnownAgent,
	}
	refs.Check(ctx, res.Definition, res)
}

func (s *Server) getDefinition(c *gin.Context) {
	def, err := s.stores.Definitions.GetByID(
		c.Request.Context(), api.ProcessID(c.Param("processID")),
	)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

// updateDefinition replaces the content of a draft. Published and archived
// definitions are immutable
func (s *Server) updateDefinition(c *gin.Context) {
	ctx := c.Request.Context()
	id := api.ProcessID(c.Param("processID"))

	existing, err := s.stores.Definitions.GetByID(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if existing.Status != api.DefinitionDraft {
		writeError(c, fmt.Errorf("%w: definition is %s",
			api.ErrStateForbidden, existing.Status))
		return
	}

	body, err := definitionBody(c)
	if err != nil {
		writeValidationError(c, err.Error())
		return
	}
	res := validate.ParseYAML(body, time.Now().UTC())
	if !res.OK() {
		c.JSON(http.StatusUnprocessableEntity, res)
		return
	}
	s.checkReferences(ctx, res)

	def := res.Definition
	def.ID = existing.ID
	def.Status = api.DefinitionDraft
	def.CreatedAt = existing.CreatedAt
	def.CreatedBy = existing.CreatedBy
	if err := s.stores.Definitions.Save(ctx, def); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"process":  def,
		"warnings": res.Warnings,
	})
}

func (s *Server) deleteDefinition(c *gin.Context) {
	ctx := c.Request.Context()
	id := api.ProcessID(c.Param("processID"))

	def, err := s.stores.Definitions.GetByID(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if def.Status == api.DefinitionPublished {
		writeError(c, fmt.Errorf(
			"%w: published definitions must be archived first",
			api.ErrStateForbidden))
		return
	}

	if err := s.stores.Definitions.Delete(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) publishDefinition(c *gin.Context) {
	ctx := c.Request.Context()

	def, err := s.stores.Definitions.GetByID(
		ctx, api.ProcessID(c.Param("processID")),
	)
	if err != nil {
		writeError(c, err)
		return
	}

	res := validate.Definition(def)
	if !res.OK() {
		c.JSON(http.StatusUnprocessableEntity, res)
		return
	}
	s.checkReferences(ctx, res)
	for _, w := range res.Warnings {
		slog.Warn("publishing definition with advisories",
			slog.String("process", string(def.Name)),
			slog.String("path", w.Path),
			slog.String("finding", w.Message),
		)
	}
	if err := def.Publish(time.Now().UTC()); err != nil {
		writeError(c, fmt.Errorf("%w: %s", api.ErrStateForbidden, err))
		return
	}
	if err := s.stores.Definitions.Save(ctx, def); err != nil {
		writeError(c, err)
		return
	}

	s.reloadTriggers(c)
	c.JSON(http.StatusOK, def)
}

func (s *Server) archiveDefinition(c *gin.Context) {
	ctx := c.Request.Context()

	def, err := s.stores.Definitions.GetByID(
		ctx, api.ProcessID(c.Param("processID")),
	)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := def.Archive(time.Now().UTC()); err != nil {
		writeError(c, fmt.Errorf("%w: %s", api.ErrStateForbidden, err))
		return
	}
	if err := s.stores.Definitions.Save(ctx, def); err != nil {
		writeError(c, err)
		return
	}

	s.reloadTriggers(c)
	c.JSON(http.StatusOK, def)
}

func (s *Server) newDefinitionVersion(c *gin.Context) {
	ctx := c.Request.Context()

	def, err := s.stores.Definitions.GetByID(
		ctx, api.ProcessID(c.Param("processID")),
	)
	if err != nil {
		writeError(c, err)
		return
	}

	next, err := def.NewVersion(time.Now().UTC())
	if err != nil {
		writeValidationError(c, err.Error())
		return
	}
	if err := s.stores.Definitions.Save(ctx, next); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, next)
}

func (s *Server) validateDefinition(c *gin.Context) {
	body, err := definitionBody(c)
	if err != nil {
		writeValidationError(c, err.Error())
		return
	}

	res := validate.ParseYAML(body, time.Now().UTC())
	s.checkReferences(c.Request.Context(), res)
	status := http.StatusOK
	if !res.OK() {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{
		"valid":    res.OK(),
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
}

func (s *Server) reloadTriggers(c *gin.Context) {
	if s.scheduler == nil {
		return
	}
	// Trigger reload failures do not fail the definition operation
	if err := s.scheduler.Reload(c.Request.Context()); err != nil {
		slog.Warn("failed to reload schedule triggers", log.Error(err))
	}
}
