package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/praxhq/prax/internal/engine"
	"github.com/praxhq/prax/internal/store"
	"github.com/praxhq/prax/pkg/api"
)

type (
	startExecutionRequest struct {
		ProcessName api.Name  `json:"process_name" binding:"required"`
		Version     string    `json:"version"`
		Input       api.Input `json:"input"`
	}

	cancelExecutionRequest struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
)

func (s *Server) listExecutions(c *gin.Context) {
	limit, offset := pagination(c)
	filter := store.ExecutionFilter{
		Status:    api.ExecutionStatus(c.Query("status")),
		ProcessID: api.ProcessID(c.Query("process_id")),
		Limit:     limit,
		Offset:    offset,
	}

	execs, err := s.stores.Executions.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

func (s *Server) startExecution(c *gin.Context) {
	var req startExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, err.Error())
		return
	}

	exec, err := s.engine.Start(c.Request.Context(), engine.StartRequest{
		ProcessName: req.ProcessName,
		Version:     req.Version,
		Input:       req.Input,
		TriggeredBy: api.TriggeredAPI,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}

func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.stores.Executions.GetByID(
		c.Request.Context(), api.ExecutionID(c.Param("executionID")),
	)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) listChildren(c *gin.Context) {
	children, err := s.stores.Executions.ListByParent(
		c.Request.Context(), api.ExecutionID(c.Param("executionID")),
	)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": children})
}

func (s *Server) cancelExecution(c *gin.Context) {
	var req cancelExecutionRequest
	_ = c.ShouldBindJSON(&req)

	exec, err := s.engine.Cancel(
		c.Request.Context(), api.ExecutionID(c.Param("executionID")),
		req.Actor, req.Reason,
	)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) retryExecution(c *gin.Context) {
	exec, err := s.engine.Retry(
		c.Request.Context(), api.ExecutionID(c.Param("executionID")),
	)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}
