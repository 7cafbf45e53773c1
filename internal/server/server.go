package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"

	"github.com/praxhq/prax/internal/engine"
	"github.com/praxhq/prax/internal/store"
	"github.com/praxhq/prax/internal/trigger"
	"github.com/praxhq/prax/internal/util"
	"github.com/praxhq/prax/pkg/api"
)

// Server implements the HTTP API server for the orchestrator
type Server struct {
	engine    *engine.Engine
	stores    *store.Stores
	scheduler *trigger.Scheduler
	sockets   util.Set[*Client]
	mu        sync.Mutex
}

// NewServer creates a new HTTP API server
func NewServer(
	eng *engine.Engine, stores *store.Stores, sched *trigger.Scheduler,
) *Server {
	return &Server{
		engine:    eng,
		stores:    stores,
		scheduler: sched,
		sockets:   util.Set[*Client]{},
	}
}

// SetupRoutes configures and returns the HTTP router with all API endpoints
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(c *gin.Context, l *slog.Logger) *slog.Logger {
			return slog.Default()
		}),
	))

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set(
			"Access-Control-Allow-Methods",
			"GET, POST, PUT, DELETE, OPTIONS",
		)
		c.Writer.Header().Set(
			"Access-Control-Allow-Headers",
			"Content-Type, Authorization",
		)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	})

	router.GET("/health", s.handleHealth)

	// Webhook trigger endpoint
	router.POST("/webhook/:webhookID", s.handleWebhookTrigger)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/processes", s.listDefinitions)
		v1.POST("/processes", s.createDefinition)
		v1.GET("/processes/:processID", s.getDefinition)
		v1.PUT("/processes/:processID", s.updateDefinition)
		v1.DELETE("/processes/:processID", s.deleteDefinition)
		v1.POST("/processes/:processID/publish", s.publishDefinition)
		v1.POST("/processes/:processID/archive", s.archiveDefinition)
		v1.POST("/processes/:processID/versions", s.newDefinitionVersion)
		v1.POST("/processes/validate", s.validateDefinition)

		v1.GET("/executions", s.listExecutions)
		v1.POST("/executions", s.startExecution)
		v1.GET("/executions/:executionID", s.getExecution)
		v1.GET("/executions/:executionID/children", s.listChildren)
		v1.POST("/executions/:executionID/cancel", s.cancelExecution)
		v1.POST("/executions/:executionID/retry", s.retryExecution)

		v1.GET("/approvals", s.listApprovals)
		v1.GET("/approvals/:approvalID", s.getApproval)
		v1.POST("/approvals/:approvalID/decide", s.decideApproval)

		v1.GET("/ws", s.handleWebSocket)
	}

	return router
}

// writeError maps domain errors onto HTTP statuses
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := api.CodeInternal
	switch {
	case errors.Is(err, api.ErrNotFound):
		status = http.StatusNotFound
		code = api.CodeNotFound
	case errors.Is(err, api.ErrStateForbidden):
		status = http.StatusConflict
		code = api.CodeStateForbidden
	case errors.Is(err, store.ErrVersionExists):
		status = http.StatusConflict
		code = api.CodeStateForbidden
	}

	c.JSON(status, api.ErrorResponse{
		Error:  err.Error(),
		Code:   code,
		Status: status,
	})
}

func writeValidationError(c *gin.Context, msg string) {
	c.JSON(http.StatusUnprocessableEntity, api.ErrorResponse{
		Error:  msg,
		Code:   api.CodeValidation,
		Status: http.StatusUnprocessableEntity,
	})
}

func pagination(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Server) registerWebSocket(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets.Add(c)
}

func (s *Server) unregisterWebSocket(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets.Remove(c)
}

// CloseWebSockets closes all active WebSocket connections
func (s *Server) CloseWebSockets() {
	s.mu.Lock()
	conns := make([]*Client, 0, len(s.sockets))
	for c := range s.sockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
