package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/praxhq/prax/internal/engine"
	"github.com/praxhq/prax/internal/store"
	"github.com/praxhq/prax/pkg/api"
)

type decideApprovalRequest struct {
	Approve   *bool  `json:"approve" binding:"required"`
	DecidedBy string `json:"decided_by"`
	Comment   string `json:"comment"`
}

func (s *Server) listApprovals(c *gin.Context) {
	ctx := c.Request.Context()

	if user := c.Query("assignee"); user != "" {
		pending, err := s.stores.Approvals.ListPendingFor(ctx, user)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"approvals": pending})
		return
	}

	limit, offset := pagination(c)
	approvals, err := s.stores.Approvals.List(ctx, store.ApprovalFilter{
		Status:      api.ApprovalStatus(c.Query("status")),
		ExecutionID: api.ExecutionID(c.Query("execution_id")),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": approvals})
}

func (s *Server) getApproval(c *gin.Context) {
	req, err := s.stores.Approvals.Get(
		c.Request.Context(), api.ApprovalID(c.Param("approvalID")),
	)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) decideApproval(c *gin.Context) {
	var body decideApprovalRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeValidationError(c, err.Error())
		return
	}

	req, err := s.engine.DecideApproval(
		c.Request.Context(), api.ApprovalID(c.Param("approvalID")),
		engine.Decision{
			Approve:   *body.Approve,
			DecidedBy: body.DecidedBy,
			Comment:   body.Comment,
		},
	)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}
