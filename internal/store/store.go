// Package store provides the persistence contracts for the engine's three
// aggregates: process definitions, process executions, and approval
// requests. Saves are atomic per aggregate; a crash never observes a
// half-written execution.
package store

import (
	"context"
	"errors"

	"github.com/praxhq/prax/pkg/api"
)

type (
	// DefinitionFilter narrows definition listings
	DefinitionFilter struct {
		Status api.DefinitionStatus
		Limit  int
		Offset int
	}

	// ExecutionFilter narrows execution listings
	ExecutionFilter struct {
		Status    api.ExecutionStatus
		ProcessID api.ProcessID
		Limit     int
		Offset    int
	}

	// ApprovalFilter narrows approval listings
	ApprovalFilter struct {
		Status      api.ApprovalStatus
		ExecutionID api.ExecutionID
		Limit       int
		Offset      int
	}

	// DefinitionStore persists process definitions. (name, version) pairs
	// are unique across definitions
	DefinitionStore interface {
		Save(ctx context.Context, def *api.ProcessDefinition) error
		GetByID(
			ctx context.Context, id api.ProcessID,
		) (*api.ProcessDefinition, error)

		// GetByName resolves a definition by name. An empty version
		// resolves to the latest published version
		GetByName(
			ctx context.Context, name api.Name, version string,
		) (*api.ProcessDefinition, error)

		List(
			ctx context.Context, filter DefinitionFilter,
		) ([]*api.ProcessDefinition, error)
		Count(ctx context.Context, status api.DefinitionStatus) (int, error)
		Delete(ctx context.Context, id api.ProcessID) error
	}

	// ExecutionStore persists execution aggregates whole
	ExecutionStore interface {
		Save(ctx context.Context, exec *api.ProcessExecution) error
		GetByID(
			ctx context.Context, id api.ExecutionID,
		) (*api.ProcessExecution, error)
		List(
			ctx context.Context, filter ExecutionFilter,
		) ([]*api.ProcessExecution, error)
		ListByParent(
			ctx context.Context, parent api.ExecutionID,
		) ([]*api.ProcessExecution, error)
	}

	// ApprovalStore persists approval requests. At most one non-terminal
	// request exists per (execution, step) pair
	ApprovalStore interface {
		Save(ctx context.Context, req *api.ApprovalRequest) error
		Get(
			ctx context.Context, id api.ApprovalID,
		) (*api.ApprovalRequest, error)
		GetByExecutionStep(
			ctx context.Context, exec api.ExecutionID, step api.StepID,
		) (*api.ApprovalRequest, error)
		ListPendingFor(
			ctx context.Context, user string,
		) ([]*api.ApprovalRequest, error)
		List(
			ctx context.Context, filter ApprovalFilter,
		) ([]*api.ApprovalRequest, error)
	}

	// Stores bundles the three aggregate stores for wiring
	Stores struct {
		Definitions DefinitionStore
		Executions  ExecutionStore
		Approvals   ApprovalStore
	}
)

var (
	ErrVersionExists  = errors.New("name and version already exist")
	ErrApprovalExists = errors.New(
		"pending approval already exists for execution step",
	)
)
