package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/praxhq/prax/internal/store"
	"github.com/praxhq/prax/pkg/api"
	"github.com/praxhq/prax/pkg/log"
)

// Decision is an approve or reject verdict on a pending approval request
type Decision struct {
	Approve   bool   `json:"approve"`
	DecidedBy string `json:"decided_by,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

// DecideApproval records a decision and resumes the paused execution. A
// decision past the deadline expires the request instead
func (e *Engine) DecideApproval(
	ctx context.Context, id api.ApprovalID, decision Decision,
) (*api.ApprovalRequest, error) {
	req, err := e.stores.Approvals.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: approval is %s",
			api.ErrStateForbidden, req.Status)
	}
	if decision.DecidedBy != "" && !req.AssignedTo(decision.DecidedBy) {
		return nil, fmt.Errorf("%w: %s is not an assignee",
			api.ErrStateForbidden, decision.DecidedBy)
	}

	now := time.Now().UTC()
	if req.Expired(now) {
		if err := e.expireApproval(ctx, req, now); err != nil {
			return nil, err
		}
		return req, nil
	}

	req.Status = api.ApprovalApproved
	if !decision.Approve {
		req.Status = api.ApprovalRejected
	}
	req.DecidedAt = now
	req.DecidedBy = decision.DecidedBy
	req.DecisionComment = decision.Comment
	if err := e.stores.Approvals.Save(ctx, req); err != nil {
		return nil, err
	}

	e.logger.Info("approval decided",
		log.ApprovalID(req.ID),
		log.ExecutionID(req.ExecutionID),
		log.Status(req.Status),
	)
	e.bus.Publish(&api.ApprovalDecidedEvent{
		EventBase:  api.NewEventBase(req.ExecutionID, now),
		ApprovalID: req.ID,
		StepID:     req.StepID,
		Status:     req.Status,
		DecidedBy:  decision.DecidedBy,
		Comment:    decision.Comment,
	})

	e.resumeFromApproval(ctx, req, decision)
	return req, nil
}

// resumeFromApproval settles the waiting step and re-enters the scheduler
func (e *Engine) resumeFromApproval(
	ctx context.Context, req *api.ApprovalRequest, decision Decision,
) {
	lock := e.lockFor(req.ExecutionID)
	lock.Lock()

	exec, def, err := e.loadPair(ctx, req.ExecutionID)
	if err != nil {
		lock.Unlock()
		return
	}
	se, ok := exec.Steps[req.StepID]
	if !ok || se.Status != api.StepStatusWaitingApproval {
		lock.Unlock()
		return
	}
	step, ok := def.Step(req.StepID)
	if !ok {
		lock.Unlock()
		return
	}

	now := time.Now().UTC()
	if exec.Status == api.ExecutionPaused {
		if err := transitionExecution(exec, api.ExecutionRunning); err != nil {
			lock.Unlock()
			return
		}
	}

	if req.Status == api.ApprovalApproved {
		if err := transitionStep(se, api.StepStatusCompleted); err != nil {
			lock.Unlock()
			return
		}
		se.CompletedAt = now
		se.Output = api.Output{
			"approval_id": string(req.ID),
			"decision":    "approved",
			"decided_by":  req.DecidedBy,
			"comment":     req.DecisionComment,
		}
		if err := e.stores.Executions.Save(ctx, exec); err != nil {
			lock.Unlock()
			return
		}
		e.bus.Publish(&api.StepCompletedEvent{
			EventBase: api.NewEventBase(exec.ID, now),
			StepID:    req.StepID,
			Output:    se.Output,
			Attempts:  se.Attempts,
			Duration:  now.Sub(se.StartedAt).Milliseconds(),
		})
		e.notifyInformed(exec.ID, step, "completed")
		lock.Unlock()
		e.schedule(exec.ID)
		return
	}

	// Rejection and expiry are permanent failures routed through the
	// step's error policy
	code := api.CodeApprovalRejected
	msg := "approval rejected"
	if req.Status == api.ApprovalExpired {
		code = api.CodeApprovalTimeout
		msg = "approval timed out"
	}
	if req.DecisionComment != "" {
		msg = fmt.Sprintf("%s: %s", msg, req.DecisionComment)
	}
	if err := e.stores.Executions.Save(ctx, exec); err != nil {
		lock.Unlock()
		return
	}
	e.applyFailed(ctx, exec.ID, def, step, api.Fail(msg, code))
	lock.Unlock()

	e.schedule(exec.ID)
}

// expireApproval marks an overdue request expired and fails its step
func (e *Engine) expireApproval(
	ctx context.Context, req *api.ApprovalRequest, now time.Time,
) error {
	req.Status = api.ApprovalExpired
	req.DecidedAt = now
	if err := e.stores.Approvals.Save(ctx, req); err != nil {
		return err
	}

	e.logger.Info("approval expired",
		log.ApprovalID(req.ID),
		log.ExecutionID(req.ExecutionID),
	)
	e.bus.Publish(&api.ApprovalDecidedEvent{
		EventBase:  api.NewEventBase(req.ExecutionID, now),
		ApprovalID: req.ID,
		StepID:     req.StepID,
		Status:     api.ApprovalExpired,
	})

	e.resumeFromApproval(ctx, req, Decision{})
	return nil
}

// sweepApprovals expires every pending request past its deadline
func (e *Engine) sweepApprovals(ctx context.Context, now time.Time) {
	pending, err := e.stores.Approvals.List(ctx, store.ApprovalFilter{
		Status: api.ApprovalPending,
	})
	if err != nil {
		e.logger.Error("approval sweep failed", log.Error(err))
		return
	}

	for _, req := range pending {
		if !req.Expired(now) {
			continue
		}
		if err := e.expireApproval(ctx, req, now.UTC()); err != nil {
			e.logger.Warn("failed to expire approval",
				log.ApprovalID(req.ID), log.Error(err))
		}
	}
}
