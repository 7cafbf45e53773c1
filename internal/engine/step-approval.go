package engine

import (
	"context"
	"errors"
	"time"

	"github.com/praxhq/prax/internal/store"
	"github.com/praxhq/prax/pkg/api"
)

// execHumanApproval creates (or re-attaches to) the pending approval for
// this step and parks the execution until a decision arrives
func (e *Engine) execHumanApproval(
	ctx context.Context, sc *stepContext,
) api.StepResult {
	cfg := sc.step.HumanApproval
	if cfg == nil {
		cfg = &api.HumanApprovalConfig{}
	}

	existing, err := e.stores.Approvals.GetByExecutionStep(
		ctx, sc.exec.ID, sc.step.ID,
	)
	if err == nil && existing.Status == api.ApprovalPending {
		return api.Wait(api.Output{"approval_id": string(existing.ID)})
	}

	title, err := e.templates.RenderString(cfg.Title, sc.scope)
	if err != nil {
		return api.Fail(err.Error(), api.CodeValidation)
	}
	description, err := e.templates.RenderString(cfg.Description, sc.scope)
	if err != nil {
		return api.Fail(err.Error(), api.CodeValidation)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = api.DefaultApprovalTimeout
	}

	now := time.Now().UTC()
	req := &api.ApprovalRequest{
		ID:          api.NewApprovalID(),
		ExecutionID: sc.exec.ID,
		StepID:      sc.step.ID,
		Title:       title,
		Description: description,
		Assignees:   cfg.Assignees,
		Status:      api.ApprovalPending,
		Deadline:    now.Add(timeout.Std()),
		CreatedAt:   now,
	}

	if err := e.stores.Approvals.Save(ctx, req); err != nil {
		// Lost a race against a concurrent re-dispatch of the same step
		if errors.Is(err, store.ErrApprovalExists) {
			open, lookupErr := e.stores.Approvals.GetByExecutionStep(
				ctx, sc.exec.ID, sc.step.ID,
			)
			if lookupErr == nil {
				return api.Wait(api.Output{
					"approval_id": string(open.ID),
				})
			}
		}
		return api.Fail(err.Error(), api.CodeInternal)
	}

	e.bus.Publish(&api.ApprovalRequestedEvent{
		EventBase:  api.NewEventBase(sc.exec.ID, now),
		ApprovalID: req.ID,
		StepID:     sc.step.ID,
		Title:      title,
		Assignees:  cfg.Assignees,
		Deadline:   req.Deadline,
	})
	return api.Wait(api.Output{"approval_id": string(req.ID)})
}
