package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/praxhq/prax/pkg/api"
	"github.com/praxhq/prax/pkg/log"
)

// StartRequest names the definition to execute and its input payload
type StartRequest struct {
	ProcessName api.Name        `json:"process_name"`
	Version     string          `json:"version,omitempty"`
	Input       api.Input       `json:"input,omitempty"`
	TriggeredBy api.TriggeredBy `json:"triggered_by,omitempty"`
}

// Start creates an execution of the latest published version (or the named
// one) and launches its scheduler. The returned aggregate is the freshly
// persisted pending snapshot
func (e *Engine) Start(
	ctx context.Context, req StartRequest,
) (*api.ProcessExecution, error) {
	def, err := e.stores.Definitions.GetByName(
		ctx, req.ProcessName, req.Version,
	)
	if err != nil {
		return nil, err
	}
	if def.Status != api.DefinitionPublished {
		return nil, fmt.Errorf("%w: definition %s is %s",
			api.ErrStateForbidden, def.Name, def.Status)
	}

	trig := req.TriggeredBy
	if trig == "" {
		trig = api.TriggeredAPI
	}

	exec := api.NewExecution(def, req.Input, trig, time.Now().UTC())
	if err := e.stores.Executions.Save(ctx, exec); err != nil {
		return nil, err
	}

	e.logger.Info("execution started",
		log.ExecutionID(exec.ID),
		log.ProcessID(def.ID),
		log.Status(exec.Status),
	)

	e.schedule(exec.ID)
	return exec, nil
}

// Cancel aborts a non-terminal execution. Cancelling a terminal execution
// is a state error; cancelling twice is idempotent at the caller's level
// through that same error
func (e *Engine) Cancel(
	ctx context.Context, id api.ExecutionID, actor, reason string,
) (*api.ProcessExecution, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	exec, err := e.stores.Executions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: execution is %s",
			api.ErrStateForbidden, exec.Status)
	}

	e.interrupt(id)

	if err := transitionExecution(exec, api.ExecutionCancelled); err != nil {
		return nil, err
	}
	exec.CompletedAt = time.Now().UTC()
	if err := e.stores.Executions.Save(ctx, exec); err != nil {
		return nil, err
	}

	e.expireOpenApproval(ctx, exec)

	e.logger.Info("execution cancelled",
		log.ExecutionID(id),
		slog.String("actor", actor),
	)
	e.bus.Publish(&api.ProcessCancelledEvent{
		EventBase: api.NewEventBase(id, time.Now()),
		Reason:    reason,
		Actor:     actor,
	})
	e.resumeParent(ctx, exec)
	return exec, nil
}

// Retry starts a fresh execution of a failed or cancelled one, reusing its
// input against the same definition version
func (e *Engine) Retry(
	ctx context.Context, id api.ExecutionID,
) (*api.ProcessExecution, error) {
	prev, err := e.stores.Executions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev.Status != api.ExecutionFailed &&
		prev.Status != api.ExecutionCancelled {
		return nil, fmt.Errorf("%w: execution is %s",
			api.ErrStateForbidden, prev.Status)
	}

	def, err := e.stores.Definitions.GetByName(
		ctx, prev.ProcessName, prev.ProcessVersion,
	)
	if err != nil {
		return nil, err
	}

	exec := api.NewExecution(
		def, prev.InputData, api.TriggeredRetry, time.Now().UTC(),
	)
	exec.RetryOf = prev.ID
	if err := e.stores.Executions.Save(ctx, exec); err != nil {
		return nil, err
	}

	e.logger.Info("execution retried",
		log.ExecutionID(exec.ID),
		slog.String("retry_of", string(prev.ID)),
	)

	e.schedule(exec.ID)
	return exec, nil
}

// expireOpenApproval expires the pending approval of a cancelled execution
func (e *Engine) expireOpenApproval(
	ctx context.Context, exec *api.ProcessExecution,
) {
	for id, se := range exec.Steps {
		if se.Status != api.StepStatusWaitingApproval || se.ApprovalID == "" {
			continue
		}
		req, err := e.stores.Approvals.Get(ctx, se.ApprovalID)
		if err != nil || req.Status.IsTerminal() {
			continue
		}
		req.Status = api.ApprovalExpired
		req.DecidedAt = time.Now().UTC()
		if err := e.stores.Approvals.Save(ctx, req); err != nil {
			e.logger.Warn("failed to expire approval",
				log.ApprovalID(req.ID),
				log.StepID(id),
				log.Error(err),
			)
		}
	}
}
