package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/praxhq/prax/pkg/api"
	"github.com/praxhq/prax/pkg/log"
)

// runStep executes one step through its retry policy and applies the final
// outcome to the aggregate
func (e *Engine) runStep(
	ctx context.Context, id api.ExecutionID,
	def *api.ProcessDefinition, step *api.StepDefinition,
) {
	lock := e.lockFor(id)
	policy := step.RetryOrDefault()

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		res, proceed := e.attemptStep(ctx, id, def, step, attempt)
		if !proceed {
			return
		}

		switch res.Kind {
		case api.ResultOK:
			e.applyCompleted(ctx, id, step, res)
			return
		case api.ResultWait:
			e.applyWaiting(ctx, id, step, res)
			return
		}

		retryable := res.Code.Retryable() && attempt < policy.MaxAttempts
		if !retryable {
			lock.Lock()
			e.applyFailed(ctx, id, def, step, res)
			lock.Unlock()
			return
		}

		delay := policy.Delay(attempt)
		e.logger.Info("retrying step",
			log.ExecutionID(id),
			log.StepID(step.ID),
			log.ErrorString(res.Error),
		)
		e.bus.Publish(&api.StepRetryingEvent{
			EventBase: api.NewEventBase(id, time.Now()),
			StepID:    step.ID,
			Attempt:   attempt,
			Error:     res.Error,
			DelayMs:   delay.Milliseconds(),
		})

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// attemptStep performs one handler invocation. The second return value is
// false when the step settled without a result (condition skip, abort)
func (e *Engine) attemptStep(
	ctx context.Context, id api.ExecutionID,
	def *api.ProcessDefinition, step *api.StepDefinition, attempt int,
) (api.StepResult, bool) {
	lock := e.lockFor(id)
	lock.Lock()

	exec, err := e.stores.Executions.GetByID(ctx, id)
	if err != nil {
		lock.Unlock()
		return api.StepResult{}, false
	}
	if exec.Status != api.ExecutionRunning {
		lock.Unlock()
		return api.StepResult{}, false
	}
	se := exec.Steps[step.ID]

	scope, err := NewScope(def, exec)
	if err != nil {
		lock.Unlock()
		return api.Fail(err.Error(), api.CodeInternal), true
	}

	// First attempt: evaluate the step condition before anything runs
	if attempt == 1 && se.Status != api.StepStatusRunning {
		if step.Condition != "" {
			match, err := e.conditions.Eval(step.Condition, scope)
			if err != nil {
				lock.Unlock()
				return api.Fail(
					fmt.Sprintf("condition: %s", err),
					api.CodeValidation,
				), true
			}
			if !match {
				e.skipStep(ctx, exec, se, "condition not met")
				lock.Unlock()
				return api.StepResult{}, false
			}
		}

		if err := transitionStep(se, api.StepStatusRunning); err != nil {
			lock.Unlock()
			return api.StepResult{}, false
		}
		se.StartedAt = time.Now().UTC()
		e.bus.Publish(&api.StepStartedEvent{
			EventBase: api.NewEventBase(id, se.StartedAt),
			StepID:    step.ID,
			StepType:  step.Type,
		})
	}
	se.Attempts = attempt
	if err := e.stores.Executions.Save(ctx, exec); err != nil {
		lock.Unlock()
		return api.StepResult{}, false
	}

	sc := &stepContext{def: def, exec: exec, step: step, scope: scope}
	lock.Unlock()

	timeout := step.Timeout.Std()
	if timeout <= 0 {
		timeout = e.cfg.DefaultStepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := e.execStep(stepCtx, sc)
	if res.Kind == api.ResultFail && res.Code == "" {
		res.Code = api.CodeInternal
	}
	if stepCtx.Err() == context.DeadlineExceeded &&
		res.Kind == api.ResultFail {
		res.Code = api.CodeTimeout
		res.Error = fmt.Sprintf("step timed out after %s", timeout)
	}
	return res, true
}

// skipStep settles a step as skipped. Called with the lock held; the
// caller saves the aggregate
func (e *Engine) skipStep(
	ctx context.Context, exec *api.ProcessExecution,
	se *api.StepExecution, reason string,
) {
	now := time.Now().UTC()
	se.Status = api.StepStatusSkipped
	se.CompletedAt = now
	if err := e.stores.Executions.Save(ctx, exec); err != nil {
		e.logger.Error("failed to save execution",
			log.ExecutionID(exec.ID), log.Error(err))
	}
	e.bus.Publish(&api.StepSkippedEvent{
		EventBase: api.NewEventBase(exec.ID, now),
		StepID:    se.StepID,
		Reason:    reason,
	})
}

// applyCompleted settles a successful step and accumulates its cost
func (e *Engine) applyCompleted(
	ctx context.Context, id api.ExecutionID,
	step *api.StepDefinition, res api.StepResult,
) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	exec, err := e.stores.Executions.GetByID(ctx, id)
	if err != nil || exec.Status.IsTerminal() {
		return
	}
	se := exec.Steps[step.ID]
	if err := transitionStep(se, api.StepStatusCompleted); err != nil {
		return
	}

	now := time.Now().UTC()
	se.CompletedAt = now
	se.Output = res.Output
	se.Error = ""
	se.ErrorCode = ""
	se.Cost = se.Cost.Add(res.Cost)
	se.TokenUsage = se.TokenUsage.Add(res.Usage)
	e.addCost(exec, res.Cost)

	if step.Type == api.StepGateway {
		e.applyGatewaySelection(ctx, exec, step, res)
	}

	if err := e.stores.Executions.Save(ctx, exec); err != nil {
		e.logger.Error("failed to save execution",
			log.ExecutionID(id), log.Error(err))
		return
	}

	e.bus.Publish(&api.StepCompletedEvent{
		EventBase: api.NewEventBase(id, now),
		StepID:    step.ID,
		Output:    res.Output,
		Cost:      res.Cost,
		Attempts:  se.Attempts,
		Duration:  now.Sub(se.StartedAt).Milliseconds(),
	})
	e.notifyInformed(id, step, "completed")
}

// applyWaiting pauses the execution on an external decision. A sibling in
// the same wave may already have paused it; the step still parks
func (e *Engine) applyWaiting(
	ctx context.Context, id api.ExecutionID,
	step *api.StepDefinition, res api.StepResult,
) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	exec, err := e.stores.Executions.GetByID(ctx, id)
	if err != nil || exec.Status.IsTerminal() {
		return
	}
	se := exec.Steps[step.ID]
	if err := transitionStep(se, api.StepStatusWaitingApproval); err != nil {
		return
	}
	if v, ok := res.Wait["approval_id"].(string); ok {
		se.ApprovalID = api.ApprovalID(v)
	}
	if exec.Status == api.ExecutionRunning {
		if err := transitionExecution(exec, api.ExecutionPaused); err != nil {
			return
		}
	}
	if err := e.stores.Executions.Save(ctx, exec); err != nil {
		e.logger.Error("failed to save execution",
			log.ExecutionID(id), log.Error(err))
		return
	}

	e.logger.Info("execution paused",
		log.ExecutionID(id),
		log.StepID(step.ID),
		log.ApprovalID(se.ApprovalID),
	)
	e.bus.Publish(&api.StepWaitingApprovalEvent{
		EventBase:  api.NewEventBase(id, time.Now()),
		StepID:     step.ID,
		ApprovalID: se.ApprovalID,
	})
}

// applyFailed settles a permanent failure through the step's error policy.
// Called with the execution lock held
func (e *Engine) applyFailed(
	ctx context.Context, id api.ExecutionID, def *api.ProcessDefinition,
	step *api.StepDefinition, res api.StepResult,
) {
	exec, err := e.stores.Executions.GetByID(ctx, id)
	if err != nil || exec.Status.IsTerminal() {
		return
	}
	se := exec.Steps[step.ID]

	now := time.Now().UTC()
	se.Error = res.Error
	se.ErrorCode = res.Code
	se.Cost = se.Cost.Add(res.Cost)
	e.addCost(exec, res.Cost)

	action := step.ErrorActionOrDefault()
	e.bus.Publish(&api.StepFailedEvent{
		EventBase: api.NewEventBase(id, now),
		StepID:    step.ID,
		Error:     res.Error,
		Code:      res.Code,
		Attempts:  se.Attempts,
	})
	e.notifyInformed(id, step, "failed")

	switch action {
	case api.ErrorSkipStep:
		e.skipStep(ctx, exec, se, "failed: "+res.Error)
		return
	case api.ErrorGotoStep:
		if err := transitionStep(se, api.StepStatusFailed); err != nil {
			return
		}
		se.CompletedAt = now
		e.armGotoTarget(exec, step.OnError.TargetStep)
		if err := e.stores.Executions.Save(ctx, exec); err != nil {
			e.logger.Error("failed to save execution",
				log.ExecutionID(id), log.Error(err))
		}
		return
	}

	if err := transitionStep(se, api.StepStatusFailed); err != nil {
		return
	}
	se.CompletedAt = now

	// With stop-on-failure disabled, independent branches keep running;
	// the scheduler fails the execution once nothing is left to run
	if !e.cfg.StopOnFailure {
		if err := e.stores.Executions.Save(ctx, exec); err != nil {
			e.logger.Error("failed to save execution",
				log.ExecutionID(id), log.Error(err))
		}
		return
	}
	e.failExecution(ctx, exec, def, step.ID, res.Error)
}

// armGotoTarget forces the error policy's target step to run next wave,
// regardless of its dependencies
func (e *Engine) armGotoTarget(
	exec *api.ProcessExecution, target api.StepID,
) {
	se, ok := exec.Steps[target]
	if !ok {
		return
	}
	switch se.Status {
	case api.StepStatusPending, api.StepStatusFailed:
		se.Status = api.StepStatusReady
	}
}

// addCost accumulates cost and warns once when the configured threshold is
// crossed
func (e *Engine) addCost(exec *api.ProcessExecution, cost api.Money) {
	before := exec.TotalCost
	exec.AddCost(cost)
	threshold := e.cfg.CostThreshold
	if threshold > 0 && before <= threshold && exec.TotalCost > threshold {
		e.logger.Warn("execution cost exceeded threshold",
			log.ExecutionID(exec.ID),
			slog.String("total_cost", exec.TotalCost.String()),
			slog.String("threshold", threshold.String()),
		)
	}
}

// notifyInformed publishes the informed-role notification for a settled
// step
func (e *Engine) notifyInformed(
	id api.ExecutionID, step *api.StepDefinition, outcome string,
) {
	if step.Roles == nil || len(step.Roles.Informed) == 0 {
		return
	}
	e.bus.Publish(&api.InformedNotificationEvent{
		EventBase: api.NewEventBase(id, time.Now()),
		StepID:    step.ID,
		Informed:  step.Roles.Informed,
		Outcome:   outcome,
	})
}
