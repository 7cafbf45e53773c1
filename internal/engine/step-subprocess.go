package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/praxhq/prax/pkg/api"
	"github.com/praxhq/prax/pkg/log"
)

// execSubProcess starts a child execution of another published definition.
// By default the step waits for the child to settle and surfaces its
// output and cost; fire-and-forget steps complete as soon as the child is
// created
func (e *Engine) execSubProcess(
	ctx context.Context, sc *stepContext,
) api.StepResult {
	cfg := sc.step.SubProcess

	def, err := e.stores.Definitions.GetByName(
		ctx, cfg.ProcessName, cfg.Version,
	)
	if err != nil {
		return api.Fail(
			fmt.Sprintf("process %s: %s", cfg.ProcessName, err),
			api.CodeProcessNotFound,
		)
	}
	if def.Status != api.DefinitionPublished {
		return api.Fail(
			fmt.Sprintf("process %s is %s", def.Name, def.Status),
			api.CodeProcessNotFound,
		)
	}

	mapped, err := e.templates.RenderMap(cfg.InputMapping, sc.scope)
	if err != nil {
		return api.Fail(err.Error(), api.CodeValidation)
	}
	input := make(api.Input, len(mapped))
	for k, v := range mapped {
		input[k] = v
	}

	child := api.NewExecution(
		def, input, api.TriggeredSubProcess, time.Now().UTC(),
	)
	child.ParentExecutionID = sc.exec.ID
	child.ParentStepID = sc.step.ID
	if err := e.stores.Executions.Save(ctx, child); err != nil {
		return api.Fail(err.Error(), api.CodeInternal)
	}

	e.linkChild(ctx, sc.exec.ID, child.ID)
	e.schedule(child.ID)

	if cfg.WaitForCompletion != nil && !*cfg.WaitForCompletion {
		return api.OK(api.Output{
			"child_execution_id": string(child.ID),
		})
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = api.DefaultSubProcessTimeout
	}
	return e.awaitChild(ctx, cfg, child.ID, timeout.Std())
}

// linkChild records a child execution id on its parent aggregate
func (e *Engine) linkChild(
	ctx context.Context, parentID, childID api.ExecutionID,
) {
	lock := e.lockFor(parentID)
	lock.Lock()
	defer lock.Unlock()

	parent, err := e.stores.Executions.GetByID(ctx, parentID)
	if err != nil {
		return
	}
	parent.AddChild(childID)
	if err := e.stores.Executions.Save(ctx, parent); err != nil {
		e.logger.Error("failed to link child execution",
			log.ExecutionID(parentID), log.Error(err))
	}
}

// awaitChild polls a child execution until it settles or the timeout
// expires. A paused child propagates upward as a wait; the parent resumes
// when the child reaches a terminal status
func (e *Engine) awaitChild(
	ctx context.Context, cfg *api.SubProcessConfig,
	childID api.ExecutionID, timeout time.Duration,
) api.StepResult {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		child, err := e.stores.Executions.GetByID(ctx, childID)
		if err != nil {
			return api.Fail(err.Error(), api.CodeInternal)
		}
		if child.Status.IsTerminal() {
			return childResult(cfg, child)
		}
		if child.Status == api.ExecutionPaused {
			return api.Wait(api.Output{
				"child_execution_id": string(child.ID),
				"waiting_reason":     "child waiting for approval",
			})
		}
		if time.Now().After(deadline) {
			if _, err := e.Cancel(
				ctx, childID, "engine", "parent step timed out",
			); err != nil {
				e.logger.Warn("failed to cancel child execution",
					log.ExecutionID(childID), log.Error(err))
			}
			return api.Fail(
				fmt.Sprintf("child execution timed out after %s", timeout),
				api.CodeTimeout,
			)
		}

		select {
		case <-ctx.Done():
			return api.Fail("sub-process interrupted", api.CodeTimeout)
		case <-ticker.C:
		}
	}
}

func childResult(
	cfg *api.SubProcessConfig, child *api.ProcessExecution,
) api.StepResult {
	switch child.Status {
	case api.ExecutionCompleted:
		key := cfg.OutputKey
		if key == "" {
			key = api.DefaultOutputKey
		}
		res := api.OK(api.Output{
			key:                      child.OutputData,
			"child_execution_id":     string(child.ID),
			"child_process_name":     string(child.ProcessName),
			"child_process_version":  child.ProcessVersion,
			"child_duration_seconds": child.Duration().Seconds(),
			"child_cost":             child.TotalCost.Float64(),
		})
		res.Cost = child.TotalCost
		return res
	case api.ExecutionCancelled:
		res := api.Fail("child execution cancelled", api.CodeSubProcessFailed)
		res.Cost = child.TotalCost
		return res
	default:
		res := api.Fail(
			fmt.Sprintf("child execution failed: %s", child.ErrorMessage),
			api.CodeSubProcessFailed,
		)
		res.Cost = child.TotalCost
		return res
	}
}

// resumeParent settles the sub-process step of a parent that paused while
// its child awaited an approval. Called when the child reaches a terminal
// status; a parent still polling the child settles the step itself
func (e *Engine) resumeParent(
	ctx context.Context, child *api.ProcessExecution,
) {
	if child.ParentExecutionID == "" {
		return
	}
	lock := e.lockFor(child.ParentExecutionID)
	lock.Lock()

	parent, def, err := e.loadPair(ctx, child.ParentExecutionID)
	if err != nil {
		lock.Unlock()
		return
	}
	se, ok := parent.Steps[child.ParentStepID]
	if !ok || se.Status != api.StepStatusWaitingApproval {
		lock.Unlock()
		return
	}
	step, ok := def.Step(child.ParentStepID)
	if !ok || step.SubProcess == nil {
		lock.Unlock()
		return
	}

	if parent.Status == api.ExecutionPaused {
		if err := transitionExecution(parent, api.ExecutionRunning); err != nil {
			lock.Unlock()
			return
		}
	}

	res := childResult(step.SubProcess, child)
	if res.Kind != api.ResultOK {
		if err := e.stores.Executions.Save(ctx, parent); err != nil {
			lock.Unlock()
			return
		}
		e.applyFailed(ctx, parent.ID, def, step, res)
		lock.Unlock()
		e.schedule(parent.ID)
		return
	}

	now := time.Now().UTC()
	if err := transitionStep(se, api.StepStatusCompleted); err != nil {
		lock.Unlock()
		return
	}
	se.CompletedAt = now
	se.Output = res.Output
	se.Cost = se.Cost.Add(res.Cost)
	e.addCost(parent, res.Cost)
	if err := e.stores.Executions.Save(ctx, parent); err != nil {
		e.logger.Error("failed to save execution",
			log.ExecutionID(parent.ID), log.Error(err))
		lock.Unlock()
		return
	}
	e.bus.Publish(&api.StepCompletedEvent{
		EventBase: api.NewEventBase(parent.ID, now),
		StepID:    step.ID,
		Output:    res.Output,
		Cost:      res.Cost,
		Attempts:  se.Attempts,
		Duration:  now.Sub(se.StartedAt).Milliseconds(),
	})
	e.notifyInformed(parent.ID, step, "completed")
	lock.Unlock()
	e.schedule(parent.ID)
}
