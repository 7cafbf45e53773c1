package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/praxhq/prax/pkg/api"
	"github.com/praxhq/prax/pkg/log"
)

// compensate runs the compensation actions of completed steps in reverse
// completion order. A failing compensation is logged and the pass
// continues; rollback is best effort
func (e *Engine) compensate(
	ctx context.Context, exec *api.ProcessExecution,
	def *api.ProcessDefinition,
) {
	steps := completedForCompensation(exec, def)
	if len(steps) == 0 {
		return
	}

	scope, err := NewScope(def, exec)
	if err != nil {
		e.logger.Error("failed to build compensation scope",
			log.ExecutionID(exec.ID), log.Error(err))
		return
	}

	e.logger.Info("compensating execution",
		log.ExecutionID(exec.ID),
	)
	e.bus.Publish(&api.CompensationStartedEvent{
		EventBase: api.NewEventBase(exec.ID, time.Now()),
		Count:     len(steps),
	})

	for _, step := range steps {
		res := e.runCompensation(ctx, step.Compensation, scope)
		if res.Kind == api.ResultOK {
			e.bus.Publish(&api.CompensationCompletedEvent{
				EventBase: api.NewEventBase(exec.ID, time.Now()),
				StepID:    step.ID,
			})
			continue
		}

		e.logger.Warn("compensation failed",
			log.ExecutionID(exec.ID),
			log.StepID(step.ID),
			log.ErrorString(res.Error),
		)
		e.bus.Publish(&api.CompensationFailedEvent{
			EventBase: api.NewEventBase(exec.ID, time.Now()),
			StepID:    step.ID,
			Error:     res.Error,
		})
	}
}

func (e *Engine) runCompensation(
	ctx context.Context, comp *api.Compensation, scope *Scope,
) api.StepResult {
	switch comp.Type {
	case api.StepAgentTask:
		return e.runAgentTask(ctx, comp.AgentTask, scope)
	case api.StepNotification:
		return e.runNotification(ctx, comp.Notification, scope)
	}
	return api.Fail(
		fmt.Sprintf("unsupported compensation type %q", comp.Type),
		api.CodeInvalidConfig,
	)
}
