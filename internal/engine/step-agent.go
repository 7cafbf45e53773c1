package engine

import (
	"context"
	"errors"

	"github.com/praxhq/prax/internal/gateway"
	"github.com/praxhq/prax/pkg/api"
)

// execAgentTask renders the agent name and task message and dispatches
// them through the agent gateway
func (e *Engine) execAgentTask(
	ctx context.Context, sc *stepContext,
) api.StepResult {
	return e.runAgentTask(ctx, sc.step.AgentTask, sc.scope)
}

// runAgentTask is shared by agent_task steps and agent compensations
func (e *Engine) runAgentTask(
	ctx context.Context, cfg *api.AgentTaskConfig, scope *Scope,
) api.StepResult {
	if e.gateway == nil {
		return api.Fail("no agent gateway configured",
			api.CodeAgentUnavailable)
	}

	agent, err := e.templates.RenderString(cfg.Agent, scope)
	if err != nil {
		return api.Fail(err.Error(), api.CodeValidation)
	}
	message, err := e.templates.RenderString(cfg.Message, scope)
	if err != nil {
		return api.Fail(err.Error(), api.CodeValidation)
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout.Std())
		defer cancel()
	}

	res, err := e.gateway.ExecuteTask(ctx, gateway.TaskRequest{
		Agent:       agent,
		Message:     message,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
	})
	if err != nil {
		code := api.CodeAgentUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			code = api.CodeTimeout
		}
		return api.Fail(err.Error(), code)
	}

	return api.OK(res.Output).WithCost(res.Cost, res.Usage)
}
