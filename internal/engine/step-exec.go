package engine

import (
	"context"
	"fmt"

	"github.com/praxhq/prax/pkg/api"
)

// stepContext carries everything a handler needs for one invocation. The
// exec snapshot is read-only inside handlers; mutations happen when the
// result is applied
type stepContext struct {
	def   *api.ProcessDefinition
	exec  *api.ProcessExecution
	step  *api.StepDefinition
	scope *Scope
}

// execStep dispatches a step to the handler for its type
func (e *Engine) execStep(ctx context.Context, sc *stepContext) api.StepResult {
	switch sc.step.Type {
	case api.StepAgentTask:
		return e.execAgentTask(ctx, sc)
	case api.StepHumanApproval:
		return e.execHumanApproval(ctx, sc)
	case api.StepGateway:
		return e.execGateway(sc)
	case api.StepTimer:
		return e.execTimer(ctx, sc)
	case api.StepNotification:
		return e.execNotification(ctx, sc)
	case api.StepSubProcess:
		return e.execSubProcess(ctx, sc)
	}
	return api.Fail(
		fmt.Sprintf("no handler for step type %q", sc.step.Type),
		api.CodeInvalidConfig,
	)
}
