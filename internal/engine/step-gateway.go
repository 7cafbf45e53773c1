package engine

import (
	"context"
	"fmt"

	"github.com/praxhq/prax/internal/util"
	"github.com/praxhq/prax/pkg/api"
)

const selectedKey = "selected"

// execGateway evaluates the gateway's routes against the scope. An
// exclusive gateway selects the first matching route; a parallel one
// selects every match. With no match the default route is selected, or the
// gateway fails
func (e *Engine) execGateway(sc *stepContext) api.StepResult {
	cfg := sc.step.Gateway

	var selected []string
	for _, route := range cfg.Routes {
		match, err := e.conditions.Eval(route.Condition, sc.scope)
		if err != nil {
			return api.Fail(
				fmt.Sprintf("route %s: %s", route.Target, err),
				api.CodeValidation,
			)
		}
		if !match {
			continue
		}
		selected = append(selected, string(route.Target))
		if cfg.GatewayType != api.GatewayParallel {
			break
		}
	}

	if len(selected) == 0 {
		if cfg.DefaultRoute == "" {
			return api.Fail(
				"no route matched and no default route",
				api.CodeValidation,
			)
		}
		selected = []string{string(cfg.DefaultRoute)}
	}

	return api.OK(api.Output{selectedKey: selected})
}

// applyGatewaySelection skips the gateway's dependents that were not
// selected by any route. Called with the execution lock held
func (e *Engine) applyGatewaySelection(
	ctx context.Context, exec *api.ProcessExecution,
	step *api.StepDefinition, res api.StepResult,
) {
	selected := util.Set[api.StepID]{}
	if vs, ok := res.Output[selectedKey].([]string); ok {
		for _, v := range vs {
			selected.Add(api.StepID(v))
		}
	}

	def, err := e.stores.Definitions.GetByName(
		ctx, exec.ProcessName, exec.ProcessVersion,
	)
	if err != nil {
		return
	}

	for _, candidate := range def.Steps {
		if !dependsOn(candidate, step.ID) ||
			selected.Contains(candidate.ID) {
			continue
		}
		se, ok := exec.Steps[candidate.ID]
		if !ok || se.Status != api.StepStatusPending {
			continue
		}
		e.skipStep(ctx, exec, se, "route not selected")
	}
}

func dependsOn(step *api.StepDefinition, dep api.StepID) bool {
	for _, d := range step.Dependencies {
		if d == dep {
			return true
		}
	}
	return false
}
