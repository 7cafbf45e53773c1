package validate

import (
	"context"
	"strings"

	"github.com/praxhq/prax/pkg/api"
)

// References resolves a definition's external dependencies for the
// advisory pass. Nil lookups skip their checks
type References struct {
	// Definition resolves a process name and optional version
	Definition func(
		ctx context.Context, name api.Name, version string,
	) (*api.ProcessDefinition, error)

	// KnownAgent reports whether the agent gateway can serve the agent
	KnownAgent func(ctx context.Context, agent string) bool
}

// Check appends advisory findings for references the runtime cannot
// resolve: unknown agents and missing or unpublished sub-processes.
// Findings never block validation
func (r References) Check(
	ctx context.Context, def *api.ProcessDefinition, res *Result,
) *Result {
	for _, s := range def.Steps {
		path := "steps." + string(s.ID)
		if s.Type == api.StepAgentTask && s.AgentTask != nil {
			r.checkAgent(ctx, path+".agent_task", s.AgentTask, res)
		}
		if s.Type == api.StepSubProcess && s.SubProcess != nil {
			r.checkSubProcess(ctx, path+".sub_process", s.SubProcess, res)
		}
		if c := s.Compensation; c != nil && c.AgentTask != nil {
			r.checkAgent(ctx, path+".compensation", c.AgentTask, res)
		}
	}
	return res
}

func (r References) checkAgent(
	ctx context.Context, path string, c *api.AgentTaskConfig, res *Result,
) {
	if r.KnownAgent == nil || c.Agent == "" {
		return
	}
	// Templated agent names resolve per execution
	if strings.Contains(c.Agent, "{{") {
		return
	}
	if !r.KnownAgent(ctx, c.Agent) {
		res.warnf(path+".agent", "agent %q is not available", c.Agent)
	}
}

func (r References) checkSubProcess(
	ctx context.Context, path string, c *api.SubProcessConfig, res *Result,
) {
	if r.Definition == nil || c.ProcessName == "" {
		return
	}
	child, err := r.Definition(ctx, c.ProcessName, c.Version)
	if err != nil {
		res.warnf(path+".process_name",
			"process %q not found", c.ProcessName)
		return
	}
	if child.Status != api.DefinitionPublished {
		res.warnf(path+".process_name",
			"process %q is %s, not published", c.ProcessName, child.Status)
	}
}
