package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/praxhq/prax/pkg/api"
)

type (
	// ScriptedResponse is one queued outcome for a scripted agent
	ScriptedResponse struct {
		Response *TaskResponse
		Err      error
	}

	// ScriptedGateway replays canned responses per agent name. Tests queue
	// outcomes up front and assert on the calls recorded afterwards
	ScriptedGateway struct {
		mu      sync.Mutex
		scripts map[string][]ScriptedResponse
		calls   []TaskRequest
	}
)

var (
	_ AgentGateway   = (*ScriptedGateway)(nil)
	_ AgentDirectory = (*ScriptedGateway)(nil)
)

// NewScriptedGateway creates an empty scripted gateway
func NewScriptedGateway() *ScriptedGateway {
	return &ScriptedGateway{scripts: map[string][]ScriptedResponse{}}
}

// Script queues an outcome for the named agent. Outcomes are consumed in
// order; the final one repeats
func (g *ScriptedGateway) Script(agent string, res ScriptedResponse) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts[agent] = append(g.scripts[agent], res)
}

// ScriptOK queues a successful response with the given output and cost
func (g *ScriptedGateway) ScriptOK(
	agent string, output api.Output, cost api.Money,
) {
	g.Script(agent, ScriptedResponse{
		Response: &TaskResponse{Output: output, Cost: cost},
	})
}

// ScriptErr queues a failing response
func (g *ScriptedGateway) ScriptErr(agent string, err error) {
	g.Script(agent, ScriptedResponse{Err: err})
}

// KnownAgent reports whether an outcome has been scripted for the agent
func (g *ScriptedGateway) KnownAgent(_ context.Context, agent string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.scripts[agent]) > 0
}

// Calls returns a copy of every request dispatched so far
func (g *ScriptedGateway) Calls() []TaskRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	res := make([]TaskRequest, len(g.calls))
	copy(res, g.calls)
	return res
}

func (g *ScriptedGateway) ExecuteTask(
	_ context.Context, req TaskRequest,
) (*TaskResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, req)

	queue := g.scripts[req.Agent]
	if len(queue) == 0 {
		return nil, fmt.Errorf("no scripted response for agent %q", req.Agent)
	}

	next := queue[0]
	if len(queue) > 1 {
		g.scripts[req.Agent] = queue[1:]
	}
	if next.Err != nil {
		return nil, next.Err
	}
	return next.Response, nil
}
