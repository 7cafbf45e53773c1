// Package gateway dispatches agent task work to external agents. The
// engine sees one interface; implementations cover direct HTTP agents and
// OpenAI-compatible chat endpoints.
package gateway

import (
	"context"

	"github.com/praxhq/prax/pkg/api"
)

type (
	// TaskRequest is a rendered agent task ready for dispatch
	TaskRequest struct {
		Agent       string     `json:"agent"`
		Message     string     `json:"message"`
		Model       string     `json:"model,omitempty"`
		Temperature float64    `json:"temperature,omitempty"`
		Input       api.Output `json:"input,omitempty"`
	}

	// TaskResponse is the agent's result plus its metered cost
	TaskResponse struct {
		Output api.Output     `json:"output"`
		Cost   api.Money      `json:"cost"`
		Usage  api.TokenUsage `json:"usage"`
	}

	// AgentGateway executes one agent task and returns its output
	AgentGateway interface {
		ExecuteTask(ctx context.Context, req TaskRequest) (*TaskResponse, error)
	}

	// AgentDirectory is implemented by gateways that can report whether a
	// named agent is reachable before dispatching work to it
	AgentDirectory interface {
		KnownAgent(ctx context.Context, agent string) bool
	}
)

func newUsage(prompt, completion int) api.TokenUsage {
	return api.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func moneyFromUSD(usd float64) api.Money {
	return api.MoneyFromFloat(usd)
}
