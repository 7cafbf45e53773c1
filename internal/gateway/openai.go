package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/praxhq/prax/pkg/api"
	"github.com/praxhq/prax/pkg/log"
)

type (
	// OpenAIGateway runs agent tasks against an OpenAI-compatible chat
	// completion endpoint. The agent name becomes the system prompt role
	OpenAIGateway struct {
		logger *slog.Logger
		client *openai.Client
	}

	// modelPrice is USD per 1K prompt and completion tokens
	modelPrice struct {
		prompt     float64
		completion float64
	}
)

const defaultModel = openai.GPT4oMini

var modelPrices = map[string]modelPrice{
	openai.GPT4o:     {prompt: 0.0025, completion: 0.01},
	openai.GPT4oMini: {prompt: 0.00015, completion: 0.0006},
}

var _ AgentGateway = (*OpenAIGateway)(nil)

// NewOpenAIGateway creates a gateway using the given API key. A non-empty
// baseURL points the client at a compatible alternative endpoint
func NewOpenAIGateway(
	logger *slog.Logger, apiKey, baseURL string,
) *OpenAIGateway {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIGateway{
		logger: logger,
		client: openai.NewClientWithConfig(cfg),
	}
}

func (g *OpenAIGateway) ExecuteTask(
	ctx context.Context, req TaskRequest,
) (*TaskResponse, error) {
	model := req.Model
	if model == "" {
		model = defaultModel
	}

	messages := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: "You are the agent " + req.Agent + ".",
	}}
	if len(req.Input) > 0 {
		payload, err := json.Marshal(req.Input)
		if err != nil {
			return nil, err
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: "Context:\n" + string(payload),
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Message,
	})

	res, err := g.client.CreateChatCompletion(ctx,
		openai.ChatCompletionRequest{
			Model:       model,
			Messages:    messages,
			Temperature: float32(req.Temperature),
		})
	if err != nil {
		g.logger.Error("chat completion failed",
			slog.String("agent", req.Agent),
			slog.String("model", model),
			log.Error(err),
		)
		return nil, err
	}

	var content string
	if len(res.Choices) > 0 {
		content = res.Choices[0].Message.Content
	}

	usage := newUsage(res.Usage.PromptTokens, res.Usage.CompletionTokens)
	return &TaskResponse{
		Output: api.Output{"response": content},
		Cost:   estimateCost(model, usage),
		Usage:  usage,
	}, nil
}

func estimateCost(model string, usage api.TokenUsage) api.Money {
	price, ok := modelPrices[model]
	if !ok {
		price = modelPrices[defaultModel]
	}
	usd := float64(usage.PromptTokens)/1000*price.prompt +
		float64(usage.CompletionTokens)/1000*price.completion
	return moneyFromUSD(usd)
}
