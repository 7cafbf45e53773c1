package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/praxhq/prax/pkg/log"
)

type (
	// HTTPGateway dispatches tasks to agents exposing a JSON-over-HTTP task
	// endpoint. The agent name resolves to {baseURL}/agents/{name}/tasks
	HTTPGateway struct {
		logger     *slog.Logger
		httpClient *http.Client
		baseURL    string
	}

	httpTaskResponse struct {
		Output  map[string]any `json:"output"`
		Error   string         `json:"error,omitempty"`
		Success bool           `json:"success"`
		CostUSD float64        `json:"cost_usd,omitempty"`
		Usage   struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage,omitzero"`
	}
)

var (
	ErrAgentUnsuccessful = errors.New("agent returned success=false")
	ErrAgentHTTPError    = errors.New("agent returned HTTP error")
)

var _ AgentGateway = (*HTTPGateway)(nil)

// NewHTTPGateway creates a gateway against the given agent service base URL
func NewHTTPGateway(
	logger *slog.Logger, baseURL string, timeout time.Duration,
) *HTTPGateway {
	return &HTTPGateway{
		logger:     logger,
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
	}
}

func (g *HTTPGateway) ExecuteTask(
	ctx context.Context, req TaskRequest,
) (*TaskResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/agents/%s/tasks",
		g.baseURL, url.PathEscape(req.Agent))

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, endpoint, bytes.NewReader(body),
	)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	res, err := g.httpClient.Do(httpReq)
	if err != nil {
		g.logger.Error("agent request failed",
			slog.String("agent", req.Agent),
			slog.Duration("duration", time.Since(start)),
			log.Error(err),
		)
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	if res.StatusCode != http.StatusOK {
		g.logger.Error("agent HTTP error",
			slog.String("agent", req.Agent),
			slog.Int("status_code", res.StatusCode),
		)
		return nil, fmt.Errorf("%w: HTTP %d",
			ErrAgentHTTPError, res.StatusCode)
	}

	var decoded httpTaskResponse
	if err := json.Unmarshal(resBody, &decoded); err != nil {
		return nil, err
	}
	if !decoded.Success {
		msg := decoded.Error
		if msg == "" {
			msg = "no error message provided"
		}
		return nil, fmt.Errorf("%w: %s", ErrAgentUnsuccessful, msg)
	}

	usage := newUsage(
		decoded.Usage.PromptTokens, decoded.Usage.CompletionTokens,
	)
	return &TaskResponse{
		Output: decoded.Output,
		Cost:   moneyFromUSD(decoded.CostUSD),
		Usage:  usage,
	}, nil
}
