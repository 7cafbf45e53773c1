package bus

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/praxhq/prax/pkg/api"
	"github.com/praxhq/prax/pkg/log"
)

type (
	// WebhookPublisher POSTs event envelopes to external endpoints. Failed
	// deliveries are retried a bounded number of times, then dropped
	WebhookPublisher struct {
		logger  *slog.Logger
		client  *http.Client
		urls    []string
		retries int
		backoff time.Duration
	}
)

const (
	webhookTimeout = 10 * time.Second
	webhookRetries = 2
	webhookBackoff = time.Second
)

// NewWebhookPublisher creates a publisher targeting the given URLs
func NewWebhookPublisher(logger *slog.Logger, urls []string) *WebhookPublisher {
	return &WebhookPublisher{
		logger:  logger,
		client:  &http.Client{Timeout: webhookTimeout},
		urls:    urls,
		retries: webhookRetries,
		backoff: webhookBackoff,
	}
}

// Handle delivers a single event to every configured endpoint
func (p *WebhookPublisher) Handle(e api.Event) {
	data, err := encodeEnvelope(e)
	if err != nil {
		p.logger.Error("failed to encode webhook event", log.Error(err))
		return
	}
	for _, url := range p.urls {
		p.post(url, e, data)
	}
}

func (p *WebhookPublisher) post(url string, e api.Event, data []byte) {
	for attempt := 0; ; attempt++ {
		err := p.send(url, data)
		if err == nil {
			return
		}
		if attempt >= p.retries {
			p.logger.Warn("dropping webhook event",
				slog.String("url", url),
				slog.String("event_type", string(e.EventType())),
				log.ExecutionID(e.ExecID()),
				log.Error(err),
			)
			return
		}
		time.Sleep(p.backoff)
	}
}

func (p *WebhookPublisher) send(url string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, bytes.NewReader(data),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	return nil
}
