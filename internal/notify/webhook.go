package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// WebhookNotifier POSTs messages as JSON to the URL named in each message
type WebhookNotifier struct {
	client *http.Client
}

var ErrWebhookURLMissing = errors.New("notification has no webhook url")

const notifyTimeout = 10 * time.Second

// NewWebhookNotifier creates a webhook notifier with a bounded timeout
func NewWebhookNotifier() *WebhookNotifier {
	return &WebhookNotifier{
		client: &http.Client{Timeout: notifyTimeout},
	}
}

func (n *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	if msg.WebhookURL == "" {
		return ErrWebhookURLMissing
	}

	body, err := json.Marshal(map[string]any{
		"subject": msg.Subject,
		"message": msg.Body,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, msg.WebhookURL, bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	return nil
}
