package notify

import (
	"context"
	"errors"

	"github.com/slack-go/slack"
)

// SlackNotifier posts messages to a Slack incoming webhook
type SlackNotifier struct {
	webhookURL string
}

var ErrSlackNotConfigured = errors.New("slack webhook url not configured")

// NewSlackNotifier creates a notifier targeting the given incoming webhook
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL}
}

func (n *SlackNotifier) Send(ctx context.Context, msg Message) error {
	if n.webhookURL == "" {
		return ErrSlackNotConfigured
	}

	text := msg.Body
	if msg.Subject != "" {
		text = "*" + msg.Subject + "*\n" + msg.Body
	}

	return slack.PostWebhookContext(ctx, n.webhookURL,
		&slack.WebhookMessage{Text: text})
}
