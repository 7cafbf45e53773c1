// Package notify delivers rendered notification messages to their
// configured channels.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/praxhq/prax/pkg/api"
)

type (
	// Message is a fully rendered notification ready for delivery
	Message struct {
		Channel    api.Channel `json:"channel"`
		Subject    string      `json:"subject,omitempty"`
		Body       string      `json:"body"`
		Recipients []string    `json:"recipients,omitempty"`
		WebhookURL string      `json:"webhook_url,omitempty"`
	}

	// Notifier sends a message over one channel
	Notifier interface {
		Send(ctx context.Context, msg Message) error
	}

	// Registry routes messages to the notifier registered for their channel
	Registry struct {
		notifiers map[api.Channel]Notifier
	}
)

var ErrChannelUnknown = errors.New("no notifier for channel")

// NewRegistry creates an empty channel registry
func NewRegistry() *Registry {
	return &Registry{notifiers: map[api.Channel]Notifier{}}
}

// Register installs a notifier for a channel, replacing any existing one
func (r *Registry) Register(ch api.Channel, n Notifier) {
	r.notifiers[ch] = n
}

// Send routes a message to its channel's notifier
func (r *Registry) Send(ctx context.Context, msg Message) error {
	n, ok := r.notifiers[msg.Channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelUnknown, msg.Channel)
	}
	return n.Send(ctx, msg)
}
