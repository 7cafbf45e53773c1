package notify

import (
	"context"
	"log/slog"
	"strings"
)

// EmailNotifier records email notifications in the structured log. An SMTP
// transport can replace it without touching the registry
type EmailNotifier struct {
	logger *slog.Logger
}

// NewEmailNotifier creates a log-backed email notifier
func NewEmailNotifier(logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{logger: logger}
}

func (n *EmailNotifier) Send(_ context.Context, msg Message) error {
	n.logger.Info("email notification",
		slog.String("recipients", strings.Join(msg.Recipients, ",")),
		slog.String("subject", msg.Subject),
		slog.String("body", msg.Body),
	)
	return nil
}
