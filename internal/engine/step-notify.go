package engine

import (
	"context"
	"time"

	"github.com/praxhq/prax/internal/notify"
	"github.com/praxhq/prax/pkg/api"
)

// execNotification renders the message and delivers it over the step's
// channel
func (e *Engine) execNotification(
	ctx context.Context, sc *stepContext,
) api.StepResult {
	return e.runNotification(ctx, sc.step.Notification, sc.scope)
}

// runNotification is shared by notification steps and notification
// compensations
func (e *Engine) runNotification(
	ctx context.Context, cfg *api.NotificationConfig, scope *Scope,
) api.StepResult {
	body, err := e.templates.RenderString(cfg.Message, scope)
	if err != nil {
		return api.Fail(err.Error(), api.CodeValidation)
	}
	subject, err := e.templates.RenderString(cfg.Subject, scope)
	if err != nil {
		return api.Fail(err.Error(), api.CodeValidation)
	}

	err = e.notifiers.Send(ctx, notify.Message{
		Channel:    cfg.Channel,
		Subject:    subject,
		Body:       body,
		Recipients: cfg.Recipients,
		WebhookURL: cfg.WebhookURL,
	})
	if err != nil {
		return api.Fail(err.Error(), api.CodeNotificationFailed)
	}

	return api.OK(api.Output{
		"channel":      string(cfg.Channel),
		"delivered_at": time.Now().UTC().Format(time.RFC3339),
	})
}
