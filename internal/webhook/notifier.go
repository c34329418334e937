package webhook

import (
	"context"

	"github.com/dunamismax/latentwalk/internal/domain"
)

// Notifier posts terminal job events to the webhook_url a request carried.
// Other events and jobs without a URL are ignored.
type Notifier struct {
	Client *Client
}

func (n Notifier) Name() string {
	return "webhook"
}

func (n Notifier) Notify(ctx context.Context, event domain.JobEvent, job domain.Job) error {
	if n.Client == nil || job.Request.WebhookURL == "" {
		return nil
	}
	if event.Event != domain.EventJobCompleted && event.Event != domain.EventJobFailed {
		return nil
	}
	return n.Client.Deliver(ctx, job.Request.WebhookURL, event)
}
