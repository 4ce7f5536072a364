package notify

import (
	"context"
	"strings"

	"github.com/slack-go/slack"

	"sherpa/internal/adapter"
)

// Slack posts to an incoming webhook.
type Slack struct {
	WebhookURL string
}

func (s *Slack) Notify(ctx context.Context, n adapter.Notification) error {
	if s == nil || strings.TrimSpace(s.WebhookURL) == "" {
		return nil
	}
	return slack.PostWebhookContext(ctx, s.WebhookURL, &slack.WebhookMessage{Text: n.Text()})
}
