package notify

import (
	"context"

	"github.com/slack-go/slack"
)

func SetSlackPoster(s *SlackSink, fn func(ctx context.Context, url string, msg *slack.WebhookMessage) error) {
	s.post = fn
}
