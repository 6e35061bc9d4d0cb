package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackSink posts new submissions to a Slack incoming webhook so admins can review them.
// Other event kinds are ignored.
type SlackSink struct {
	webhookURL string
	baseURL    string
	post       func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// NewSlackSink returns a sink posting to webhookURL. baseURL, when set, is used to link
// to the assignment.
func NewSlackSink(webhookURL, baseURL string) *SlackSink {
	return &SlackSink{
		webhookURL: webhookURL,
		baseURL:    baseURL,
		post:       slack.PostWebhookContext,
	}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Deliver(ctx context.Context, ev Event, _ []int64) error {
	if ev.Kind != KindSubmissionCreated {
		return nil
	}

	text := fmt.Sprintf("New submission for *%s* (due %s) is waiting for review.", ev.TaskTitle, ev.DueDate)
	if s.baseURL != "" {
		text += fmt.Sprintf(" <%s/assignments/%d|Review>", s.baseURL, ev.AssignmentID)
	}

	msg := &slack.WebhookMessage{
		Text: text,
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
		}},
	}
	if err := s.post(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	return nil
}
