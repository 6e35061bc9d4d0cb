package email

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"

	"github.com/dukerupert/chorecheck/internal/model"
	"github.com/dukerupert/chorecheck/internal/notify"
)

// UserLookup resolves recipients to addresses.
type UserLookup interface {
	GetByID(id int64) (*model.User, error)
}

// Sink emails each recipient of an event.
type Sink struct {
	client  *Client
	users   UserLookup
	baseURL string
	logger  *slog.Logger
}

func NewSink(client *Client, users UserLookup, baseURL string, logger *slog.Logger) *Sink {
	return &Sink{client: client, users: users, baseURL: baseURL, logger: logger.With("component", "email")}
}

func (s *Sink) Name() string { return "email" }

func (s *Sink) Deliver(ctx context.Context, ev notify.Event, userIDs []int64) error {
	subject, text := compose(ev)
	if s.baseURL != "" {
		text += fmt.Sprintf("\n\n%s/assignments/%d", s.baseURL, ev.AssignmentID)
	}

	var errs []error
	for _, id := range userIDs {
		u, err := s.users.GetByID(id)
		if err != nil {
			errs = append(errs, fmt.Errorf("look up user %d: %w", id, err))
			continue
		}
		if u == nil || u.Email == "" {
			s.logger.Debug("recipient has no email address", "user_id", id)
			continue
		}
		err = s.client.Send(ctx, Message{
			To:       u.Email,
			Subject:  subject,
			TextBody: text,
			HtmlBody: "<p>" + html.EscapeString(text) + "</p>",
			Tag:      ev.Kind,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("email user %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func compose(ev notify.Event) (subject, text string) {
	switch ev.Kind {
	case notify.KindSubmissionCreated:
		return "New submission to review: " + ev.TaskTitle,
			fmt.Sprintf("%s (due %s) was submitted and is waiting for review.", ev.TaskTitle, ev.DueDate)
	case notify.KindSubmissionVerified:
		return "Approved: " + ev.TaskTitle,
			fmt.Sprintf("Your submission for %s (due %s) was approved.", ev.TaskTitle, ev.DueDate) + notes(ev)
	case notify.KindSubmissionRejected:
		return "Not approved: " + ev.TaskTitle,
			fmt.Sprintf("Your submission for %s (due %s) was not approved.", ev.TaskTitle, ev.DueDate) + notes(ev)
	case notify.KindAssignmentReopened:
		return "Try again: " + ev.TaskTitle,
			fmt.Sprintf("%s (due %s) was reopened. You can submit new evidence.", ev.TaskTitle, ev.DueDate)
	}
	return "Chore update", ev.TaskTitle
}

func notes(ev notify.Event) string {
	if ev.AdminNotes == "" {
		return ""
	}
	return " Notes: " + ev.AdminNotes
}
