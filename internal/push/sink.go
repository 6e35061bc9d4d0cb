package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukerupert/chorecheck/internal/model"
	"github.com/dukerupert/chorecheck/internal/notify"
	"github.com/dukerupert/chorecheck/internal/store"
)

type sender interface {
	Send(ctx context.Context, sub *model.PushSubscription, payload Payload) error
}

// Sink delivers lifecycle events as web push notifications, honouring each
// recipient's per-type preference.
type Sink struct {
	sender sender
	store  *store.PushStore
	logger *slog.Logger
}

func NewSink(svc *Service, pushStore *store.PushStore, logger *slog.Logger) *Sink {
	return &Sink{
		sender: svc,
		store:  pushStore,
		logger: logger.With("component", "push"),
	}
}

func (s *Sink) Name() string { return "webpush" }

func (s *Sink) Deliver(ctx context.Context, ev notify.Event, userIDs []int64) error {
	var allowed []int64
	for _, uid := range userIDs {
		enabled, err := s.store.IsPreferenceEnabled(uid, ev.HouseholdID, ev.Kind)
		if err != nil {
			return err
		}
		if enabled {
			allowed = append(allowed, uid)
		}
	}

	subs, err := s.store.ListByUsers(ev.HouseholdID, allowed)
	if err != nil {
		return err
	}

	payload := payloadFor(ev)
	var errs []error
	for _, sub := range subs {
		if err := s.sender.Send(ctx, &sub, payload); err != nil {
			if errors.Is(err, ErrExpired) {
				s.logger.Info("removing expired subscription", "user_id", sub.UserID, "subscription_id", sub.ID)
				if err := s.store.DeleteByEndpoint(sub.Endpoint); err != nil {
					errs = append(errs, err)
				}
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func payloadFor(ev notify.Event) Payload {
	p := Payload{
		URL: fmt.Sprintf("/assignments/%d", ev.AssignmentID),
		Tag: fmt.Sprintf("assignment-%d", ev.AssignmentID),
	}
	switch ev.Kind {
	case notify.KindSubmissionCreated:
		p.Title = "New submission"
		p.Body = fmt.Sprintf("%s is waiting for review", ev.TaskTitle)
	case notify.KindSubmissionVerified:
		p.Title = "Chore verified"
		p.Body = fmt.Sprintf("%s was approved", ev.TaskTitle)
	case notify.KindSubmissionRejected:
		p.Title = "Chore rejected"
		p.Body = fmt.Sprintf("%s was not accepted", ev.TaskTitle)
	case notify.KindAssignmentReopened:
		p.Title = "Chore reopened"
		p.Body = fmt.Sprintf("%s can be submitted again", ev.TaskTitle)
	default:
		p.Title = "Chore update"
		p.Body = ev.TaskTitle
	}
	if ev.AdminNotes != "" {
		p.Body += ": " + ev.AdminNotes
	}
	return p
}
