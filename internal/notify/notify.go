// Package notify fans assignment lifecycle events out to the people who need to hear about them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/chorecheck/internal/model"
)

// Event kinds.
const (
	KindSubmissionCreated  = model.NotifTypeSubmissionCreated
	KindSubmissionVerified = model.NotifTypeSubmissionVerified
	KindSubmissionRejected = model.NotifTypeSubmissionRejected
	KindAssignmentReopened = model.NotifTypeAssignmentReopened
)

// Event describes one successful assignment transition.
type Event struct {
	Kind         string    `json:"kind"`
	AssignmentID int64     `json:"assignment_id"`
	HouseholdID  int64     `json:"household_id"`
	AssigneeID   int64     `json:"assignee_id"`
	ActorID      int64     `json:"actor_id"`
	TaskTitle    string    `json:"task_title"`
	DueDate      string    `json:"due_date"`
	AdminNotes   string    `json:"admin_notes,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Notifier receives events after the transition they describe has been committed.
// Implementations must not block the caller on delivery.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Sink delivers an event to a set of users over one channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event, userIDs []int64) error
}

// MemberLister looks up the admins of a household.
type MemberLister interface {
	ListAdmins(householdID int64) ([]model.HouseholdMember, error)
}

// Recipients returns the users an event fans out to.
func Recipients(ev Event, members MemberLister) ([]int64, error) {
	switch ev.Kind {
	case KindSubmissionCreated:
		admins, err := members.ListAdmins(ev.HouseholdID)
		if err != nil {
			return nil, fmt.Errorf("list admins: %w", err)
		}
		ids := make([]int64, 0, len(admins))
		for _, m := range admins {
			ids = append(ids, m.UserID)
		}
		return ids, nil
	case KindSubmissionVerified, KindSubmissionRejected, KindAssignmentReopened:
		return []int64{ev.AssigneeID}, nil
	}
	return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
}

// Dispatcher resolves recipients and delivers each event to every sink concurrently.
type Dispatcher struct {
	members MemberLister
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(members MemberLister, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		members: members,
		sinks:   sinks,
		logger:  logger.With("component", "notify"),
		timeout: 15 * time.Second,
	}
}

// Notify delivers ev in the background. Delivery outlives the caller's context.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Deliver(ctx, ev); err != nil {
			d.logger.Warn("deliver event", "kind", ev.Kind, "assignment_id", ev.AssignmentID, "error", err)
		}
	}()
}

// Deliver sends ev to every sink and waits for all of them. Every sink is attempted
// even when another fails.
func (d *Dispatcher) Deliver(ctx context.Context, ev Event) error {
	recipients, err := Recipients(ev, d.members)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		d.logger.Debug("event has no recipients", "kind", ev.Kind, "assignment_id", ev.AssignmentID)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var mu sync.Mutex
	var errs []error
	var g errgroup.Group
	for _, sink := range d.sinks {
		g.Go(func() error {
			if err := sink.Deliver(ctx, ev, recipients); err != nil {
				d.logger.Error("sink delivery failed", "sink", sink.Name(), "kind", ev.Kind, "assignment_id", ev.AssignmentID, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// Wait blocks until every background delivery started by Notify has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
