package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/chorecheck/internal/chore"
	"github.com/dukerupert/chorecheck/internal/model"
	"github.com/dukerupert/chorecheck/internal/store"
)

const sentRetention = 7 * 24 * time.Hour

// Scheduler reminds assignees once when the submission window of a slotted
// assignment opens.
type Scheduler struct {
	mu          sync.RWMutex
	sender      sender
	push        *store.PushStore
	assignments *store.AssignmentStore
	tasks       *store.TaskStore
	loc         *time.Location
	logger      *slog.Logger
	interval    time.Duration
	now         func() time.Time
	lastCleanup time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewScheduler(svc *Service, pushStore *store.PushStore, assignments *store.AssignmentStore, tasks *store.TaskStore, loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		sender:      svc,
		push:        pushStore,
		assignments: assignments,
		tasks:       tasks,
		loc:         loc,
		logger:      logger.With("component", "push_scheduler"),
		interval:    60 * time.Second,
		now:         time.Now,
	}
}

// Start begins the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().In(s.loc)

	as, err := s.assignments.ListOpenWithSlot(now.Format(chore.DateLayout))
	if err != nil {
		s.logger.Error("list open assignments", "error", err)
		return
	}
	for _, a := range as {
		s.remind(ctx, a, now)
	}

	if now.Sub(s.lastCleanup) > time.Hour {
		if err := s.push.CleanupSent(now.Add(-sentRetention)); err != nil {
			s.logger.Error("cleanup sent notifications", "error", err)
		}
		s.lastCleanup = now
	}
}

func (s *Scheduler) remind(ctx context.Context, a model.Assignment, now time.Time) {
	elig, err := chore.EvaluateAssignment(a, s.loc, now)
	if err != nil || !elig.CanSubmit || elig.SubmissionStart == nil {
		return
	}

	refID := fmt.Sprintf("assignment-%d", a.ID)
	leadTime := int(chore.SubmissionLead / time.Minute)
	first, err := s.push.RecordSent(a.HouseholdID, model.NotifTypeWindowOpen, refID, leadTime)
	if err != nil {
		s.logger.Error("record reminder", "assignment_id", a.ID, "error", err)
		return
	}
	if !first {
		return
	}

	enabled, err := s.push.IsPreferenceEnabled(a.UserID, a.HouseholdID, model.NotifTypeWindowOpen)
	if err != nil || !enabled {
		return
	}

	title := "Chore"
	if t, err := s.tasks.GetByID(a.TaskID); err == nil && t != nil {
		title = t.Title
	}
	payload := Payload{
		Title: "Submission window open",
		Body:  fmt.Sprintf("%s can be submitted until %s", title, elig.GraceEnd.Format("15:04")),
		URL:   fmt.Sprintf("/assignments/%d", a.ID),
		Tag:   refID,
	}

	subs, err := s.push.ListByUser(a.UserID, a.HouseholdID)
	if err != nil {
		s.logger.Error("list subscriptions", "user_id", a.UserID, "error", err)
		return
	}
	for _, sub := range subs {
		if err := s.sender.Send(ctx, &sub, payload); err != nil {
			if errors.Is(err, ErrExpired) {
				s.push.DeleteByEndpoint(sub.Endpoint)
				continue
			}
			s.logger.Warn("send window reminder", "assignment_id", a.ID, "error", err)
		}
	}
}
