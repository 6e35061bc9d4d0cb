// Package service implements the authoritative assignment operations: capability
// checks, guarded transitions against the store, and event emission.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/dukerupert/chorecheck/internal/auth"
	"github.com/dukerupert/chorecheck/internal/chore"
	"github.com/dukerupert/chorecheck/internal/model"
	"github.com/dukerupert/chorecheck/internal/notify"
	"github.com/dukerupert/chorecheck/internal/store"
)

type Options struct {
	// Location is the calendar due dates and slot times are interpreted in.
	Location *time.Location
	Policy   chore.Policy
	Now      func() time.Time
}

type AssignmentService struct {
	assignments *store.AssignmentStore
	tasks       *store.TaskStore
	households  *store.HouseholdStore
	machine     *chore.Machine
	notifier    notify.Notifier
	loc         *time.Location
	now         func() time.Time
	logger      *slog.Logger
}

func New(assignments *store.AssignmentStore, tasks *store.TaskStore, households *store.HouseholdStore, notifier notify.Notifier, logger *slog.Logger, opts Options) *AssignmentService {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &AssignmentService{
		assignments: assignments,
		tasks:       tasks,
		households:  households,
		machine:     chore.NewMachine(opts.Policy),
		notifier:    notifier,
		loc:         opts.Location,
		now:         opts.Now,
		logger:      logger.With("component", "assignments"),
	}
}

func (s *AssignmentService) Location() *time.Location {
	return s.loc
}

func (s *AssignmentService) Policy() chore.Policy {
	return s.machine.Policy()
}

// load fetches an assignment visible to the actor.
func (s *AssignmentService) load(actor auth.AuthContext, id int64) (*model.Assignment, error) {
	a, err := s.assignments.GetByID(id)
	if err != nil {
		return nil, goerr.Wrap(err, "load assignment", goerr.V("assignment_id", id))
	}
	if a == nil || a.HouseholdID != actor.HouseholdID {
		return nil, goerr.Wrap(chore.ErrNotFound, "assignment not found", goerr.V("assignment_id", id))
	}
	return a, nil
}

// requireAdmin checks the actor's membership role in the store rather than trusting the session.
func (s *AssignmentService) requireAdmin(actor auth.AuthContext) error {
	m, err := s.households.GetMember(actor.HouseholdID, actor.UserID)
	if err != nil {
		return goerr.Wrap(err, "load membership", goerr.V("user_id", actor.UserID))
	}
	if m == nil || !m.IsAdmin() {
		return goerr.Wrap(chore.ErrForbidden, "admin capability required", goerr.V("user_id", actor.UserID))
	}
	return nil
}

func (s *AssignmentService) GetAssignment(ctx context.Context, actor auth.AuthContext, id int64) (*model.AssignmentDetail, error) {
	d, err := s.assignments.GetDetail(id)
	if err != nil {
		return nil, goerr.Wrap(err, "load assignment detail", goerr.V("assignment_id", id))
	}
	if d == nil || d.HouseholdID != actor.HouseholdID {
		return nil, goerr.Wrap(chore.ErrNotFound, "assignment not found", goerr.V("assignment_id", id))
	}
	return d, nil
}

// CheckSubmissionWindow evaluates the window against the server clock. clientTime,
// when given, is only used to report skew.
func (s *AssignmentService) CheckSubmissionWindow(ctx context.Context, actor auth.AuthContext, id int64, clientTime *time.Time) (*chore.WindowResult, error) {
	a, err := s.load(actor, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	elig, err := chore.EvaluateAssignment(*a, s.loc, now)
	if err != nil {
		return nil, goerr.Wrap(err, "evaluate window", goerr.V("assignment_id", id))
	}

	res := &chore.WindowResult{Eligibility: elig, ServerTime: now.In(s.loc)}
	if clientTime != nil {
		skew := int64(clientTime.Sub(now).Round(time.Second) / time.Second)
		res.ClockSkewSeconds = &skew
	}
	return res, nil
}

// Submit attaches evidence to a pending assignment. Only the assignee may submit,
// and only inside the submission window.
func (s *AssignmentService) Submit(ctx context.Context, actor auth.AuthContext, id int64, ev model.Evidence) (*model.Assignment, error) {
	a, err := s.load(actor, id)
	if err != nil {
		return nil, err
	}
	if a.UserID != actor.UserID {
		return nil, goerr.Wrap(chore.ErrForbidden, "only the assignee can submit", goerr.V("assignment_id", id), goerr.V("user_id", actor.UserID))
	}

	now := s.now()
	elig, err := chore.EvaluateAssignment(*a, s.loc, now)
	if err != nil {
		return nil, goerr.Wrap(err, "evaluate window", goerr.V("assignment_id", id))
	}
	if err := s.machine.CheckSubmit(*a, ev, elig); err != nil {
		return nil, goerr.Wrap(err, "submit refused", goerr.V("assignment_id", id), goerr.V("state", chore.StateOf(*a)))
	}

	ok, err := s.assignments.MarkSubmitted(id, ev, now)
	if err != nil {
		return nil, goerr.Wrap(err, "mark submitted", goerr.V("assignment_id", id))
	}
	if !ok {
		return nil, s.lostRace(actor, id, chore.ActionSubmit)
	}

	updated, err := s.load(actor, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("assignment submitted", "assignment_id", id, "user_id", actor.UserID)
	s.emit(ctx, notify.KindSubmissionCreated, updated, actor.UserID)
	return updated, nil
}

// Verify records an admin's decision on a submitted assignment. When two admins
// race, the first write wins and the other receives ErrAlreadyReviewed.
func (s *AssignmentService) Verify(ctx context.Context, actor auth.AuthContext, id int64, approved bool, adminNotes string) (*model.Assignment, error) {
	a, err := s.load(actor, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireAdmin(actor); err != nil {
		return nil, err
	}
	action := chore.ReviewAction(approved)
	if err := s.machine.Guard(*a, action); err != nil {
		return nil, goerr.Wrap(err, "review refused", goerr.V("assignment_id", id), goerr.V("state", chore.StateOf(*a)))
	}

	ok, err := s.assignments.MarkReviewed(id, approved, adminNotes, actor.UserID, s.now())
	if err != nil {
		return nil, goerr.Wrap(err, "mark reviewed", goerr.V("assignment_id", id))
	}
	if !ok {
		return nil, s.lostRace(actor, id, action)
	}

	updated, err := s.load(actor, id)
	if err != nil {
		return nil, err
	}
	kind := notify.KindSubmissionRejected
	if approved {
		kind = notify.KindSubmissionVerified
	}
	s.logger.Info("assignment reviewed", "assignment_id", id, "verified", approved, "reviewer_id", actor.UserID)
	s.emit(ctx, kind, updated, actor.UserID)
	return updated, nil
}

// Reopen returns a rejected assignment to pending when resubmission is enabled.
func (s *AssignmentService) Reopen(ctx context.Context, actor auth.AuthContext, id int64) (*model.Assignment, error) {
	a, err := s.load(actor, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := s.machine.Guard(*a, chore.ActionReopen); err != nil {
		return nil, goerr.Wrap(err, "reopen refused", goerr.V("assignment_id", id), goerr.V("state", chore.StateOf(*a)))
	}

	ok, err := s.assignments.Reopen(id)
	if err != nil {
		return nil, goerr.Wrap(err, "reopen assignment", goerr.V("assignment_id", id))
	}
	if !ok {
		return nil, s.lostRace(actor, id, chore.ActionReopen)
	}

	updated, err := s.load(actor, id)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, notify.KindAssignmentReopened, updated, actor.UserID)
	return updated, nil
}

// lostRace explains a conditional update that matched no row by re-reading the
// assignment and running the guard against its current state.
func (s *AssignmentService) lostRace(actor auth.AuthContext, id int64, action chore.Action) error {
	current, err := s.load(actor, id)
	if err != nil {
		return err
	}
	guardErr := s.machine.Guard(*current, action)
	if guardErr == nil {
		guardErr = chore.ErrInvalidTransition
	}
	s.logger.Info("transition lost race", "assignment_id", id, "action", action, "state", chore.StateOf(*current))
	return goerr.Wrap(guardErr, "concurrent transition", goerr.V("assignment_id", id), goerr.V("state", chore.StateOf(*current)))
}

func (s *AssignmentService) emit(ctx context.Context, kind string, a *model.Assignment, actorID int64) {
	ev := notify.Event{
		Kind:         kind,
		AssignmentID: a.ID,
		HouseholdID:  a.HouseholdID,
		AssigneeID:   a.UserID,
		ActorID:      actorID,
		DueDate:      a.DueDate,
		AdminNotes:   a.AdminNotes,
		OccurredAt:   s.now(),
	}
	if t, err := s.tasks.GetByID(a.TaskID); err != nil {
		s.logger.Warn("load task for event", "task_id", a.TaskID, "error", err)
	} else if t != nil {
		ev.TaskTitle = t.Title
	}
	s.notifier.Notify(ctx, ev)
}

func (s *AssignmentService) List(ctx context.Context, actor auth.AuthContext, p model.ListParams) (*model.AssignmentPage, error) {
	f := store.AssignmentFilter{
		HouseholdID: actor.HouseholdID,
		Status:      p.Status,
		Week:        p.Week,
		WeekStart:   p.WeekStart,
		Page:        p.Page,
		Limit:       p.Limit,
	}
	switch p.Scope {
	case "", model.ScopeHousehold:
		if p.UserID != 0 {
			f.UserID = &p.UserID
		}
	case model.ScopeUser:
		uid := p.UserID
		if uid == 0 {
			uid = actor.UserID
		}
		f.UserID = &uid
	default:
		return nil, goerr.New("invalid scope", goerr.V("scope", p.Scope))
	}

	page, err := s.assignments.List(f)
	if err != nil {
		return nil, goerr.Wrap(err, "list assignments", goerr.V("household_id", actor.HouseholdID))
	}
	return page, nil
}

func (s *AssignmentService) Stats(ctx context.Context, actor auth.AuthContext, householdID int64) (*model.Stats, error) {
	if householdID != actor.HouseholdID {
		return nil, goerr.Wrap(chore.ErrForbidden, "stats of another household", goerr.V("household_id", householdID))
	}
	st, err := s.assignments.Stats(householdID)
	if err != nil {
		return nil, goerr.Wrap(err, "load stats", goerr.V("household_id", householdID))
	}
	return st, nil
}

// Create adds an assignment for a member of the actor's household.
func (s *AssignmentService) Create(ctx context.Context, actor auth.AuthContext, a model.Assignment) (*model.Assignment, error) {
	if err := s.requireAdmin(actor); err != nil {
		return nil, err
	}
	a.HouseholdID = actor.HouseholdID

	t, err := s.tasks.GetByID(a.TaskID)
	if err != nil {
		return nil, goerr.Wrap(err, "load task", goerr.V("task_id", a.TaskID))
	}
	if t == nil || t.HouseholdID != actor.HouseholdID {
		return nil, goerr.Wrap(chore.ErrNotFound, "task not found", goerr.V("task_id", a.TaskID))
	}
	m, err := s.households.GetMember(actor.HouseholdID, a.UserID)
	if err != nil {
		return nil, goerr.Wrap(err, "load assignee", goerr.V("user_id", a.UserID))
	}
	if m == nil {
		return nil, goerr.Wrap(chore.ErrNotFound, "assignee is not a household member", goerr.V("user_id", a.UserID))
	}

	created, err := s.assignments.Create(a)
	if err != nil {
		return nil, goerr.Wrap(err, "create assignment", goerr.V("task_id", a.TaskID), goerr.V("due_date", a.DueDate))
	}
	return created, nil
}

// AuthorizeEvidence checks that the actor may upload evidence for an assignment:
// they must be its assignee and it must still be pending.
func (s *AssignmentService) AuthorizeEvidence(ctx context.Context, actor auth.AuthContext, id int64) (*model.Assignment, error) {
	a, err := s.load(actor, id)
	if err != nil {
		return nil, err
	}
	if a.UserID != actor.UserID {
		return nil, goerr.Wrap(chore.ErrForbidden, "only the assignee can upload evidence", goerr.V("assignment_id", id))
	}
	if err := s.machine.Guard(*a, chore.ActionSubmit); err != nil {
		return nil, goerr.Wrap(err, "evidence refused", goerr.V("assignment_id", id))
	}
	return a, nil
}
