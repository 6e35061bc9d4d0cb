package chore

import (
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/chorecheck/internal/model"
)

// State is the lifecycle position of an assignment, derived from (completed, verified).
type State string

const (
	StatePending   State = "pending"
	StateSubmitted State = "submitted"
	StateVerified  State = "verified"
	StateRejected  State = "rejected"
)

// Terminal reports whether no further review is possible from s.
func (s State) Terminal() bool {
	return s == StateVerified || s == StateRejected
}

// StateOf derives the state of an assignment.
func StateOf(a model.Assignment) State {
	switch {
	case a.Verified != nil && *a.Verified:
		return StateVerified
	case a.Verified != nil:
		return StateRejected
	case a.Completed:
		return StateSubmitted
	default:
		return StatePending
	}
}

// Action names a state transition.
type Action string

const (
	ActionSubmit Action = "submit"
	ActionVerify Action = "verify"
	ActionReject Action = "reject"
	ActionReopen Action = "reopen"
)

type transition struct {
	from State
	to   State
}

var transitions = map[Action]transition{
	ActionSubmit: {from: StatePending, to: StateSubmitted},
	ActionVerify: {from: StateSubmitted, to: StateVerified},
	ActionReject: {from: StateSubmitted, to: StateRejected},
	ActionReopen: {from: StateRejected, to: StatePending},
}

// From returns the only state an action may be applied in.
func (a Action) From() State {
	return transitions[a].from
}

// To returns the state an action leads to.
func (a Action) To() State {
	return transitions[a].to
}

// ReviewAction maps an admin decision to its action.
func ReviewAction(approved bool) Action {
	if approved {
		return ActionVerify
	}
	return ActionReject
}

// Policy holds the lifecycle switches an operator may change.
type Policy struct {
	// AllowResubmit enables the Rejected -> Pending transition.
	AllowResubmit bool
}

// Machine enforces the assignment lifecycle.
type Machine struct {
	policy Policy
}

func NewMachine(p Policy) *Machine {
	return &Machine{policy: p}
}

func (m *Machine) Policy() Policy {
	return m.policy
}

// Guard returns a domain error if action cannot be applied to a in its current state.
func (m *Machine) Guard(a model.Assignment, action Action) error {
	t, ok := transitions[action]
	if !ok {
		return ErrInvalidTransition
	}
	if action == ActionReopen && !m.policy.AllowResubmit {
		return ErrResubmitDisabled
	}

	from := StateOf(a)
	if from == t.from {
		return nil
	}

	switch action {
	case ActionSubmit:
		if from == StateSubmitted {
			return ErrAlreadySubmitted
		}
		return ErrAlreadyReviewed
	case ActionVerify, ActionReject:
		if from == StatePending {
			return ErrNotSubmitted
		}
		return ErrAlreadyReviewed
	}
	return ErrInvalidTransition
}

// CheckSubmit validates a submission without applying it. The state guard runs first,
// then the window, then the evidence.
func (m *Machine) CheckSubmit(a model.Assignment, ev model.Evidence, elig Eligibility) error {
	if err := m.Guard(a, ActionSubmit); err != nil {
		return err
	}
	if err := elig.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(ev.PhotoURL) == "" {
		return ErrMissingEvidence
	}
	return nil
}

// Submit moves a from Pending to Submitted.
func (m *Machine) Submit(a *model.Assignment, ev model.Evidence, elig Eligibility, now time.Time) error {
	if err := m.CheckSubmit(*a, ev, elig); err != nil {
		return err
	}
	a.Completed = true
	a.CompletedAt = &now
	a.PhotoURL = strings.TrimSpace(ev.PhotoURL)
	a.Notes = ev.Notes
	return nil
}

// Review moves a from Submitted to Verified (approved) or Rejected.
func (m *Machine) Review(a *model.Assignment, approved bool, adminNotes string, reviewerID int64, now time.Time) error {
	if err := m.Guard(*a, ReviewAction(approved)); err != nil {
		return err
	}
	a.Verified = &approved
	a.AdminNotes = adminNotes
	a.VerifiedAt = &now
	a.VerifiedBy = &reviewerID
	return nil
}

// Reopen moves a rejected assignment back to Pending, discarding its evidence.
func (m *Machine) Reopen(a *model.Assignment) error {
	if err := m.Guard(*a, ActionReopen); err != nil {
		return err
	}
	a.Completed = false
	a.CompletedAt = nil
	a.Verified = nil
	a.VerifiedAt = nil
	a.VerifiedBy = nil
	a.PhotoURL = ""
	a.Notes = ""
	return nil
}

// CheckInvariants verifies the data-model invariants that must hold in every reachable state.
func CheckInvariants(a model.Assignment) error {
	if a.Verified != nil && !a.Completed {
		return fmt.Errorf("assignment %d: reviewed without a submission", a.ID)
	}
	if a.Completed != (a.CompletedAt != nil) {
		return fmt.Errorf("assignment %d: completed=%t but completed_at set=%t", a.ID, a.Completed, a.CompletedAt != nil)
	}
	return nil
}
