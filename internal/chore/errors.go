package chore

import "errors"

// Reason is the machine-readable code carried by every domain error.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonNotDueDate        Reason = "NOT_DUE_DATE"
	ReasonWindowNotOpen     Reason = "WINDOW_NOT_OPEN"
	ReasonWindowClosed      Reason = "WINDOW_CLOSED"
	ReasonInvalidTimeSlot   Reason = "INVALID_TIME_SLOT"
	ReasonAlreadySubmitted  Reason = "ALREADY_SUBMITTED"
	ReasonNotSubmitted      Reason = "NOT_SUBMITTED"
	ReasonAlreadyTerminal   Reason = "ALREADY_TERMINAL"
	ReasonInvalidTransition Reason = "INVALID_TRANSITION"
	ReasonResubmitDisabled  Reason = "RESUBMIT_DISABLED"
	ReasonMissingEvidence   Reason = "MISSING_EVIDENCE"
	ReasonForbidden         Reason = "FORBIDDEN"
	ReasonNotFound          Reason = "NOT_FOUND"
)

// Error is an expected, user-facing failure. Its message is safe to show verbatim.
type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrNotDueDate        = &Error{ReasonNotDueDate, "this assignment is not due today"}
	ErrWindowNotOpen     = &Error{ReasonWindowNotOpen, "the submission window has not opened yet"}
	ErrWindowClosed      = &Error{ReasonWindowClosed, "the submission window has closed"}
	ErrInvalidTimeSlot   = &Error{ReasonInvalidTimeSlot, "the assignment time slot is invalid"}
	ErrAlreadySubmitted  = &Error{ReasonAlreadySubmitted, "this assignment has already been submitted"}
	ErrNotSubmitted      = &Error{ReasonNotSubmitted, "this assignment has not been submitted yet"}
	ErrAlreadyReviewed   = &Error{ReasonAlreadyTerminal, "this assignment has already been reviewed"}
	ErrInvalidTransition = &Error{ReasonInvalidTransition, "this action is not allowed in the current state"}
	ErrResubmitDisabled  = &Error{ReasonResubmitDisabled, "resubmission after rejection is not enabled"}
	ErrMissingEvidence   = &Error{ReasonMissingEvidence, "a photo is required to submit"}
	ErrForbidden         = &Error{ReasonForbidden, "you are not allowed to perform this action"}
	ErrNotFound          = &Error{ReasonNotFound, "assignment not found"}
)

var byReason = map[Reason]*Error{}

func init() {
	for _, e := range []*Error{
		ErrNotDueDate, ErrWindowNotOpen, ErrWindowClosed, ErrInvalidTimeSlot,
		ErrAlreadySubmitted, ErrNotSubmitted, ErrAlreadyReviewed, ErrInvalidTransition,
		ErrResubmitDisabled, ErrMissingEvidence, ErrForbidden, ErrNotFound,
	} {
		byReason[e.Reason] = e
	}
}

// ErrorFor returns the sentinel for a reason code, or nil for an unknown code.
func ErrorFor(r Reason) *Error {
	return byReason[r]
}

// ReasonOf extracts the reason code from a (possibly wrapped) domain error.
func ReasonOf(err error) Reason {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	return ReasonNone
}

// IsDomain reports whether err is an expected domain error rather than an infrastructure failure.
func IsDomain(err error) bool {
	return ReasonOf(err) != ReasonNone
}

// IsGuardFailure reports whether err rejected a transition because of the assignment's current state.
func IsGuardFailure(err error) bool {
	switch ReasonOf(err) {
	case ReasonAlreadySubmitted, ReasonNotSubmitted, ReasonAlreadyTerminal, ReasonInvalidTransition:
		return true
	}
	return false
}
