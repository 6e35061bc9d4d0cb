package chore

import (
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/chorecheck/internal/model"
)

const (
	// SubmissionLead is how long before a slot's end time submission opens.
	SubmissionLead = 30 * time.Minute
	// GracePeriod is how long after a slot's end time submission is still accepted.
	GracePeriod = 30 * time.Minute

	DateLayout = "2006-01-02"
)

// Eligibility is the outcome of evaluating a submission window at an instant.
type Eligibility struct {
	CanSubmit       bool       `json:"can_submit"`
	Reason          Reason     `json:"reason,omitempty"`
	TimeLeftSeconds *int64     `json:"time_left_seconds,omitempty"`
	SubmissionStart *time.Time `json:"submission_start,omitempty"`
	GraceEnd        *time.Time `json:"grace_end,omitempty"`
	IsToday         bool       `json:"is_today"`
}

// Err returns the domain error matching the refusal reason, or nil when submission is allowed.
func (e Eligibility) Err() error {
	if e.CanSubmit {
		return nil
	}
	if de := ErrorFor(e.Reason); de != nil {
		return de
	}
	return ErrInvalidTransition
}

// WindowResult is the authoritative eligibility verdict plus the server clock.
type WindowResult struct {
	Eligibility
	ServerTime       time.Time `json:"server_time"`
	ClockSkewSeconds *int64    `json:"clock_skew_seconds,omitempty"`
}

// Evaluate decides whether evidence may be submitted at now for an assignment due on dueDate.
// The calendar day is taken in dueDate's location. Only the slot's end time anchors the window;
// both window boundaries are inclusive.
func Evaluate(dueDate time.Time, slot *model.TimeSlot, now time.Time) Eligibility {
	day := startOfDay(dueDate)
	local := now.In(day.Location())

	res := Eligibility{IsToday: sameDay(local, day)}

	var (
		start, graceEnd time.Time
		slotErr         error
	)
	if slot != nil {
		var slotEnd time.Time
		slotEnd, slotErr = AtClock(day, slot.EndTime)
		if slotErr == nil {
			start = slotEnd.Add(-SubmissionLead)
			graceEnd = slotEnd.Add(GracePeriod)
			res.SubmissionStart = &start
			res.GraceEnd = &graceEnd
		}
	}

	if !res.IsToday {
		res.Reason = ReasonNotDueDate
		return res
	}

	if slot == nil {
		res.CanSubmit = true
		return res
	}

	if slotErr != nil {
		res.Reason = ReasonInvalidTimeSlot
		return res
	}

	switch {
	case now.Before(start):
		res.Reason = ReasonWindowNotOpen
	case now.After(graceEnd):
		res.Reason = ReasonWindowClosed
	default:
		res.CanSubmit = true
		left := ceilSeconds(graceEnd.Sub(now))
		res.TimeLeftSeconds = &left
	}
	return res
}

// EvaluateAssignment parses the assignment's due date in loc and evaluates its window.
func EvaluateAssignment(a model.Assignment, loc *time.Location, now time.Time) (Eligibility, error) {
	due, err := ParseDate(a.DueDate, loc)
	if err != nil {
		return Eligibility{}, err
	}
	return Evaluate(due, a.TimeSlot, now), nil
}

// ParseDate parses a "YYYY-MM-DD" calendar date as midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// AtClock returns day at the wall-clock time given as "HH:MM" (or "HH:MM:SS").
// "24:00" denotes the end of the day.
func AtClock(day time.Time, clock string) (time.Time, error) {
	clock = strings.TrimSpace(clock)
	day = startOfDay(day)
	if clock == "24:00" {
		return day.AddDate(0, 0, 1), nil
	}

	var (
		t   time.Time
		err error
	)
	for _, layout := range []string{"15:04", "15:04:05"} {
		t, err = time.Parse(layout, clock)
		if err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parse clock %q: %w", clock, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), t.Second(), 0, day.Location()), nil
}

// ValidateTimeSlot checks that both clock times parse and the slot does not end before it starts.
func ValidateTimeSlot(slot *model.TimeSlot) error {
	if slot == nil {
		return nil
	}
	ref := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	end, err := AtClock(ref, slot.EndTime)
	if err != nil {
		return err
	}
	if slot.StartTime == "" {
		return nil
	}
	start, err := AtClock(ref, slot.StartTime)
	if err != nil {
		return err
	}
	if end.Before(start) {
		return fmt.Errorf("time slot ends (%s) before it starts (%s)", slot.EndTime, slot.StartTime)
	}
	return nil
}

func ceilSeconds(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if d%time.Second > 0 {
		secs++
	}
	return secs
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
