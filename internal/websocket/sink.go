package websocket

import (
	"context"
	"strings"

	"github.com/dukerupert/chorecheck/internal/notify"
)

// Sink delivers lifecycle events to connected recipients and tells the rest of the
// household that the assignment changed so their views can refresh.
type Sink struct {
	hub *Hub
}

func NewSink(hub *Hub) *Sink {
	return &Sink{hub: hub}
}

func (s *Sink) Name() string { return "websocket" }

func (s *Sink) Deliver(_ context.Context, ev notify.Event, userIDs []int64) error {
	extra := map[string]any{
		"task_title": ev.TaskTitle,
		"due_date":   ev.DueDate,
	}
	if ev.AdminNotes != "" {
		extra["admin_notes"] = ev.AdminNotes
	}
	s.hub.SendToUsers(ev.HouseholdID, userIDs, NewMessage("notification", ev.Kind, ev.AssignmentID, extra))
	s.hub.BroadcastHousehold(ev.HouseholdID, NewMessage("assignment", actionFor(ev.Kind), ev.AssignmentID, nil))
	return nil
}

// actionFor maps an event kind like "submission_verified" to "verified".
func actionFor(kind string) string {
	if i := strings.LastIndexByte(kind, '_'); i >= 0 {
		return kind[i+1:]
	}
	return kind
}
