package model

import "time"

// TimeSlot narrows the submission window to a clock-time range within the due date.
// StartTime and EndTime are "HH:MM" wall-clock values.
type TimeSlot struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Label     string `json:"label,omitempty"`
	Points    *int   `json:"points,omitempty"`
}

// Assignment is one member's instance of a task for a specific day.
type Assignment struct {
	ID            int64      `json:"id"`
	TaskID        int64      `json:"task_id"`
	UserID        int64      `json:"user_id"`
	HouseholdID   int64      `json:"household_id"`
	DueDate       string     `json:"due_date"`
	RotationWeek  int        `json:"rotation_week"`
	WeekStart     string     `json:"week_start"`
	WeekEnd       string     `json:"week_end"`
	AssignmentDay string     `json:"assignment_day,omitempty"`
	TimeSlot      *TimeSlot  `json:"time_slot,omitempty"`
	Completed     bool       `json:"completed"`
	CompletedAt   *time.Time `json:"completed_at"`
	Verified      *bool      `json:"verified"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty"`
	VerifiedBy    *int64     `json:"verified_by,omitempty"`
	PhotoURL      string     `json:"photo_url,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	AdminNotes    string     `json:"admin_notes,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// EffectivePoints returns the slot's point override when present, otherwise the task default.
func (a Assignment) EffectivePoints(taskPoints int) int {
	if a.TimeSlot != nil && a.TimeSlot.Points != nil {
		return *a.TimeSlot.Points
	}
	return taskPoints
}

// AssignmentDetail is an assignment joined with its task, assignee and household.
type AssignmentDetail struct {
	Assignment
	Task          Task   `json:"task"`
	UserName      string `json:"user_name"`
	HouseholdName string `json:"household_name"`
	Points        int    `json:"points"`
}

// Evidence is the proof of completion attached on submit.
type Evidence struct {
	PhotoURL string `json:"photo_url"`
	Notes    string `json:"notes"`
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

const (
	ScopeHousehold = "household"
	ScopeUser      = "user"
)

// ListParams are the caller-facing listing filters.
type ListParams struct {
	// Scope is "household" (default) or "user".
	Scope     string
	UserID    int64
	Status    string
	Week      *int
	WeekStart string
	Page      int
	Limit     int
}

// AssignmentPage is one page of a filtered assignment listing.
type AssignmentPage struct {
	Items []Assignment `json:"items"`
	Total int          `json:"total"`
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
}

// Stats holds verification counters for a household.
type Stats struct {
	HouseholdID         int64 `json:"household_id"`
	PendingVerification int   `json:"pending_verification"`
	VerifiedAssignments int   `json:"verified_assignments"`
	RejectedAssignments int   `json:"rejected_assignments"`
	NotSubmitted        int   `json:"not_submitted"`
	Total               int   `json:"total"`
}
