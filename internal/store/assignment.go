package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/chorecheck/internal/chore"
	"github.com/dukerupert/chorecheck/internal/model"
)

// Status filters accepted by AssignmentStore.List.
const (
	StatusPending  = "pending"
	StatusVerified = "verified"
	StatusRejected = "rejected"
	StatusOpen     = "open"
)

// AssignmentFilter narrows an assignment listing. HouseholdID is required.
type AssignmentFilter struct {
	HouseholdID int64
	UserID      *int64
	Status      string
	Week        *int
	WeekStart   string
	DueDate     string
	Page        int
	Limit       int
}

func (f *AssignmentFilter) normalize() error {
	switch f.Status {
	case "", StatusPending, StatusVerified, StatusRejected, StatusOpen:
	default:
		return fmt.Errorf("invalid status filter: %q", f.Status)
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = model.DefaultPageLimit
	}
	if f.Limit > model.MaxPageLimit {
		f.Limit = model.MaxPageLimit
	}
	return nil
}

func statusPredicate(status string) string {
	switch status {
	case StatusPending:
		return "completed = 1 AND verified IS NULL"
	case StatusVerified:
		return "verified = 1"
	case StatusRejected:
		return "verified = 0"
	case StatusOpen:
		return "completed = 0"
	}
	return ""
}

type AssignmentStore struct {
	db *sql.DB
}

func NewAssignmentStore(db *sql.DB) *AssignmentStore {
	return &AssignmentStore{db: db}
}

func scanAssignment(scanner interface{ Scan(...any) error }) (*model.Assignment, error) {
	var a model.Assignment
	var slotStart, slotEnd, slotLabel sql.NullString
	var slotPoints sql.NullInt64
	var completedAt, verifiedAt sql.NullTime
	var verified sql.NullBool
	var verifiedBy sql.NullInt64

	err := scanner.Scan(
		&a.ID, &a.TaskID, &a.UserID, &a.HouseholdID, &a.DueDate,
		&a.RotationWeek, &a.WeekStart, &a.WeekEnd, &a.AssignmentDay,
		&slotStart, &slotEnd, &slotLabel, &slotPoints,
		&a.Completed, &completedAt, &verified, &verifiedAt, &verifiedBy,
		&a.PhotoURL, &a.Notes, &a.AdminNotes,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if slotEnd.Valid {
		a.TimeSlot = &model.TimeSlot{
			StartTime: slotStart.String,
			EndTime:   slotEnd.String,
			Label:     slotLabel.String,
		}
		if slotPoints.Valid {
			p := int(slotPoints.Int64)
			a.TimeSlot.Points = &p
		}
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.Time
	}
	if verified.Valid {
		a.Verified = &verified.Bool
	}
	if verifiedAt.Valid {
		a.VerifiedAt = &verifiedAt.Time
	}
	if verifiedBy.Valid {
		a.VerifiedBy = &verifiedBy.Int64
	}
	return &a, nil
}

const assignmentCols = `id, task_id, user_id, household_id, due_date,
	rotation_week, week_start, week_end, assignment_day,
	slot_start, slot_end, slot_label, slot_points,
	completed, completed_at, verified, verified_at, verified_by,
	photo_url, notes, admin_notes,
	created_at, updated_at`

// Create inserts a new pending assignment. Week bounds and the weekday default
// from the due date when empty.
func (s *AssignmentStore) Create(a model.Assignment) (*model.Assignment, error) {
	day, err := chore.ParseDate(a.DueDate, time.UTC)
	if err != nil {
		return nil, err
	}
	if err := chore.ValidateTimeSlot(a.TimeSlot); err != nil {
		return nil, err
	}

	if a.WeekStart == "" || a.WeekEnd == "" {
		start, end := weekBounds(day)
		a.WeekStart = start.Format(chore.DateLayout)
		a.WeekEnd = end.Format(chore.DateLayout)
	}
	if a.AssignmentDay == "" {
		a.AssignmentDay = strings.ToLower(day.Weekday().String())
	}

	var slotStart, slotEnd, slotLabel sql.NullString
	var slotPoints sql.NullInt64
	if a.TimeSlot != nil {
		slotStart = sql.NullString{String: a.TimeSlot.StartTime, Valid: true}
		slotEnd = sql.NullString{String: a.TimeSlot.EndTime, Valid: true}
		slotLabel = sql.NullString{String: a.TimeSlot.Label, Valid: a.TimeSlot.Label != ""}
		if a.TimeSlot.Points != nil {
			slotPoints = sql.NullInt64{Int64: int64(*a.TimeSlot.Points), Valid: true}
		}
	}

	result, err := s.db.Exec(
		`INSERT INTO assignments (task_id, user_id, household_id, due_date, rotation_week, week_start, week_end, assignment_day, slot_start, slot_end, slot_label, slot_points)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TaskID, a.UserID, a.HouseholdID, a.DueDate, a.RotationWeek, a.WeekStart, a.WeekEnd, a.AssignmentDay,
		slotStart, slotEnd, slotLabel, slotPoints,
	)
	if err != nil {
		return nil, fmt.Errorf("insert assignment: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

// weekBounds returns the Monday and Sunday of the week containing day.
func weekBounds(day time.Time) (time.Time, time.Time) {
	offset := (int(day.Weekday()) + 6) % 7
	start := day.AddDate(0, 0, -offset)
	return start, start.AddDate(0, 0, 6)
}

func (s *AssignmentStore) GetByID(id int64) (*model.Assignment, error) {
	row := s.db.QueryRow(`SELECT `+assignmentCols+` FROM assignments WHERE id = ?`, id)
	a, err := scanAssignment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return a, nil
}

// GetDetail returns the assignment joined with its task, assignee and household.
func (s *AssignmentStore) GetDetail(id int64) (*model.AssignmentDetail, error) {
	a, err := s.GetByID(id)
	if err != nil || a == nil {
		return nil, err
	}

	d := model.AssignmentDetail{Assignment: *a}
	err = s.db.QueryRow(
		`SELECT t.id, t.household_id, t.title, t.description, t.points, t.created_at, t.updated_at, u.name, h.name
		 FROM assignments a
		 JOIN tasks t ON t.id = a.task_id
		 JOIN users u ON u.id = a.user_id
		 JOIN households h ON h.id = a.household_id
		 WHERE a.id = ?`, id,
	).Scan(
		&d.Task.ID, &d.Task.HouseholdID, &d.Task.Title, &d.Task.Description, &d.Task.Points,
		&d.Task.CreatedAt, &d.Task.UpdatedAt, &d.UserName, &d.HouseholdName,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment detail: %w", err)
	}
	d.Points = a.EffectivePoints(d.Task.Points)
	return &d, nil
}

// List returns one page of assignments matching f, most recent due date first.
func (s *AssignmentStore) List(f AssignmentFilter) (*model.AssignmentPage, error) {
	if err := f.normalize(); err != nil {
		return nil, err
	}

	where := []string{"household_id = ?"}
	args := []any{f.HouseholdID}
	if f.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *f.UserID)
	}
	if p := statusPredicate(f.Status); p != "" {
		where = append(where, p)
	}
	if f.Week != nil {
		where = append(where, "rotation_week = ?")
		args = append(args, *f.Week)
	}
	if f.WeekStart != "" {
		where = append(where, "week_start = ?")
		args = append(args, f.WeekStart)
	}
	if f.DueDate != "" {
		where = append(where, "due_date = ?")
		args = append(args, f.DueDate)
	}
	clause := strings.Join(where, " AND ")

	page := &model.AssignmentPage{Page: f.Page, Limit: f.Limit, Items: []model.Assignment{}}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM assignments WHERE `+clause, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("count assignments: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT `+assignmentCols+` FROM assignments WHERE `+clause+
			` ORDER BY due_date DESC, COALESCE(slot_end, '') ASC, id ASC LIMIT ? OFFSET ?`,
		append(args, f.Limit, (f.Page-1)*f.Limit)...,
	)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		page.Items = append(page.Items, *a)
	}
	return page, rows.Err()
}

// ListOpenWithSlot returns unsubmitted assignments due on dueDate that carry a time slot.
func (s *AssignmentStore) ListOpenWithSlot(dueDate string) ([]model.Assignment, error) {
	rows, err := s.db.Query(
		`SELECT `+assignmentCols+` FROM assignments WHERE due_date = ? AND completed = 0 AND slot_end IS NOT NULL ORDER BY slot_end ASC, id ASC`,
		dueDate,
	)
	if err != nil {
		return nil, fmt.Errorf("list open assignments: %w", err)
	}
	defer rows.Close()

	var as []model.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		as = append(as, *a)
	}
	return as, rows.Err()
}

func (s *AssignmentStore) Stats(householdID int64) (*model.Stats, error) {
	st := model.Stats{HouseholdID: householdID}
	err := s.db.QueryRow(
		`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN completed = 1 AND verified IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN verified = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN verified = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN completed = 0 THEN 1 ELSE 0 END), 0)
		 FROM assignments WHERE household_id = ?`, householdID,
	).Scan(&st.Total, &st.PendingVerification, &st.VerifiedAssignments, &st.RejectedAssignments, &st.NotSubmitted)
	if err != nil {
		return nil, fmt.Errorf("assignment stats: %w", err)
	}
	return &st, nil
}

// MarkSubmitted records evidence on a pending assignment. It reports false when the
// assignment was no longer pending.
func (s *AssignmentStore) MarkSubmitted(id int64, ev model.Evidence, at time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE assignments SET completed = 1, completed_at = ?, photo_url = ?, notes = ?
		 WHERE id = ? AND completed = 0`,
		at.UTC(), strings.TrimSpace(ev.PhotoURL), ev.Notes, id,
	)
	if err != nil {
		return false, fmt.Errorf("mark submitted: %w", err)
	}
	return affectedOne(result)
}

// MarkReviewed records an admin decision on a submitted assignment. It reports false
// when the assignment was not awaiting review.
func (s *AssignmentStore) MarkReviewed(id int64, approved bool, adminNotes string, reviewerID int64, at time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE assignments SET verified = ?, verified_at = ?, verified_by = ?, admin_notes = ?
		 WHERE id = ? AND completed = 1 AND verified IS NULL`,
		approved, at.UTC(), reviewerID, adminNotes, id,
	)
	if err != nil {
		return false, fmt.Errorf("mark reviewed: %w", err)
	}
	return affectedOne(result)
}

// Reopen returns a rejected assignment to pending and clears its evidence.
func (s *AssignmentStore) Reopen(id int64) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE assignments SET completed = 0, completed_at = NULL, verified = NULL, verified_at = NULL,
			verified_by = NULL, photo_url = '', notes = ''
		 WHERE id = ? AND verified = 0`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("reopen assignment: %w", err)
	}
	return affectedOne(result)
}

func (s *AssignmentStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM assignments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete assignment: %w", err)
	}
	return nil
}

func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
