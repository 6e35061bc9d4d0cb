package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/chorecheck/internal/auth"
	"github.com/dukerupert/chorecheck/internal/chore"
	"github.com/dukerupert/chorecheck/internal/model"
	"github.com/dukerupert/chorecheck/internal/service"
	"github.com/dukerupert/chorecheck/internal/store"
)

type AssignmentHandler struct {
	svc    *service.AssignmentService
	logger *slog.Logger
}

func NewAssignmentHandler(svc *service.AssignmentService, logger *slog.Logger) *AssignmentHandler {
	return &AssignmentHandler{svc: svc, logger: logger.With("component", "assignment_handler")}
}

// Get handles GET /api/assignments/{id}
func (h *AssignmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	ac, _ := auth.FromContext(r.Context())

	d, err := h.svc.GetAssignment(r.Context(), ac, id)
	if err != nil {
		writeError(w, h.logger, err, "failed to get assignment")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Window handles GET /api/assignments/{id}/window
func (h *AssignmentHandler) Window(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	var clientTime *time.Time
	if v := r.URL.Query().Get("client_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(w, "client_time must be RFC 3339")
			return
		}
		clientTime = &t
	}
	ac, _ := auth.FromContext(r.Context())

	res, err := h.svc.CheckSubmissionWindow(r.Context(), ac, id, clientTime)
	if err != nil {
		writeError(w, h.logger, err, "failed to check submission window")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type submitRequest struct {
	PhotoURL string `json:"photo_url"`
	Notes    string `json:"notes"`
}

// Submit handles POST /api/assignments/{id}/submit
func (h *AssignmentHandler) Submit(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	ac, _ := auth.FromContext(r.Context())

	a, err := h.svc.Submit(r.Context(), ac, id, model.Evidence{PhotoURL: req.PhotoURL, Notes: strings.TrimSpace(req.Notes)})
	if err != nil {
		writeError(w, h.logger, err, "failed to submit assignment")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type verifyRequest struct {
	Verified   *bool  `json:"verified"`
	AdminNotes string `json:"admin_notes"`
}

// Verify handles POST /api/assignments/{id}/verify
func (h *AssignmentHandler) Verify(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	if req.Verified == nil {
		badRequest(w, "verified is required")
		return
	}
	ac, _ := auth.FromContext(r.Context())

	a, err := h.svc.Verify(r.Context(), ac, id, *req.Verified, strings.TrimSpace(req.AdminNotes))
	if err != nil {
		writeError(w, h.logger, err, "failed to verify assignment")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Reopen handles POST /api/assignments/{id}/reopen
func (h *AssignmentHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	ac, _ := auth.FromContext(r.Context())

	a, err := h.svc.Reopen(r.Context(), ac, id)
	if err != nil {
		writeError(w, h.logger, err, "failed to reopen assignment")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// List handles GET /api/assignments
func (h *AssignmentHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := model.ListParams{
		Scope:     q.Get("scope"),
		Status:    q.Get("status"),
		WeekStart: q.Get("week_start"),
	}

	switch p.Scope {
	case "", model.ScopeHousehold, model.ScopeUser:
	default:
		badRequest(w, "scope must be household or user")
		return
	}
	switch p.Status {
	case "", store.StatusPending, store.StatusVerified, store.StatusRejected, store.StatusOpen:
	default:
		badRequest(w, "status must be pending, verified, rejected or open")
		return
	}
	if p.WeekStart != "" {
		if _, err := chore.ParseDate(p.WeekStart, time.UTC); err != nil {
			badRequest(w, "week_start must be YYYY-MM-DD")
			return
		}
	}

	for _, f := range []struct {
		name string
		dst  *int
	}{{"page", &p.Page}, {"limit", &p.Limit}} {
		if v := q.Get(f.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				badRequest(w, f.name+" must be a positive integer")
				return
			}
			*f.dst = n
		}
	}
	if v := q.Get("week"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			badRequest(w, "week must be an integer")
			return
		}
		p.Week = &n
	}
	if v := q.Get("user_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(w, "invalid user_id")
			return
		}
		p.UserID = n
	}
	ac, _ := auth.FromContext(r.Context())

	page, err := h.svc.List(r.Context(), ac, p)
	if err != nil {
		writeError(w, h.logger, err, "failed to list assignments")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Stats handles GET /api/households/{id}/stats
func (h *AssignmentHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	ac, _ := auth.FromContext(r.Context())

	st, err := h.svc.Stats(r.Context(), ac, id)
	if err != nil {
		writeError(w, h.logger, err, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type createRequest struct {
	TaskID       int64           `json:"task_id"`
	UserID       int64           `json:"user_id"`
	DueDate      string          `json:"due_date"`
	RotationWeek int             `json:"rotation_week"`
	TimeSlot     *model.TimeSlot `json:"time_slot"`
}

// Create handles POST /api/assignments
func (h *AssignmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	if req.TaskID == 0 || req.UserID == 0 {
		badRequest(w, "task_id and user_id are required")
		return
	}
	if _, err := chore.ParseDate(req.DueDate, time.UTC); err != nil {
		badRequest(w, "due_date must be YYYY-MM-DD")
		return
	}
	if err := chore.ValidateTimeSlot(req.TimeSlot); err != nil {
		badRequest(w, err.Error())
		return
	}
	ac, _ := auth.FromContext(r.Context())

	a, err := h.svc.Create(r.Context(), ac, model.Assignment{
		TaskID:       req.TaskID,
		UserID:       req.UserID,
		DueDate:      req.DueDate,
		RotationWeek: req.RotationWeek,
		TimeSlot:     req.TimeSlot,
	})
	if err != nil {
		writeError(w, h.logger, err, "failed to create assignment")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}
