package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/dukerupert/chorecheck/internal/auth"
	"github.com/dukerupert/chorecheck/internal/media"
	"github.com/dukerupert/chorecheck/internal/service"
)

type EvidenceHandler struct {
	svc    *service.AssignmentService
	media  *media.Store
	logger *slog.Logger
}

func NewEvidenceHandler(svc *service.AssignmentService, ms *media.Store, logger *slog.Logger) *EvidenceHandler {
	return &EvidenceHandler{svc: svc, media: ms, logger: logger.With("component", "evidence_handler")}
}

// Upload handles POST /api/assignments/{id}/evidence. The body is the raw image.
func (h *EvidenceHandler) Upload(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	if !h.media.Enabled() {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "evidence storage is not configured"})
		return
	}
	ac, _ := auth.FromContext(r.Context())

	if _, err := h.svc.AuthorizeEvidence(r.Context(), ac, id); err != nil {
		writeError(w, h.logger, err, "failed to authorize upload")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, media.MaxEvidenceSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "photo is too large"})
			return
		}
		badRequest(w, "failed to read body")
		return
	}
	if len(data) == 0 {
		badRequest(w, "empty body")
		return
	}

	obj, err := h.media.Put(r.Context(), ac.HouseholdID, id, r.Header.Get("Content-Type"), data)
	switch {
	case errors.Is(err, media.ErrUnsupportedType):
		writeJSON(w, http.StatusUnsupportedMediaType, errorBody{Error: "photo must be JPEG, PNG, WebP or HEIC"})
		return
	case err != nil:
		writeError(w, h.logger, err, "failed to store photo")
		return
	}
	writeJSON(w, http.StatusCreated, obj)
}

// Delete handles DELETE /api/assignments/{id}/evidence?key=
func (h *EvidenceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		badRequest(w, "key is required")
		return
	}
	if !h.media.Enabled() {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "evidence storage is not configured"})
		return
	}
	ac, _ := auth.FromContext(r.Context())

	// Evidence already attached to a submission is never removed.
	if _, err := h.svc.AuthorizeEvidence(r.Context(), ac, id); err != nil {
		writeError(w, h.logger, err, "failed to authorize delete")
		return
	}

	err = h.media.Delete(r.Context(), ac.HouseholdID, id, key)
	switch {
	case errors.Is(err, media.ErrForeignKey):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "key does not belong to this assignment"})
		return
	case err != nil:
		writeError(w, h.logger, err, "failed to delete photo")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
