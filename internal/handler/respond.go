package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/chorecheck/internal/chore"
	"github.com/dukerupert/chorecheck/internal/logging"
)

func parseIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error  string       `json:"error"`
	Reason chore.Reason `json:"reason,omitempty"`
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

// statusFor maps a domain error to its HTTP status. Anything else is an
// infrastructure failure.
func statusFor(err error) int {
	switch chore.ReasonOf(err) {
	case chore.ReasonNone:
		return http.StatusInternalServerError
	case chore.ReasonNotFound:
		return http.StatusNotFound
	case chore.ReasonForbidden:
		return http.StatusForbidden
	case chore.ReasonAlreadySubmitted, chore.ReasonNotSubmitted, chore.ReasonAlreadyTerminal,
		chore.ReasonInvalidTransition, chore.ReasonResubmitDisabled:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

// writeError renders err as {"error","reason"}. Domain errors show their own
// message; infrastructure errors are logged and replaced by a generic message.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error, fallback string) {
	status := statusFor(err)
	var de *chore.Error
	if errors.As(err, &de) {
		logger.Info("request refused", "reason", de.Reason, logging.ErrAttr(err))
		writeJSON(w, status, errorBody{Error: de.Message, Reason: de.Reason})
		return
	}
	logger.Error(fallback, logging.ErrAttr(err))
	writeJSON(w, status, errorBody{Error: fallback})
}
