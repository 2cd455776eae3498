package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"budgetbase/internal/core"
	"budgetbase/internal/identity"
	"budgetbase/internal/log"
	"budgetbase/internal/middleware/trace"
	"budgetbase/internal/selection"
	"budgetbase/internal/storage"
)

type errorBody struct {
	RequestID string      `json:"request_id,omitempty"`
	Error     errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, r *http.Request, status int, code, message, field string) {
	writeJSON(w, status, errorBody{
		RequestID: trace.GetRequestID(r.Context()),
		Error:     errorDetail{Code: code, Message: message, Field: field},
	})
}

// writeError maps service errors onto status codes. Unexpected errors are
// logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		writeErrorCode(w, r, http.StatusUnprocessableEntity, "validation_failed", verr.Message, verr.Field)
	case errors.Is(err, core.ErrValidation), errors.Is(err, core.ErrInvalidAmount):
		writeErrorCode(w, r, http.StatusUnprocessableEntity, "validation_failed", err.Error(), "")
	case errors.Is(err, identity.ErrNoProfile):
		writeErrorCode(w, r, http.StatusUnauthorized, "no_profile", err.Error(), "")
	case errors.Is(err, core.ErrPermissionDenied):
		writeErrorCode(w, r, http.StatusForbidden, "permission_denied", err.Error(), "")
	case errors.Is(err, core.ErrNotFound):
		writeErrorCode(w, r, http.StatusNotFound, "not_found", err.Error(), "")
	case errors.Is(err, storage.ErrDuplicate):
		writeErrorCode(w, r, http.StatusConflict, "duplicate", err.Error(), "")
	case errors.Is(err, selection.ErrNotReady), errors.Is(err, selection.ErrBusy):
		writeErrorCode(w, r, http.StatusConflict, "selection_unavailable", err.Error(), "")
	default:
		logger := log.FromContext(r.Context())
		log.NewStructuredLogger(logger).LogError(r.Context(), "Request failed", err, log.ComponentHTTP, op,
			log.NewFields().WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("User-Agent")))
		writeErrorCode(w, r, http.StatusInternalServerError, "internal", "internal error", "")
	}
}
