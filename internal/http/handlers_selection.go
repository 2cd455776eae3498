package http

import (
	"net/http"

	"budgetbase/internal/log"
)

type selectionBody struct {
	GrantID string `json:"grantId"`
}

func (s *Server) handleGetSelection(w http.ResponseWriter, r *http.Request) {
	id, err := s.selection.Active(r.Context())
	if err != nil {
		writeError(w, r, log.OpRead, err)
		return
	}
	writeJSON(w, http.StatusOK, selectionBody{GrantID: id})
}

// handleSelect switches the active grant. The remote write is confirmed
// asynchronously, hence 202.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectionBody
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, log.OpSelect, err)
		return
	}
	if err := s.selection.Select(r.Context(), sanitizeInput(req.GrantID)); err != nil {
		writeError(w, r, log.OpSelect, err)
		return
	}
	writeJSON(w, http.StatusAccepted, selectionBody{GrantID: req.GrantID})
}
