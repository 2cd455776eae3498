package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"budgetbase/internal/log"
)

const streamKeepAlive = 30 * time.Second

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	snap, err := s.budget.PendingSnapshot(r.Context(), r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, r, log.OpRead, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handlePendingStream sends the caller's pending counts as server-sent
// events, one event per change.
func (s *Server) handlePendingStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorCode(w, r, http.StatusNotImplemented, "streaming_unsupported", "streaming unsupported", "")
		return
	}
	ctx := r.Context()
	ch, cancel, err := s.budget.Watch(ctx, r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, r, log.OpRead, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case snap, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				log.FromContext(ctx).ErrorContext(ctx, "Encode snapshot failed", log.FieldError, err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: pending\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
