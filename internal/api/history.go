package api

import (
	"net/http"
	"strconv"
)

// handleCommandHistory returns the most recent command audit entries.
//
// Query parameters:
//   - limit: maximum entries to return (default 50, capped by the repository)
func (s *Server) handleCommandHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	entries, err := s.engine.CommandHistory(r.Context(), limit)
	if err != nil {
		writeInternalError(w, "failed to read command history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"history": entries, "count": len(entries)})
}
