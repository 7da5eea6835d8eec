package api

import "net/http"

// handleListErrors returns the retained error log entries, oldest first.
func (s *Server) handleListErrors(w http.ResponseWriter, _ *http.Request) {
	entries := s.engine.ErrorLog()
	writeJSON(w, http.StatusOK, map[string]any{"errors": entries, "count": len(entries)})
}

// handleClearErrors empties the error log.
func (s *Server) handleClearErrors(w http.ResponseWriter, _ *http.Request) {
	s.engine.ClearErrorLog()
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}
