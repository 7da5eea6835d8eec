package api

import (
	"errors"
	"net/http"

	"github.com/sonatahub/sonata-core/internal/discovery"
)

// handleDiscoverySweep runs one discovery sweep and returns its summary
// together with the post-sweep device snapshot. Concurrent requests share
// the sweep already in flight.
func (s *Server) handleDiscoverySweep(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Discover(r.Context())
	if err != nil {
		if errors.Is(err, discovery.ErrSweep) {
			writeBadGateway(w, err.Error())
			return
		}
		// Caller context expired while waiting on a shared sweep. The
		// sweep itself keeps running to completion.
		if r.Context().Err() != nil {
			writeError(w, http.StatusGatewayTimeout, ErrCodeBadGateway, "discovery sweep still running")
			return
		}
		writeInternalError(w, "discovery sweep failed")
		return
	}

	s.metrics.ObserveDiscoverySweep(summary.Took)
	devices := s.engine.ListDevices()
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": summary,
		"devices": devices,
		"count":   len(devices),
	})
}
