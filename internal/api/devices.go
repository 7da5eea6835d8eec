package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sonatahub/sonata-core/internal/device"
	"github.com/sonatahub/sonata-core/internal/gateway"
	"github.com/sonatahub/sonata-core/internal/metrics"
)

// handleListDevices returns a snapshot of every known device.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.engine.ListDevices()
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by address.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	dev, err := s.engine.GetDevice(address)
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// handleDeleteDevice removes a device and ends its polling lifecycle.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	if err := s.engine.RemoveDevice(address); err != nil {
		if errors.Is(err, device.ErrNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to remove device")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"removed": address})
}

// commandRequest is the body of POST /devices/{address}/command.
type commandRequest struct {
	Command string         `json:"command"`
	Params  gateway.Params `json:"params,omitempty"`
}

// commandResponse wraps a successful command outcome.
type commandResponse struct {
	Command string `json:"command"`
	Payload any    `json:"payload,omitempty"`
}

// handleSendCommand dispatches one command to the device at the given
// address and returns the normalized response.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeBadRequest(w, "command is required")
		return
	}

	res, err := s.engine.SendCommand(r.Context(), address, req.Command, req.Params)
	if err != nil {
		s.metrics.IncCommand(metrics.OutcomeFailure)
		switch {
		case errors.Is(err, device.ErrNotFound):
			writeNotFound(w, "device not found")
		case errors.Is(err, gateway.ErrProtocol):
			writeRejected(w, err.Error())
		case errors.Is(err, gateway.ErrTransport):
			writeBadGateway(w, err.Error())
		default:
			writeInternalError(w, "command dispatch failed")
		}
		return
	}

	s.metrics.IncCommand(metrics.OutcomeSuccess)
	writeJSON(w, http.StatusOK, commandResponse{
		Command: req.Command,
		Payload: res.Payload,
	})
}

// handleDeviceStats returns registry statistics.
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}
