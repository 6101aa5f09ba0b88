package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tjst-t/proxmox-bmc/internal/bmc"
	"github.com/tjst-t/proxmox-bmc/internal/fault"
	"github.com/tjst-t/proxmox-bmc/internal/registry"
)

// maxBody caps the size of an add request.
const maxBody = 64 << 10

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Error string `json:"error"`
}

// ListResponse is the body of GET /v1/bmcs.
type ListResponse struct {
	BMCs []registry.Entry `json:"bmcs"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.registry.List()
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if entries == nil {
		entries = []registry.Entry{}
	}
	writeJSON(w, http.StatusOK, ListResponse{BMCs: entries})
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	entry, err := s.registry.Show(mux.Vars(r)["vmid"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var inst bmc.Instance
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&inst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := s.registry.Add(inst); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	entry, err := s.registry.Show(inst.VMID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(mux.Vars(r)["vmid"]); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.registry.Start)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.registry.Stop)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, op func(string) error) {
	vmid := mux.Vars(r)["vmid"]
	if err := op(vmid); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	entry, err := s.registry.Show(vmid)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// statusFor maps a registry error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, fault.ErrConfigInvalid):
		return http.StatusBadRequest
	case errors.Is(err, bmc.ErrNotConfigured):
		return http.StatusNotFound
	case errors.Is(err, bmc.ErrExists), errors.Is(err, registry.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, registry.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Control request failed")
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorBody{Error: message})
}
