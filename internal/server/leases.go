package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type leaseRequest struct {
	Session string `json:"session"`
}

func (s *Server) handleLeaseAcquire(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err, "invalid request body")
		return
	}
	ref, err := s.resolveRef(r)
	if err != nil {
		writeError(w, err, "")
		return
	}
	grant, err := s.locks.AcquireLease(r.Context(), ref.ProjectID, ref.ID, userOf(r), req.Session)
	if err != nil {
		writeError(w, err, "")
		return
	}
	status := http.StatusOK
	if !grant.Acquired {
		status = http.StatusLocked
	}
	writeJSON(w, status, grant)
}

func (s *Server) handleLeaseRefresh(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err, "invalid request body")
		return
	}
	ref, err := s.resolveRef(r)
	if err != nil {
		writeError(w, err, "")
		return
	}
	grant, err := s.locks.RefreshLease(r.Context(), ref.ProjectID, ref.ID, userOf(r), req.Session)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (s *Server) handleLeaseRelease(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err, "invalid request body")
		return
	}
	ref, err := s.resolveRef(r)
	if err != nil {
		writeError(w, err, "")
		return
	}
	if err := s.locks.ReleaseLease(r.Context(), ref.ProjectID, ref.ID, req.Session); err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleListLeases(w http.ResponseWriter, r *http.Request) {
	leases, err := s.locks.List(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, leases)
}
