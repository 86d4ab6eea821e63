package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/loomlabs/loom/internal/types"
)

type createProjectRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Provider    types.Provider `json:"provider"`
	Model       string         `json:"model"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err, "invalid request body")
		return
	}
	project, err := s.store.CreateProject(r.Context(), req.Name, req.Description, userOf(r), req.Provider, req.Model)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.store.GetProject(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteProject(r.Context(), chi.URLParam(r, "project"), userOf(r)); err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req addMemberRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err, "invalid request body")
		return
	}
	if err := s.store.AddMember(r.Context(), chi.URLParam(r, "project"), req.UserID); err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type setCurrentRefRequest struct {
	Ref string `json:"ref"`
}

func (s *Server) handleSetCurrentRef(w http.ResponseWriter, r *http.Request) {
	var req setCurrentRefRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err, "invalid request body")
		return
	}
	if err := s.store.SetCurrentRef(r.Context(), chi.URLParam(r, "project"), userOf(r), req.Ref); err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleGetCurrentRef(w http.ResponseWriter, r *http.Request) {
	refID, err := s.store.GetCurrentRef(r.Context(), chi.URLParam(r, "project"), userOf(r))
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ref": refID})
}

func (s *Server) handleToggleStar(w http.ResponseWriter, r *http.Request) {
	starred, err := s.store.ToggleStar(r.Context(), chi.URLParam(r, "project"), chi.URLParam(r, "node"), userOf(r))
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"starred": starred})
}

func (s *Server) handleListStars(w http.ResponseWriter, r *http.Request) {
	stars, err := s.store.ListStars(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"nodes": stars})
}
