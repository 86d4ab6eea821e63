package server

import "net/http"

func (s *Server) handleGetCanvas(w http.ResponseWriter, r *http.Request) {
	ref, err := s.resolveRef(r)
	if err != nil {
		writeError(w, err, "")
		return
	}
	view, err := s.canvas.Resolve(r.Context(), ref.ProjectID, ref.ID, userOf(r))
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type draftRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err, "invalid request body")
		return
	}
	ref, err := s.resolveRef(r)
	if err != nil {
		writeError(w, err, "")
		return
	}
	draft, err := s.canvas.SaveDraft(r.Context(), ref.ProjectID, ref.ID, userOf(r), req.Content)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *Server) handleDiscardDraft(w http.ResponseWriter, r *http.Request) {
	ref, err := s.resolveRef(r)
	if err != nil {
		writeError(w, err, "")
		return
	}
	if err := s.canvas.DiscardDraft(r.Context(), ref.ProjectID, ref.ID, userOf(r)); err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type canvasSaveRequest struct {
	Content string `json:"content"`
	Message string `json:"message,omitempty"`
	Session string `json:"session,omitempty"`
}

func (s *Server) handleCanvasSave(w http.ResponseWriter, r *http.Request) {
	var req canvasSaveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err, "invalid request body")
		return
	}
	ref, err := s.resolveRef(r)
	if err != nil {
		writeError(w, err, "")
		return
	}
	res, err := s.canvas.ExplicitSave(r.Context(), ref.ProjectID, ref.ID, userOf(r), req.Session, req.Content, req.Message)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
