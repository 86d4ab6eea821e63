package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/loomlabs/loom/internal/branch"
	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/types"
)

func (s *Server) handleListRefs(w http.ResponseWriter, r *http.Request) {
	refs, err := s.store.ListRefs(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, refs)
}

type createRefRequest struct {
	SourceRef string         `json:"source_ref"`
	Name      string         `json:"name"`
	Provider  types.Provider `json:"provider,omitempty"`
	Model     string         `json:"model,omitempty"`
	// Node selects the branch point for the from-node variant.
	Node string `json:"node,omitempty"`
}

func (s *Server) branchRequest(r *http.Request, req createRefRequest) branch.CreateRequest {
	return branch.CreateRequest{
		ProjectID:   chi.URLParam(r, "project"),
		SourceRefID: req.SourceRef,
		NewName:     req.Name,
		UserID:      userOf(r),
		Provider:    req.Provider,
		Model:       req.Model,
	}
}

func (s *Server) handleCreateRefFromRef(w http.ResponseWriter, r *http.Request) {
	var req createRefRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err, "invalid request body")
		return
	}
	res, err := s.branches.CreateFromRef(r.Context(), s.branchRequest(r, req))
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleCreateRefFromNode(w http.ResponseWriter, r *http.Request) {
	var req createRefRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err, "invalid request body")
		return
	}
	res, err := s.branches.CreateFromNode(r.Context(), s.branchRequest(r, req), req.Node)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type renameRefRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRenameRef(w http.ResponseWriter, r *http.Request) {
	var req renameRefRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err, "invalid request body")
		return
	}
	ref, err := s.resolveRef(r)
	if err != nil {
		writeError(w, err, "")
		return
	}
	if err := s.store.RenameRef(r.Context(), ref.ProjectID, ref.ID, req.Name); err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleDeleteRef(w http.ResponseWriter, r *http.Request) {
	ref, err := s.resolveRef(r)
	if err != nil {
		writeError(w, err, "")
		return
	}
	if err := s.store.DeleteRef(r.Context(), ref.ProjectID, ref.ID); err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handlePinRef(w http.ResponseWriter, r *http.Request) {
	ref, err := s.resolveRef(r)
	if err != nil {
		writeError(w, err, "")
		return
	}
	if err := s.store.PinRef(r.Context(), ref.ProjectID, ref.ID); err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ref, err := s.resolveRef(r)
	if err != nil {
		writeError(w, err, "")
		return
	}

	limit := s.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	before := int64(-1)
	if raw := r.URL.Query().Get("before"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, types.ErrInvalidArgument, "before must be a non-negative ordinal")
			return
		}
		before = n
	}

	entries, err := s.store.GetHistory(r.Context(), storage.HistoryQuery{
		ProjectID:     ref.ProjectID,
		RefID:         ref.ID,
		Limit:         limit,
		BeforeOrdinal: before,
	})
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type mergeRequest struct {
	SourceRef         string `json:"source_ref"`
	Summary           string `json:"summary"`
	IncludeAssistant  bool   `json:"include_assistant"`
	IncludeCanvasDiff bool   `json:"include_canvas_diff"`
	Message           string `json:"message,omitempty"`
	Session           string `json:"session,omitempty"`
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err, "invalid request body")
		return
	}
	target, err := s.resolveRef(r)
	if err != nil {
		writeError(w, err, "")
		return
	}
	res, err := s.branches.MergeOurs(r.Context(), branch.MergeRequest{
		ProjectID:         target.ProjectID,
		TargetRefID:       target.ID,
		SourceRefID:       req.SourceRef,
		UserID:            userOf(r),
		Session:           req.Session,
		Summary:           req.Summary,
		IncludeAssistant:  req.IncludeAssistant,
		IncludeCanvasDiff: req.IncludeCanvasDiff,
		Message:           req.Message,
		LockTimeout:       s.lockTimeout,
	})
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
