// Package server exposes the workspace over HTTP: JSON handlers under
// /api/v1, NDJSON streaming for turns. Authentication is an external
// collaborator; the server consumes the caller identity from the
// X-Loom-User header and enforces project membership.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loomlabs/loom/internal/branch"
	"github.com/loomlabs/loom/internal/canvas"
	"github.com/loomlabs/loom/internal/reflock"
	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/turn"
	"github.com/loomlabs/loom/internal/types"
)

// userHeader carries the caller identity resolved by the outer proxy.
const userHeader = "X-Loom-User"

type ctxKey int

const userKey ctxKey = iota

// Server holds the engines behind the HTTP surface.
type Server struct {
	store    storage.Storage
	branches *branch.Engine
	canvas   *canvas.Engine
	turns    *turn.Coordinator
	locks    *reflock.Manager

	// Defaults handed to per-request operations.
	lockTimeout  time.Duration
	historyLimit int
	tokenLimit   int
	summaryRole  types.Role
}

// Options configure request defaults; zero values keep the built-ins.
type Options struct {
	LockTimeout      time.Duration
	HistoryLimit     int
	TokenLimit       int
	MergeSummaryRole types.Role
}

func New(store storage.Storage, branches *branch.Engine, canvasEngine *canvas.Engine, turns *turn.Coordinator, locks *reflock.Manager, opts Options) *Server {
	s := &Server{
		store:        store,
		branches:     branches,
		canvas:       canvasEngine,
		turns:        turns,
		locks:        locks,
		lockTimeout:  opts.LockTimeout,
		historyLimit: opts.HistoryLimit,
		tokenLimit:   opts.TokenLimit,
		summaryRole:  opts.MergeSummaryRole,
	}
	if s.lockTimeout <= 0 {
		s.lockTimeout = 3 * time.Second
	}
	if s.summaryRole == "" {
		s.summaryRole = types.RoleAssistant
	}
	return s
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withUser)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/projects", s.handleCreateProject)

		r.Route("/projects/{project}", func(r chi.Router) {
			r.Use(s.requireMember)

			r.Get("/", s.handleGetProject)
			r.Delete("/", s.handleDeleteProject)
			r.Post("/members", s.handleAddMember)

			r.Get("/refs", s.handleListRefs)
			r.Post("/refs", s.handleCreateRefFromRef)
			r.Post("/refs/from-node", s.handleCreateRefFromNode)

			r.Route("/refs/{ref}", func(r chi.Router) {
				r.Patch("/", s.handleRenameRef)
				r.Delete("/", s.handleDeleteRef)
				r.Post("/pin", s.handlePinRef)
				r.Get("/history", s.handleHistory)

				r.Get("/canvas", s.handleGetCanvas)
				r.Put("/canvas/draft", s.handleSaveDraft)
				r.Delete("/canvas/draft", s.handleDiscardDraft)
				r.Post("/canvas/save", s.handleCanvasSave)

				r.Post("/turns", s.handleStartTurn)
				r.Post("/turns/abort", s.handleAbortTurn)
				r.Post("/merge", s.handleMerge)

				r.Post("/lease/acquire", s.handleLeaseAcquire)
				r.Post("/lease/refresh", s.handleLeaseRefresh)
				r.Post("/lease/release", s.handleLeaseRelease)
			})

			r.Get("/leases", s.handleListLeases)
			r.Put("/current-ref", s.handleSetCurrentRef)
			r.Get("/current-ref", s.handleGetCurrentRef)
			r.Get("/stars", s.handleListStars)
			r.Post("/nodes/{node}/star", s.handleToggleStar)
		})
	})
	return r
}

// withUser rejects requests without a caller identity and stashes it on
// the context.
func (s *Server) withUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(userHeader)
		if user == "" {
			writeError(w, types.ErrInvalidArgument, "missing "+userHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// requireMember gates every project-scoped route on membership.
func (s *Server) requireMember(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "project")
		ok, err := s.store.IsMember(r.Context(), projectID, userOf(r))
		if err != nil {
			writeError(w, err, "")
			return
		}
		if !ok {
			writeError(w, types.ErrNotAuthorized, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userOf(r *http.Request) string {
	user, _ := r.Context().Value(userKey).(string)
	return user
}

// resolveRef accepts either a ref id or a ref name in the URL.
func (s *Server) resolveRef(r *http.Request) (*types.Ref, error) {
	projectID := chi.URLParam(r, "project")
	refParam := chi.URLParam(r, "ref")

	ref, err := s.store.GetRef(r.Context(), projectID, refParam)
	if err == nil {
		return ref, nil
	}
	if !errors.Is(err, types.ErrRefNotFound) {
		return nil, err
	}
	return s.store.GetRefByName(r.Context(), projectID, refParam)
}

func decode(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return types.ErrInvalidArgument
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			log.Printf("failed to encode response: %v", err)
		}
	}
}

// writeError maps the engine error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error, detail string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, types.ErrProjectNotFound),
		errors.Is(err, types.ErrRefNotFound),
		errors.Is(err, types.ErrNodeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, types.ErrRefLocked),
		errors.Is(err, types.ErrLeaseHeld),
		errors.Is(err, types.ErrLeaseExpired):
		status = http.StatusLocked
	}
	msg := err.Error()
	if detail != "" {
		msg = detail
	}
	if status == http.StatusInternalServerError {
		log.Printf("internal error: %v", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
