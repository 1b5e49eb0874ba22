package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/joescharf/triage/internal/issues"
	"github.com/joescharf/triage/internal/lifecycle"
	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/similarity"
	"github.com/joescharf/triage/internal/store"
)

// Identity headers set by the caller. Missing headers fall back to the
// server's configured user.
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
)

// User identifies the creator of new issues.
type User struct {
	ID    string
	Email string
}

// Server provides the REST API handlers.
type Server struct {
	repo         *issues.Repository
	user         User
	similarLimit int
	logger       *slog.Logger
}

// NewServer creates a new API server. A negative similarLimit shows every
// similar issue.
func NewServer(repo *issues.Repository, user User, similarLimit int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		repo:         repo,
		user:         user,
		similarLimit: similarLimit,
		logger:       logger,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/issues", s.listIssues)
	mux.HandleFunc("POST /api/v1/issues", s.createIssue)
	mux.HandleFunc("GET /api/v1/issues/similar", s.similarIssues)
	mux.HandleFunc("GET /api/v1/issues/{id}", s.getIssue)
	mux.HandleFunc("PUT /api/v1/issues/{id}", s.updateIssue)
	mux.HandleFunc("DELETE /api/v1/issues/{id}", s.deleteIssue)
	mux.HandleFunc("PUT /api/v1/issues/{id}/status", s.updateStatus)
	mux.HandleFunc("PUT /api/v1/issues/{id}/priority", s.updatePriority)

	return s.logMiddleware(corsMiddleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderUserID+", "+HeaderUserEmail)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeRepoError maps repository errors onto HTTP status codes.
func (s *Server) writeRepoError(w http.ResponseWriter, err error) {
	var ve *models.ValidationError
	var de *store.DecodeError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		s.logger.Error("store unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "issue store unavailable")
	case errors.As(err, &de):
		s.logger.Error("malformed stored issue", "id", de.ID, "field", de.Field, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// userFrom resolves the creator identity from request headers.
func (s *Server) userFrom(r *http.Request) User {
	u := s.user
	if id := r.Header.Get(HeaderUserID); id != "" {
		u.ID = id
	}
	if email := r.Header.Get(HeaderUserEmail); email != "" {
		u.Email = email
	}
	return u
}

func (s *Server) limitSimilar(similar []*models.Issue) []*models.Issue {
	out := similarity.Truncate(similar, s.similarLimit)
	if out == nil {
		return []*models.Issue{}
	}
	return out
}

// --- Issues ---

func (s *Server) listIssues(w http.ResponseWriter, r *http.Request) {
	var filter issues.ListFilter
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := models.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = &st
	}
	if v := r.URL.Query().Get("priority"); v != "" {
		p, err := models.ParsePriority(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Priority = &p
	}

	list, err := s.repo.List(r.Context(), filter)
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	if list == nil {
		list = []*models.Issue{}
	}
	writeJSON(w, http.StatusOK, list)
}

// CreateResponse is returned by POST /api/v1/issues.
type CreateResponse struct {
	Issue   *models.Issue   `json:"issue"`
	Similar []*models.Issue `json:"similar"`
}

func (s *Server) createIssue(w http.ResponseWriter, r *http.Request) {
	var form models.IssueFormData
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	form = form.WithDefaults()

	u := s.userFrom(r)
	issue, similar, err := s.repo.Create(r.Context(), form, u.ID, u.Email)
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateResponse{Issue: issue, Similar: s.limitSimilar(similar)})
}

func (s *Server) getIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := s.repo.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) updateIssue(w http.ResponseWriter, r *http.Request) {
	var patch models.IssuePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	issue, err := s.repo.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	next, err := models.ParseStatus(body.Status)
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	issue, err := s.repo.UpdateStatus(r.Context(), r.PathValue("id"), next)
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) updatePriority(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Priority string `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	next, err := models.ParsePriority(body.Priority)
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	issue, err := s.repo.UpdatePriority(r.Context(), r.PathValue("id"), next)
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) deleteIssue(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeRepoError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) similarIssues(w http.ResponseWriter, r *http.Request) {
	title := r.URL.Query().Get("title")
	similar, err := s.repo.FindSimilar(r.Context(), title)
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.limitSimilar(similar))
}
