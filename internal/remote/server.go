package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/joescharf/wake/internal/alarmerr"
	"github.com/joescharf/wake/internal/models"
)

// IdempotencyHeader carries the mutation key on writes.
const IdempotencyHeader = "Idempotency-Key"

// Server serves a Memory backend over HTTP for development and tests.
type Server struct {
	backend   *Memory
	rateLimit int
	log       zerolog.Logger
}

// NewServer wraps backend. A rateLimit of 0 disables limiting; otherwise it
// is requests per minute per client IP.
func NewServer(backend *Memory, rateLimit int, logger zerolog.Logger) *Server {
	return &Server{backend: backend, rateLimit: rateLimit, log: logger}
}

// Router returns the backend routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.rateLimit > 0 {
		r.Use(httprate.Limit(
			s.rateLimit,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests")
			}),
		))
	}

	r.Route("/v1/users/{user}", func(r chi.Router) {
		r.Get("/alarms", s.fetchAlarms)
		r.Put("/alarms/{id}", s.upsertAlarm)
		r.Delete("/alarms/{id}", s.deleteAlarm)
		r.Get("/sessions", s.fetchSessions)
		r.Put("/sessions/{id}", s.recordSession)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Error: msg})
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// writeBackendError maps the error taxonomy to status codes the client maps back.
func (s *Server) writeBackendError(w http.ResponseWriter, err error) {
	var e *alarmerr.Error
	if !errors.As(err, &e) {
		s.log.Error().Err(err).Msg("backend error")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	switch e.Code {
	case alarmerr.CodeSyncConflict:
		writeError(w, http.StatusGone, string(e.Code), e.Message)
	case alarmerr.CodeReconciliationFailure:
		writeError(w, http.StatusUnprocessableEntity, string(e.Code), e.Error())
	case alarmerr.CodeRetryable:
		writeError(w, http.StatusServiceUnavailable, string(e.Code), e.Message)
	default:
		writeError(w, http.StatusInternalServerError, string(e.Code), e.Error())
	}
}

func (s *Server) fetchAlarms(w http.ResponseWriter, r *http.Request) {
	defs, err := s.backend.FetchAlarms(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	if defs == nil {
		defs = []*models.AlarmDefinition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) upsertAlarm(w http.ResponseWriter, r *http.Request) {
	var def models.AlarmDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid definition: %v", err))
		return
	}
	if def.ID != chi.URLParam(r, "id") || def.UserID != chi.URLParam(r, "user") {
		writeError(w, http.StatusBadRequest, "bad_request", "definition id or user does not match the path")
		return
	}
	if err := s.backend.UpsertAlarm(r.Context(), &def, r.Header.Get(IdempotencyHeader)); err != nil {
		s.writeBackendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteAlarm(w http.ResponseWriter, r *http.Request) {
	err := s.backend.DeleteAlarm(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "id"), r.Header.Get(IdempotencyHeader))
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fetchSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.backend.FetchSessions(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	if list == nil {
		list = []*models.AlarmSession{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) recordSession(w http.ResponseWriter, r *http.Request) {
	var sess models.AlarmSession
	if err := json.NewDecoder(r.Body).Decode(&sess); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid session: %v", err))
		return
	}
	if sess.ID != chi.URLParam(r, "id") || sess.UserID != chi.URLParam(r, "user") {
		writeError(w, http.StatusBadRequest, "bad_request", "session id or user does not match the path")
		return
	}
	if err := s.backend.RecordSession(r.Context(), &sess, r.Header.Get(IdempotencyHeader)); err != nil {
		s.writeBackendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
