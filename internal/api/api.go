package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/joescharf/wake/internal/alarmerr"
	"github.com/joescharf/wake/internal/engine"
	"github.com/joescharf/wake/internal/metrics"
	"github.com/joescharf/wake/internal/models"
	"github.com/joescharf/wake/internal/notify"
	"github.com/joescharf/wake/internal/recurrence"
	"github.com/joescharf/wake/internal/store"
)

// Server provides the REST API handlers.
type Server struct {
	engine *engine.Engine
	snooze models.SnoozePolicy
	log    zerolog.Logger
}

// NewServer creates a new API server. New alarms get the snooze policy
// given here unless the request carries one.
func NewServer(e *engine.Engine, snooze models.SnoozePolicy, logger zerolog.Logger) *Server {
	return &Server{engine: e, snooze: snooze, log: logger}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(s.instrument)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/alarms", s.listAlarms)
		r.Post("/alarms", s.createAlarm)
		r.Get("/alarms/{id}", s.getAlarm)
		r.Put("/alarms/{id}", s.updateAlarm)
		r.Delete("/alarms/{id}", s.deleteAlarm)
		r.Get("/alarms/{id}/next", s.nextOccurrences)

		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{id}", s.getSession)
		r.Post("/sessions/{id}/dismiss", s.dismissSession)
		r.Post("/sessions/{id}/snooze", s.snoozeSession)

		r.Get("/alerts", s.listAlerts)
		r.Post("/alerts/{id}", s.answerAlert)

		r.Get("/schedule", s.schedule)
		r.Get("/status", s.status)

		r.Post("/sync", s.syncNow)
		r.Get("/sync/queue", s.syncQueue)

		r.Get("/events", s.streamEvents)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records latency per route pattern and logs each request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
		s.log.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("request")
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

// writeErr maps engine errors onto status codes.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var ae *alarmerr.Error
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrExists), errors.Is(err, engine.ErrNoRemote):
		status = http.StatusConflict
	case errors.As(err, &ae):
		switch ae.Code {
		case alarmerr.CodeScheduling:
			status = http.StatusUnprocessableEntity
		case alarmerr.CodeTransitionRejected, alarmerr.CodeSyncConflict:
			status = http.StatusConflict
		case alarmerr.CodeRetryable:
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error(), "code": string(ae.Code)})
		return
	}
	writeError(w, status, err.Error())
}

// --- Alarms ---

type alarmResponse struct {
	*models.AlarmDefinition
	Days     string     `json:"days,omitempty"`
	Schedule string     `json:"schedule"`
	Rule     string     `json:"rrule,omitempty"`
	NextFire *time.Time `json:"next_fire,omitempty"`
}

func (s *Server) toResponse(def *models.AlarmDefinition) alarmResponse {
	resp := alarmResponse{
		AlarmDefinition: def,
		Days:            models.FormatWeekdays(def.Weekdays),
		Schedule:        def.Schedule(),
		Rule:            recurrence.Rule(def),
	}
	if next, ok := recurrence.NextFireInstant(def, s.engine.Now()); ok {
		resp.NextFire = &next
	}
	return resp
}

func (s *Server) listAlarms(w http.ResponseWriter, r *http.Request) {
	defs, err := s.engine.Alarms(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]alarmResponse, 0, len(defs))
	for _, d := range defs {
		out = append(out, s.toResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createAlarm(w http.ResponseWriter, r *http.Request) {
	var patch models.AlarmPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	def, err := models.NewAlarm(&patch, s.snooze)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.engine.CreateAlarm(r.Context(), def)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.toResponse(created))
}

func (s *Server) getAlarm(w http.ResponseWriter, r *http.Request) {
	def, err := s.engine.Alarm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toResponse(def))
}

func (s *Server) updateAlarm(w http.ResponseWriter, r *http.Request) {
	def, err := s.engine.Alarm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	var patch models.AlarmPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if patch.Empty() {
		writeJSON(w, http.StatusOK, s.toResponse(def))
		return
	}
	if err := patch.Apply(def); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := s.engine.UpdateAlarm(r.Context(), def)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toResponse(updated))
}

func (s *Server) deleteAlarm(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteAlarm(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) nextOccurrences(w http.ResponseWriter, r *http.Request) {
	n := 5
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 100 {
			writeError(w, http.StatusBadRequest, "n must be between 1 and 100")
			return
		}
		n = parsed
	}
	times, err := s.engine.Upcoming(r.Context(), chi.URLParam(r, "id"), n)
	if err != nil {
		writeErr(w, err)
		return
	}
	if times == nil {
		times = []time.Time{}
	}
	writeJSON(w, http.StatusOK, times)
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	var states []models.SessionState
	for _, v := range r.URL.Query()["state"] {
		states = append(states, models.SessionState(v))
	}
	list, err := s.engine.ListSessions(r.Context(), states...)
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []*models.AlarmSession{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type transitionRequest struct {
	Method models.TransitionMethod `json:"method"`
}

// decodeMethod reads an optional {"method": ...} body; API calls default to "api".
func decodeMethod(r *http.Request) (models.TransitionMethod, error) {
	req := transitionRequest{Method: models.MethodAPI}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", fmt.Errorf("invalid JSON: %w", err)
		}
	}
	if req.Method == "" {
		req.Method = models.MethodAPI
	}
	return req.Method, nil
}

func (s *Server) dismissSession(w http.ResponseWriter, r *http.Request) {
	method, err := decodeMethod(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.engine.Dismiss(r.Context(), chi.URLParam(r, "id"), method)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) snoozeSession(w http.ResponseWriter, r *http.Request) {
	method, err := decodeMethod(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.engine.Snooze(r.Context(), chi.URLParam(r, "id"), method)
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusOK
	if res.Err() != nil {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// --- In-app alerts ---

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	pending := s.engine.Dispatcher().InApp().Pending()
	if pending == nil {
		pending = []notify.Alert{}
	}
	writeJSON(w, http.StatusOK, pending)
}

type answerRequest struct {
	Action string                  `json:"action"`
	Method models.TransitionMethod `json:"method"`
}

func (s *Server) answerAlert(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	action, err := notify.ParseAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Method == "" {
		req.Method = models.MethodNotification
	}
	if err := s.engine.Dispatcher().InApp().Select(chi.URLParam(r, "id"), action, req.Method); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- Status ---

func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Agent().Pending())
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- Sync ---

type syncResponse struct {
	Applied   int                         `json:"applied"`
	Kept      int                         `json:"kept"`
	Losses    []models.ReconciliationLoss `json:"losses"`
	Failures  []string                    `json:"failures,omitempty"`
	Added     int                         `json:"added"`
	Updated   int                         `json:"updated"`
	Removed   int                         `json:"removed"`
	Converged int                         `json:"converged"`
	Pruned    int64                       `json:"pruned"`
}

func (s *Server) syncNow(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.Sync(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := syncResponse{Applied: rep.Applied, Kept: rep.Kept, Losses: rep.Losses}
	if resp.Losses == nil {
		resp.Losses = []models.ReconciliationLoss{}
	}
	for _, f := range rep.Failures {
		resp.Failures = append(resp.Failures, f.Error())
	}
	if p := rep.Pull; p != nil {
		resp.Added, resp.Updated, resp.Removed, resp.Pruned = p.Added, p.Updated, p.Removed, p.Pruned
		resp.Converged = p.Converged
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) syncQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := s.engine.Queue(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if queue == nil {
		queue = []*models.PendingMutation{}
	}
	writeJSON(w, http.StatusOK, queue)
}
