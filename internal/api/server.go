// Package api exposes the callback receiver and the operator surface:
// enqueue, execution lookup, dead letters, budgets, triggers, and the
// pause/resume controls for the fatal-system flag.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"execflow/internal/deadletter"
	"execflow/internal/domain"
	"execflow/internal/fsm"
	"execflow/internal/governor"
	"execflow/internal/metrics"
	"execflow/internal/registry"
	"execflow/internal/trigger"
)

// Resetter clears anomaly state when an operator resumes dispatch.
type Resetter interface {
	Reset()
}

type Server struct {
	r           *chi.Mux
	store       registry.Store
	ctrl        *fsm.Controller
	gov         *governor.Governor
	dead        *deadletter.Handler
	det         Resetter
	met         *metrics.Metrics
	maxAttempts int
}

// NewServer builds the HTTP handler. maxAttempts is the default retry
// budget for executions enqueued without one.
func NewServer(store registry.Store, ctrl *fsm.Controller, gov *governor.Governor,
	dead *deadletter.Handler, det Resetter, met *metrics.Metrics, maxAttempts int, enableDebug bool) http.Handler {

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	if maxAttempts < 1 {
		maxAttempts = 3
	}
	s := &Server{r: r, store: store, ctrl: ctrl, gov: gov, dead: dead, det: det, met: met, maxAttempts: maxAttempts}

	r.Get("/health", s.health)
	if met != nil {
		r.Method(http.MethodGet, "/metrics", met.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/executions", s.enqueue)
		r.Get("/executions/{id}", s.getExecution)
		r.Post("/callbacks", s.callback)
		r.Get("/deadletters", s.listDeadLetters)
		r.Get("/deadletters/{id}", s.getDeadLetter)
		r.Post("/deadletters/{id}/requeue", s.requeueDeadLetter)
		r.Get("/budgets", s.budgets)
		r.Post("/pause", s.pause)
		r.Post("/resume", s.resume)
		r.Post("/triggers", s.createTrigger)
		r.Get("/triggers", s.listTriggers)
		r.Get("/triggers/{id}", s.getTrigger)
		r.Put("/triggers/{id}", s.updateTrigger)
		r.Delete("/triggers/{id}", s.deleteTrigger)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.ctrl.Paused() {
		status = "paused"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

type enqueueReq struct {
	WorkflowType string          `json:"workflow_type"`
	Priority     int             `json:"priority"`
	Context      json.RawMessage `json:"context"`
	MaxAttempts  int             `json:"max_attempts"`
	ParentID     *string         `json:"parent_id"`
}

type enqueueResp struct {
	ID string `json:"id"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.WorkflowType == "" {
		http.Error(w, "workflow_type is required", 400)
		return
	}
	if req.Priority < 0 || req.Priority > domain.PriorityUrgent {
		http.Error(w, "priority must be between 1 and 4", 400)
		return
	}
	if req.MaxAttempts < 0 {
		http.Error(w, "max_attempts must not be negative", 400)
		return
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.maxAttempts
	}
	id, err := s.store.Enqueue(r.Context(), domain.Execution{
		WorkflowType: req.WorkflowType,
		Priority:     req.Priority,
		Context:      req.Context,
		MaxAttempts:  req.MaxAttempts,
		ParentID:     req.ParentID,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResp{ID: id})
}

type executionResp struct {
	ID           string            `json:"id"`
	WorkflowType string            `json:"workflow_type"`
	Priority     int               `json:"priority"`
	Status       string            `json:"status"`
	AttemptCount int               `json:"attempt_count"`
	MaxAttempts  int               `json:"max_attempts"`
	Boosted      bool              `json:"boosted"`
	CreatedAt    time.Time         `json:"created_at"`
	DeadlineAt   *time.Time        `json:"deadline_at,omitempty"`
	NextRetryAt  *time.Time        `json:"next_retry_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	ParentID     *string           `json:"parent_id,omitempty"`
	LastError    *domain.ErrorInfo `json:"last_error,omitempty"`
	Attempts     []attemptResp     `json:"attempts"`
}

type attemptResp struct {
	Attempt    int        `json:"attempt"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
	Error      string     `json:"error,omitempty"`
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := s.store.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	attempts, err := s.store.Attempts(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	resp := executionResp{
		ID:           e.ID,
		WorkflowType: e.WorkflowType,
		Priority:     e.Priority,
		Status:       string(e.Status),
		AttemptCount: e.AttemptCount,
		MaxAttempts:  e.MaxAttempts,
		Boosted:      e.Boosted,
		CreatedAt:    e.CreatedAt,
		DeadlineAt:   e.DeadlineAt,
		NextRetryAt:  e.NextRetryAt,
		CompletedAt:  e.CompletedAt,
		ParentID:     e.ParentID,
		LastError:    e.LastError,
		Attempts:     make([]attemptResp, 0, len(attempts)),
	}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, attemptResp{
			Attempt:    a.Attempt,
			StartedAt:  a.StartedAt,
			FinishedAt: a.FinishedAt,
			Outcome:    a.Outcome,
			Error:      a.Error,
		})
	}
	writeJSON(w, 200, resp)
}

type callbackReq struct {
	ID      string          `json:"id"`
	Attempt int             `json:"attempt"`
	Status  string          `json:"status"` // "success" | "failure"
	Metrics json.RawMessage `json:"metrics"`
	Error   *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// callback is the worker-facing completion endpoint. Idempotent: stale
// or unknown (id, attempt) pairs are logged and dropped with a 200.
func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	var req callbackReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.ID == "" || req.Attempt < 1 || (req.Status != "success" && req.Status != "failure") {
		http.Error(w, "id, attempt and status are required", 400)
		return
	}

	var workerErr *domain.ErrorInfo
	if req.Error != nil {
		workerErr = &domain.ErrorInfo{
			Kind:    domain.FailureKind(req.Error.Kind),
			Message: req.Error.Message,
		}
	}

	err := s.ctrl.OnCallback(r.Context(), req.ID, req.Attempt, req.Status == "success", workerErr)
	result := req.Status
	switch {
	case errors.Is(err, domain.ErrStaleAttempt):
		result = "stale"
	case errors.Is(err, domain.ErrNotFound):
		log.Info().Str("execution_id", req.ID).Int("attempt", req.Attempt).
			Msg("callback for unknown execution dropped")
		result = "unknown"
	case err != nil:
		http.Error(w, err.Error(), 500)
		return
	}
	if s.met != nil {
		s.met.Callbacks.WithLabelValues(result).Inc()
	}
	writeJSON(w, 200, map[string]string{"result": result})
}

type deadLetterResp struct {
	ExecutionID  string            `json:"execution_id"`
	WorkflowType string            `json:"workflow_type"`
	Priority     int               `json:"priority"`
	AttemptCount int               `json:"attempt_count"`
	FailedAt     time.Time         `json:"failed_at"`
	LastError    *domain.ErrorInfo `json:"last_error,omitempty"`
	Requeued     bool              `json:"requeued"`
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := s.dead.List(r.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]deadLetterResp, 0, len(entries))
	for _, dl := range entries {
		out = append(out, toDeadLetterResp(dl))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dl, attempts, err := s.dead.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	history := make([]attemptResp, 0, len(attempts))
	for _, a := range attempts {
		history = append(history, attemptResp{
			Attempt:    a.Attempt,
			StartedAt:  a.StartedAt,
			FinishedAt: a.FinishedAt,
			Outcome:    a.Outcome,
			Error:      a.Error,
		})
	}
	writeJSON(w, 200, map[string]any{
		"entry":    toDeadLetterResp(dl),
		"context":  dl.Context,
		"attempts": history,
	})
}

func (s *Server) requeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	newID, err := s.dead.Requeue(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResp{ID: newID})
}

func (s *Server) budgets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.gov.Snapshot())
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Pause("operator request")
	writeJSON(w, 200, map[string]string{"status": "paused"})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	if s.det != nil {
		s.det.Reset()
	}
	s.ctrl.Resume()
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

type triggerReq struct {
	Name         string          `json:"name"`
	CronExpr     string          `json:"cron_expr"`
	WorkflowType string          `json:"workflow_type"`
	Priority     int             `json:"priority"`
	Context      json.RawMessage `json:"context"`
	Enabled      bool            `json:"enabled"`
}

func (s *Server) createTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" || req.CronExpr == "" || req.WorkflowType == "" {
		http.Error(w, "name, cron_expr, and workflow_type are required", 400)
		return
	}
	if err := trigger.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}
	nextRun, err := trigger.NextRunTime(req.CronExpr, time.Now())
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	id, err := s.store.CreateTrigger(r.Context(), domain.Trigger{
		Name:         req.Name,
		CronExpr:     req.CronExpr,
		WorkflowType: req.WorkflowType,
		Priority:     req.Priority,
		Context:      req.Context,
		Enabled:      req.Enabled,
		NextRun:      nextRun,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResp{ID: id})
}

func (s *Server) listTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := s.store.ListTriggers(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, triggers)
}

func (s *Server) getTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.store.GetTrigger(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) updateTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.store.GetTrigger(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	var req triggerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name != "" {
		t.Name = req.Name
	}
	if req.CronExpr != "" {
		if err := trigger.ValidateCronExpression(req.CronExpr); err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), 400)
			return
		}
		t.CronExpr = req.CronExpr
		nextRun, err := trigger.NextRunTime(req.CronExpr, time.Now())
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		t.NextRun = nextRun
	}
	if req.WorkflowType != "" {
		t.WorkflowType = req.WorkflowType
	}
	if req.Priority > 0 {
		t.Priority = req.Priority
	}
	if req.Context != nil {
		t.Context = req.Context
	}
	t.Enabled = req.Enabled

	if err := s.store.UpdateTrigger(r.Context(), t); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) deleteTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteTrigger(r.Context(), id); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toDeadLetterResp(dl domain.DeadLetter) deadLetterResp {
	return deadLetterResp{
		ExecutionID:  dl.ExecutionID,
		WorkflowType: dl.WorkflowType,
		Priority:     dl.Priority,
		AttemptCount: dl.AttemptCount,
		FailedAt:     dl.FailedAt,
		LastError:    dl.LastError,
		Requeued:     dl.Requeued,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
