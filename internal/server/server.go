package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ogulcanaydogan/costalert/internal/telemetry"
	"github.com/ogulcanaydogan/costalert/pkg/certhealth"
	"github.com/ogulcanaydogan/costalert/pkg/devices"
	"github.com/ogulcanaydogan/costalert/pkg/dispatch"
	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
	"github.com/ogulcanaydogan/costalert/pkg/tracker"
)

// Deps are the components the API exposes. Any of them may be nil, in which case its
// routes answer 503.
type Deps struct {
	Devices    *devices.Registry
	Breakers   *resilience.Registry
	Budget     *tracker.BudgetTracker
	Dispatcher *dispatch.Dispatcher
	Cert       *certhealth.Monitor
	Metrics    *telemetry.Metrics
}

// Server provides the health, metrics and administration API.
type Server struct {
	deps   Deps
	router chi.Router
	logger *slog.Logger
}

// NewServer creates an API server.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{deps: deps, router: chi.NewRouter(), logger: logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(middleware.Timeout(30 * time.Second))

		api.Route("/devices", func(d chi.Router) {
			d.Get("/", s.handleListDevices)
			d.Post("/", s.handleRegisterDevice)
			d.Post("/reconcile", s.handleReconcile)
			d.Put("/{ref}/token", s.handleRotateToken)
			d.Delete("/{ref}", s.handleDeregister)
		})

		api.Get("/certificate", s.handleCertificate)

		api.Get("/breakers", s.handleBreakers)
		api.Post("/breakers/{name}/reset", s.handleResetBreaker)

		api.Get("/budget", s.handleBudget)

		api.Post("/dispatch", s.handleDispatch)
	})
}

// Handler returns the HTTP handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	Token  string `json:"token"`
	UserID string `json:"user_id,omitempty"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if s.deps.Devices == nil {
		unavailable(w, "devices")
		return
	}
	eps, err := s.deps.Devices.List(r.Context())
	if err != nil {
		s.fail(w, "list devices", err)
		return
	}
	writeJSON(w, http.StatusOK, eps)
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	if s.deps.Devices == nil {
		unavailable(w, "devices")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ep, err := s.deps.Devices.Register(r.Context(), req.Token, req.UserID)
	if err != nil {
		s.fail(w, "register device", err)
		return
	}
	writeJSON(w, http.StatusCreated, ep)
}

func (s *Server) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	if s.deps.Devices == nil {
		unavailable(w, "devices")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ep, err := s.deps.Devices.RotateToken(r.Context(), chi.URLParam(r, "ref"), req.Token)
	if err != nil {
		s.fail(w, "rotate token", err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if s.deps.Devices == nil {
		unavailable(w, "devices")
		return
	}
	if err := s.deps.Devices.Deregister(r.Context(), chi.URLParam(r, "ref")); err != nil {
		s.fail(w, "deregister device", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Devices == nil {
		unavailable(w, "devices")
		return
	}
	res := s.deps.Devices.Reconcile(r.Context())
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveReconcile(res)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scanned":       res.Scanned,
		"removed":       res.Removed,
		"removed_count": len(res.Removed),
		"errors":        res.Errors,
	})
}

func (s *Server) handleCertificate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cert == nil {
		unavailable(w, "certificate monitor")
		return
	}
	rep := s.deps.Cert.Check(r.Context())
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetCertificate(rep)
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Breakers == nil {
		unavailable(w, "breakers")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Breakers.Snapshots())
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	if s.deps.Breakers == nil {
		unavailable(w, "breakers")
		return
	}
	name := chi.URLParam(r, "name")
	if !s.deps.Breakers.Reset(name) {
		writeError(w, http.StatusNotFound, "unknown breaker "+name)
		return
	}
	s.logger.Info("circuit breaker reset via API", "breaker", name)
	writeJSON(w, http.StatusOK, s.deps.Breakers.Get(name).Snapshot())
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	if s.deps.Budget == nil {
		unavailable(w, "budget")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	state, err := s.deps.Budget.State(ctx)
	if err != nil {
		s.fail(w, "budget state", err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetBudget(state)
	}
	writeJSON(w, http.StatusOK, state)
}

type dispatchResponse struct {
	*model.DispatchResult
	Error string `json:"error,omitempty"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		unavailable(w, "dispatcher")
		return
	}
	var alert model.AlertContext
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&alert); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if alert.Severity != model.SeverityWarning && alert.Severity != model.SeverityCritical {
		writeError(w, http.StatusBadRequest, "severity must be WARNING or CRITICAL")
		return
	}

	res, err := s.deps.Dispatcher.Dispatch(r.Context(), alert)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, dispatchResponse{DispatchResult: res, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, dispatchResponse{DispatchResult: res})
}

// fail maps a component error onto an HTTP status.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, devices.ErrEndpointNotFound):
		status = http.StatusNotFound
	case errors.Is(err, devices.ErrTokenInUse):
		status = http.StatusConflict
	case resilience.Classify(err) == resilience.ClassValidation:
		status = http.StatusBadRequest
	case resilience.Classify(err) == resilience.ClassTransient,
		resilience.Classify(err) == resilience.ClassChannelSpecific:
		status = http.StatusBadGateway
	}
	if status >= 500 {
		s.logger.Error(op, "error", err)
	}
	writeError(w, status, err.Error())
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, what+" not configured")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
