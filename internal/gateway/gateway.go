// Package gateway is the HTTP surface for task sources: post tasks, read
// the board and the roster, and stream outcomes over a WebSocket.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/basket/go-hive/internal/agent"
	"github.com/basket/go-hive/internal/bus"
	"github.com/basket/go-hive/internal/market"
	"github.com/basket/go-hive/internal/persistence"
	"github.com/basket/go-hive/internal/shared"
	"github.com/basket/go-hive/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	hiveotel "github.com/basket/go-hive/internal/otel"
)

const (
	// HeaderSource names the posting task source.
	HeaderSource = "X-Hive-Source"
	// HeaderSignature carries the source's base64 ed25519 signature over
	// the task's signing payload.
	HeaderSignature = "X-Hive-Signature"

	maxBodyBytes = 1 << 20
)

type Config struct {
	Store  *persistence.Store
	Market *market.Market
	Agents *agent.Registry
	Bus    *bus.Bus

	AuthToken     string
	RatePerSecond float64
	Burst         int
	// AllowOrigins lists accepted browser origins. Empty list means
	// same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *hiveotel.Metrics
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *RateLimitMiddleware
	auth    *AuthMiddleware
}

// PostTaskRequest is the body of POST /v1/tasks.
type PostTaskRequest struct {
	Description string    `json:"description"`
	Tags        []string  `json:"tags"`
	Deadline    time.Time `json:"deadline,omitempty"`
}

// PostTaskResponse is returned for an accepted task.
type PostTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskView is the board record with its clearing history.
type TaskView struct {
	Task   persistence.TaskRecord    `json:"task"`
	Awards []persistence.AwardRecord `json:"awards"`
	Events []persistence.TaskEvent   `json:"events"`
}

func New(cfg Config) *Server {
	s := &Server{cfg: cfg, logger: cfg.Logger, tracer: cfg.Tracer}
	s.logger = telemetry.Component(s.logger, "gateway")
	if s.tracer == nil {
		s.tracer = tracenoop.NewTracerProvider().Tracer(hiveotel.TracerName)
	}
	s.limiter = NewRateLimitMiddleware(cfg.RatePerSecond, cfg.Burst, cfg.Metrics)
	s.auth = NewAuthMiddleware(cfg.AuthToken)
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/tasks", s.handlePostTask)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("GET /v1/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("GET /v1/outcomes", s.handleOutcomes)

	var h http.Handler = mux
	h = s.auth.Wrap(h)
	h = s.limiter.Wrap(h)
	h = RequestSizeLimitMiddleware(maxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return s.instrument(h)
}

// Run serves until ctx ends, then shuts down within drain.
func (s *Server) Run(ctx context.Context, addr string, drain time.Duration) error {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", addr, "auth", s.auth.Enabled())
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store != nil && s.cfg.Store.DB().PingContext(r.Context()) == nil
	halted := s.cfg.Market != nil && s.cfg.Market.Halted()
	agents := 0
	if s.cfg.Agents != nil {
		agents = len(s.cfg.Agents.ListAgents())
	}
	healthy := dbOK && !halted
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":            healthy,
		"db_ok":              dbOK,
		"market_halted":      halted,
		"agent_count":        agents,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	})
}

func (s *Server) handlePostTask(w http.ResponseWriter, r *http.Request) {
	var req PostTaskRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	spec := market.TaskSpec{Description: req.Description, Tags: req.Tags, Deadline: req.Deadline}
	if sig := strings.TrimSpace(r.Header.Get(HeaderSignature)); sig != "" {
		spec.SourceID = SourceFromContext(r.Context())
		spec.Signature = sig
	}
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	id, err := s.cfg.Market.PostTask(ctx, spec)
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	s.logger.Info("task accepted", "task_id", id, "source", SourceFromContext(r.Context()), "trace_id", shared.TraceID(ctx))
	writeJSON(w, http.StatusAccepted, PostTaskResponse{TaskID: id, Status: string(persistence.TaskStatusBidding)})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var statuses []persistence.TaskStatus
	for _, raw := range r.URL.Query()["status"] {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.ToUpper(strings.TrimSpace(st)); st != "" {
				statuses = append(statuses, persistence.TaskStatus(st))
			}
		}
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), statuses...)
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	if tasks == nil {
		tasks = []persistence.TaskRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.cfg.Market.Task(r.Context(), id)
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	awards, err := s.cfg.Store.ListAwards(r.Context(), id)
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	events, err := s.cfg.Store.ListTaskEvents(r.Context(), id)
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TaskView{Task: *rec, Awards: awards, Events: events})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cfg.Agents.Snapshot(r.Context())
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": snap})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.cfg.Agents.GetAgent(id) == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("agent %q not found", id))
		return
	}
	st, err := s.cfg.Agents.AgentStatus(r.Context(), id)
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// writeMarketError maps domain errors onto HTTP status codes.
func (s *Server) writeMarketError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, market.ErrInvalidTask):
		status = http.StatusBadRequest
	case errors.Is(err, market.ErrUnverifiedSource):
		status = http.StatusForbidden
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, market.ErrUnknownTask):
		status = http.StatusNotFound
	case errors.Is(err, market.ErrMarketHalted), errors.Is(err, market.ErrMarketStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// instrument wraps every request in a server span and records its duration.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeLabel(r.URL.Path)
		ctx, span := hiveotel.StartServerSpan(r.Context(), s.tracer, r.Method+" "+route,
			attribute.String("http.request.method", r.Method),
			attribute.String("http.route", route),
		)
		defer span.End()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", rec.status),
			))
		}
	})
}

// routeLabel collapses ids so metrics stay low-cardinality.
func routeLabel(path string) string {
	for _, prefix := range []string{"/v1/tasks/", "/v1/agents/"} {
		if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
			return prefix + "{id}"
		}
	}
	return path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the WebSocket upgrade reach the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
