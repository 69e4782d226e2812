// Package gateway exposes the driftmail REST and streaming API. Every
// route is tenant scoped: the bearer token resolves to a company, and
// data owned by other companies answers 404.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/driftmail/driftmail/core/infra/bus"
	"github.com/driftmail/driftmail/core/infra/logging"
	"github.com/driftmail/driftmail/core/infra/metrics"
	"github.com/driftmail/driftmail/core/pipeline"
)

// Options wires the gateway's collaborators.
type Options struct {
	Store        *pipeline.RedisStore
	Orchestrator *pipeline.Orchestrator
	Bus          bus.Bus
	Metrics      metrics.GatewayMetrics
	// APITokens is a "token:company,token:company" list. Empty disables
	// auth; callers then pass X-Company-ID directly (dev mode only).
	APITokens string
}

// Server is the HTTP API surface.
type Server struct {
	store   *pipeline.RedisStore
	orch    *pipeline.Orchestrator
	bus     bus.Bus
	metrics metrics.GatewayMetrics
	tokens  map[string]string
	hub     *streamHub
	started time.Time
}

// NewServer constructs a gateway server.
func NewServer(opts Options) *Server {
	s := &Server{
		store:   opts.Store,
		orch:    opts.Orchestrator,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		tokens:  parseTokens(opts.APITokens),
		hub:     newStreamHub(),
		started: time.Now().UTC(),
	}
	return s
}

// parseTokens reads "token:company" pairs separated by commas.
func parseTokens(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, company, ok := strings.Cut(pair, ":")
		if !ok || token == "" || company == "" {
			logging.Warn("api-gateway", "ignoring malformed api token entry")
			continue
		}
		out[token] = company
	}
	return out
}

type ctxKey int

const companyKey ctxKey = iota

// companyFrom returns the authenticated tenant for the request.
func companyFrom(r *http.Request) string {
	company, _ := r.Context().Value(companyKey).(string)
	return company
}

// authMiddleware resolves the tenant from the bearer token. With no
// tokens configured the X-Company-ID header is trusted as-is.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		var company string
		if len(s.tokens) == 0 {
			company = r.Header.Get("X-Company-ID")
		} else {
			token := bearerToken(r)
			var ok bool
			company, ok = s.tokens[token]
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		if company == "" {
			http.Error(w, "company required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), companyKey, company)))
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// Handler builds the routed, authenticated HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))

	mux.HandleFunc("GET /api/v1/pipelines", s.instrumented("/api/v1/pipelines", s.handleListPipelines))
	mux.HandleFunc("POST /api/v1/pipelines", s.instrumented("/api/v1/pipelines", s.handleCreatePipeline))
	mux.HandleFunc("GET /api/v1/pipelines/{id}", s.instrumented("/api/v1/pipelines/{id}", s.handleGetPipeline))
	mux.HandleFunc("PUT /api/v1/pipelines/{id}", s.instrumented("/api/v1/pipelines/{id}", s.handleUpdatePipeline))
	mux.HandleFunc("DELETE /api/v1/pipelines/{id}", s.instrumented("/api/v1/pipelines/{id}", s.handleDeletePipeline))
	mux.HandleFunc("POST /api/v1/pipelines/{id}/start", s.instrumented("/api/v1/pipelines/{id}/start", s.handleStartPipeline))
	mux.HandleFunc("GET /api/v1/pipelines/{id}/executions", s.instrumented("/api/v1/pipelines/{id}/executions", s.handleListPipelineExecutions))

	mux.HandleFunc("GET /api/v1/executions/{id}", s.instrumented("/api/v1/executions/{id}", s.handleGetExecution))
	mux.HandleFunc("GET /api/v1/executions/{id}/steps", s.instrumented("/api/v1/executions/{id}/steps", s.handleListExecutionSteps))
	mux.HandleFunc("GET /api/v1/executions/{id}/timeline", s.instrumented("/api/v1/executions/{id}/timeline", s.handleGetExecutionTimeline))
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", s.instrumented("/api/v1/executions/{id}/cancel", s.handleCancelExecution))

	mux.HandleFunc("GET /api/v1/leads/{id}/executions", s.instrumented("/api/v1/leads/{id}/executions", s.handleListLeadExecutions))

	mux.HandleFunc("/api/v1/stream", s.instrumented("/api/v1/stream", s.handleStream))

	return s.authMiddleware(mux)
}

// Run serves the API and a separate metrics listener until ctx is done.
func (s *Server) Run(ctx context.Context, apiAddr, metricsAddr string) error {
	if s.bus != nil {
		if err := s.startEventTap(); err != nil {
			logging.Error("api-gateway", "event tap failed", "error", err)
		}
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{
		Addr:         metricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logging.Info("api-gateway", "metrics listening", "addr", metricsAddr+"/metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("api-gateway", "metrics server error", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              apiAddr,
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	logging.Info("api-gateway", "http listening", "addr", apiAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record request metrics.
func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func limitFrom(r *http.Request) int64 {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// --- Status ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	busStatus := "disabled"
	if nb, ok := s.bus.(*bus.NatsBus); ok && nb != nil {
		busStatus = nb.Status()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bus":            busStatus,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

// --- Pipelines ---

type pipelineStepRequest struct {
	ID         string  `json:"id"`
	Order      int     `json:"order"`
	DelayHours float64 `json:"delay_hours"`
	TemplateID string  `json:"template_id"`
}

type pipelineRequest struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Description string                `json:"description"`
	IsActive    *bool                 `json:"is_active"`
	Steps       []pipelineStepRequest `json:"steps"`
}

func decodePipelineRequest(r *http.Request) (*pipelineRequest, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid json")
	}
	if err := pipelineBodySchema.Validate(raw); err != nil {
		return nil, err
	}
	var req pipelineRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid json")
	}
	orders := map[int]bool{}
	for _, step := range req.Steps {
		if orders[step.Order] {
			return nil, fmt.Errorf("duplicate step order %d", step.Order)
		}
		orders[step.Order] = true
	}
	return &req, nil
}

func (req *pipelineRequest) toPipeline(company string) *pipeline.Pipeline {
	p := &pipeline.Pipeline{
		ID:          req.ID,
		CompanyID:   company,
		Name:        req.Name,
		Description: req.Description,
		IsActive:    true,
	}
	if req.IsActive != nil {
		p.IsActive = *req.IsActive
	}
	for _, step := range req.Steps {
		id := step.ID
		if id == "" {
			id = uuid.NewString()
		}
		p.Steps = append(p.Steps, &pipeline.PipelineStep{
			ID:         id,
			Order:      step.Order,
			DelayHours: step.DelayHours,
			TemplateID: step.TemplateID,
		})
	}
	return p
}

func (s *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	req, err := decodePipelineRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p := req.toPipeline(companyFrom(r))
	if p.ID == "" {
		p.ID = uuid.NewString()
	} else if _, err := s.store.GetPipeline(r.Context(), p.ID); err == nil {
		// Create never overwrites. Updates go through PUT.
		http.Error(w, "pipeline id already exists", http.StatusConflict)
		return
	} else if !errors.Is(err, pipeline.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.SavePipeline(r.Context(), p); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUpdatePipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	company := companyFrom(r)
	if _, err := s.store.GetCompanyPipeline(r.Context(), company, id); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	req, err := decodePipelineRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p := req.toPipeline(company)
	p.ID = id
	if err := s.store.SavePipeline(r.Context(), p); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetCompanyPipeline(r.Context(), companyFrom(r), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeletePipeline(r.Context(), companyFrom(r), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListPipelines(r.Context(), companyFrom(r), limitFrom(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
