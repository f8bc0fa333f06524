// Package server exposes the HTTP surface: webhook delivery, manual poll
// ticks, execution control, run queries, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weftworks/weft/ingress"
	"github.com/weftworks/weft/metrics"
	"github.com/weftworks/weft/runlog"
	"github.com/weftworks/weft/runtime"
	"github.com/weftworks/weft/webhook"
	"github.com/weftworks/weft/workflow"
)

// MaxBodyBytes caps inbound request bodies. Vendors rarely deliver webhook
// payloads above a few hundred KB.
const MaxBodyBytes = 4 << 20

// Server wires the HTTP endpoints to the intake, scheduler, runtime, and
// run log.
type Server struct {
	intake    *ingress.WebhookIntake
	scheduler *ingress.PollScheduler
	runtime   *runtime.Runtime
	store     runlog.Store
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a Server. scheduler may be nil when polling is disabled.
func New(intake *ingress.WebhookIntake, scheduler *ingress.PollScheduler, rt *runtime.Runtime, store runlog.Store, opts ...Option) *Server {
	s := &Server{
		intake:    intake,
		scheduler: scheduler,
		runtime:   rt,
		store:     store,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHTTPHandlers registers all endpoints on the mux.
func (s *Server) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/{id}", s.handleWebhook)
	mux.HandleFunc("POST /triggers/poll/{id}/tick", s.handlePollTick)
	mux.HandleFunc("POST /executions", s.handleSubmit)
	mux.HandleFunc("POST /executions/{id}/retry", s.handleRetryExecution)
	mux.HandleFunc("POST /executions/{id}/nodes/{nodeId}/retry", s.handleRetryNode)
	mux.HandleFunc("GET /executions", s.handleListExecutions)
	mux.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /dlq", s.handleListDLQ)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.RegisterHTTPHandlers(mux)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("http server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// handleWebhook accepts one webhook delivery. The body bytes reach the
// verifier unmodified; signature schemes cover exact byte sequences.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	webhookID := r.PathValue("id")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	result, err := s.intake.HandleDelivery(r.Context(), webhookID, webhook.Request{
		Method:  r.Method,
		Host:    r.Host,
		Path:    r.URL.Path,
		Headers: r.Header,
		Body:    body,
	})
	if err != nil {
		switch {
		case errors.Is(err, ingress.ErrTriggerNotFound):
			metrics.WebhookDeliveries.WithLabelValues("rejected").Inc()
			writeError(w, http.StatusNotFound, "unknown webhook")
		case workflow.KindOf(err) == workflow.KindSignature:
			metrics.WebhookDeliveries.WithLabelValues("rejected").Inc()
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("webhook delivery failed", "webhook_id", webhookID, "error", err)
			metrics.WebhookDeliveries.WithLabelValues("rejected").Inc()
			writeError(w, http.StatusInternalServerError, "delivery failed")
		}
		return
	}

	switch {
	case result.Duplicate:
		metrics.WebhookDeliveries.WithLabelValues("duplicate").Inc()
	case result.Accepted:
		metrics.WebhookDeliveries.WithLabelValues("accepted").Inc()
	default:
		metrics.WebhookDeliveries.WithLabelValues("rejected").Inc()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        result.Accepted,
		"duplicate": result.Duplicate,
		"eventId":   result.EventID,
	})
}

// handlePollTick runs one poll immediately, outside the trigger's schedule.
func (s *Server) handlePollTick(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "polling disabled")
		return
	}
	triggerID := r.PathValue("id")
	emitted, err := s.scheduler.Tick(r.Context(), triggerID)
	if err != nil {
		if errors.Is(err, ingress.ErrTriggerNotFound) {
			writeError(w, http.StatusNotFound, "unknown trigger")
			return
		}
		s.logger.Error("manual tick failed", "trigger_id", triggerID, "error", err)
		writeError(w, http.StatusInternalServerError, "poll failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": emitted})
}

type submitRequest struct {
	WorkflowID  string `json:"workflowId"`
	TriggerData any    `json:"triggerData,omitempty"`
	UserID      string `json:"userId,omitempty"`
}

// handleSubmit starts a manual execution.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "workflowId is required")
		return
	}

	executionID, err := s.runtime.Submit(r.Context(), req.WorkflowID, runtime.TriggerInput{
		Type:   "manual",
		Data:   req.TriggerData,
		UserID: req.UserID,
	})
	if err != nil {
		switch {
		case errors.Is(err, runtime.ErrWorkflowNotFound):
			writeError(w, http.StatusNotFound, "unknown workflow")
		case workflow.KindOf(err) == workflow.KindValidation:
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("submit failed", "workflow_id", req.WorkflowID, "error", err)
			writeError(w, http.StatusInternalServerError, "submit failed")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": executionID})
}

// handleRetryExecution re-runs a terminal execution from its trigger data.
func (s *Server) handleRetryExecution(w http.ResponseWriter, r *http.Request) {
	executionID, err := s.runtime.RetryExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, runlog.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown execution")
		case workflow.KindOf(err) == workflow.KindValidation:
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("retry failed", "execution_id", r.PathValue("id"), "error", err)
			writeError(w, http.StatusInternalServerError, "retry failed")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": executionID})
}

// handleRetryNode replays a dead-lettered node.
func (s *Server) handleRetryNode(w http.ResponseWriter, r *http.Request) {
	executionID, err := s.runtime.ReplayDLQ(r.Context(), r.PathValue("id"), r.PathValue("nodeId"))
	if err != nil {
		switch {
		case errors.Is(err, runlog.ErrNotFound):
			writeError(w, http.StatusNotFound, "no dead-letter item for node")
		case errors.Is(err, runtime.ErrWorkflowNotFound):
			writeError(w, http.StatusNotFound, "unknown workflow")
		case workflow.KindOf(err) == workflow.KindValidation:
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("dlq replay failed",
				"execution_id", r.PathValue("id"),
				"node_id", r.PathValue("nodeId"),
				"error", err)
			writeError(w, http.StatusInternalServerError, "replay failed")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": executionID})
}

// handleListExecutions queries the run log. Query params map onto
// runlog.Query field for field.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := runlog.QueryExecutions(r.Context(), s.store, q)
	if err != nil {
		s.logger.Error("query executions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGetExecution returns one execution with its node records.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	exec, err := s.store.GetExecution(r.Context(), executionID)
	if err != nil {
		if errors.Is(err, runlog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown execution")
			return
		}
		s.logger.Error("get execution failed", "execution_id", executionID, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	nodes, err := s.store.ListNodeExecutions(r.Context(), executionID)
	if err != nil {
		s.logger.Error("list node executions failed", "execution_id", executionID, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if nodes == nil {
		nodes = []*runlog.NodeExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution": exec,
		"nodes":     nodes,
	})
}

// handleListDLQ lists dead-letter items, optionally scoped to a workflow.
func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListDLQ(r.Context(), r.URL.Query().Get("workflowId"))
	if err != nil {
		s.logger.Error("list dlq failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if items == nil {
		items = []*runlog.DLQItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleStats aggregates executions over a window (hour, day, week).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window := runlog.StatsWindow(r.URL.Query().Get("window"))
	if window == "" {
		window = runlog.WindowDay
	}
	stats, err := runlog.ComputeStats(r.Context(), s.store, window, time.Now().UTC())
	if err != nil {
		s.logger.Error("compute stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseQuery maps URL query params onto runlog.Query.
func parseQuery(r *http.Request) (runlog.Query, error) {
	values := r.URL.Query()
	q := runlog.Query{
		ExecutionID: values.Get("executionId"),
		WorkflowID:  values.Get("workflowId"),
		UserID:      values.Get("userId"),
		Status:      workflow.ExecutionStatus(values.Get("status")),
		SortBy:      values.Get("sortBy"),
		SortOrder:   values.Get("sortOrder"),
	}
	var err error
	if raw := values.Get("since"); raw != "" {
		if q.Since, err = time.Parse(time.RFC3339, raw); err != nil {
			return q, errors.New("since must be RFC3339")
		}
	}
	if raw := values.Get("until"); raw != "" {
		if q.Until, err = time.Parse(time.RFC3339, raw); err != nil {
			return q, errors.New("until must be RFC3339")
		}
	}
	if raw := values.Get("limit"); raw != "" {
		if q.Limit, err = strconv.Atoi(raw); err != nil || q.Limit < 0 {
			return q, errors.New("limit must be a non-negative integer")
		}
	}
	if raw := values.Get("offset"); raw != "" {
		if q.Offset, err = strconv.Atoi(raw); err != nil || q.Offset < 0 {
			return q, errors.New("offset must be a non-negative integer")
		}
	}
	return q, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
