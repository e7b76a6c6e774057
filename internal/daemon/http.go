package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"git.home.luguber.info/inful/metabuilder/internal/config"
	"git.home.luguber.info/inful/metabuilder/internal/escalate"
	"git.home.luguber.info/inful/metabuilder/internal/faults"
	"git.home.luguber.info/inful/metabuilder/internal/logfields"
	"git.home.luguber.info/inful/metabuilder/internal/orchestrator"
)

// opsServer serves the operational HTTP API: run lifecycle, worker
// hand-off, reports, canary comparison, and metrics.
type opsServer struct {
	cfg    *config.Config
	daemon *Daemon
	srv    *http.Server
}

func newOpsServer(cfg *config.Config, d *Daemon) *opsServer {
	return &opsServer{cfg: cfg, daemon: d}
}

// Start binds the listener and serves in the background.
func (s *opsServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metricsHandler(s.daemon))

	mux.HandleFunc("POST /api/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRunStatus)
	mux.HandleFunc("POST /api/runs/{id}/failures", s.handleReportFailure)
	mux.HandleFunc("POST /api/runs/{id}/steps/{step}/success", s.handleReportSuccess)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /api/runs/{id}/report", s.handleRunReport)
	mux.HandleFunc("GET /api/runs/{id}/replay", s.handleReplayBundle)

	mux.HandleFunc("POST /api/work/claim", s.handleClaimWork)
	mux.HandleFunc("POST /api/leases/{id}/renew", s.handleRenewLease)
	mux.HandleFunc("POST /api/leases/{id}/release", s.handleReleaseLease)

	mux.HandleFunc("GET /api/canary/comparison", s.handleCanaryComparison)
	mux.HandleFunc("GET /api/breakers", s.handleBreakerStatus)
	mux.HandleFunc("POST /api/chaos/inject", s.handleChaosInject)

	s.srv = &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      logRequests(mux),
		ReadTimeout:  s.cfg.Server.ReadTimeout.Std(),
		WriteTimeout: s.cfg.Server.WriteTimeout.Std(),
	}

	go func() {
		slog.Info("Ops HTTP server listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Ops HTTP server failed", logfields.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *opsServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			logfields.DurationMS(float64(time.Since(start).Milliseconds())))
	})
}

func (s *opsServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *opsServer) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	info, err := s.daemon.orch.StartRun(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *opsServer) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.daemon.orch.GetRunStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *opsServer) handleReportFailure(w http.ResponseWriter, r *http.Request) {
	var sig escalate.FailureSignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode failure signal: %w", err))
		return
	}
	sig.RunID = r.PathValue("id")
	if sig.StepID == "" || sig.FailureClass == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("step_id and failure_class are required"))
		return
	}

	dec, err := s.daemon.orch.ReportFailure(r.Context(), sig)
	if err != nil && !faults.IsBudgetExceeded(err) {
		writeError(w, statusFor(err), err)
		return
	}
	// A budget-exceeded decision is still a decision: the caller gets the
	// abort action plus the triggering dimension in the detail.
	writeJSON(w, http.StatusOK, dec)
}

func (s *opsServer) handleReportSuccess(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	stepID := r.PathValue("step")
	if err := s.daemon.orch.ReportSuccess(r.Context(), runID, stepID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "step_id": stepID, "result": "recorded"})
}

func (s *opsServer) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.daemon.orch.CancelRun(r.Context(), runID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": orchestrator.StatusCancelled})
}

func (s *opsServer) handleRunReport(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if strings.EqualFold(r.URL.Query().Get("format"), "markdown") {
		md, err := s.daemon.reports.Markdown(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(md))
		return
	}
	html, err := s.daemon.reports.HTML(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(html)
}

func (s *opsServer) handleReplayBundle(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	bundle, err := s.daemon.replay.Bundle(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if bundle == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("run %s has no finalized replay bundle", runID))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(bundle)
}

func (s *opsServer) handleClaimWork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID   string `json:"worker_id"`
		QueueClass string `json:"queue_class"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode claim request: %w", err))
		return
	}
	if req.WorkerID == "" || req.QueueClass == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("worker_id and queue_class are required"))
		return
	}
	wa, err := s.daemon.orch.ClaimWork(r.Context(), req.WorkerID, req.QueueClass)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if wa == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if wa.Chaos != nil {
		chaosInjectionsTotal.Inc()
	}
	writeJSON(w, http.StatusOK, wa)
}

func (s *opsServer) handleRenewLease(w http.ResponseWriter, r *http.Request) {
	l, err := s.daemon.orch.RenewLease(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *opsServer) handleReleaseLease(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.orch.ReleaseLease(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "released"})
}

func (s *opsServer) handleCanaryComparison(w http.ResponseWriter, r *http.Request) {
	cmp, err := s.daemon.comparator.Compare(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *opsServer) handleBreakerStatus(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	class := r.URL.Query().Get("class")
	if tenant == "" || class == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("tenant and class query parameters are required"))
		return
	}
	writeJSON(w, http.StatusOK, s.daemon.breakers.Current(tenant, class))
}

func (s *opsServer) handleChaosInject(w http.ResponseWriter, r *http.Request) {
	if !s.daemon.chaos.Enabled() {
		writeError(w, http.StatusForbidden, fmt.Errorf("chaos injection is disabled"))
		return
	}
	var req struct {
		RunID     string `json:"run_id"`
		StepID    string `json:"step_id"`
		ChaosType string `json:"chaos_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode chaos request: %w", err))
		return
	}
	inj, err := s.daemon.chaos.Inject(r.Context(), req.RunID, req.StepID, req.ChaosType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	chaosInjectionsTotal.Inc()
	writeJSON(w, http.StatusOK, inj)
}

// statusFor maps the fault taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch faults.GetCategory(err) {
	case faults.CategoryLease:
		if faults.IsLeaseExpired(err) {
			return http.StatusGone
		}
		return http.StatusConflict
	case faults.CategoryValidation:
		return http.StatusBadRequest
	case faults.CategoryBudget:
		return http.StatusPaymentRequired
	default:
		if strings.Contains(err.Error(), "not active") || strings.Contains(err.Error(), "not found") {
			return http.StatusNotFound
		}
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Response encoding failed", logfields.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
