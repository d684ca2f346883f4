package http

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"cofre/internal/auth"
	"cofre/internal/core"
	applog "cofre/internal/log"
)

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewResponse().JSON(map[string]any{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"uptime":    s.now().Sub(s.metrics.startedAt).Round(time.Second).String(),
	}).Write(w)
}

// handleReady performs readiness check with dependency verification
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	httpStatus := http.StatusOK
	checks := make(map[string]any)

	if err := s.vaults.Ping(ctx); err != nil {
		applog.FromContext(r.Context()).WarnContext(r.Context(), "Readiness check failed", applog.FieldError, err.Error())
		checks["storage"] = fmt.Sprintf("failed: %v", err)
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["storage"] = "ok"
	}

	checks["export_storage"] = "not_configured"
	if s.exports != nil {
		checks["export_storage"] = "ok"
	}
	checks["cache"] = map[string]any{"summary_entries": s.summaries.Size()}
	checks["rate_limiter"] = map[string]any{"active_clients": s.limiter.ActiveClients()}

	NewResponse().Status(httpStatus).JSON(map[string]any{
		"status":    status,
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"checks":    checks,
	}).Write(w)
}

// handleMetrics provides application and security metrics in plain text format
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	traceMetrics := s.tracer.GetMetrics()
	securityMetrics := s.detector.GetMetrics()

	w.WriteHeader(http.StatusOK)

	metric := func(name, kind, help string, value any) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
		fmt.Fprintf(w, "%s %v\n\n", name, value)
	}
	metric("http_requests_total", "counter", "Total number of HTTP requests", traceMetrics.TotalRequests)
	metric("http_server_errors_total", "counter", "Responses with a 5xx status", traceMetrics.ServerErrors)
	metric("movements_recorded_total", "counter", "Movements recorded through the API", atomic.LoadInt64(&s.metrics.movementsRecorded))
	metric("summary_cache_hits_total", "counter", "Summary cache hits", atomic.LoadInt64(&s.metrics.cacheHits))
	metric("summary_cache_misses_total", "counter", "Summary cache misses", atomic.LoadInt64(&s.metrics.cacheMisses))
	metric("summary_cache_entries", "gauge", "Current summary cache entries", s.summaries.Size())
	metric("suspicious_requests_total", "counter", "Suspicious requests detected", securityMetrics.SuspiciousRequests)
	metric("blocked_requests_total", "counter", "Requests blocked by the detector", securityMetrics.BlockedRequests)
	metric("active_rate_limit_clients", "gauge", "Currently tracked rate limit clients", s.limiter.ActiveClients())
	metric("uptime_seconds", "gauge", "Application uptime in seconds", int64(s.now().Sub(s.metrics.startedAt).Seconds()))
}

// ownerOf returns the authenticated user. Routes under /api always have one.
func ownerOf(r *http.Request) string {
	userID, _ := auth.UserIDFromContext(r.Context())
	return userID
}

// fail logs err at a level matching its class and writes the mapped response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	ctx := r.Context()
	logger := applog.FromContext(ctx)
	fields := applog.NewFields().WithVault(ownerOf(r), chi.URLParam(r, "vaultID"))

	switch {
	case core.IsReconciliation(err):
		applog.NewStructuredLogger(logger).LogFailure(ctx, "Vault balance diverged", applog.ErrorTypeReconciliation, op, err, fields)
	case core.IsDependency(err):
		applog.NewStructuredLogger(logger).LogFailure(ctx, "Storage dependency failed", applog.ErrorTypeDatabase, op, err, fields)
	case core.IsValidation(err), core.IsNotFound(err):
		logger.DebugContext(ctx, "Request rejected", fields.WithError(err).WithOperation(op).ToSlice()...)
	default:
		applog.NewStructuredLogger(logger).LogFailure(ctx, "Request failed", applog.ErrorTypeInternal, op, err, fields)
	}
	FromError(err).Write(w)
}

// parseBody parses the request body, writing a 400 on failure.
func parseBody(w http.ResponseWriter, r *http.Request) (*RequestBodyParser, bool) {
	p := NewRequestBodyParser(r)
	if err := p.Parse(); err != nil {
		BadRequestError(err.Error()).Write(w)
		return nil, false
	}
	return p, true
}

// vaultView adds the formatted balance to a vault.
type vaultView struct {
	core.Vault
	BalanceFormatted string `json:"balance_formatted"`
}

func (s *Server) view(v core.Vault) vaultView {
	return vaultView{Vault: v, BalanceFormatted: v.Balance.Format(s.currency)}
}

func (s *Server) handleListVaults(w http.ResponseWriter, r *http.Request) {
	vaults, err := s.vaults.ListVaults(r.Context(), ownerOf(r))
	if err != nil {
		s.fail(w, r, "list_vaults", err)
		return
	}
	views := make([]vaultView, 0, len(vaults))
	for _, v := range vaults {
		views = append(views, s.view(v))
	}
	NewResponse().JSON(map[string]any{"vaults": views}).Write(w)
}

func (s *Server) handleCreateVault(w http.ResponseWriter, r *http.Request) {
	p, ok := parseBody(w, r)
	if !ok {
		return
	}
	name, target, err := VaultFieldsFrom(p)
	if err != nil {
		s.fail(w, r, "create_vault", err)
		return
	}
	v, err := s.vaults.CreateVault(r.Context(), ownerOf(r), name, target)
	if err != nil {
		s.fail(w, r, "create_vault", err)
		return
	}
	NewResponse().
		Status(http.StatusCreated).
		Header("Location", "/api/vaults/"+v.ID).
		TriggerVaultUpdated(v.ID, v.Balance).
		JSON(s.view(v)).
		Write(w)
}

func (s *Server) handleEnsureDefaultVault(w http.ResponseWriter, r *http.Request) {
	v, err := s.vaults.EnsureDefaultVault(r.Context(), ownerOf(r))
	if err != nil {
		s.fail(w, r, "ensure_default_vault", err)
		return
	}
	NewResponse().JSON(s.view(v)).Write(w)
}

func (s *Server) handleGetVault(w http.ResponseWriter, r *http.Request) {
	v, err := s.vaults.GetVault(r.Context(), ownerOf(r), chi.URLParam(r, "vaultID"))
	if err != nil {
		s.fail(w, r, "get_vault", err)
		return
	}
	NewResponse().JSON(s.view(v)).Write(w)
}

func (s *Server) handleUpdateVault(w http.ResponseWriter, r *http.Request) {
	p, ok := parseBody(w, r)
	if !ok {
		return
	}
	patch, err := VaultPatchFrom(p)
	if err != nil {
		s.fail(w, r, "update_vault", err)
		return
	}
	v, err := s.vaults.UpdateVault(r.Context(), ownerOf(r), chi.URLParam(r, "vaultID"), patch)
	if err != nil {
		s.fail(w, r, "update_vault", err)
		return
	}
	NewResponse().TriggerVaultUpdated(v.ID, v.Balance).JSON(s.view(v)).Write(w)
}

func (s *Server) handleDeleteVault(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")
	if err := s.vaults.DeleteVault(r.Context(), ownerOf(r), vaultID); err != nil {
		s.fail(w, r, "delete_vault", err)
		return
	}
	NewResponse().Status(http.StatusNoContent).TriggerVaultDeleted(vaultID).Write(w)
}
