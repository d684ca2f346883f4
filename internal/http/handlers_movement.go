package http

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"cofre/internal/cache"
	"cofre/internal/core"
	applog "cofre/internal/log"
)

// auditView is a drift report with its derived fields.
type auditView struct {
	core.Drift
	Difference core.Money `json:"difference"`
	Balanced   bool       `json:"balanced"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	period, err := ParsePeriod(r.URL.Query(), s.now())
	if err != nil {
		s.fail(w, r, "history", err)
		return
	}
	movements, err := s.vaults.History(r.Context(), ownerOf(r), chi.URLParam(r, "vaultID"), period)
	if err != nil {
		s.fail(w, r, "history", err)
		return
	}
	if movements == nil {
		movements = []core.Movement{}
	}
	NewResponse().JSON(map[string]any{
		"period":    period,
		"movements": movements,
	}).Write(w)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	p, ok := parseBody(w, r)
	if !ok {
		return
	}
	in, err := MovementInputFrom(p, chi.URLParam(r, "vaultID"))
	if err != nil {
		s.fail(w, r, "record", err)
		return
	}
	m, err := s.vaults.Record(r.Context(), ownerOf(r), in)
	if err != nil {
		s.fail(w, r, "record", err)
		return
	}
	atomic.AddInt64(&s.metrics.movementsRecorded, 1)
	s.logMovement(r, "record", m)
	s.movementResponse(r.Context(), ownerOf(r), m.VaultID).
		Status(http.StatusCreated).
		JSON(m).
		Write(w)
}

func (s *Server) handleAmend(w http.ResponseWriter, r *http.Request) {
	p, ok := parseBody(w, r)
	if !ok {
		return
	}
	patch, err := MovementPatchFrom(p)
	if err != nil {
		s.fail(w, r, "amend", err)
		return
	}
	m, err := s.vaults.Amend(r.Context(), ownerOf(r), chi.URLParam(r, "movementID"), patch)
	if err != nil {
		s.fail(w, r, "amend", err)
		return
	}
	s.logMovement(r, "amend", m)
	s.movementResponse(r.Context(), ownerOf(r), m.VaultID).JSON(m).Write(w)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	movementID := chi.URLParam(r, "movementID")
	owner := ownerOf(r)
	m, err := s.vaults.Movement(r.Context(), owner, movementID)
	if err != nil {
		s.fail(w, r, "remove", err)
		return
	}
	if err := s.vaults.Remove(r.Context(), owner, movementID); err != nil {
		s.fail(w, r, "remove", err)
		return
	}
	s.logMovement(r, "remove", m)
	s.movementResponse(r.Context(), owner, m.VaultID).Status(http.StatusNoContent).Write(w)
}

// movementResponse starts a response carrying the vault:updated trigger with
// the vault's current balance. The trigger is omitted when the vault cannot be read.
func (s *Server) movementResponse(ctx context.Context, ownerID, vaultID string) *ResponseBuilder {
	b := NewResponse()
	v, err := s.vaults.GetVault(ctx, ownerID, vaultID)
	if err != nil {
		applog.FromContext(ctx).WarnContext(ctx, "Vault reload after movement failed",
			applog.FieldVaultID, vaultID,
			applog.FieldError, err.Error())
		return b
	}
	return b.TriggerVaultUpdated(v.ID, v.Balance)
}

func (s *Server) logMovement(r *http.Request, op string, m core.Movement) {
	applog.NewStructuredLogger(applog.FromContext(r.Context())).
		LogMovement(r.Context(), op, ownerOf(r), m.VaultID, m.ID, m.Kind.String(), m.Amount.StringFixed())
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	period, err := ParsePeriod(r.URL.Query(), s.now())
	if err != nil {
		s.fail(w, r, "summary", err)
		return
	}
	owner := ownerOf(r)
	vaultID := chi.URLParam(r, "vaultID")
	vaultKey := cache.Key(owner, vaultID)
	key := cache.Key(vaultKey, strconv.Itoa(period.Year), strconv.Itoa(period.Month))

	if summary, found := s.summaries.Get(key); found {
		atomic.AddInt64(&s.metrics.cacheHits, 1)
		NewResponse().Header("X-Cache", "HIT").JSON(summary).Write(w)
		return
	}
	atomic.AddInt64(&s.metrics.cacheMisses, 1)

	gen := s.summaryGeneration(vaultKey)
	summary, err := s.vaults.Summary(r.Context(), owner, vaultID, period)
	if err != nil {
		s.fail(w, r, "summary", err)
		return
	}
	s.storeSummary(vaultKey, key, gen, summary)
	NewResponse().Header("X-Cache", "MISS").JSON(summary).Write(w)
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")
	balance, err := s.vaults.Recompute(r.Context(), ownerOf(r), vaultID)
	if err != nil {
		s.fail(w, r, "recompute", err)
		return
	}
	NewResponse().
		TriggerVaultUpdated(vaultID, balance).
		JSON(map[string]any{
			"vault_id":          vaultID,
			"balance":           balance,
			"balance_formatted": balance.Format(s.currency),
		}).
		Write(w)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	drift, err := s.vaults.Audit(r.Context(), ownerOf(r), chi.URLParam(r, "vaultID"))
	if err != nil {
		s.fail(w, r, "audit", err)
		return
	}
	NewResponse().JSON(auditView{
		Drift:      drift,
		Difference: drift.Difference(),
		Balanced:   drift.Balanced(),
	}).Write(w)
}
