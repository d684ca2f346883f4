package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cofre/internal/amqp"
	"cofre/internal/core"
	"cofre/internal/ledger"
)

// Catalog operation names used in errors and logs.
const (
	OpCreateVault = "create_vault"
	OpUpdateVault = "update_vault"
	OpDeleteVault = "delete_vault"
	OpGetVault    = "get_vault"
	OpListVaults  = "list_vaults"
	OpGetMovement = "get_movement"
	OpHistory     = "history"
	OpAudit       = "audit"
)

// Publisher sends ledger events to the message broker.
type Publisher interface {
	Publish(ctx context.Context, event *amqp.MovementEvent) error
}

// ChangeHook runs after a vault's balance or movements changed.
type ChangeHook func(ctx context.Context, ownerID, vaultID string)

// VaultService scopes the ledger engine to vault owners and announces changes.
// Publishing failures are logged and never fail the caller.
type VaultService struct {
	engine    *ledger.Engine
	repo      ledger.Repository
	publisher Publisher

	mu    sync.RWMutex
	hooks []ChangeHook
}

// NewVaultService wires the engine to its repository. publisher may be nil.
func NewVaultService(engine *ledger.Engine, repo ledger.Repository, publisher Publisher) *VaultService {
	return &VaultService{engine: engine, repo: repo, publisher: publisher}
}

// OnChange registers a hook, typically a cache invalidation.
func (s *VaultService) OnChange(hook ChangeHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *VaultService) notify(ctx context.Context, ownerID, vaultID string) {
	s.mu.RLock()
	hooks := append([]ChangeHook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, ownerID, vaultID)
	}
}

func (s *VaultService) publish(ctx context.Context, event *amqp.MovementEvent) {
	if s.publisher == nil {
		slog.DebugContext(ctx, "AMQP publisher not configured, skipping event", "type", event.Type)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		slog.ErrorContext(ctx, "Failed to publish ledger event",
			"type", event.Type,
			"vault_id", event.VaultID,
			"movement_id", event.MovementID,
			"error", err)
	}
}

// balanceFor annotates an event with the vault's current balance when readable.
func (s *VaultService) balanceFor(ctx context.Context, event *amqp.MovementEvent) *amqp.MovementEvent {
	if b, err := s.repo.GetVaultBalance(ctx, event.VaultID); err == nil {
		event.Balance = b.StringFixed()
	}
	return event
}

// ownedVault loads a vault and hides vaults of other owners behind NotFound.
func (s *VaultService) ownedVault(ctx context.Context, op, ownerID, vaultID string) (core.Vault, error) {
	vaultID = strings.TrimSpace(vaultID)
	if vaultID == "" {
		return core.Vault{}, &core.ValidationError{Field: "vault_id", Err: core.ErrMissingID}
	}
	v, err := s.repo.GetVault(ctx, vaultID)
	if err != nil {
		return core.Vault{}, storeError(op, core.EntityVault, vaultID, err)
	}
	if !v.OwnedBy(ownerID) {
		return core.Vault{}, &core.NotFoundError{Entity: core.EntityVault, ID: vaultID}
	}
	return v, nil
}

// ownedMovement loads a movement whose vault belongs to ownerID.
func (s *VaultService) ownedMovement(ctx context.Context, op, ownerID, movementID string) (core.Movement, error) {
	movementID = strings.TrimSpace(movementID)
	if movementID == "" {
		return core.Movement{}, &core.ValidationError{Field: "movement_id", Err: core.ErrMissingID}
	}
	m, err := s.repo.GetMovement(ctx, movementID)
	if err != nil {
		return core.Movement{}, storeError(op, core.EntityMovement, movementID, err)
	}
	if _, err := s.ownedVault(ctx, op, ownerID, m.VaultID); err != nil {
		if core.IsNotFound(err) {
			return core.Movement{}, &core.NotFoundError{Entity: core.EntityMovement, ID: movementID}
		}
		return core.Movement{}, err
	}
	return m, nil
}

func (s *VaultService) CreateVault(ctx context.Context, ownerID, name string, target *core.Money) (core.Vault, error) {
	in := core.VaultInput{OwnerID: strings.TrimSpace(ownerID), Name: strings.TrimSpace(name), Target: target}
	if err := in.Validate(); err != nil {
		return core.Vault{}, err
	}
	v, err := s.repo.CreateVault(ctx, in)
	if err != nil {
		return core.Vault{}, &core.DependencyError{Op: OpCreateVault, Err: err}
	}
	slog.InfoContext(ctx, "Vault created", "vault_id", v.ID, "owner_id", v.OwnerID)
	return v, nil
}

func (s *VaultService) GetVault(ctx context.Context, ownerID, vaultID string) (core.Vault, error) {
	return s.ownedVault(ctx, OpGetVault, ownerID, vaultID)
}

// ListVaults returns the owner's vaults, newest first.
func (s *VaultService) ListVaults(ctx context.Context, ownerID string) ([]core.Vault, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, &core.ValidationError{Field: "owner_id", Err: core.ErrMissingOwner}
	}
	vaults, err := s.repo.ListVaults(ctx, ownerID)
	if err != nil {
		return nil, &core.DependencyError{Op: OpListVaults, Err: err}
	}
	return vaults, nil
}

// UpdateVault renames a vault or changes its target. The balance is untouched.
func (s *VaultService) UpdateVault(ctx context.Context, ownerID, vaultID string, patch core.VaultPatch) (core.Vault, error) {
	if err := patch.Validate(); err != nil {
		return core.Vault{}, err
	}
	v, err := s.ownedVault(ctx, OpUpdateVault, ownerID, vaultID)
	if err != nil {
		return core.Vault{}, err
	}
	updated, err := s.repo.UpdateVault(ctx, v.Apply(patch))
	if err != nil {
		return core.Vault{}, storeError(OpUpdateVault, core.EntityVault, v.ID, err)
	}
	s.notify(ctx, ownerID, v.ID)
	return updated, nil
}

// DeleteVault removes the vault together with its movements.
func (s *VaultService) DeleteVault(ctx context.Context, ownerID, vaultID string) error {
	v, err := s.ownedVault(ctx, OpDeleteVault, ownerID, vaultID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteVault(ctx, v.ID); err != nil {
		return storeError(OpDeleteVault, core.EntityVault, v.ID, err)
	}
	slog.InfoContext(ctx, "Vault deleted", "vault_id", v.ID, "owner_id", ownerID)
	s.notify(ctx, ownerID, v.ID)
	return nil
}

func (s *VaultService) EnsureDefaultVault(ctx context.Context, ownerID string) (core.Vault, error) {
	return s.engine.EnsureDefaultVault(ctx, ownerID)
}

// Record adds a movement to one of the owner's vaults.
func (s *VaultService) Record(ctx context.Context, ownerID string, in core.MovementInput) (core.Movement, error) {
	if err := in.Validate(); err != nil {
		return core.Movement{}, err
	}
	if _, err := s.ownedVault(ctx, ledger.OpRecord, ownerID, in.VaultID); err != nil {
		return core.Movement{}, err
	}
	m, err := s.engine.Record(ctx, in)
	if err != nil {
		if core.IsReconciliation(err) {
			s.notify(ctx, ownerID, in.VaultID)
		}
		return core.Movement{}, err
	}
	s.publish(ctx, s.balanceFor(ctx, amqp.NewMovementEvent(amqp.EventMovementRecorded, ownerID, m)))
	s.notify(ctx, ownerID, m.VaultID)
	return m, nil
}

func (s *VaultService) Amend(ctx context.Context, ownerID, movementID string, patch core.MovementPatch) (core.Movement, error) {
	if err := patch.Validate(); err != nil {
		return core.Movement{}, err
	}
	old, err := s.ownedMovement(ctx, ledger.OpAmend, ownerID, movementID)
	if err != nil {
		return core.Movement{}, err
	}
	m, err := s.engine.Amend(ctx, old.ID, patch)
	if err != nil {
		if core.IsReconciliation(err) {
			s.notify(ctx, ownerID, old.VaultID)
		}
		return core.Movement{}, err
	}
	if m.SameEntry(old) {
		return m, nil
	}
	s.publish(ctx, s.balanceFor(ctx, amqp.NewMovementEvent(amqp.EventMovementAmended, ownerID, m)))
	s.notify(ctx, ownerID, m.VaultID)
	return m, nil
}

// Movement returns one of the owner's movements.
func (s *VaultService) Movement(ctx context.Context, ownerID, movementID string) (core.Movement, error) {
	return s.ownedMovement(ctx, OpGetMovement, ownerID, movementID)
}

func (s *VaultService) Remove(ctx context.Context, ownerID, movementID string) error {
	m, err := s.ownedMovement(ctx, ledger.OpRemove, ownerID, movementID)
	if err != nil {
		return err
	}
	if err := s.engine.Remove(ctx, m.ID); err != nil {
		if core.IsReconciliation(err) {
			s.notify(ctx, ownerID, m.VaultID)
		}
		return err
	}
	s.publish(ctx, s.balanceFor(ctx, amqp.NewMovementEvent(amqp.EventMovementRemoved, ownerID, m)))
	s.notify(ctx, ownerID, m.VaultID)
	return nil
}

// History lists the vault's movements newest first, limited to period.
func (s *VaultService) History(ctx context.Context, ownerID, vaultID string, period core.Period) ([]core.Movement, error) {
	v, err := s.ownedVault(ctx, OpHistory, ownerID, vaultID)
	if err != nil {
		return nil, err
	}
	movements, err := s.repo.ListMovements(ctx, v.ID)
	if err != nil {
		return nil, &core.DependencyError{Op: OpHistory, Err: err}
	}
	if period.IsAllTime() {
		return movements, nil
	}
	out := movements[:0:0]
	for _, m := range movements {
		if period.Contains(m.OccurredAt) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *VaultService) Summary(ctx context.Context, ownerID, vaultID string, period core.Period) (core.VaultSummary, error) {
	v, err := s.ownedVault(ctx, OpHistory, ownerID, vaultID)
	if err != nil {
		return core.VaultSummary{}, err
	}
	movements, err := s.repo.ListMovements(ctx, v.ID)
	if err != nil {
		return core.VaultSummary{}, &core.DependencyError{Op: OpHistory, Err: err}
	}
	return core.Summarize(v, movements, period), nil
}

// Recompute rebuilds the vault balance from its movements.
func (s *VaultService) Recompute(ctx context.Context, ownerID, vaultID string) (core.Money, error) {
	v, err := s.ownedVault(ctx, ledger.OpRecompute, ownerID, vaultID)
	if err != nil {
		return core.Money{}, err
	}
	balance, err := s.engine.RecomputeBalance(ctx, v.ID)
	if err != nil {
		return core.Money{}, err
	}
	s.publish(ctx, amqp.NewRecomputedEvent(ownerID, v.ID, balance))
	s.notify(ctx, ownerID, v.ID)
	return balance, nil
}

// Audit compares the vault's cached balance with its movement log.
func (s *VaultService) Audit(ctx context.Context, ownerID, vaultID string) (core.Drift, error) {
	v, err := s.ownedVault(ctx, OpAudit, ownerID, vaultID)
	if err != nil {
		return core.Drift{}, err
	}
	return s.engine.Verify(ctx, v.ID)
}

// AuditResult is the outcome of auditing one vault.
type AuditResult struct {
	Vault    core.Vault
	Drift    core.Drift
	Repaired bool
	Err      error
}

// AuditAll verifies every vault of every owner. With repair set, drifted
// vaults are recomputed. Per-vault failures are reported in the results.
func (s *VaultService) AuditAll(ctx context.Context, repair bool) ([]AuditResult, error) {
	vaults, err := s.repo.ListAllVaults(ctx)
	if err != nil {
		return nil, &core.DependencyError{Op: OpAudit, Err: err}
	}

	results := make([]AuditResult, 0, len(vaults))
	for _, v := range vaults {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := AuditResult{Vault: v}
		res.Drift, res.Err = s.engine.Verify(ctx, v.ID)
		if res.Err == nil && !res.Drift.Balanced() {
			slog.WarnContext(ctx, "Vault balance drift detected",
				"vault_id", v.ID,
				"owner_id", v.OwnerID,
				"cached", res.Drift.Cached.StringFixed(),
				"computed", res.Drift.Computed.StringFixed(),
				"difference", res.Drift.Difference().StringFixed())
			if repair {
				balance, err := s.engine.RecomputeBalance(ctx, v.ID)
				if err != nil {
					res.Err = fmt.Errorf("repair: %w", err)
				} else {
					res.Repaired = true
					s.publish(ctx, amqp.NewRecomputedEvent(v.OwnerID, v.ID, balance))
					s.notify(ctx, v.OwnerID, v.ID)
				}
			}
		}
		if res.Err != nil {
			slog.ErrorContext(ctx, "Vault audit failed", "vault_id", v.ID, "error", res.Err)
		}
		results = append(results, res)
	}
	return results, nil
}

// VaultsForExport returns the owner's vaults; an empty ownerID selects all.
func (s *VaultService) VaultsForExport(ctx context.Context, ownerID string) ([]core.Vault, error) {
	if ownerID == "" {
		vaults, err := s.repo.ListAllVaults(ctx)
		if err != nil {
			return nil, &core.DependencyError{Op: OpListVaults, Err: err}
		}
		return vaults, nil
	}
	return s.ListVaults(ctx, ownerID)
}

// Ping reports whether the repository answers, for readiness checks.
func (s *VaultService) Ping(ctx context.Context) error {
	type pinger interface{ Ping(context.Context) error }
	if p, ok := s.repo.(pinger); ok {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return p.Ping(ctx)
	}
	return nil
}

func storeError(op, entity, id string, err error) error {
	if errors.Is(err, core.ErrNotFound) {
		return &core.NotFoundError{Entity: entity, ID: id}
	}
	if core.IsValidation(err) {
		return err
	}
	return &core.DependencyError{Op: op, Err: err}
}
