// Package ledger keeps each vault's cached balance equal to the signed sum of
// its movements.
//
// Every balance change goes through applyDelta, which relies on the store's
// atomic increment. Stores that implement Transactor get the movement write and
// the balance write in one transaction; on other stores the balance write
// follows the movement write immediately and any divergence surfaces as a
// core.ReconciliationError, to be repaired with RecomputeBalance.
//
// Calls addressing the same vault are also serialized in-process. Nothing is
// retried: a retried Record would count the movement twice.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"cofre/internal/core"
)

// Operation names used in errors and logs.
const (
	OpRecord    = "record"
	OpAmend     = "amend"
	OpRemove    = "remove"
	OpRecompute = "recompute"
	OpVerify    = "verify"
	OpEnsure    = "ensure_default_vault"
)

type Engine struct {
	repo   Repository
	locks  *keyedMutex
	owners singleflight.Group
	now    func() time.Time
}

type Option func(*Engine)

// WithClock overrides the clock used for movements recorded without a date.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(repo Repository, opts ...Option) *Engine {
	e := &Engine{
		repo:  repo,
		locks: newKeyedMutex(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Record persists a new movement and applies its contribution to the vault.
func (e *Engine) Record(ctx context.Context, in core.MovementInput) (core.Movement, error) {
	in.VaultID = strings.TrimSpace(in.VaultID)
	in.Description = strings.TrimSpace(in.Description)
	if err := in.Validate(); err != nil {
		return core.Movement{}, err
	}
	if in.OccurredAt.IsZero() {
		in.OccurredAt = e.now()
	}
	in.OccurredAt = in.OccurredAt.UTC()

	unlock := e.locks.Lock(in.VaultID)
	defer unlock()

	var out core.Movement
	err := e.run(ctx, func(s Store, atomic bool) error {
		v, err := s.GetVault(ctx, in.VaultID)
		if err != nil {
			return lookupError(OpRecord, core.EntityVault, in.VaultID, err)
		}
		if err := checkBalance(v.Balance, in.Kind.Signed(in.Amount)); err != nil {
			return err
		}
		m, err := s.InsertMovement(ctx, in)
		if err != nil {
			return lookupError(OpRecord, core.EntityVault, in.VaultID, err)
		}
		if err := e.applyDelta(ctx, s, m.VaultID, m.Delta()); err != nil {
			return e.diverged(ctx, atomic, OpRecord, m, m.Delta(), err)
		}
		out = m
		return nil
	})
	if err != nil {
		return core.Movement{}, classify(OpRecord, err)
	}
	return out, nil
}

// Amend changes a movement and replaces its old contribution with the new one.
// Fields left nil in patch keep their stored values; a patch that changes
// nothing performs no writes.
func (e *Engine) Amend(ctx context.Context, movementID string, patch core.MovementPatch) (core.Movement, error) {
	movementID = strings.TrimSpace(movementID)
	if movementID == "" {
		return core.Movement{}, &core.ValidationError{Field: "movement_id", Err: core.ErrMissingID}
	}
	if err := patch.Validate(); err != nil {
		return core.Movement{}, err
	}

	vaultID, err := e.vaultOf(ctx, OpAmend, movementID)
	if err != nil {
		return core.Movement{}, err
	}
	unlock := e.locks.Lock(vaultID)
	defer unlock()

	var out core.Movement
	err = e.run(ctx, func(s Store, atomic bool) error {
		old, err := s.GetMovement(ctx, movementID)
		if err != nil {
			return lookupError(OpAmend, core.EntityMovement, movementID, err)
		}
		next := old.Apply(patch)
		if next.SameEntry(old) {
			out = old
			return nil
		}
		// reversal of the old contribution plus the new one
		delta := next.Delta().Sub(old.Delta())
		if err := e.guardBalance(ctx, s, OpAmend, old.VaultID, delta); err != nil {
			return err
		}
		updated, err := s.UpdateMovement(ctx, next)
		if err != nil {
			return lookupError(OpAmend, core.EntityMovement, movementID, err)
		}
		if err := e.applyDelta(ctx, s, old.VaultID, delta); err != nil {
			return e.diverged(ctx, atomic, OpAmend, updated, delta, err)
		}
		out = updated
		return nil
	})
	if err != nil {
		return core.Movement{}, classify(OpAmend, err)
	}
	return out, nil
}

// Remove deletes a movement and reverses its contribution.
func (e *Engine) Remove(ctx context.Context, movementID string) error {
	movementID = strings.TrimSpace(movementID)
	if movementID == "" {
		return &core.ValidationError{Field: "movement_id", Err: core.ErrMissingID}
	}

	vaultID, err := e.vaultOf(ctx, OpRemove, movementID)
	if err != nil {
		return err
	}
	unlock := e.locks.Lock(vaultID)
	defer unlock()

	err = e.run(ctx, func(s Store, atomic bool) error {
		m, err := s.GetMovement(ctx, movementID)
		if err != nil {
			return lookupError(OpRemove, core.EntityMovement, movementID, err)
		}
		reversal := m.Delta().Neg()
		if err := e.guardBalance(ctx, s, OpRemove, m.VaultID, reversal); err != nil {
			return err
		}
		if err := s.DeleteMovement(ctx, movementID); err != nil {
			return lookupError(OpRemove, core.EntityMovement, movementID, err)
		}
		if err := e.applyDelta(ctx, s, m.VaultID, reversal); err != nil {
			return e.diverged(ctx, atomic, OpRemove, m, reversal, err)
		}
		return nil
	})
	return classify(OpRemove, err)
}

// RecomputeBalance rebuilds the cached balance from the movement log.
func (e *Engine) RecomputeBalance(ctx context.Context, vaultID string) (core.Money, error) {
	vaultID = strings.TrimSpace(vaultID)
	if vaultID == "" {
		return core.Money{}, &core.ValidationError{Field: "vault_id", Err: core.ErrMissingID}
	}
	unlock := e.locks.Lock(vaultID)
	defer unlock()

	var balance core.Money
	err := e.run(ctx, func(s Store, _ bool) error {
		if _, err := s.GetVault(ctx, vaultID); err != nil {
			return lookupError(OpRecompute, core.EntityVault, vaultID, err)
		}
		movements, err := s.ListMovements(ctx, vaultID)
		if err != nil {
			return &core.DependencyError{Op: OpRecompute, Err: err}
		}
		balance = core.Balance(movements)
		if !balance.InBalanceRange() {
			return &core.ValidationError{Field: "balance", Err: core.ErrBalanceOutOfRange}
		}
		if err := s.SetVaultBalance(ctx, vaultID, balance); err != nil {
			return lookupError(OpRecompute, core.EntityVault, vaultID, err)
		}
		return nil
	})
	if err != nil {
		return core.Money{}, classify(OpRecompute, err)
	}
	slog.InfoContext(ctx, "Vault balance recomputed", "vault_id", vaultID, "balance", balance.StringFixed())
	return balance, nil
}

// Verify compares the cached balance with the movement log without writing.
func (e *Engine) Verify(ctx context.Context, vaultID string) (core.Drift, error) {
	vaultID = strings.TrimSpace(vaultID)
	if vaultID == "" {
		return core.Drift{}, &core.ValidationError{Field: "vault_id", Err: core.ErrMissingID}
	}
	unlock := e.locks.Lock(vaultID)
	defer unlock()

	cached, err := e.repo.GetVaultBalance(ctx, vaultID)
	if err != nil {
		return core.Drift{}, classify(OpVerify, lookupError(OpVerify, core.EntityVault, vaultID, err))
	}
	movements, err := e.repo.ListMovements(ctx, vaultID)
	if err != nil {
		return core.Drift{}, &core.DependencyError{Op: OpVerify, Err: err}
	}
	return core.Drift{
		VaultID:   vaultID,
		Cached:    cached,
		Computed:  core.Balance(movements),
		Movements: len(movements),
		CheckedAt: e.now().UTC(),
	}, nil
}

// EnsureDefaultVault returns the owner's oldest vault, creating the default
// one when the owner has none. Concurrent calls for one owner share a result.
func (e *Engine) EnsureDefaultVault(ctx context.Context, ownerID string) (core.Vault, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return core.Vault{}, &core.ValidationError{Field: "owner_id", Err: core.ErrMissingOwner}
	}
	v, err, _ := e.owners.Do(ownerID, func() (any, error) {
		// shared by every coalesced caller, so one caller's cancellation must not end it
		ctx := context.WithoutCancel(ctx)
		vaults, err := e.repo.ListVaults(ctx, ownerID)
		if err != nil {
			return core.Vault{}, &core.DependencyError{Op: OpEnsure, Err: err}
		}
		if len(vaults) > 0 {
			return vaults[len(vaults)-1], nil
		}
		created, err := e.repo.CreateVault(ctx, core.VaultInput{OwnerID: ownerID, Name: core.DefaultVaultName})
		if err != nil {
			return core.Vault{}, classify(OpEnsure, err)
		}
		slog.InfoContext(ctx, "Default vault created", "vault_id", created.ID, "owner_id", ownerID)
		return created, nil
	})
	if err != nil {
		return core.Vault{}, err
	}
	return v.(core.Vault), nil
}

// applyDelta is the only place a vault balance changes during reconciliation.
func (e *Engine) applyDelta(ctx context.Context, s VaultStore, vaultID string, delta core.Money) error {
	if delta.IsZero() {
		return nil
	}
	_, err := s.IncrementVaultBalance(ctx, vaultID, delta)
	return err
}

// guardBalance rejects a delta that would move the cached balance out of the
// storable range. It runs before any write of the operation.
func (e *Engine) guardBalance(ctx context.Context, s VaultStore, op, vaultID string, delta core.Money) error {
	if delta.IsZero() {
		return nil
	}
	current, err := s.GetVaultBalance(ctx, vaultID)
	if err != nil {
		return lookupError(op, core.EntityVault, vaultID, err)
	}
	return checkBalance(current, delta)
}

func checkBalance(current, delta core.Money) error {
	if !current.Add(delta).InBalanceRange() {
		return &core.ValidationError{Field: "amount", Err: core.ErrBalanceOutOfRange}
	}
	return nil
}

// run executes fn inside a transaction when the repository supports one.
func (e *Engine) run(ctx context.Context, fn func(s Store, atomic bool) error) error {
	if tx, ok := e.repo.(Transactor); ok {
		return tx.WithinTx(ctx, func(s Store) error { return fn(s, true) })
	}
	return fn(e.repo, false)
}

func (e *Engine) vaultOf(ctx context.Context, op, movementID string) (string, error) {
	m, err := e.repo.GetMovement(ctx, movementID)
	if err != nil {
		return "", classify(op, lookupError(op, core.EntityMovement, movementID, err))
	}
	return m.VaultID, nil
}

// diverged reports a failed balance write that followed a successful movement
// write. Inside a transaction the movement write is rolled back with it.
func (e *Engine) diverged(ctx context.Context, atomic bool, op string, m core.Movement, delta core.Money, err error) error {
	if atomic {
		return &core.DependencyError{Op: op, Err: err}
	}
	slog.ErrorContext(ctx, "Vault balance diverged from movement log",
		"op", op,
		"vault_id", m.VaultID,
		"movement_id", m.ID,
		"delta", delta.StringFixed(),
		"error", err)
	return &core.ReconciliationError{Op: op, VaultID: m.VaultID, MovementID: m.ID, Delta: delta, Err: err}
}

func lookupError(op, entity, id string, err error) error {
	if errors.Is(err, core.ErrNotFound) {
		return &core.NotFoundError{Entity: entity, ID: id}
	}
	return &core.DependencyError{Op: op, Err: err}
}

// classify keeps typed errors and wraps anything else as a dependency failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case core.IsValidation(err), core.IsReconciliation(err), core.IsDependency(err):
		return err
	}
	var nf *core.NotFoundError
	if errors.As(err, &nf) {
		return err
	}
	return &core.DependencyError{Op: op, Err: err}
}
