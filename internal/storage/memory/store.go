// Package memory is an in-process vault repository for development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cofre/internal/core"
)

type vaultRow struct {
	seq   uint64
	vault core.Vault
}

type movementRow struct {
	seq      uint64
	movement core.Movement
}

type Store struct {
	mu        sync.Mutex
	seq       uint64
	now       func() time.Time
	vaults    map[string]*vaultRow
	movements map[string]*movementRow
}

func New() *Store {
	return &Store{
		now:       func() time.Time { return time.Now().UTC() },
		vaults:    make(map[string]*vaultRow),
		movements: make(map[string]*movementRow),
	}
}

func (s *Store) next() uint64 {
	s.seq++
	return s.seq
}

// CreateVault stores a new vault with a zero balance.
func (s *Store) CreateVault(_ context.Context, in core.VaultInput) (core.Vault, error) {
	if err := in.Validate(); err != nil {
		return core.Vault{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	v := core.Vault{
		ID:        uuid.NewString(),
		OwnerID:   strings.TrimSpace(in.OwnerID),
		Name:      strings.TrimSpace(in.Name),
		Target:    in.Target,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.vaults[v.ID] = &vaultRow{seq: s.next(), vault: v}
	return v, nil
}

// UpdateVault stores name and target. The balance is left untouched.
func (s *Store) UpdateVault(_ context.Context, v core.Vault) (core.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.vaults[v.ID]
	if !ok {
		return core.Vault{}, core.ErrVaultNotFound
	}
	row.vault.Name = strings.TrimSpace(v.Name)
	row.vault.Target = v.Target
	row.vault.UpdatedAt = s.now()
	return row.vault, nil
}

// DeleteVault removes the vault and its movements.
func (s *Store) DeleteVault(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vaults[id]; !ok {
		return core.ErrVaultNotFound
	}
	delete(s.vaults, id)
	for mid, row := range s.movements {
		if row.movement.VaultID == id {
			delete(s.movements, mid)
		}
	}
	return nil
}

func (s *Store) ListVaults(_ context.Context, ownerID string) ([]core.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedVaults(func(v core.Vault) bool { return v.OwnerID == ownerID }), nil
}

func (s *Store) ListAllVaults(_ context.Context) ([]core.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedVaults(func(core.Vault) bool { return true }), nil
}

func (s *Store) sortedVaults(keep func(core.Vault) bool) []core.Vault {
	rows := make([]*vaultRow, 0, len(s.vaults))
	for _, row := range s.vaults {
		if keep(row.vault) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq > rows[j].seq })
	out := make([]core.Vault, len(rows))
	for i, row := range rows {
		out[i] = row.vault
	}
	return out
}

func (s *Store) GetVault(_ context.Context, id string) (core.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.vaults[id]
	if !ok {
		return core.Vault{}, core.ErrVaultNotFound
	}
	return row.vault, nil
}

func (s *Store) GetVaultBalance(_ context.Context, id string) (core.Money, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.vaults[id]
	if !ok {
		return core.Money{}, core.ErrVaultNotFound
	}
	return row.vault.Balance, nil
}

func (s *Store) SetVaultBalance(_ context.Context, id string, balance core.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.vaults[id]
	if !ok {
		return core.ErrVaultNotFound
	}
	row.vault.Balance = balance
	row.vault.UpdatedAt = s.now()
	return nil
}

func (s *Store) IncrementVaultBalance(_ context.Context, id string, delta core.Money) (core.Money, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.vaults[id]
	if !ok {
		return core.Money{}, core.ErrVaultNotFound
	}
	row.vault.Balance = row.vault.Balance.Add(delta)
	row.vault.UpdatedAt = s.now()
	return row.vault.Balance, nil
}

func (s *Store) InsertMovement(_ context.Context, in core.MovementInput) (core.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vaults[in.VaultID]; !ok {
		return core.Movement{}, core.ErrVaultNotFound
	}
	now := s.now()
	m := core.Movement{
		ID:          uuid.NewString(),
		VaultID:     in.VaultID,
		Kind:        in.Kind,
		Amount:      in.Amount,
		Description: in.Description,
		OccurredAt:  in.OccurredAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.movements[m.ID] = &movementRow{seq: s.next(), movement: m}
	return m, nil
}

func (s *Store) GetMovement(_ context.Context, id string) (core.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.movements[id]
	if !ok {
		return core.Movement{}, core.ErrMovementNotFound
	}
	return row.movement, nil
}

func (s *Store) UpdateMovement(_ context.Context, m core.Movement) (core.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.movements[m.ID]
	if !ok {
		return core.Movement{}, core.ErrMovementNotFound
	}
	row.movement.Kind = m.Kind
	row.movement.Amount = m.Amount
	row.movement.Description = m.Description
	row.movement.OccurredAt = m.OccurredAt.UTC()
	row.movement.UpdatedAt = s.now()
	return row.movement, nil
}

func (s *Store) DeleteMovement(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.movements[id]; !ok {
		return core.ErrMovementNotFound
	}
	delete(s.movements, id)
	return nil
}

// ListMovements orders by occurrence, newest first, then by insertion.
func (s *Store) ListMovements(_ context.Context, vaultID string) ([]core.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]*movementRow, 0)
	for _, row := range s.movements {
		if row.movement.VaultID == vaultID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].movement.OccurredAt, rows[j].movement.OccurredAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return rows[i].seq > rows[j].seq
	})
	out := make([]core.Movement, len(rows))
	for i, row := range rows {
		out[i] = row.movement
	}
	return out, nil
}
