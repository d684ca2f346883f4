package ledger

import (
	"context"

	"cofre/internal/core"
)

// Ports consumed by the engine.
type (
	// MovementStore persists individual ledger entries.
	MovementStore interface {
		InsertMovement(ctx context.Context, in core.MovementInput) (core.Movement, error)
		GetMovement(ctx context.Context, id string) (core.Movement, error)
		// UpdateMovement stores kind, amount, description and occurrence of m.
		UpdateMovement(ctx context.Context, m core.Movement) (core.Movement, error)
		DeleteMovement(ctx context.Context, id string) error
		// ListMovements returns the vault's movements, newest first.
		ListMovements(ctx context.Context, vaultID string) ([]core.Movement, error)
	}

	// VaultStore holds the cached balance of each vault.
	VaultStore interface {
		GetVault(ctx context.Context, id string) (core.Vault, error)
		GetVaultBalance(ctx context.Context, id string) (core.Money, error)
		SetVaultBalance(ctx context.Context, id string, balance core.Money) error
		// IncrementVaultBalance adds delta atomically and returns the new balance.
		IncrementVaultBalance(ctx context.Context, id string, delta core.Money) (core.Money, error)
	}

	Store interface {
		MovementStore
		VaultStore
	}

	// Transactor is implemented by stores able to run several writes as one unit.
	// The Store passed to fn is bound to the transaction; fn's error rolls it back.
	Transactor interface {
		WithinTx(ctx context.Context, fn func(Store) error) error
	}

	// VaultCatalog manages vault records. Balances are never written through it.
	VaultCatalog interface {
		CreateVault(ctx context.Context, in core.VaultInput) (core.Vault, error)
		UpdateVault(ctx context.Context, v core.Vault) (core.Vault, error)
		DeleteVault(ctx context.Context, id string) error
		// ListVaults returns the owner's vaults, newest first.
		ListVaults(ctx context.Context, ownerID string) ([]core.Vault, error)
		ListAllVaults(ctx context.Context) ([]core.Vault, error)
	}

	Repository interface {
		Store
		VaultCatalog
	}
)
