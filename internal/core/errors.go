package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrAmountPrecision    = errors.New("amount has more than two decimal places")
	ErrAmountTooLarge     = errors.New("amount exceeds 999999999999.99")
	ErrBalanceOutOfRange  = errors.New("vault balance out of range")
	ErrInvalidKind        = errors.New("invalid movement kind")
	ErrUnsupportedKind    = errors.New("transfers between vaults are not supported")
	ErrDescriptionTooLong = errors.New("description too long (max 200 characters)")
	ErrEmptyName          = errors.New("empty vault name")
	ErrNameTooLong        = errors.New("vault name too long (max 100 characters)")
	ErrInvalidTarget      = errors.New("target amount must be positive")
	ErrMissingID          = errors.New("missing identifier")
	ErrMissingOwner       = errors.New("missing owner")
	ErrInvalidPeriod      = errors.New("invalid period")
	ErrInvalidDate        = errors.New("invalid date")

	// ErrNotFound is the root of every lookup miss.
	ErrNotFound         = errors.New("not found")
	ErrVaultNotFound    = fmt.Errorf("vault %w", ErrNotFound)
	ErrMovementNotFound = fmt.Errorf("movement %w", ErrNotFound)
)

// ValidationError reports input rejected before any storage access.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// NotFoundError reports a vault or movement missing at operation time.
type NotFoundError struct {
	Entity string
	ID     string
}

// Entity names used in NotFoundError.
const (
	EntityVault    = "vault"
	EntityMovement = "movement"
)

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	switch e.Entity {
	case EntityVault:
		return ErrVaultNotFound
	case EntityMovement:
		return ErrMovementNotFound
	default:
		return ErrNotFound
	}
}

// ReconciliationError means a movement write and the matching balance write
// diverged. The vault balance must be recomputed from its movements.
type ReconciliationError struct {
	Op         string
	VaultID    string
	MovementID string
	Delta      Money
	Err        error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation failed: %s of movement %s left vault %s without delta %s applied: %v",
		e.Op, e.MovementID, e.VaultID, e.Delta.StringFixed(), e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// DependencyError wraps a failure of the persistence collaborator.
// The operation had no effect.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: storage unavailable: %v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is a lookup miss.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target) || errors.Is(err, ErrNotFound)
}

// IsReconciliation reports whether err carries a ReconciliationError.
func IsReconciliation(err error) bool {
	var target *ReconciliationError
	return errors.As(err, &target)
}

// IsDependency reports whether err carries a DependencyError.
func IsDependency(err error) bool {
	var target *DependencyError
	return errors.As(err, &target)
}
