package core

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultVaultName is the name given to the vault created on first use.
const DefaultVaultName = "Cofre Principal"

const (
	maxDescriptionLen = 200
	maxVaultNameLen   = 100
)

// Kind is the direction of a movement. The zero value is invalid.
type Kind uint8

const (
	KindDeposit Kind = iota + 1
	KindWithdrawal
)

type (
	Vault struct {
		ID        string    `json:"id"`
		OwnerID   string    `json:"owner_id"`
		Name      string    `json:"name"`
		Target    *Money    `json:"target,omitempty"`
		Balance   Money     `json:"balance"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	Movement struct {
		ID          string    `json:"id"`
		VaultID     string    `json:"vault_id"`
		Kind        Kind      `json:"kind"`
		Amount      Money     `json:"amount"`
		Description string    `json:"description,omitempty"`
		OccurredAt  time.Time `json:"occurred_at"`
		CreatedAt   time.Time `json:"created_at"`
		UpdatedAt   time.Time `json:"updated_at"`
	}

	// MovementInput carries the fields of a new movement.
	MovementInput struct {
		VaultID     string
		Kind        Kind
		Amount      Money
		Description string
		OccurredAt  time.Time
	}

	// MovementPatch lists the fields to change on a movement. Nil keeps the
	// stored value.
	MovementPatch struct {
		Kind        *Kind
		Amount      *Money
		Description *string
		OccurredAt  *time.Time
	}

	VaultInput struct {
		OwnerID string
		Name    string
		Target  *Money
	}

	VaultPatch struct {
		Name        *string
		Target      *Money
		ClearTarget bool
	}
)

// ParseKind maps canonical names and the UI labels to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "deposit", "entrada":
		return KindDeposit, nil
	case "withdrawal", "saída", "saida":
		return KindWithdrawal, nil
	case "transfer", "transferência", "transferencia":
		return 0, invalid("kind", ErrUnsupportedKind)
	default:
		return 0, invalid("kind", fmt.Errorf("%w: %q", ErrInvalidKind, s))
	}
}

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindWithdrawal:
		return "withdrawal"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Label returns the user facing name of the kind.
func (k Kind) Label() string {
	switch k {
	case KindDeposit:
		return "Entrada"
	case KindWithdrawal:
		return "Saída"
	default:
		return ""
	}
}

func (k Kind) Valid() bool { return k == KindDeposit || k == KindWithdrawal }

// Signed returns the contribution of amount to a balance.
func (k Kind) Signed(amount Money) Money {
	switch k {
	case KindDeposit:
		return amount
	case KindWithdrawal:
		return amount.Neg()
	default:
		panic(fmt.Sprintf("core: signed amount of invalid kind %d", uint8(k)))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, ErrInvalidKind
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Value implements driver.Valuer.
func (k Kind) Value() (driver.Value, error) {
	if !k.Valid() {
		return nil, ErrInvalidKind
	}
	return k.String(), nil
}

// Scan implements sql.Scanner.
func (k *Kind) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return k.UnmarshalText([]byte(v))
	case []byte:
		return k.UnmarshalText(v)
	default:
		return fmt.Errorf("scan kind: unsupported type %T", src)
	}
}

// Delta is the movement's signed contribution to its vault balance.
func (m Movement) Delta() Money {
	return m.Kind.Signed(m.Amount)
}

// Apply returns a copy of m with the patch merged in.
func (m Movement) Apply(p MovementPatch) Movement {
	out := m
	if p.Kind != nil {
		out.Kind = *p.Kind
	}
	if p.Amount != nil {
		out.Amount = *p.Amount
	}
	if p.Description != nil {
		out.Description = strings.TrimSpace(*p.Description)
	}
	if p.OccurredAt != nil {
		out.OccurredAt = p.OccurredAt.UTC()
	}
	return out
}

// SameEntry reports whether both movements carry the same ledger content.
func (m Movement) SameEntry(o Movement) bool {
	return m.Kind == o.Kind &&
		m.Amount.Equal(o.Amount) &&
		m.Description == o.Description &&
		m.OccurredAt.Equal(o.OccurredAt)
}

func validateAmount(field string, a Money) error {
	if !a.IsPositive() {
		return invalid(field, ErrInvalidAmount)
	}
	if !a.HasCentPrecision() {
		return invalid(field, ErrAmountPrecision)
	}
	if a.GreaterThan(MaxAmount) {
		return invalid(field, ErrAmountTooLarge)
	}
	return nil
}

func validateDescription(d string) error {
	if utf8.RuneCountInString(strings.TrimSpace(d)) > maxDescriptionLen {
		return invalid("description", ErrDescriptionTooLong)
	}
	return nil
}

func (in MovementInput) Validate() error {
	if strings.TrimSpace(in.VaultID) == "" {
		return invalid("vault_id", ErrMissingID)
	}
	if !in.Kind.Valid() {
		return invalid("kind", ErrInvalidKind)
	}
	if err := validateAmount("amount", in.Amount); err != nil {
		return err
	}
	return validateDescription(in.Description)
}

func (p MovementPatch) Validate() error {
	if p.Kind != nil && !p.Kind.Valid() {
		return invalid("kind", ErrInvalidKind)
	}
	if p.Amount != nil {
		if err := validateAmount("amount", *p.Amount); err != nil {
			return err
		}
	}
	if p.Description != nil {
		if err := validateDescription(*p.Description); err != nil {
			return err
		}
	}
	if p.OccurredAt != nil && p.OccurredAt.IsZero() {
		return invalid("occurred_at", ErrInvalidDate)
	}
	return nil
}

// IsEmpty reports whether the patch changes nothing.
func (p MovementPatch) IsEmpty() bool {
	return p.Kind == nil && p.Amount == nil && p.Description == nil && p.OccurredAt == nil
}

func validateVaultName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return invalid("name", ErrEmptyName)
	}
	if utf8.RuneCountInString(name) > maxVaultNameLen {
		return invalid("name", ErrNameTooLong)
	}
	return nil
}

func (in VaultInput) Validate() error {
	if strings.TrimSpace(in.OwnerID) == "" {
		return invalid("owner_id", ErrMissingOwner)
	}
	if err := validateVaultName(in.Name); err != nil {
		return err
	}
	if in.Target != nil {
		if err := validateAmount("target", *in.Target); err != nil {
			return invalid("target", ErrInvalidTarget)
		}
	}
	return nil
}

func (p VaultPatch) Validate() error {
	if p.Name != nil {
		if err := validateVaultName(*p.Name); err != nil {
			return err
		}
	}
	if p.Target != nil {
		if err := validateAmount("target", *p.Target); err != nil {
			return invalid("target", ErrInvalidTarget)
		}
	}
	return nil
}

// Apply returns a copy of v with the patch merged in.
func (v Vault) Apply(p VaultPatch) Vault {
	out := v
	if p.Name != nil {
		out.Name = strings.TrimSpace(*p.Name)
	}
	if p.ClearTarget {
		out.Target = nil
	} else if p.Target != nil {
		t := *p.Target
		out.Target = &t
	}
	return out
}

// OwnedBy reports whether ownerID owns the vault.
func (v Vault) OwnedBy(ownerID string) bool {
	return ownerID != "" && v.OwnerID == ownerID
}
