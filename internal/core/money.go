// Package core provides money parsing and handling utilities.
//
// Amounts are kept as arbitrary precision decimals and persisted as integer
// minor units (centavos), so stores can apply exact atomic increments.
package core

import (
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// DefaultCurrency is the ISO code used when formatting amounts.
const DefaultCurrency = "BRL"

// centsExp is the decimal exponent of one minor unit.
const centsExp = -2

const (
	maxAmountCents  = 99_999_999_999_999        // 999.999.999.999,99
	maxBalanceCents = 1_000_000_000_000_000_000 // well below math.MaxInt64 after one more increment
)

// MaxAmount is the largest magnitude accepted for a movement or a target.
var MaxAmount = MoneyFromCents(maxAmountCents)

var maxBalance = decimal.New(maxBalanceCents, centsExp)

// Money is a signed decimal amount in the ledger currency.
type Money struct {
	value decimal.Decimal
}

// NewMoney wraps a decimal value.
func NewMoney(d decimal.Decimal) Money {
	return Money{value: d}
}

// MoneyFromCents builds an amount from minor units.
func MoneyFromCents(cents int64) Money {
	return Money{value: decimal.New(cents, centsExp)}
}

// ParseMoney converts a user supplied amount to Money.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators; when a comma
// is present, dots are treated as thousands separators ("1.234,56"). Values are
// rounded half-up to centavos. The sign is preserved: positivity is a movement
// rule, not a parsing rule.
//
// Examples:
//
//	ParseMoney("12.34")    -> 12.34
//	ParseMoney("1.234,56") -> 1234.56
//	ParseMoney("12.345")   -> 12.35
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "R$")
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, ErrInvalidAmount
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		if strings.Count(s, ",") > 1 {
			return Money{}, ErrInvalidAmount
		}
		s = strings.Replace(s, ",", ".", 1)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Money{value: d.Round(-centsExp)}, nil
}

// MustParseMoney is ParseMoney for literals known to be valid.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Decimal returns the underlying decimal value.
func (m Money) Decimal() decimal.Decimal { return m.value }

// Cents returns the amount in minor units, truncating anything below a centavo.
func (m Money) Cents() int64 { return m.value.Shift(-centsExp).IntPart() }

// ExactCents returns the amount in minor units. It fails when the amount has
// fractions of a centavo or lies outside the range a vault balance may hold.
func (m Money) ExactCents() (int64, error) {
	if !m.HasCentPrecision() {
		return 0, ErrAmountPrecision
	}
	if !m.InBalanceRange() {
		return 0, fmt.Errorf("%w: %s", ErrBalanceOutOfRange, m.StringFixed())
	}
	return m.Cents(), nil
}

// InBalanceRange reports whether m can be stored as a vault balance.
func (m Money) InBalanceRange() bool { return m.value.Abs().LessThanOrEqual(maxBalance) }

// HasCentPrecision reports whether the amount has at most two fractional digits.
func (m Money) HasCentPrecision() bool { return m.value.Equal(m.value.Round(-centsExp)) }

func (m Money) Add(n Money) Money         { return Money{value: m.value.Add(n.value)} }
func (m Money) Sub(n Money) Money         { return Money{value: m.value.Sub(n.value)} }
func (m Money) Neg() Money                { return Money{value: m.value.Neg()} }
func (m Money) Equal(n Money) bool        { return m.value.Equal(n.value) }
func (m Money) IsZero() bool              { return m.value.IsZero() }
func (m Money) IsPositive() bool          { return m.value.IsPositive() }
func (m Money) IsNegative() bool          { return m.value.IsNegative() }
func (m Money) GreaterThan(n Money) bool  { return m.value.GreaterThan(n.value) }
func (m Money) LessThan(n Money) bool     { return m.value.LessThan(n.value) }
func (m Money) Cmp(n Money) int           { return m.value.Cmp(n.value) }
func (m Money) StringFixed() string       { return m.value.StringFixed(-centsExp) }
func (m Money) Format(code string) string { return money.New(m.Cents(), code).Display() }

// String formats the amount in the default currency, e.g. "R$1.234,56".
func (m Money) String() string { return m.Format(DefaultCurrency) }

// PercentOf returns m as a percentage of total, rounded to one decimal place.
// The second result is false when total is not positive.
func (m Money) PercentOf(total Money) (decimal.Decimal, bool) {
	if !total.IsPositive() {
		return decimal.Zero, false
	}
	return m.value.Div(total.value).Shift(2).Round(1), true
}

// MarshalJSON renders the amount as a fixed two-decimal string.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.StringFixed() + `"`), nil
}

// UnmarshalJSON accepts quoted or bare decimal numbers.
func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	m.value = d
	return nil
}

// Sum adds up amounts.
func Sum(amounts ...Money) Money {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a.value)
	}
	return Money{value: total}
}
