package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Period restricts a summary to one calendar month. The zero value means all time.
type Period struct {
	Year  int `json:"year,omitempty"`
	Month int `json:"month,omitempty"` // 1-12
}

// AllTime is the unrestricted period.
var AllTime = Period{}

// NewPeriod validates year and month.
func NewPeriod(year, month int) (Period, error) {
	if year < 1970 || year > 9999 || month < 1 || month > 12 {
		return Period{}, invalid("period", ErrInvalidPeriod)
	}
	return Period{Year: year, Month: month}, nil
}

func (p Period) IsAllTime() bool { return p == AllTime }

// Contains reports whether t falls inside the period (UTC).
func (p Period) Contains(t time.Time) bool {
	if p.IsAllTime() {
		return true
	}
	t = t.UTC()
	return t.Year() == p.Year && int(t.Month()) == p.Month
}

// VaultSummary aggregates a vault's movements the way the vault screen shows them.
type VaultSummary struct {
	Vault       Vault            `json:"vault"`
	Period      Period           `json:"period"`
	Deposits    Money            `json:"deposits"`
	Withdrawals Money            `json:"withdrawals"`
	Net         Money            `json:"net"`
	Count       int              `json:"count"`
	Progress    *decimal.Decimal `json:"progress_percent,omitempty"`
}

// Summarize totals deposits and withdrawals of movements inside period.
func Summarize(v Vault, movements []Movement, period Period) VaultSummary {
	var deposits, withdrawals []Money
	count := 0
	for _, m := range movements {
		if !period.Contains(m.OccurredAt) {
			continue
		}
		count++
		switch m.Kind {
		case KindDeposit:
			deposits = append(deposits, m.Amount)
		case KindWithdrawal:
			withdrawals = append(withdrawals, m.Amount)
		}
	}
	s := VaultSummary{
		Vault:       v,
		Period:      period,
		Deposits:    Sum(deposits...),
		Withdrawals: Sum(withdrawals...),
		Count:       count,
	}
	s.Net = s.Deposits.Sub(s.Withdrawals)
	if v.Target != nil {
		if pct, ok := v.Balance.PercentOf(*v.Target); ok {
			s.Progress = &pct
		}
	}
	return s
}

// Drift compares a cached balance with the sum of the movement log.
type Drift struct {
	VaultID   string    `json:"vault_id"`
	Cached    Money     `json:"cached"`
	Computed  Money     `json:"computed"`
	Movements int       `json:"movements"`
	CheckedAt time.Time `json:"checked_at"`
}

// Difference is cached minus computed.
func (d Drift) Difference() Money { return d.Cached.Sub(d.Computed) }

// Balanced reports whether the cache matches the log.
func (d Drift) Balanced() bool { return d.Cached.Equal(d.Computed) }

// Balance sums the signed contributions of movements.
func Balance(movements []Movement) Money {
	deltas := make([]Money, 0, len(movements))
	for _, m := range movements {
		deltas = append(deltas, m.Delta())
	}
	return Sum(deltas...)
}
