// Package export renders vault data as CSV.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"cofre/internal/core"
)

const ContentType = "text/csv; charset=utf-8"

var (
	movementHeader = []string{"id", "data", "tipo", "valor", "valor_formatado", "descricao", "saldo_acumulado"}
	vaultHeader    = []string{"id", "cofre", "saldo", "saldo_formatado", "meta", "progresso_pct", "criado_em"}
)

// WriteMovements writes movements newest first, each row carrying the
// balance accumulated up to and including it.
func WriteMovements(w io.Writer, movements []core.Movement, currency string) error {
	running := runningBalances(movements)

	cw := csv.NewWriter(w)
	if err := cw.Write(movementHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, m := range movements {
		row := []string{
			m.ID,
			m.OccurredAt.UTC().Format(time.RFC3339),
			m.Kind.String(),
			m.Amount.StringFixed(),
			m.Amount.Format(currency),
			sanitize(m.Description),
			running[m.ID].StringFixed(),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write movement %s: %w", m.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteVaults writes one row per vault with its balance and target progress.
func WriteVaults(w io.Writer, vaults []core.Vault, currency string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(vaultHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, v := range vaults {
		target, progress := "", ""
		if v.Target != nil {
			target = v.Target.StringFixed()
			if pct, ok := v.Balance.PercentOf(*v.Target); ok {
				progress = pct.StringFixed(2)
			}
		}
		row := []string{
			v.ID,
			sanitize(v.Name),
			v.Balance.StringFixed(),
			v.Balance.Format(currency),
			target,
			progress,
			v.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write vault %s: %w", v.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// FileName builds "<prefix>-<yyyymmdd-hhmmss>.csv".
func FileName(prefix string, at time.Time) string {
	prefix = strings.Trim(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, prefix), "-")
	if prefix == "" {
		prefix = "export"
	}
	return fmt.Sprintf("%s-%s.csv", prefix, at.UTC().Format("20060102-150405"))
}

// runningBalances walks movements oldest first. Ties on occurrence keep
// the reverse of the listed order, matching insertion order.
func runningBalances(movements []core.Movement) map[string]core.Money {
	idx := make([]int, len(movements))
	for i := range idx {
		idx[i] = len(movements) - 1 - i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return movements[idx[a]].OccurredAt.Before(movements[idx[b]].OccurredAt)
	})

	out := make(map[string]core.Money, len(movements))
	var total core.Money
	for _, i := range idx {
		total = total.Add(movements[i].Delta())
		out[movements[i].ID] = total
	}
	return out
}

// sanitize neutralizes cells a spreadsheet would evaluate as formulas.
func sanitize(s string) string {
	if s != "" && strings.ContainsRune("=+-@\t\r", rune(s[0])) {
		return "'" + s
	}
	return s
}
