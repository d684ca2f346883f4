package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cofre/internal/amqp"
	"cofre/internal/cache"
	"cofre/internal/services"
	"cofre/internal/sheets"
)

const (
	dedupSize = 4096
	dedupTTL  = time.Hour
)

// Auditor verifies every vault balance against its movement log.
type Auditor interface {
	AuditAll(ctx context.Context, repair bool) ([]services.AuditResult, error)
}

// AuditReport summarizes one audit pass.
type AuditReport struct {
	Checked  int
	Drifted  int
	Repaired int
	Failed   int
}

// LedgerWorker journals ledger events and audits vault balances.
type LedgerWorker struct {
	journal sheets.JournalWriter
	auditor Auditor
	repair  bool
	seen    cache.Cache[struct{}]
	now     func() time.Time
}

// NewLedgerWorker builds a worker. journal may be nil, in which case events
// are acknowledged without journaling.
func NewLedgerWorker(journal sheets.JournalWriter, auditor Auditor, repair bool) *LedgerWorker {
	return &LedgerWorker{
		journal: journal,
		auditor: auditor,
		repair:  repair,
		seen:    cache.NewLRUCache[struct{}](dedupSize, dedupTTL),
		now:     time.Now,
	}
}

// HandleMovementEvent appends one journal row per event. Redelivered events
// already journaled are skipped. A returned error requeues the delivery.
func (w *LedgerWorker) HandleMovementEvent(ctx context.Context, msg *amqp.MovementEvent) error {
	if err := validateEvent(msg); err != nil {
		slog.WarnContext(ctx, "Dropping malformed ledger event", "error", err)
		return nil
	}

	slog.InfoContext(ctx, "Processing ledger event",
		"type", msg.Type,
		"vault_id", msg.VaultID,
		"movement_id", msg.MovementID)

	if w.journal == nil {
		slog.WarnContext(ctx, "No journal configured, skipping event", "type", msg.Type)
		return nil
	}

	key := eventKey(msg)
	if _, ok := w.seen.Get(key); ok {
		slog.DebugContext(ctx, "Event already journaled", "type", msg.Type, "vault_id", msg.VaultID)
		return nil
	}

	ref, err := w.journal.AppendEntry(ctx, entryFromEvent(msg, w.now()))
	if err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	w.seen.Set(key, struct{}{})

	slog.InfoContext(ctx, "Ledger event journaled",
		"type", msg.Type,
		"vault_id", msg.VaultID,
		"ref", ref)
	return nil
}

// AuditVaults runs one audit pass over every vault.
func (w *LedgerWorker) AuditVaults(ctx context.Context) (AuditReport, error) {
	results, err := w.auditor.AuditAll(ctx, w.repair)
	report := AuditReport{Checked: len(results)}
	for _, r := range results {
		switch {
		case r.Err != nil:
			report.Failed++
		case r.Repaired:
			report.Drifted++
			report.Repaired++
		case !r.Drift.Balanced():
			report.Drifted++
		}
	}
	if err != nil {
		return report, fmt.Errorf("audit vaults: %w", err)
	}

	slog.InfoContext(ctx, "Vault audit completed",
		"checked", report.Checked,
		"drifted", report.Drifted,
		"repaired", report.Repaired,
		"failed", report.Failed,
		"repair", w.repair)
	return report, nil
}

// RunAudits audits at startup and then on every tick until ctx ends.
func (w *LedgerWorker) RunAudits(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := w.AuditVaults(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.ErrorContext(ctx, "Vault audit failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func validateEvent(msg *amqp.MovementEvent) error {
	if msg == nil {
		return errors.New("nil event")
	}
	if strings.TrimSpace(msg.VaultID) == "" {
		return errors.New("event without vault")
	}
	switch msg.Type {
	case amqp.EventMovementRecorded, amqp.EventMovementAmended, amqp.EventMovementRemoved:
		if msg.MovementID == "" {
			return fmt.Errorf("%s event without movement", msg.Type)
		}
	case amqp.EventVaultRecomputed:
	default:
		return fmt.Errorf("unknown event type %q", msg.Type)
	}
	return nil
}

func eventKey(msg *amqp.MovementEvent) string {
	return cache.Key(string(msg.Type), msg.VaultID, msg.MovementID, msg.Timestamp.UTC().Format(time.RFC3339Nano))
}

func entryFromEvent(msg *amqp.MovementEvent, recordedAt time.Time) sheets.Entry {
	return sheets.Entry{
		Event:       string(msg.Type),
		VaultID:     msg.VaultID,
		MovementID:  msg.MovementID,
		Kind:        msg.Kind,
		Amount:      msg.Amount,
		Description: msg.Description,
		OccurredAt:  msg.OccurredAt,
		Balance:     msg.Balance,
		RecordedAt:  recordedAt.UTC(),
	}
}
