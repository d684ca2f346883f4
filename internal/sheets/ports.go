package sheets

import (
	"context"
	"time"
)

// Entry is one line of the ledger journal kept outside the database.
type Entry struct {
	Event       string
	VaultID     string
	MovementID  string
	Kind        string
	Amount      string
	Description string
	OccurredAt  time.Time
	Balance     string
	RecordedAt  time.Time
}

// Ports for outbound adapters.
type (
	JournalWriter interface {
		AppendEntry(ctx context.Context, e Entry) (rowRef string, err error)
	}

	// JournalLister returns the journal entries of one vault, oldest first.
	JournalLister interface {
		ListEntries(ctx context.Context, vaultID string) ([]Entry, error)
	}

	Journal interface {
		JournalWriter
		JournalLister
	}
)
