package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cofre/internal/sheets"
)

// Journal keeps entries in process.
type Journal struct {
	mu      sync.Mutex
	entries []sheets.Entry
}

var _ sheets.Journal = (*Journal)(nil)

func New() *Journal {
	return &Journal{}
}

// AppendEntry stores the entry and returns a synthetic row reference.
func (j *Journal) AppendEntry(_ context.Context, e sheets.Entry) (string, error) {
	if strings.TrimSpace(e.VaultID) == "" {
		return "", errors.New("journal entry without vault")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return fmt.Sprintf("mem:%d", len(j.entries)), nil
}

func (j *Journal) ListEntries(_ context.Context, vaultID string) ([]sheets.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []sheets.Entry
	for _, e := range j.entries {
		if e.VaultID == vaultID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Len returns the number of stored entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}
