package memory

import (
	"context"
	"testing"

	"cofre/internal/sheets"
)

func TestJournalAppendAndList(t *testing.T) {
	j := New()
	ctx := context.Background()

	ref, err := j.AppendEntry(ctx, sheets.Entry{Event: "movement.recorded", VaultID: "v1", Amount: "10.00"})
	if err != nil || ref != "mem:1" {
		t.Fatalf("unexpected append: ref=%q err=%v", ref, err)
	}
	_, _ = j.AppendEntry(ctx, sheets.Entry{Event: "movement.recorded", VaultID: "v2", Amount: "1.00"})
	ref, _ = j.AppendEntry(ctx, sheets.Entry{Event: "movement.removed", VaultID: "v1", Amount: "10.00"})
	if ref != "mem:3" {
		t.Fatalf("unexpected ref %q", ref)
	}

	entries, err := j.ListEntries(ctx, "v1")
	if err != nil || len(entries) != 2 {
		t.Fatalf("unexpected list: %v err=%v", entries, err)
	}
	if entries[0].Event != "movement.recorded" || entries[1].Event != "movement.removed" {
		t.Fatalf("entries out of order: %+v", entries)
	}
	if j.Len() != 3 {
		t.Fatalf("Len() = %d", j.Len())
	}
}

func TestJournalRejectsEntryWithoutVault(t *testing.T) {
	if _, err := New().AppendEntry(context.Background(), sheets.Entry{Event: "x"}); err == nil {
		t.Fatal("expected error")
	}
}
