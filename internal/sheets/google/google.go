package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	ports "cofre/internal/sheets"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"
)

// journal columns A..I
var journalHeader = []any{"Evento", "Cofre", "Movimento", "Tipo", "Valor", "Descrição", "Data", "Saldo", "Registrado em"}

const journalColumns = "A:I"

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	journalSheet  string
}

// Ensure interface conformance
var _ ports.Journal = (*Client)(nil)

// New wraps an existing Sheets service.
func New(svc *gsheet.Service, spreadsheetID, journalSheet string) *Client {
	return &Client{svc: svc, spreadsheetID: spreadsheetID, journalSheet: journalSheet}
}

// NewFromEnv creates a Sheets client using environment variables and service
// account credentials.
// Required: GOOGLE_SPREADSHEET_ID
// Optional: GOOGLE_JOURNAL_SHEET (default "Journal", prefixed with the current year)
func NewFromEnv(ctx context.Context) (*Client, error) {
	spreadsheetID := strings.TrimSpace(os.Getenv("GOOGLE_SPREADSHEET_ID"))
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}

	journalBase := strings.TrimSpace(os.Getenv("GOOGLE_JOURNAL_SHEET"))
	if journalBase == "" {
		journalBase = "Journal"
	}

	svc, err := newSheetsService(ctx)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}

	return New(svc, spreadsheetID, yearPrefixedName(journalBase, time.Now().Year())), nil
}

// newSheetsService initializes a Sheets Service using Service Account credentials.
// Uses GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS.
func newSheetsService(ctx context.Context) (*gsheet.Service, error) {
	serviceAccountJSON := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"))
	serviceAccountFile := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))
	if serviceAccountJSON == "" && serviceAccountFile == "" {
		serviceAccountFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	var credentialsJSON []byte
	var err error

	switch {
	case serviceAccountJSON != "":
		slog.InfoContext(ctx, "Using inline JSON credentials")
		credentialsJSON = []byte(serviceAccountJSON)
	case serviceAccountFile != "":
		slog.InfoContext(ctx, "Reading credentials from file", "path", serviceAccountFile)
		credentialsJSON, err = os.ReadFile(serviceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}

	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	slog.InfoContext(ctx, "Google Sheets service created successfully")
	return service, nil
}

// AppendEntry appends one row to the journal sheet, writing the header first
// when the sheet is empty.
func (c *Client) AppendEntry(ctx context.Context, e ports.Entry) (string, error) {
	if c.svc == nil {
		return "", errors.New("sheets service not initialized")
	}
	if strings.TrimSpace(e.VaultID) == "" {
		return "", errors.New("journal entry without vault")
	}

	rng := fmt.Sprintf("%s!%s", c.journalSheet, journalColumns)
	existing, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, fmt.Sprintf("%s!A1:A1", c.journalSheet)).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to read journal header of %s: %w", c.journalSheet, err)
	}

	rows := [][]any{entryRow(e)}
	if len(existing.Values) == 0 {
		rows = append([][]any{journalHeader}, rows...)
	}

	resp, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, rng, &gsheet.ValueRange{Values: rows}).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to append to sheet %s: %w", c.journalSheet, err)
	}

	ref := rng
	if resp.Updates != nil && resp.Updates.UpdatedRange != "" {
		ref = resp.Updates.UpdatedRange
	}
	slog.DebugContext(ctx, "Journal entry appended", "ref", ref, "vault_id", e.VaultID, "event", e.Event)
	return ref, nil
}

// ListEntries scans the journal sheet for rows of vaultID.
func (c *Client) ListEntries(ctx context.Context, vaultID string) ([]ports.Entry, error) {
	if c.svc == nil {
		return nil, errors.New("sheets service not initialized")
	}
	rng := fmt.Sprintf("%s!%s", c.journalSheet, journalColumns)
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rng, err)
	}

	var out []ports.Entry
	for i, row := range resp.Values {
		cols := toStrings(row)
		if i == 0 && len(cols) > 0 && cols[0] == fmt.Sprint(journalHeader[0]) {
			continue
		}
		e, ok := parseEntry(cols)
		if !ok || e.VaultID != vaultID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func entryRow(e ports.Entry) []any {
	return []any{
		e.Event,
		e.VaultID,
		e.MovementID,
		e.Kind,
		e.Amount,
		e.Description,
		formatTime(e.OccurredAt),
		e.Balance,
		formatTime(e.RecordedAt),
	}
}

func parseEntry(cols []string) (ports.Entry, bool) {
	if len(cols) < 2 || cols[1] == "" {
		return ports.Entry{}, false
	}
	return ports.Entry{
		Event:       safeGet(cols, 0),
		VaultID:     safeGet(cols, 1),
		MovementID:  safeGet(cols, 2),
		Kind:        safeGet(cols, 3),
		Amount:      safeGet(cols, 4),
		Description: safeGet(cols, 5),
		OccurredAt:  parseTime(safeGet(cols, 6)),
		Balance:     safeGet(cols, 7),
		RecordedAt:  parseTime(safeGet(cols, 8)),
	}, true
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func toStrings(in []interface{}) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out
}

func safeGet(arr []string, idx int) string {
	if idx < 0 || idx >= len(arr) {
		return ""
	}
	return arr[idx]
}

// yearPrefixedName returns "<year> <base>" unless base already starts with a 4-digit year.
func yearPrefixedName(base string, year int) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return base
	}
	if len(base) >= 5 {
		if y, err := strconv.Atoi(base[0:4]); err == nil && base[4] == ' ' && y > 1900 && y < 3000 {
			return base
		}
	}
	return fmt.Sprintf("%d %s", year, base)
}
