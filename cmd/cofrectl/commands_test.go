package main

import (
	"bytes"
	"context"
	"flag"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/subcommands"

	"cofre/internal/auth"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATA_BACKEND", "sqlite")
	t.Setenv("SQLITE_DB_PATH", filepath.Join(t.TempDir(), "cofre.db"))
	t.Setenv("AMQP_URL", "")
	t.Setenv("MINIO_ENDPOINT", "")
	t.Setenv("JWT_SECRET", "cli-secret-with-at-least-32-bytes!!")
	t.Setenv("JWT_ISSUER", "cofre")
	t.Setenv("COFRE_OWNER", "")
}

func execute(t *testing.T, args ...string) (string, subcommands.ExitStatus) {
	t.Helper()
	var out bytes.Buffer
	prev := stdout
	stdout = &out
	defer func() { stdout = prev }()

	fs := flag.NewFlagSet("cofrectl", flag.ContinueOnError)
	commander := subcommands.NewCommander(fs, "cofrectl")
	for _, c := range commands {
		commander.Register(c, "")
	}
	commander.Register(&tokenCmd{}, "")
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
	status := commander.Execute(context.Background())
	return out.String(), status
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, status := execute(t, args...)
	if status != subcommands.ExitSuccess {
		t.Fatalf("%v exited with %d, output %q", args, status, out)
	}
	return out
}

func TestLedgerCommands(t *testing.T) {
	setupEnv(t)

	out := mustExecute(t, "ensure-default", "-owner", "alice")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "Cofre Principal") {
		t.Fatalf("unexpected ensure-default output:\n%s", out)
	}
	vaultID := strings.Fields(lines[1])[0]

	mustExecute(t, "record", "-owner", "alice", "-vault", vaultID, "-kind", "deposit", "-amount", "500", "-desc", "Salário", "-date", "2024-03-01")
	out = mustExecute(t, "record", "-owner", "alice", "-vault", vaultID, "-kind", "withdrawal", "-amount", "120")
	movementID := strings.Fields(out)[1]

	out = mustExecute(t, "audit", "-owner", "alice", "-vault", vaultID)
	if !strings.Contains(out, "380.00") || !strings.Contains(out, "ok") {
		t.Errorf("audit output = %q", out)
	}

	mustExecute(t, "amend", "-owner", "alice", "-id", movementID, "-amount", "200")
	out = mustExecute(t, "audit")
	if !strings.Contains(out, "300.00") {
		t.Errorf("audit all output = %q", out)
	}

	mustExecute(t, "remove", "-owner", "alice", "-id", movementID)
	mustExecute(t, "recompute", "-owner", "alice", "-vault", vaultID)
	out = mustExecute(t, "audit", "-owner", "alice", "-vault", vaultID)
	if !strings.Contains(out, "500.00") {
		t.Errorf("audit after remove = %q", out)
	}

	out = mustExecute(t, "export", "-owner", "alice", "-vault", vaultID)
	if !strings.Contains(out, "Salário") {
		t.Errorf("movements export missing description:\n%s", out)
	}

	if _, status := execute(t, "remove", "-owner", "alice", "-id", movementID); status != subcommands.ExitFailure {
		t.Errorf("removing twice should fail, got %d", status)
	}
}

func TestCommandUsageErrors(t *testing.T) {
	setupEnv(t)

	tests := [][]string{
		{"vaults"},
		{"record", "-owner", "alice", "-vault", "v1", "-kind", "transfer", "-amount", "10"},
		{"amend", "-owner", "alice"},
		{"amend", "-owner", "alice", "-id", "m1", "-date", "yesterday"},
		{"audit", "-vault", "v1"},
		{"token"},
	}
	for _, args := range tests {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			if _, status := execute(t, args...); status != subcommands.ExitUsageError {
				t.Errorf("status = %d, want usage error", status)
			}
		})
	}
}

func TestTokenCommand(t *testing.T) {
	setupEnv(t)

	out := mustExecute(t, "token", "-user", "alice")
	a, err := auth.NewAuthenticator("cli-secret-with-at-least-32-bytes!!", "cofre")
	if err != nil {
		t.Fatal(err)
	}
	user, err := a.ParseToken(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if user != "alice" {
		t.Errorf("subject = %q, want alice", user)
	}
}

func TestExportUploadDisabled(t *testing.T) {
	setupEnv(t)
	if _, status := execute(t, "export", "-owner", "alice", "-upload"); status != subcommands.ExitFailure {
		t.Errorf("upload without storage should fail, got %d", status)
	}
}
