package backend

import (
	"context"
	"path/filepath"
	"testing"

	"cofre/internal/config"
	"cofre/internal/core"
	"cofre/internal/ledger"
)

func TestFromAppConfig(t *testing.T) {
	cfg, err := FromAppConfig(&config.Config{DataBackend: "postgres", DatabaseURL: "postgres://u:p@localhost/cofre"})
	if err != nil {
		t.Fatalf("FromAppConfig() error = %v", err)
	}
	if cfg.Type != PostgresBackend || cfg.DatabaseURL == "" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if !cfg.Type.SupportsTransactions() || MemoryBackend.SupportsTransactions() {
		t.Error("SupportsTransactions mismatch")
	}

	if _, err := FromAppConfig(nil); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := FromAppConfig(&config.Config{DataBackend: "sheets"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"memory", Config{Type: MemoryBackend}, false},
		{"sqlite", Config{Type: SQLiteBackend, SQLiteDBPath: "x.db"}, false},
		{"sqlite without path", Config{Type: SQLiteBackend}, true},
		{"postgres without url", Config{Type: PostgresBackend}, true},
		{"unknown", Config{Type: "redis"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetBackendTypeStrings(t *testing.T) {
	got := GetBackendTypeStrings()
	if len(got) != 3 || got[0] != "memory" || got[1] != "sqlite" || got[2] != "postgres" {
		t.Errorf("GetBackendTypeStrings() = %v", got)
	}
}

func exerciseRepository(t *testing.T, repo ledger.Repository) {
	t.Helper()
	ctx := context.Background()
	engine := ledger.NewEngine(repo)

	v, err := repo.CreateVault(ctx, core.VaultInput{OwnerID: "alice", Name: "Reserva"})
	if err != nil {
		t.Fatalf("CreateVault() error = %v", err)
	}
	if _, err := engine.Record(ctx, core.MovementInput{VaultID: v.ID, Kind: core.KindDeposit, Amount: core.MustParseMoney("50")}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	balance, err := repo.GetVaultBalance(ctx, v.ID)
	if err != nil {
		t.Fatalf("GetVaultBalance() error = %v", err)
	}
	if balance.StringFixed() != "50.00" {
		t.Errorf("balance = %s, want 50.00", balance.StringFixed())
	}
}

func TestFactory_Memory(t *testing.T) {
	res, err := NewFactory(nil).CreateBackend(context.Background(), Config{Type: MemoryBackend})
	if err != nil {
		t.Fatalf("CreateBackend() error = %v", err)
	}
	defer res.Close()
	exerciseRepository(t, res.Repository)
}

func TestFactory_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cofre.db")
	res, err := NewFactory(nil).CreateBackend(context.Background(), Config{Type: SQLiteBackend, SQLiteDBPath: path})
	if err != nil {
		t.Fatalf("CreateBackend() error = %v", err)
	}
	defer res.Close()

	if _, ok := res.Repository.(ledger.Transactor); !ok {
		t.Error("sqlite repository should run movement writes in transactions")
	}
	exerciseRepository(t, res.Repository)
}

func TestFactory_InvalidConfig(t *testing.T) {
	if _, err := NewFactory(nil).CreateBackend(context.Background(), Config{Type: SQLiteBackend}); err == nil {
		t.Error("expected error for sqlite without path")
	}
}

func TestBackendResult_CloseNil(t *testing.T) {
	var res *BackendResult
	if err := res.Close(); err != nil {
		t.Errorf("Close() on nil result = %v", err)
	}
}
