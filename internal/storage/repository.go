// Package storage persists vaults and movements in SQLite or PostgreSQL.
//
// Amounts are stored as integer centavos so the balance increment is a single
// UPDATE ... SET balance_cents = balance_cents + ? on both dialects.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"cofre/internal/core"
	"cofre/internal/ledger"
)

const pgForeignKeyViolation = "23503"

type vaultRow struct {
	ID           string        `db:"id"`
	OwnerID      string        `db:"owner_id"`
	Name         string        `db:"name"`
	TargetCents  sql.NullInt64 `db:"target_cents"`
	BalanceCents int64         `db:"balance_cents"`
	CreatedAt    time.Time     `db:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at"`
}

func (r vaultRow) toCore() core.Vault {
	v := core.Vault{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Name:      r.Name,
		Balance:   core.MoneyFromCents(r.BalanceCents),
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if r.TargetCents.Valid {
		t := core.MoneyFromCents(r.TargetCents.Int64)
		v.Target = &t
	}
	return v
}

type movementRow struct {
	ID          string    `db:"id"`
	VaultID     string    `db:"vault_id"`
	Kind        core.Kind `db:"kind"`
	AmountCents int64     `db:"amount_cents"`
	Description string    `db:"description"`
	OccurredAt  time.Time `db:"occurred_at"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r movementRow) toCore() core.Movement {
	return core.Movement{
		ID:          r.ID,
		VaultID:     r.VaultID,
		Kind:        r.Kind,
		Amount:      core.MoneyFromCents(r.AmountCents),
		Description: r.Description,
		OccurredAt:  r.OccurredAt.UTC(),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

const (
	vaultColumns    = `id, owner_id, name, target_cents, balance_cents, created_at, updated_at`
	movementColumns = `id, vault_id, kind, amount_cents, description, occurred_at, created_at, updated_at`
)

// Repository implements ledger.Repository and ledger.Transactor on top of sqlx.
type Repository struct {
	db      *sqlx.DB
	q       sqlx.ExtContext
	dialect Dialect
	inTx    bool
	now     func() time.Time
}

var (
	_ ledger.Repository = (*Repository)(nil)
	_ ledger.Transactor = (*Repository)(nil)
)

// NewRepository wraps an open database. Migrations are the caller's concern.
func NewRepository(db *sqlx.DB, dialect Dialect) *Repository {
	return &Repository{
		db:      db,
		q:       db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// NewSQLiteRepository opens the database file and applies migrations.
func NewSQLiteRepository(dbPath string) (*Repository, error) {
	db, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(DialectSQLite, SQLiteDSN(dbPath)); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return NewRepository(db, DialectSQLite), nil
}

// NewPostgresRepository connects to dsn and applies migrations.
func NewPostgresRepository(dsn string) (*Repository, error) {
	db, err := OpenPostgres(dsn)
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(DialectPostgres, dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return NewRepository(db, DialectPostgres), nil
}

func (r *Repository) Dialect() Dialect { return r.dialect }

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// WithinTx runs fn in a transaction. Nested calls reuse the outer transaction.
func (r *Repository) WithinTx(ctx context.Context, fn func(ledger.Store) error) error {
	if r.inTx {
		return fn(r)
	}
	return r.withTx(ctx, func(tx *Repository) error { return fn(tx) })
}

func (r *Repository) withTx(ctx context.Context, fn func(tx *Repository) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txRepo := &Repository{db: r.db, q: tx, dialect: r.dialect, inTx: true, now: r.now}

	if err := fn(txRepo); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.ErrorContext(ctx, "Transaction rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *Repository) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, r.q, dest, r.q.Rebind(query), args...)
}

func (r *Repository) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, r.q, dest, r.q.Rebind(query), args...)
}

func (r *Repository) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.q.ExecContext(ctx, r.q.Rebind(query), args...)
}

// lockClause pins selected rows for the rest of a PostgreSQL transaction.
// SQLite transactions already hold the single connection.
func (r *Repository) lockClause() string {
	if r.inTx && r.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgForeignKeyViolation
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func nullCents(m *core.Money) sql.NullInt64 {
	if m == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: m.Cents(), Valid: true}
}

// CreateVault inserts a vault with a zero balance.
func (r *Repository) CreateVault(ctx context.Context, in core.VaultInput) (core.Vault, error) {
	if err := in.Validate(); err != nil {
		return core.Vault{}, err
	}
	now := r.now()
	row := vaultRow{
		ID:          uuid.NewString(),
		OwnerID:     strings.TrimSpace(in.OwnerID),
		Name:        strings.TrimSpace(in.Name),
		TargetCents: nullCents(in.Target),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := r.exec(ctx,
		`INSERT INTO vaults (`+vaultColumns+`) VALUES (?, ?, ?, ?, 0, ?, ?)`,
		row.ID, row.OwnerID, row.Name, row.TargetCents, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return core.Vault{}, fmt.Errorf("create vault: %w", err)
	}

	slog.InfoContext(ctx, "Vault created", "id", row.ID, "owner_id", row.OwnerID, "dialect", r.dialect)
	return row.toCore(), nil
}

// UpdateVault stores name and target. The balance column is never written here.
func (r *Repository) UpdateVault(ctx context.Context, v core.Vault) (core.Vault, error) {
	res, err := r.exec(ctx,
		`UPDATE vaults SET name = ?, target_cents = ?, updated_at = ? WHERE id = ?`,
		strings.TrimSpace(v.Name), nullCents(v.Target), r.now(), v.ID)
	if err != nil {
		return core.Vault{}, fmt.Errorf("update vault: %w", err)
	}
	if err := expectOne(res, core.ErrVaultNotFound); err != nil {
		return core.Vault{}, err
	}
	return r.GetVault(ctx, v.ID)
}

// DeleteVault removes the vault together with its movements.
func (r *Repository) DeleteVault(ctx context.Context, id string) error {
	del := func(tx *Repository) error {
		if _, err := tx.exec(ctx, `DELETE FROM movements WHERE vault_id = ?`, id); err != nil {
			return fmt.Errorf("delete vault movements: %w", err)
		}
		res, err := tx.exec(ctx, `DELETE FROM vaults WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete vault: %w", err)
		}
		return expectOne(res, core.ErrVaultNotFound)
	}
	if r.inTx {
		return del(r)
	}
	return r.withTx(ctx, del)
}

func (r *Repository) ListVaults(ctx context.Context, ownerID string) ([]core.Vault, error) {
	var rows []vaultRow
	err := r.selectAll(ctx, &rows,
		`SELECT `+vaultColumns+` FROM vaults WHERE owner_id = ? ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list vaults: %w", err)
	}
	return vaultsToCore(rows), nil
}

func (r *Repository) ListAllVaults(ctx context.Context) ([]core.Vault, error) {
	var rows []vaultRow
	err := r.selectAll(ctx, &rows, `SELECT `+vaultColumns+` FROM vaults ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list all vaults: %w", err)
	}
	return vaultsToCore(rows), nil
}

func vaultsToCore(rows []vaultRow) []core.Vault {
	out := make([]core.Vault, len(rows))
	for i, row := range rows {
		out[i] = row.toCore()
	}
	return out
}

func (r *Repository) GetVault(ctx context.Context, id string) (core.Vault, error) {
	var row vaultRow
	err := r.get(ctx, &row, `SELECT `+vaultColumns+` FROM vaults WHERE id = ?`+r.lockClause(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Vault{}, core.ErrVaultNotFound
		}
		return core.Vault{}, fmt.Errorf("get vault: %w", err)
	}
	return row.toCore(), nil
}

func (r *Repository) GetVaultBalance(ctx context.Context, id string) (core.Money, error) {
	var cents int64
	err := r.get(ctx, &cents, `SELECT balance_cents FROM vaults WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Money{}, core.ErrVaultNotFound
		}
		return core.Money{}, fmt.Errorf("get vault balance: %w", err)
	}
	return core.MoneyFromCents(cents), nil
}

func (r *Repository) SetVaultBalance(ctx context.Context, id string, balance core.Money) error {
	cents, err := balance.ExactCents()
	if err != nil {
		return fmt.Errorf("set vault balance: %w", err)
	}
	res, err := r.exec(ctx,
		`UPDATE vaults SET balance_cents = ?, updated_at = ? WHERE id = ?`,
		cents, r.now(), id)
	if err != nil {
		return fmt.Errorf("set vault balance: %w", err)
	}
	return expectOne(res, core.ErrVaultNotFound)
}

// IncrementVaultBalance adds delta in a single statement and returns the new balance.
func (r *Repository) IncrementVaultBalance(ctx context.Context, id string, delta core.Money) (core.Money, error) {
	deltaCents, err := delta.ExactCents()
	if err != nil {
		return core.Money{}, fmt.Errorf("increment vault balance: %w", err)
	}
	var cents int64
	err = r.get(ctx, &cents,
		`UPDATE vaults SET balance_cents = balance_cents + ?, updated_at = ? WHERE id = ? RETURNING balance_cents`,
		deltaCents, r.now(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Money{}, core.ErrVaultNotFound
		}
		return core.Money{}, fmt.Errorf("increment vault balance: %w", err)
	}
	return core.MoneyFromCents(cents), nil
}

func (r *Repository) InsertMovement(ctx context.Context, in core.MovementInput) (core.Movement, error) {
	amount, err := in.Amount.ExactCents()
	if err != nil {
		return core.Movement{}, fmt.Errorf("insert movement: %w", err)
	}
	now := r.now()
	row := movementRow{
		ID:          uuid.NewString(),
		VaultID:     in.VaultID,
		Kind:        in.Kind,
		AmountCents: amount,
		Description: in.Description,
		OccurredAt:  in.OccurredAt.UTC().Truncate(time.Microsecond),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = r.exec(ctx,
		`INSERT INTO movements (`+movementColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.VaultID, row.Kind, row.AmountCents, row.Description, row.OccurredAt, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return core.Movement{}, core.ErrVaultNotFound
		}
		return core.Movement{}, fmt.Errorf("insert movement: %w", err)
	}

	slog.DebugContext(ctx, "Movement saved",
		"id", row.ID,
		"vault_id", row.VaultID,
		"kind", row.Kind.String(),
		"amount_cents", row.AmountCents)
	return row.toCore(), nil
}

func (r *Repository) GetMovement(ctx context.Context, id string) (core.Movement, error) {
	var row movementRow
	err := r.get(ctx, &row, `SELECT `+movementColumns+` FROM movements WHERE id = ?`+r.lockClause(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Movement{}, core.ErrMovementNotFound
		}
		return core.Movement{}, fmt.Errorf("get movement: %w", err)
	}
	return row.toCore(), nil
}

func (r *Repository) UpdateMovement(ctx context.Context, m core.Movement) (core.Movement, error) {
	amount, err := m.Amount.ExactCents()
	if err != nil {
		return core.Movement{}, fmt.Errorf("update movement: %w", err)
	}
	res, err := r.exec(ctx,
		`UPDATE movements SET kind = ?, amount_cents = ?, description = ?, occurred_at = ?, updated_at = ? WHERE id = ?`,
		m.Kind, amount, m.Description, m.OccurredAt.UTC().Truncate(time.Microsecond), r.now(), m.ID)
	if err != nil {
		return core.Movement{}, fmt.Errorf("update movement: %w", err)
	}
	if err := expectOne(res, core.ErrMovementNotFound); err != nil {
		return core.Movement{}, err
	}
	return r.GetMovement(ctx, m.ID)
}

func (r *Repository) DeleteMovement(ctx context.Context, id string) error {
	res, err := r.exec(ctx, `DELETE FROM movements WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete movement: %w", err)
	}
	return expectOne(res, core.ErrMovementNotFound)
}

func (r *Repository) ListMovements(ctx context.Context, vaultID string) ([]core.Movement, error) {
	var rows []movementRow
	err := r.selectAll(ctx, &rows,
		`SELECT `+movementColumns+` FROM movements WHERE vault_id = ? ORDER BY occurred_at DESC, created_at DESC, id DESC`,
		vaultID)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	out := make([]core.Movement, len(rows))
	for i, row := range rows {
		out[i] = row.toCore()
	}
	return out, nil
}
