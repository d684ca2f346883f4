package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cofre/internal/core"
	"cofre/internal/ledger"
	"cofre/internal/storage/memory"
)

var errStorageDown = errors.New("storage down")

// faultyStore fails selected calls on top of the in-memory repository.
type faultyStore struct {
	*memory.Store
	mu            sync.Mutex
	failIncrement bool
	failInsert    bool
	failList      bool
	increments    int
}

func (f *faultyStore) IncrementVaultBalance(ctx context.Context, id string, delta core.Money) (core.Money, error) {
	f.mu.Lock()
	f.increments++
	fail := f.failIncrement
	f.mu.Unlock()
	if fail {
		return core.Money{}, errStorageDown
	}
	return f.Store.IncrementVaultBalance(ctx, id, delta)
}

func (f *faultyStore) InsertMovement(ctx context.Context, in core.MovementInput) (core.Movement, error) {
	if f.failInsert {
		return core.Movement{}, errStorageDown
	}
	return f.Store.InsertMovement(ctx, in)
}

func (f *faultyStore) ListVaults(ctx context.Context, ownerID string) ([]core.Vault, error) {
	if f.failList {
		return nil, errStorageDown
	}
	return f.Store.ListVaults(ctx, ownerID)
}

// txStore reports every call as running inside a transaction.
type txStore struct {
	*faultyStore
	calls int
}

func (t *txStore) WithinTx(_ context.Context, fn func(ledger.Store) error) error {
	t.calls++
	return fn(t.faultyStore)
}

func setup(t *testing.T) (*ledger.Engine, *memory.Store, core.Vault) {
	t.Helper()
	store := memory.New()
	e := ledger.NewEngine(store)
	v, err := store.CreateVault(context.Background(), core.VaultInput{OwnerID: "u1", Name: "Viagem"})
	require.NoError(t, err)
	return e, store, v
}

func money(s string) core.Money { return core.MustParseMoney(s) }

func kindPtr(k core.Kind) *core.Kind { return &k }

func moneyPtr(s string) *core.Money {
	m := money(s)
	return &m
}

func balanceOf(t *testing.T, s ledger.VaultStore, id string) core.Money {
	t.Helper()
	b, err := s.GetVaultBalance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func record(t *testing.T, e *ledger.Engine, vaultID string, k core.Kind, amount string) core.Movement {
	t.Helper()
	m, err := e.Record(context.Background(), core.MovementInput{VaultID: vaultID, Kind: k, Amount: money(amount)})
	require.NoError(t, err)
	return m
}

func TestRecordScenario(t *testing.T) {
	e, store, v := setup(t)

	record(t, e, v.ID, core.KindDeposit, "500")
	record(t, e, v.ID, core.KindWithdrawal, "120")
	assert.True(t, balanceOf(t, store, v.ID).Equal(money("380")))

	record(t, e, v.ID, core.KindDeposit, "200")
	assert.True(t, balanceOf(t, store, v.ID).Equal(money("580")))
}

func TestRecordAllowsNegativeBalance(t *testing.T) {
	e, store, v := setup(t)

	record(t, e, v.ID, core.KindWithdrawal, "40.10")
	assert.True(t, balanceOf(t, store, v.ID).Equal(money("-40.10")))
}

func TestRecordDefaultsOccurredAt(t *testing.T) {
	store := memory.New()
	fixed := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	e := ledger.NewEngine(store, ledger.WithClock(func() time.Time { return fixed }))
	v, err := store.CreateVault(context.Background(), core.VaultInput{OwnerID: "u1", Name: "Reserva"})
	require.NoError(t, err)

	m, err := e.Record(context.Background(), core.MovementInput{
		VaultID:     v.ID,
		Kind:        core.KindDeposit,
		Amount:      money("10"),
		Description: "  salário  ",
	})
	require.NoError(t, err)
	assert.True(t, m.OccurredAt.Equal(fixed))
	assert.Equal(t, "salário", m.Description)
}

func TestRecordValidation(t *testing.T) {
	e, store, v := setup(t)

	tests := []struct {
		name string
		in   core.MovementInput
	}{
		{"zero amount", core.MovementInput{VaultID: v.ID, Kind: core.KindDeposit, Amount: money("0")}},
		{"negative amount", core.MovementInput{VaultID: v.ID, Kind: core.KindDeposit, Amount: money("-5")}},
		{"missing kind", core.MovementInput{VaultID: v.ID, Amount: money("5")}},
		{"missing vault", core.MovementInput{Kind: core.KindDeposit, Amount: money("5")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Record(context.Background(), tt.in)
			require.Error(t, err)
			assert.True(t, core.IsValidation(err), "got %v", err)
		})
	}

	movements, err := store.ListMovements(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Empty(t, movements)
	assert.True(t, balanceOf(t, store, v.ID).IsZero())
}

func TestRecordUnknownVault(t *testing.T) {
	e, _, _ := setup(t)

	_, err := e.Record(context.Background(), core.MovementInput{VaultID: "nope", Kind: core.KindDeposit, Amount: money("1")})
	require.Error(t, err)

	var nf *core.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, core.EntityVault, nf.Entity)
	assert.ErrorIs(t, err, core.ErrVaultNotFound)
}

func TestRecordRejectsOversizedAmount(t *testing.T) {
	e, store, v := setup(t)

	_, err := e.Record(context.Background(), core.MovementInput{VaultID: v.ID, Kind: core.KindWithdrawal, Amount: money("184467440737095517.16")})
	require.Error(t, err)
	assert.True(t, core.IsValidation(err), "got %v", err)
	assert.ErrorIs(t, err, core.ErrAmountTooLarge)

	movements, err := store.ListMovements(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Empty(t, movements)
	assert.True(t, balanceOf(t, store, v.ID).IsZero())
}

func TestRecordRejectsBalanceOverflow(t *testing.T) {
	e, store, v := setup(t)
	ceiling := money("10000000000000000")
	require.NoError(t, store.SetVaultBalance(context.Background(), v.ID, ceiling))

	_, err := e.Record(context.Background(), core.MovementInput{VaultID: v.ID, Kind: core.KindDeposit, Amount: money("0.01")})
	require.Error(t, err)
	assert.True(t, core.IsValidation(err), "got %v", err)
	assert.ErrorIs(t, err, core.ErrBalanceOutOfRange)

	movements, err := store.ListMovements(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Empty(t, movements)
	assert.True(t, balanceOf(t, store, v.ID).Equal(ceiling))

	record(t, e, v.ID, core.KindWithdrawal, "1")
	assert.True(t, balanceOf(t, store, v.ID).Equal(money("9999999999999999")))
}

func TestAmend(t *testing.T) {
	tests := []struct {
		name    string
		patch   core.MovementPatch
		balance string
	}{
		{"raise amount", core.MovementPatch{Amount: moneyPtr("150")}, "150"},
		{"lower amount", core.MovementPatch{Amount: moneyPtr("30")}, "30"},
		{"flip kind", core.MovementPatch{Kind: kindPtr(core.KindWithdrawal)}, "-100"},
		{"flip kind and amount", core.MovementPatch{Kind: kindPtr(core.KindWithdrawal), Amount: moneyPtr("20")}, "-20"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, store, v := setup(t)
			m := record(t, e, v.ID, core.KindDeposit, "100")

			updated, err := e.Amend(context.Background(), m.ID, tt.patch)
			require.NoError(t, err)
			assert.Equal(t, m.ID, updated.ID)
			assert.True(t, balanceOf(t, store, v.ID).Equal(money(tt.balance)), "balance %s", balanceOf(t, store, v.ID).StringFixed())
		})
	}
}

func TestAmendNoChangeSkipsWrites(t *testing.T) {
	store := &faultyStore{Store: memory.New()}
	e := ledger.NewEngine(store)
	v, err := store.CreateVault(context.Background(), core.VaultInput{OwnerID: "u1", Name: "Casa"})
	require.NoError(t, err)
	m := record(t, e, v.ID, core.KindDeposit, "100")

	store.failIncrement = true
	same := m.Description
	got, err := e.Amend(context.Background(), m.ID, core.MovementPatch{Amount: moneyPtr("100"), Description: &same})
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, 1, store.increments)

	got, err = e.Amend(context.Background(), m.ID, core.MovementPatch{})
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(money("100")))
}

func TestAmendDescriptionOnlyKeepsBalance(t *testing.T) {
	store := &faultyStore{Store: memory.New()}
	e := ledger.NewEngine(store)
	v, err := store.CreateVault(context.Background(), core.VaultInput{OwnerID: "u1", Name: "Casa"})
	require.NoError(t, err)
	m := record(t, e, v.ID, core.KindDeposit, "100")

	desc := "aluguel"
	got, err := e.Amend(context.Background(), m.ID, core.MovementPatch{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "aluguel", got.Description)
	assert.Equal(t, 1, store.increments)
	assert.True(t, balanceOf(t, store, v.ID).Equal(money("100")))
}

func TestAmendErrors(t *testing.T) {
	e, store, v := setup(t)
	m := record(t, e, v.ID, core.KindDeposit, "100")

	_, err := e.Amend(context.Background(), m.ID, core.MovementPatch{Amount: moneyPtr("0")})
	assert.True(t, core.IsValidation(err))

	_, err = e.Amend(context.Background(), "", core.MovementPatch{Amount: moneyPtr("1")})
	assert.True(t, core.IsValidation(err))

	_, err = e.Amend(context.Background(), "missing", core.MovementPatch{Amount: moneyPtr("1")})
	assert.ErrorIs(t, err, core.ErrMovementNotFound)

	assert.True(t, balanceOf(t, store, v.ID).Equal(money("100")))
}

func TestAmendComposesWithRecompute(t *testing.T) {
	e, store, v := setup(t)
	a := record(t, e, v.ID, core.KindDeposit, "500")
	b := record(t, e, v.ID, core.KindWithdrawal, "120")
	record(t, e, v.ID, core.KindDeposit, "200")

	_, err := e.Amend(context.Background(), a.ID, core.MovementPatch{Amount: moneyPtr("450.55")})
	require.NoError(t, err)
	_, err = e.Amend(context.Background(), b.ID, core.MovementPatch{Kind: kindPtr(core.KindDeposit)})
	require.NoError(t, err)

	cached := balanceOf(t, store, v.ID)
	recomputed, err := e.RecomputeBalance(context.Background(), v.ID)
	require.NoError(t, err)
	assert.True(t, cached.Equal(recomputed), "cached %s recomputed %s", cached.StringFixed(), recomputed.StringFixed())
	assert.True(t, recomputed.Equal(money("770.55")))
}

func TestAmendTwiceMatchesSingleAmend(t *testing.T) {
	tests := []struct {
		name   string
		start  core.Kind
		first  core.MovementPatch
		second core.MovementPatch
	}{
		{"amount then amount", core.KindDeposit,
			core.MovementPatch{Amount: moneyPtr("250")},
			core.MovementPatch{Amount: moneyPtr("75.40")}},
		{"flip then amount", core.KindDeposit,
			core.MovementPatch{Kind: kindPtr(core.KindWithdrawal)},
			core.MovementPatch{Kind: kindPtr(core.KindWithdrawal), Amount: moneyPtr("30")}},
		{"flip and back", core.KindWithdrawal,
			core.MovementPatch{Kind: kindPtr(core.KindDeposit), Amount: moneyPtr("999.99")},
			core.MovementPatch{Kind: kindPtr(core.KindWithdrawal), Amount: moneyPtr("100")}},
		{"amount then flip", core.KindWithdrawal,
			core.MovementPatch{Amount: moneyPtr("12.34")},
			core.MovementPatch{Kind: kindPtr(core.KindDeposit), Amount: moneyPtr("12.34")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, store, twice := setup(t)
			record(t, e, twice.ID, core.KindDeposit, "40")
			m := record(t, e, twice.ID, tt.start, "100")
			_, err := e.Amend(context.Background(), m.ID, tt.first)
			require.NoError(t, err)
			gotTwice, err := e.Amend(context.Background(), m.ID, tt.second)
			require.NoError(t, err)

			once, err := store.CreateVault(context.Background(), core.VaultInput{OwnerID: "u1", Name: "Controle"})
			require.NoError(t, err)
			record(t, e, once.ID, core.KindDeposit, "40")
			n := record(t, e, once.ID, tt.start, "100")
			gotOnce, err := e.Amend(context.Background(), n.ID, tt.second)
			require.NoError(t, err)

			assert.Equal(t, gotOnce.Kind, gotTwice.Kind)
			assert.True(t, gotOnce.Amount.Equal(gotTwice.Amount))
			a, b := balanceOf(t, store, twice.ID), balanceOf(t, store, once.ID)
			assert.True(t, a.Equal(b), "amended twice %s, once %s", a.StringFixed(), b.StringFixed())

			drift, err := e.Verify(context.Background(), twice.ID)
			require.NoError(t, err)
			assert.True(t, drift.Balanced())
		})
	}
}

func TestAmendRejectsBalanceOverflow(t *testing.T) {
	e, store, v := setup(t)
	require.NoError(t, store.SetVaultBalance(context.Background(), v.ID, money("10000000000000000")))
	w := record(t, e, v.ID, core.KindWithdrawal, "1")

	_, err := e.Amend(context.Background(), w.ID, core.MovementPatch{Kind: kindPtr(core.KindDeposit)})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrBalanceOutOfRange)

	stored, err := store.GetMovement(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, core.KindWithdrawal, stored.Kind)
	assert.True(t, balanceOf(t, store, v.ID).Equal(money("9999999999999999")))

	require.NoError(t, e.Remove(context.Background(), w.ID))
	assert.True(t, balanceOf(t, store, v.ID).Equal(money("10000000000000000")))
}

func TestRemoveRejectsBalanceOverflow(t *testing.T) {
	e, store, v := setup(t)
	d := record(t, e, v.ID, core.KindDeposit, "5")
	floor := money("-10000000000000000")
	require.NoError(t, store.SetVaultBalance(context.Background(), v.ID, floor))

	err := e.Remove(context.Background(), d.ID)
	require.Error(t, err)
	assert.True(t, core.IsValidation(err), "got %v", err)

	_, err = store.GetMovement(context.Background(), d.ID)
	require.NoError(t, err)
	assert.True(t, balanceOf(t, store, v.ID).Equal(floor))
}

func TestRemove(t *testing.T) {
	e, store, v := setup(t)
	record(t, e, v.ID, core.KindDeposit, "500")
	w := record(t, e, v.ID, core.KindWithdrawal, "120")

	require.NoError(t, e.Remove(context.Background(), w.ID))
	assert.True(t, balanceOf(t, store, v.ID).Equal(money("500")))

	err := e.Remove(context.Background(), w.ID)
	assert.True(t, core.IsNotFound(err))
	assert.True(t, balanceOf(t, store, v.ID).Equal(money("500")))
}

func TestRecordThenRemoveRestoresBalance(t *testing.T) {
	e, store, v := setup(t)
	record(t, e, v.ID, core.KindDeposit, "73.21")
	before := balanceOf(t, store, v.ID)

	for _, k := range []core.Kind{core.KindDeposit, core.KindWithdrawal} {
		m := record(t, e, v.ID, k, "19.99")
		require.NoError(t, e.Remove(context.Background(), m.ID))
		assert.True(t, balanceOf(t, store, v.ID).Equal(before))
	}
}

func TestRecomputeRepairsDrift(t *testing.T) {
	e, store, v := setup(t)
	record(t, e, v.ID, core.KindDeposit, "500")
	record(t, e, v.ID, core.KindWithdrawal, "120")

	require.NoError(t, store.SetVaultBalance(context.Background(), v.ID, money("9999")))

	drift, err := e.Verify(context.Background(), v.ID)
	require.NoError(t, err)
	assert.False(t, drift.Balanced())
	assert.True(t, drift.Difference().Equal(money("9619")))
	assert.Equal(t, 2, drift.Movements)

	balance, err := e.RecomputeBalance(context.Background(), v.ID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(money("380")))

	again, err := e.RecomputeBalance(context.Background(), v.ID)
	require.NoError(t, err)
	assert.True(t, again.Equal(balance))

	drift, err = e.Verify(context.Background(), v.ID)
	require.NoError(t, err)
	assert.True(t, drift.Balanced())
}

func TestRecomputeEmptyVault(t *testing.T) {
	e, _, v := setup(t)

	balance, err := e.RecomputeBalance(context.Background(), v.ID)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	_, err = e.RecomputeBalance(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrVaultNotFound)
}

func TestBalanceFailureIsReconciliationError(t *testing.T) {
	store := &faultyStore{Store: memory.New()}
	e := ledger.NewEngine(store)
	v, err := store.CreateVault(context.Background(), core.VaultInput{OwnerID: "u1", Name: "Casa"})
	require.NoError(t, err)

	store.failIncrement = true
	_, err = e.Record(context.Background(), core.MovementInput{VaultID: v.ID, Kind: core.KindDeposit, Amount: money("50")})
	require.Error(t, err)

	var rec *core.ReconciliationError
	require.ErrorAs(t, err, &rec)
	assert.Equal(t, v.ID, rec.VaultID)
	assert.NotEmpty(t, rec.MovementID)
	assert.True(t, rec.Delta.Equal(money("50")))
	assert.ErrorIs(t, err, errStorageDown)

	store.failIncrement = false
	balance, err := e.RecomputeBalance(context.Background(), v.ID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(money("50")))
}

func TestBalanceFailureInsideTransaction(t *testing.T) {
	store := &txStore{faultyStore: &faultyStore{Store: memory.New()}}
	e := ledger.NewEngine(store)
	v, err := store.CreateVault(context.Background(), core.VaultInput{OwnerID: "u1", Name: "Casa"})
	require.NoError(t, err)

	store.failIncrement = true
	_, err = e.Record(context.Background(), core.MovementInput{VaultID: v.ID, Kind: core.KindDeposit, Amount: money("50")})
	require.Error(t, err)
	assert.True(t, core.IsDependency(err))
	assert.False(t, core.IsReconciliation(err))
	assert.Equal(t, 1, store.calls)
}

func TestInsertFailureIsDependencyError(t *testing.T) {
	store := &faultyStore{Store: memory.New(), failInsert: true}
	e := ledger.NewEngine(store)
	v, err := store.CreateVault(context.Background(), core.VaultInput{OwnerID: "u1", Name: "Casa"})
	require.NoError(t, err)

	_, err = e.Record(context.Background(), core.MovementInput{VaultID: v.ID, Kind: core.KindDeposit, Amount: money("50")})
	var dep *core.DependencyError
	require.ErrorAs(t, err, &dep)
	assert.Equal(t, ledger.OpRecord, dep.Op)
	assert.Equal(t, 0, store.increments)
	assert.True(t, balanceOf(t, store, v.ID).IsZero())
}

func TestConcurrentDeposits(t *testing.T) {
	e, store, v := setup(t)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Record(context.Background(), core.MovementInput{VaultID: v.ID, Kind: core.KindDeposit, Amount: money("50")})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.True(t, balanceOf(t, store, v.ID).Equal(money("100")))
}

func TestConcurrentMixedOperations(t *testing.T) {
	e, store, v := setup(t)
	seed := record(t, e, v.ID, core.KindDeposit, "1000")

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kind := core.KindDeposit
			if i%2 == 1 {
				kind = core.KindWithdrawal
			}
			m, err := e.Record(context.Background(), core.MovementInput{VaultID: v.ID, Kind: kind, Amount: money("3.33")})
			if err != nil {
				t.Errorf("record: %v", err)
				return
			}
			if i%4 == 0 {
				if err := e.Remove(context.Background(), m.ID); err != nil {
					t.Errorf("remove: %v", err)
				}
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := e.Amend(context.Background(), seed.ID, core.MovementPatch{Amount: moneyPtr("900")}); err != nil {
			t.Errorf("amend: %v", err)
		}
	}()
	wg.Wait()

	drift, err := e.Verify(context.Background(), v.ID)
	require.NoError(t, err)
	assert.True(t, drift.Balanced(), "cached %s computed %s", drift.Cached.StringFixed(), drift.Computed.StringFixed())
	// 10 deposits were removed, leaving 10 deposits and 20 withdrawals of 3.33
	assert.True(t, balanceOf(t, store, v.ID).Equal(money("866.70")))
}

func TestEnsureDefaultVault(t *testing.T) {
	store := memory.New()
	e := ledger.NewEngine(store)

	created, err := e.EnsureDefaultVault(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, core.DefaultVaultName, created.Name)
	assert.True(t, created.Balance.IsZero())

	again, err := e.EnsureDefaultVault(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)

	_, err = store.CreateVault(context.Background(), core.VaultInput{OwnerID: "u1", Name: "Viagem"})
	require.NoError(t, err)
	oldest, err := e.EnsureDefaultVault(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, oldest.ID)

	vaults, err := store.ListVaults(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, vaults, 2)

	_, err = e.EnsureDefaultVault(context.Background(), " ")
	assert.True(t, core.IsValidation(err))
}

func TestEnsureDefaultVaultConcurrent(t *testing.T) {
	store := memory.New()
	e := ledger.NewEngine(store)

	var wg sync.WaitGroup
	ids := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := e.EnsureDefaultVault(context.Background(), "u2")
			if err != nil {
				t.Errorf("ensure: %v", err)
				return
			}
			ids <- v.ID
		}()
	}
	wg.Wait()
	close(ids)

	vaults, err := store.ListVaults(context.Background(), "u2")
	require.NoError(t, err)
	require.Len(t, vaults, 1)
	for id := range ids {
		assert.Equal(t, vaults[0].ID, id)
	}
}

// gatedStore holds ListVaults until release is closed and honours cancellation.
type gatedStore struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) ListVaults(ctx context.Context, ownerID string) ([]core.Vault, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.Store.ListVaults(ctx, ownerID)
}

func TestEnsureDefaultVaultSurvivesCancelledCaller(t *testing.T) {
	store := &gatedStore{Store: memory.New(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	e := ledger.NewEngine(store)

	type result struct {
		v   core.Vault
		err error
	}
	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan result, 1)
	go func() {
		v, err := e.EnsureDefaultVault(ctx, "u3")
		first <- result{v, err}
	}()
	<-store.entered

	second := make(chan result, 1)
	go func() {
		v, err := e.EnsureDefaultVault(context.Background(), "u3")
		second <- result{v, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(store.release)

	a, b := <-first, <-second
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, a.v.ID, b.v.ID)

	vaults, err := store.Store.ListVaults(context.Background(), "u3")
	require.NoError(t, err)
	assert.Len(t, vaults, 1)
}

func TestEnsureDefaultVaultStorageDown(t *testing.T) {
	store := &faultyStore{Store: memory.New(), failList: true}
	e := ledger.NewEngine(store)

	_, err := e.EnsureDefaultVault(context.Background(), "u1")
	assert.True(t, core.IsDependency(err))
}
