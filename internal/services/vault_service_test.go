package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cofre/internal/amqp"
	"cofre/internal/core"
	"cofre/internal/ledger"
	"cofre/internal/services"
	"cofre/internal/storage/memory"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*amqp.MovementEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e *amqp.MovementEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []amqp.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]amqp.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	store   *memory.Store
	pub     *recordingPublisher
	svc     *services.VaultService
	changes []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), pub: &recordingPublisher{}}
	f.svc = services.NewVaultService(ledger.NewEngine(f.store), f.store, f.pub)
	f.svc.OnChange(func(_ context.Context, ownerID, vaultID string) {
		f.changes = append(f.changes, ownerID+"/"+vaultID)
	})
	return f
}

func money(s string) core.Money { return core.MustParseMoney(s) }

func TestVaultService_RecordScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.CreateVault(ctx, "alice", "  Viagem  ", nil)
	require.NoError(t, err)
	assert.Equal(t, "Viagem", v.Name)

	_, err = f.svc.Record(ctx, "alice", core.MovementInput{VaultID: v.ID, Kind: core.KindDeposit, Amount: money("500")})
	require.NoError(t, err)
	w, err := f.svc.Record(ctx, "alice", core.MovementInput{VaultID: v.ID, Kind: core.KindWithdrawal, Amount: money("120")})
	require.NoError(t, err)

	got, err := f.svc.GetVault(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(money("380")), "balance = %s", got.Balance.StringFixed())

	amount := money("200")
	kind := core.KindDeposit
	_, err = f.svc.Amend(ctx, "alice", w.ID, core.MovementPatch{Kind: &kind, Amount: &amount})
	require.NoError(t, err)

	got, err = f.svc.GetVault(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(money("700")), "balance = %s", got.Balance.StringFixed())

	require.NoError(t, f.svc.Remove(ctx, "alice", w.ID))
	got, err = f.svc.GetVault(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(money("500")))

	assert.Equal(t, []amqp.EventType{
		amqp.EventMovementRecorded,
		amqp.EventMovementRecorded,
		amqp.EventMovementAmended,
		amqp.EventMovementRemoved,
	}, f.pub.types())
	assert.Equal(t, "380.00", f.pub.events[1].Balance)
	assert.Len(t, f.changes, 4)
}

func TestVaultService_OwnerScoping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.CreateVault(ctx, "alice", "Reserva", nil)
	require.NoError(t, err)
	m, err := f.svc.Record(ctx, "alice", core.MovementInput{VaultID: v.ID, Kind: core.KindDeposit, Amount: money("10")})
	require.NoError(t, err)

	_, err = f.svc.GetVault(ctx, "bob", v.ID)
	assert.True(t, core.IsNotFound(err))

	_, err = f.svc.Record(ctx, "bob", core.MovementInput{VaultID: v.ID, Kind: core.KindDeposit, Amount: money("10")})
	assert.True(t, core.IsNotFound(err))

	desc := "hack"
	_, err = f.svc.Amend(ctx, "bob", m.ID, core.MovementPatch{Description: &desc})
	var nf *core.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, core.EntityMovement, nf.Entity)

	_, err = f.svc.Movement(ctx, "bob", m.ID)
	assert.True(t, core.IsNotFound(err))
	own, err := f.svc.Movement(ctx, "alice", m.ID)
	require.NoError(t, err)
	assert.Equal(t, v.ID, own.VaultID)

	assert.True(t, core.IsNotFound(f.svc.Remove(ctx, "bob", m.ID)))
	assert.True(t, core.IsNotFound(f.svc.DeleteVault(ctx, "bob", v.ID)))

	_, err = f.svc.Recompute(ctx, "bob", v.ID)
	assert.True(t, core.IsNotFound(err))

	bobs, err := f.svc.ListVaults(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, bobs)

	got, err := f.svc.GetVault(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(money("10")))
}

func TestVaultService_ValidationBeforeLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateVault(ctx, "alice", "   ", nil)
	assert.True(t, core.IsValidation(err))

	negative := money("-5")
	_, err = f.svc.CreateVault(ctx, "alice", "Meta", &negative)
	assert.True(t, core.IsValidation(err))

	_, err = f.svc.Record(ctx, "alice", core.MovementInput{VaultID: "missing", Kind: core.KindDeposit, Amount: money("0")})
	assert.True(t, core.IsValidation(err))

	_, err = f.svc.Record(ctx, "alice", core.MovementInput{VaultID: "missing", Kind: core.KindDeposit, Amount: money("1")})
	assert.True(t, core.IsNotFound(err))

	_, err = f.svc.ListVaults(ctx, "")
	assert.True(t, core.IsValidation(err))
}

func TestVaultService_NoopAmendPublishesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.svc.CreateVault(ctx, "alice", "Reserva", nil)
	require.NoError(t, err)
	m, err := f.svc.Record(ctx, "alice", core.MovementInput{VaultID: v.ID, Kind: core.KindDeposit, Amount: money("10")})
	require.NoError(t, err)

	same := money("10")
	got, err := f.svc.Amend(ctx, "alice", m.ID, core.MovementPatch{Amount: &same})
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Len(t, f.pub.types(), 1)
}

func TestVaultService_PublishFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("broker down")
	ctx := context.Background()

	v, err := f.svc.CreateVault(ctx, "alice", "Reserva", nil)
	require.NoError(t, err)
	_, err = f.svc.Record(ctx, "alice", core.MovementInput{VaultID: v.ID, Kind: core.KindDeposit, Amount: money("10")})
	require.NoError(t, err)
}

func TestVaultService_NilPublisher(t *testing.T) {
	store := memory.New()
	svc := services.NewVaultService(ledger.NewEngine(store), store, nil)
	ctx := context.Background()

	v, err := svc.EnsureDefaultVault(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.DefaultVaultName, v.Name)
	_, err = svc.Record(ctx, "alice", core.MovementInput{VaultID: v.ID, Kind: core.KindDeposit, Amount: money("1")})
	require.NoError(t, err)
}

func TestVaultService_UpdateAndDeleteVault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := money("1000")
	v, err := f.svc.CreateVault(ctx, "alice", "Viagem", &target)
	require.NoError(t, err)
	_, err = f.svc.Record(ctx, "alice", core.MovementInput{VaultID: v.ID, Kind: core.KindDeposit, Amount: money("250")})
	require.NoError(t, err)

	name := "Viagem 2025"
	updated, err := f.svc.UpdateVault(ctx, "alice", v.ID, core.VaultPatch{Name: &name, ClearTarget: true})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)
	assert.Nil(t, updated.Target)
	assert.True(t, updated.Balance.Equal(money("250")), "rename must keep the balance")

	require.NoError(t, f.svc.DeleteVault(ctx, "alice", v.ID))
	_, err = f.svc.GetVault(ctx, "alice", v.ID)
	assert.True(t, core.IsNotFound(err))
	_, err = f.store.ListMovements(ctx, v.ID)
	require.NoError(t, err)
}

func TestVaultService_HistoryAndSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := money("1000")
	v, err := f.svc.CreateVault(ctx, "alice", "Viagem", &target)
	require.NoError(t, err)

	march := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	april := time.Date(2024, 4, 2, 12, 0, 0, 0, time.UTC)
	for _, in := range []core.MovementInput{
		{VaultID: v.ID, Kind: core.KindDeposit, Amount: money("500"), OccurredAt: march},
		{VaultID: v.ID, Kind: core.KindWithdrawal, Amount: money("120"), OccurredAt: march.Add(time.Hour)},
		{VaultID: v.ID, Kind: core.KindDeposit, Amount: money("200"), OccurredAt: april},
	} {
		_, err := f.svc.Record(ctx, "alice", in)
		require.NoError(t, err)
	}

	all, err := f.svc.History(ctx, "alice", v.ID, core.AllTime)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].OccurredAt.Equal(april), "newest first")

	period, err := core.NewPeriod(2024, 3)
	require.NoError(t, err)
	inMarch, err := f.svc.History(ctx, "alice", v.ID, period)
	require.NoError(t, err)
	assert.Len(t, inMarch, 2)

	sum, err := f.svc.Summary(ctx, "alice", v.ID, period)
	require.NoError(t, err)
	assert.True(t, sum.Deposits.Equal(money("500")))
	assert.True(t, sum.Withdrawals.Equal(money("120")))
	assert.True(t, sum.Net.Equal(money("380")))
	assert.Equal(t, 2, sum.Count)
	require.NotNil(t, sum.Progress)
	assert.Equal(t, "58", sum.Progress.String())
}

func TestVaultService_RecomputeAndAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.svc.CreateVault(ctx, "alice", "Reserva", nil)
	require.NoError(t, err)
	_, err = f.svc.Record(ctx, "alice", core.MovementInput{VaultID: v.ID, Kind: core.KindDeposit, Amount: money("100")})
	require.NoError(t, err)

	require.NoError(t, f.store.SetVaultBalance(ctx, v.ID, money("42")))

	drift, err := f.svc.Audit(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.False(t, drift.Balanced())
	assert.True(t, drift.Difference().Equal(money("-58")))

	balance, err := f.svc.Recompute(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(money("100")))
	assert.Contains(t, f.pub.types(), amqp.EventVaultRecomputed)
}

func TestVaultService_AuditAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.CreateVault(ctx, "alice", "A", nil)
	require.NoError(t, err)
	b, err := f.svc.CreateVault(ctx, "bob", "B", nil)
	require.NoError(t, err)
	for _, id := range []string{a.ID, b.ID} {
		owner := "alice"
		if id == b.ID {
			owner = "bob"
		}
		_, err := f.svc.Record(ctx, owner, core.MovementInput{VaultID: id, Kind: core.KindDeposit, Amount: money("30")})
		require.NoError(t, err)
	}
	require.NoError(t, f.store.SetVaultBalance(ctx, b.ID, money("0")))

	results, err := f.svc.AuditAll(ctx, false)
	require.NoError(t, err)
	require.Len(t, results, 2)
	drifted := 0
	for _, r := range results {
		require.NoError(t, r.Err)
		if !r.Drift.Balanced() {
			drifted++
			assert.Equal(t, b.ID, r.Vault.ID)
			assert.False(t, r.Repaired)
		}
	}
	assert.Equal(t, 1, drifted)

	results, err = f.svc.AuditAll(ctx, true)
	require.NoError(t, err)
	repaired := 0
	for _, r := range results {
		if r.Repaired {
			repaired++
		}
	}
	assert.Equal(t, 1, repaired)

	bal, err := f.store.GetVaultBalance(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, bal.Equal(money("30")))

	results, err = f.svc.AuditAll(ctx, false)
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, r.Drift.Balanced())
	}
}
