package reconciliation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesim-core/internal/balance"
	"tradesim-core/internal/domain"
	"tradesim-core/internal/events"
	"tradesim-core/internal/settlement"
	"tradesim-core/pkg/db/memory"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (f *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held == nil {
		f.held = make(map[string]bool)
	}
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	f.held[key] = true
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, key)
	}, nil
}

type harness struct {
	store *memory.Store
	now   time.Time
	svc   *Service
	bus   *events.Bus
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{store: memory.New(), now: t0, bus: events.NewBus()}
	h.store.AddUser("u1", decimal.NewFromInt(1000))
	engine := settlement.NewEngine(h.store, h.bus, nil, settlement.WithClock(func() time.Time { return h.now }))
	ledger := balance.NewLedger(h.store, h.bus, nil)
	h.svc = NewService(engine, h.store, ledger, h.bus, nil, time.Second, opts...)
	return h
}

func (h *harness) open(t *testing.T, stake int64, d time.Duration) domain.Position {
	t.Helper()
	p := domain.Position{
		ID:              uuid.NewString(),
		OwnerID:         "u1",
		Instrument:      "btcusdt",
		Stake:           decimal.NewFromInt(stake),
		Direction:       domain.DirectionUp,
		PayoutRate:      decimal.NewFromInt(50),
		DurationSeconds: int64(d / time.Second),
		OpenedAt:        h.now,
		ClosesAt:        h.now.Add(d),
		Status:          domain.StatusActive,
		Version:         1,
	}
	_, err := h.store.OpenPosition(context.Background(), p, 0)
	require.NoError(t, err)
	return p
}

func (h *harness) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := h.store.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	return b
}

func TestReconcileSettlesDuePositions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	engine := settlement.NewEngine(h.store, nil, nil, settlement.WithClock(func() time.Time { return h.now }))

	expiring := h.open(t, 100, 30*time.Second)
	resolved := h.open(t, 100, 30*time.Second)
	pending := h.open(t, 100, time.Hour)
	_, err := engine.Resolve(ctx, resolved.ID, domain.StatusProfit)
	require.NoError(t, err)

	h.now = t0.Add(time.Minute)
	report, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, report.Settled)
	assert.Zero(t, report.Failed)
	assert.False(t, report.HasDiffs())

	// 1000 - 300 + 100 refund + 150 profit
	assert.True(t, h.balance(t).Equal(decimal.NewFromInt(950)), h.balance(t).String())

	again, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Scanned)
	assert.True(t, h.balance(t).Equal(decimal.NewFromInt(950)))

	p, err := h.store.GetPosition(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, p.Status)
	p, err = h.store.GetPosition(ctx, expiring.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, p.Status)
}

func TestReconcileCountsFailuresAndRetriesNextTick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, 100, 30*time.Second)
	h.now = t0.Add(time.Minute)

	h.store.FailUpdates(domain.ErrTransientStore)
	report, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	report, err = h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.True(t, h.balance(t).Equal(decimal.NewFromInt(1000)))
}

func TestReconcileCompensatesLedgerAnomalies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alerts, unsub := h.bus.Subscribe(8, events.EventLedgerAnomaly)
	defer unsub()

	// a position that exists without its stake debit
	h.store.PutPosition(domain.Position{
		ID:         "orphan-pos",
		OwnerID:    "u1",
		Instrument: "btcusdt",
		Stake:      decimal.NewFromInt(40),
		Direction:  domain.DirectionDown,
		PayoutRate: decimal.NewFromInt(50),
		OpenedAt:   t0,
		ClosesAt:   t0.Add(time.Hour),
		Status:     domain.StatusActive,
		Version:    1,
	})
	// a debit whose position never landed
	_, err := h.store.ApplyBalanceDelta(ctx, domain.BalanceChange{
		UserID: "u1", Kind: domain.EntryTradeOpen, Amount: decimal.NewFromInt(-25), RefID: "lost-pos",
	})
	require.NoError(t, err)
	require.True(t, h.balance(t).Equal(decimal.NewFromInt(975)))

	report, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, report.Anomalies, 2)
	assert.Equal(t, 2, report.Compensated)
	assert.Len(t, alerts, 2)
	// +25 refund, -40 debit
	assert.True(t, h.balance(t).Equal(decimal.NewFromInt(960)), h.balance(t).String())

	report, err = h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Anomalies)
	assert.True(t, h.balance(t).Equal(decimal.NewFromInt(960)))
}

func TestReconcileSkipsWithoutLease(t *testing.T) {
	locker := &fakeLocker{}
	h := newHarness(t, WithLocker(locker))
	ctx := context.Background()
	h.open(t, 100, 30*time.Second)
	h.now = t0.Add(time.Minute)

	release, err := locker.Acquire(ctx, lockKey, time.Second)
	require.NoError(t, err)
	report, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.LeaderSkipped)
	assert.Zero(t, report.Scanned)

	release()
	report, err = h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
}

func TestStartSweepsOnTicker(t *testing.T) {
	h := newHarness(t)
	h.svc.interval = 10 * time.Millisecond
	pos := h.open(t, 100, 30*time.Second)
	h.now = t0.Add(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.svc.Start(ctx)

	require.Eventually(t, func() bool {
		p, err := h.store.GetPosition(context.Background(), pos.ID)
		return err == nil && p.SettlementApplied
	}, 2*time.Second, 10*time.Millisecond)
}
