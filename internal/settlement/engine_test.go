package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesim-core/internal/domain"
	"tradesim-core/internal/events"
	"tradesim-core/internal/trading"
	"tradesim-core/pkg/db"
	"tradesim-core/pkg/db/memory"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	store  *memory.Store
	clock  *clock
	engine *Engine
	bus    *events.Bus
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	store := memory.New()
	store.AddUser("u1", decimal.NewFromInt(balance))
	c := &clock{now: t0}
	bus := events.NewBus()
	return &fixture{
		store:  store,
		clock:  c,
		bus:    bus,
		engine: NewEngine(store, bus, nil, WithClock(c.Now)),
	}
}

// open places a position through the repository so the stake is debited.
func (f *fixture) open(t *testing.T, stake, rate int64, d time.Duration) domain.Position {
	t.Helper()
	pos := domain.Position{
		ID:              uuid.NewString(),
		OwnerID:         "u1",
		Instrument:      "btcusdt",
		Stake:           decimal.NewFromInt(stake),
		Direction:       domain.DirectionUp,
		PayoutRate:      decimal.NewFromInt(rate),
		DurationSeconds: int64(d / time.Second),
		OpenedAt:        f.clock.Now(),
		ClosesAt:        f.clock.Now().Add(d),
		Status:          domain.StatusActive,
		Version:         1,
	}
	_, err := f.store.OpenPosition(context.Background(), pos, 0)
	require.NoError(t, err)
	return pos
}

func (f *fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := f.store.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	return b
}

func assertBalance(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(decimal.NewFromInt(want)), "balance = %s, want %d", got, want)
}

func TestConcurrentObserversSettleOnce(t *testing.T) {
	for _, resolved := range []bool{false, true} {
		name := "auto-expire"
		if resolved {
			name = "deferred-settle"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 1000)
			ctx := context.Background()
			pos := f.open(t, 100, 60, 30*time.Second)
			if resolved {
				_, err := f.engine.Resolve(ctx, pos.ID, domain.StatusProfit)
				require.NoError(t, err)
			}
			f.clock.Set(pos.ClosesAt.Add(time.Second))

			const n = 64
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					switch i % 3 {
					case 0:
						_, _ = f.engine.Touch(ctx, pos.ID)
					case 1:
						_, _ = f.engine.Expire(ctx, pos.ID)
					default:
						_, _ = f.engine.Settle(ctx, pos.ID)
					}
				}(i)
			}
			wg.Wait()

			got, err := f.store.GetPosition(ctx, pos.ID)
			require.NoError(t, err)
			assert.True(t, got.SettlementApplied)
			assert.Len(t, f.store.Entries(domain.EntrySettlement, pos.ID), 1)
			if resolved {
				assert.Equal(t, domain.StatusProfit, got.Status)
				assertBalance(t, 900+160, f.balance(t))
			} else {
				assert.Equal(t, domain.StatusExpired, got.Status)
				assertBalance(t, 1000, f.balance(t))
			}
		})
	}
}

func TestConcurrentObserversSettleOnceOnSQLite(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	ctx := context.Background()
	require.NoError(t, database.CreateUser(ctx, domain.User{ID: "u1", Email: "u1@example.com", PasswordHash: "x", CreatedAt: t0, UpdatedAt: t0}))
	_, err = database.ApplyBalanceDelta(ctx, domain.BalanceChange{UserID: "u1", Kind: domain.EntryAdminAdjust, Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	c := &clock{now: t0}
	engine := NewEngine(database, nil, nil, WithClock(c.Now))
	openSvc := trading.NewService(database, nil, nil, nil, nil, nil, trading.WithClock(c.Now))
	opened, err := openSvc.Open(ctx, trading.OpenRequest{OwnerID: "u1", Instrument: "btcusdt", Stake: decimal.NewFromInt(50), Direction: "down", TierID: "30s"})
	require.NoError(t, err)
	assertBalance(t, 50, opened.Balance)

	c.Set(opened.Position.ClosesAt)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = engine.Touch(ctx, opened.Position.ID)
		}()
	}
	wg.Wait()

	got, err := database.GetPosition(ctx, opened.Position.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.True(t, got.SettlementApplied)
	balance, err := database.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assertBalance(t, 100, balance)
}

func TestPayouts(t *testing.T) {
	tests := []struct {
		name        string
		stake, rate int64
		status      domain.Status
		wantDelta   int64
	}{
		{"profit", 100, 60, domain.StatusProfit, 160},
		{"loss", 100, 60, domain.StatusLoss, 0},
		{"expired", 50, 60, domain.StatusExpired, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 500)
			ctx := context.Background()
			pos := f.open(t, tt.stake, tt.rate, time.Minute)
			afterOpen := f.balance(t)

			f.clock.Set(pos.ClosesAt)
			res, err := f.engine.Resolve(ctx, pos.ID, tt.status)
			require.NoError(t, err)
			assert.True(t, res.Position.SettlementApplied)
			assert.True(t, res.Delta.Equal(decimal.NewFromInt(tt.wantDelta)))
			assert.True(t, f.balance(t).Sub(afterOpen).Equal(decimal.NewFromInt(tt.wantDelta)))
		})
	}
}

func TestDeferredSettlementWaitsForCloseTime(t *testing.T) {
	f := newFixture(t, 200)
	ctx := context.Background()
	pos := f.open(t, 100, 60, time.Minute)
	afterOpen := f.balance(t)

	f.clock.Set(t0.Add(10 * time.Second))
	res, err := f.engine.Resolve(ctx, pos.ID, domain.StatusProfit)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProfit, res.Position.Status)
	assert.True(t, res.Position.AdminSet)
	assert.False(t, res.Position.SettlementApplied)
	assert.True(t, f.balance(t).Equal(afterOpen))

	f.clock.Set(t0.Add(59 * time.Second))
	res, err = f.engine.Touch(ctx, pos.ID)
	require.NoError(t, err)
	assert.False(t, res.Applied())
	_, err = f.engine.Settle(ctx, pos.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.True(t, f.balance(t).Equal(afterOpen))

	f.clock.Set(pos.ClosesAt)
	res, err = f.engine.Touch(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, "settle", res.Action)
	assert.True(t, f.balance(t).Sub(afterOpen).Equal(decimal.NewFromInt(160)))
}

func TestRetriggerIsIdempotent(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	pos := f.open(t, 40, 50, 30*time.Second)
	f.clock.Set(pos.ClosesAt.Add(time.Minute))

	first, err := f.engine.Touch(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, "expire", first.Action)
	once := f.balance(t)

	second, err := f.engine.Touch(ctx, pos.ID)
	require.NoError(t, err)
	assert.False(t, second.Applied())
	_, err = f.engine.Expire(ctx, pos.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.engine.Settle(ctx, pos.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	assert.True(t, f.balance(t).Equal(once))
	assertBalance(t, 100, once)
}

func TestStatusIsImmutableOnceResolved(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	pos := f.open(t, 10, 50, time.Hour)

	_, err := f.engine.Resolve(ctx, pos.ID, domain.StatusLoss)
	require.NoError(t, err)
	res, err := f.engine.Resolve(ctx, pos.ID, domain.StatusProfit)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.StatusLoss, res.Position.Status)

	_, err = f.engine.Resolve(ctx, pos.ID, domain.StatusActive)
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestVersionConflictIsRetried(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	pos := f.open(t, 30, 50, 30*time.Second)
	f.clock.Set(pos.ClosesAt)

	f.store.FailUpdates(domain.ErrVersionConflict, domain.ErrVersionConflict)
	res, err := f.engine.Expire(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, res.Position.SettlementApplied)
	assertBalance(t, 100, f.balance(t))
}

func TestVersionConflictGivesUp(t *testing.T) {
	f := newFixture(t, 100)
	f.engine = NewEngine(f.store, nil, nil, WithClock(f.clock.Now), WithMaxRetries(1))
	pos := f.open(t, 30, 50, 30*time.Second)
	f.clock.Set(pos.ClosesAt)

	f.store.FailUpdates(domain.ErrVersionConflict, domain.ErrVersionConflict)
	_, err := f.engine.Touch(context.Background(), pos.ID)
	require.ErrorIs(t, err, domain.ErrVersionConflict)
	assertBalance(t, 70, f.balance(t))
}

func TestTransientStoreErrorLeavesPositionUntouched(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	pos := f.open(t, 30, 50, 30*time.Second)
	f.clock.Set(pos.ClosesAt)

	f.store.FailUpdates(domain.ErrTransientStore)
	_, err := f.engine.Touch(ctx, pos.ID)
	require.ErrorIs(t, err, domain.ErrTransientStore)
	got, err := f.store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)

	// the next tick succeeds
	_, err = f.engine.Touch(ctx, pos.ID)
	require.NoError(t, err)
	assertBalance(t, 100, f.balance(t))
}

func TestAutoExpireScenario(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	openSvc := trading.NewService(f.store, nil, nil, nil, f.bus, nil, trading.WithClock(f.clock.Now))
	stream, unsub := f.bus.Subscribe(8, events.EventPositionSettled)
	defer unsub()

	opened, err := openSvc.Open(ctx, trading.OpenRequest{OwnerID: "u1", Instrument: "btcusdt", Stake: decimal.NewFromInt(20), Direction: "up", TierID: "30s"})
	require.NoError(t, err)
	assertBalance(t, 80, opened.Balance)

	f.clock.Set(t0.Add(31 * time.Second))
	res, err := f.engine.Touch(ctx, opened.Position.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, res.Position.Status)
	assert.False(t, res.Position.AdminSet)
	assertBalance(t, 100, res.Balance)

	msg := <-stream
	change, ok := msg.Payload.(events.PositionChange)
	require.True(t, ok)
	assert.Equal(t, opened.Position.ID, change.Position.ID)
}

func TestRefreshSkipsStoreWhenNotDue(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	pos := f.open(t, 10, 50, time.Minute)

	got, err := f.engine.Refresh(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, pos, got)
	updates, _ := f.store.Stats()
	assert.Zero(t, updates)

	f.clock.Set(pos.ClosesAt)
	got, err = f.engine.Refresh(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)
}
