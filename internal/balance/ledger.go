// Package balance is the single entry point for moving user balances and
// credit scores outside of the trade lifecycle.
package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradesim-core/internal/domain"
	"tradesim-core/internal/events"
)

// Ledger wraps the store's atomic balance primitive and announces committed
// changes on the bus.
type Ledger struct {
	store  domain.LedgerStore
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewLedger creates a ledger service.
func NewLedger(store domain.LedgerStore, bus *events.Bus, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:  store,
		bus:    bus,
		logger: logger.Named("ledger"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Balance returns the user's current balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return l.store.GetBalance(ctx, userID)
}

// ApplyDelta moves the balance by delta and journals it under kind/ref.
// A result below zero is rejected with domain.ErrInsufficientBalance.
func (l *Ledger) ApplyDelta(ctx context.Context, userID string, delta decimal.Decimal, kind domain.EntryKind, ref, note string) (decimal.Decimal, error) {
	return l.Apply(ctx, domain.BalanceChange{
		UserID: userID,
		Kind:   kind,
		Amount: delta,
		RefID:  ref,
		Note:   note,
	})
}

// AdjustBalance is the operator path. Subtractions larger than the balance
// take the balance to zero instead of failing.
func (l *Ledger) AdjustBalance(ctx context.Context, userID string, amount decimal.Decimal, note string) (decimal.Decimal, error) {
	if amount.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: adjustment must not be zero", domain.ErrInvalidAmount)
	}
	return l.Apply(ctx, domain.BalanceChange{
		UserID:      userID,
		Kind:        domain.EntryAdminAdjust,
		Amount:      amount,
		Note:        note,
		ClampAtZero: amount.IsNegative(),
	})
}

// AdjustCredit moves the credit score; the score never drops below zero.
func (l *Ledger) AdjustCredit(ctx context.Context, userID string, delta int64, note string) (int64, error) {
	if delta == 0 {
		return 0, fmt.Errorf("%w: adjustment must not be zero", domain.ErrInvalidAmount)
	}
	score, err := l.store.ApplyCreditDelta(ctx, userID, delta, note)
	if err != nil {
		return 0, err
	}
	l.logger.Info("credit score adjusted",
		zap.String("user_id", userID), zap.Int64("delta", delta), zap.Int64("score", score))
	return score, nil
}

// History returns the newest balance journal rows first.
func (l *Ledger) History(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	return l.store.BalanceHistory(ctx, userID, opts)
}

// CreditHistory returns the newest credit score changes first.
func (l *Ledger) CreditHistory(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.CreditEntry, error) {
	return l.store.CreditHistory(ctx, userID, opts)
}

// Notify publishes a balance change that was committed by another store
// operation (trade open, settlement, withdrawal).
func (l *Ledger) Notify(userID string, balance decimal.Decimal, kind domain.EntryKind, ref string) {
	l.bus.Publish(events.EventBalanceChanged, events.BalanceChange{
		UserID:  userID,
		Balance: balance,
		Kind:    kind,
		RefID:   ref,
		At:      l.now(),
	})
}

// Apply commits a prepared change, for callers that need its flags or a
// kind-specific reference.
func (l *Ledger) Apply(ctx context.Context, change domain.BalanceChange) (decimal.Decimal, error) {
	if change.UserID == "" {
		return decimal.Zero, errors.New("balance: user id is required")
	}
	next, err := l.store.ApplyBalanceDelta(ctx, change)
	if err != nil {
		if !errors.Is(err, domain.ErrInsufficientBalance) {
			l.logger.Warn("balance change failed",
				zap.String("user_id", change.UserID), zap.String("kind", string(change.Kind)), zap.Error(err))
		}
		return decimal.Zero, err
	}
	l.logger.Info("balance changed",
		zap.String("user_id", change.UserID),
		zap.String("kind", string(change.Kind)),
		zap.String("amount", change.Amount.String()),
		zap.String("balance", next.String()))
	l.Notify(change.UserID, next, change.Kind, change.RefID)
	return next, nil
}
