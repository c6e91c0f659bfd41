package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Transition is a compare-and-swap write of a position. Next.Version must be
// the version the caller read; the store rejects the write with
// ErrVersionConflict when it no longer matches. If Next.SettlementApplied is
// set the store credits Delta to the owner and journals it in the same
// transaction.
type Transition struct {
	Next  Position
	Delta decimal.Decimal
}

// JournalTime is the timestamp for the settlement journal row: the
// position's SettledAt when the caller set one, the wall clock otherwise.
func (t Transition) JournalTime() time.Time {
	if t.Next.SettledAt != nil {
		return t.Next.SettledAt.UTC()
	}
	return time.Now().UTC()
}

// TransitionResult is the committed state after a Transition.
type TransitionResult struct {
	Position Position
	Balance  decimal.Decimal
}

// PositionStore persists positions together with the balance movements
// that are coupled to them.
type PositionStore interface {
	GetPosition(ctx context.Context, id string) (Position, error)
	ListPositions(ctx context.Context, filter PositionFilter) ([]Position, error)
	// ListDue returns positions that still need an observer at now: active
	// ones past their close time and resolved ones not yet settled.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Position, error)
	CountActive(ctx context.Context, ownerID string) (int, error)
	// OpenPosition debits the stake and inserts the position atomically and
	// returns the owner's new balance. When maxActive is positive and the
	// owner already holds that many active positions it fails with
	// ErrRiskLimit; the count is taken inside the same transaction.
	OpenPosition(ctx context.Context, pos Position, maxActive int) (decimal.Decimal, error)
	UpdatePosition(ctx context.Context, t Transition) (TransitionResult, error)
	// AuditLedger lists disagreements between positions and the journal that
	// have not been compensated yet.
	AuditLedger(ctx context.Context, limit int) ([]Anomaly, error)
}

// LedgerStore is the single writer of user balances and credit scores.
type LedgerStore interface {
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	ApplyBalanceDelta(ctx context.Context, change BalanceChange) (decimal.Decimal, error)
	ApplyCreditDelta(ctx context.Context, userID string, delta int64, note string) (int64, error)
	BalanceHistory(ctx context.Context, userID string, opts ListOpts) ([]LedgerEntry, error)
	CreditHistory(ctx context.Context, userID string, opts ListOpts) ([]CreditEntry, error)
}

// Repository is the persistence surface the settlement engine needs.
type Repository interface {
	PositionStore
	LedgerStore
}

// UserStore persists accounts.
type UserStore interface {
	CreateUser(ctx context.Context, user User) error
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context, opts ListOpts) ([]User, error)
	SetUserRole(ctx context.Context, id string, role Role, now time.Time) (User, error)
}

// WithdrawalStore persists withdrawal requests.
type WithdrawalStore interface {
	// CreateWithdrawal debits the amount and inserts the request atomically.
	CreateWithdrawal(ctx context.Context, w Withdrawal) (decimal.Decimal, error)
	GetWithdrawal(ctx context.Context, id string) (Withdrawal, error)
	ListWithdrawals(ctx context.Context, userID string, opts ListOpts) ([]Withdrawal, error)
	// UpdateWithdrawalStatus moves a request to next when its current status
	// allows it, refunding the amount in the same transaction on rejection.
	UpdateWithdrawalStatus(ctx context.Context, id string, next WithdrawalStatus) (Withdrawal, error)
}

// Store is everything the service persists.
type Store interface {
	Repository
	UserStore
	WithdrawalStore
	Ping(ctx context.Context) error
	Close() error
}

// Locker hands out short-lived exclusive leases.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
