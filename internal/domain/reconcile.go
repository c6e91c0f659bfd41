package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Action is the transition an observer must perform on a position.
type Action int

const (
	ActionNone Action = iota
	// ActionExpire closes an untouched position at its close time and refunds the stake.
	ActionExpire
	// ActionSettle pays out an outcome an operator chose before the close time.
	ActionSettle
)

func (a Action) String() string {
	switch a {
	case ActionExpire:
		return "expire"
	case ActionSettle:
		return "settle"
	default:
		return "none"
	}
}

// Reconcile computes what an observer looking at p at time now has to do.
// It returns the next state of the position, the balance delta owed to the
// owner and the action taken. A settled or not yet closed position yields
// ActionNone and a zero delta.
func Reconcile(p Position, now time.Time) (Position, decimal.Decimal, Action) {
	if p.SettlementApplied || !p.Due(now) {
		return p, decimal.Zero, ActionNone
	}

	next := p
	action := ActionSettle
	if p.Status == StatusActive {
		action = ActionExpire
		next.Status = StatusExpired
		next.AdminSet = false
		next.ResolvedAt = timePtr(now)
	}
	next.SettlementApplied = true
	next.SettledAt = timePtr(now)

	return next, Payout(next.Stake, next.PayoutRate, next.Status), action
}

// Resolve applies an operator decision to p. The status may only leave
// active once. When the close time has already passed the settlement is
// applied in the same step, otherwise the delta is zero and the payout is
// left to a later Reconcile.
func Resolve(p Position, status Status, now time.Time) (Position, decimal.Decimal, error) {
	if !status.Terminal() {
		return p, decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if p.Status != StatusActive || p.SettlementApplied {
		return p, decimal.Zero, fmt.Errorf("%w: position %s is %s", ErrInvalidTransition, p.ID, p.Status)
	}

	next := p
	next.Status = status
	next.AdminSet = true
	next.ResolvedAt = timePtr(now)

	if !p.Due(now) {
		return next, decimal.Zero, nil
	}
	next.SettlementApplied = true
	next.SettledAt = timePtr(now)
	return next, Payout(next.Stake, next.PayoutRate, status), nil
}

// CheckTransition is the guard every store applies before writing next over
// cur. Settled positions and decided statuses are final, and only a
// decided position may settle.
func CheckTransition(cur, next Position) error {
	if cur.SettlementApplied {
		return fmt.Errorf("%w: position %s already settled", ErrInvalidTransition, cur.ID)
	}
	if cur.Status != StatusActive && next.Status != cur.Status {
		return fmt.Errorf("%w: position %s already %s", ErrInvalidTransition, cur.ID, cur.Status)
	}
	if next.SettlementApplied && next.Status == StatusActive {
		return fmt.Errorf("%w: position %s cannot settle while active", ErrInvalidTransition, cur.ID)
	}
	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
