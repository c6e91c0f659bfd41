// Package settlement moves positions out of active and applies their
// balance consequence exactly once.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradesim-core/internal/domain"
	"tradesim-core/internal/events"
	"tradesim-core/internal/monitor"
)

const defaultMaxRetries = 5

// Triggers label who asked for a transition.
const (
	TriggerTouch   = "touch"
	TriggerExpire  = "expire"
	TriggerSettle  = "settle"
	TriggerResolve = "resolve"
)

// Result describes a committed transition. Action is "none" when the
// position needed nothing.
type Result struct {
	Position domain.Position `json:"position"`
	Action   string          `json:"action"`
	Delta    decimal.Decimal `json:"delta"`
	Balance  decimal.Decimal `json:"balance"`
}

// Applied reports whether a write was committed.
func (r Result) Applied() bool {
	return r.Action != domain.ActionNone.String()
}

// plan computes the next state of p at now. An empty action means there is
// nothing to write.
type plan func(p domain.Position, now time.Time) (domain.Position, decimal.Decimal, string, error)

// Engine is the only component that writes position state.
type Engine struct {
	repo       domain.Repository
	bus        *events.Bus
	metrics    *monitor.Metrics
	logger     *zap.Logger
	now        func() time.Time
	maxRetries int
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics records settlements, skips and retries.
func WithMetrics(m *monitor.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMaxRetries bounds how often a version conflict is re-evaluated.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// NewEngine wires the settlement engine.
func NewEngine(repo domain.Repository, bus *events.Bus, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		repo:       repo,
		bus:        bus,
		logger:     logger.Named("settlement"),
		now:        func() time.Time { return time.Now().UTC() },
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now is the engine's clock.
func (e *Engine) Now() time.Time {
	return e.now()
}

// Touch is the observer entry point: it expires an untouched position or
// pays out an operator's earlier decision once the close time has passed.
// A position that is not due or already settled is left alone.
func (e *Engine) Touch(ctx context.Context, id string) (Result, error) {
	return e.run(ctx, id, TriggerTouch, func(p domain.Position, now time.Time) (domain.Position, decimal.Decimal, string, error) {
		next, delta, action := domain.Reconcile(p, now)
		if action == domain.ActionNone {
			return p, decimal.Zero, "", nil
		}
		return next, delta, action.String(), nil
	})
}

// Expire closes an active position at or after its close time and refunds
// the stake.
func (e *Engine) Expire(ctx context.Context, id string) (Result, error) {
	return e.run(ctx, id, TriggerExpire, func(p domain.Position, now time.Time) (domain.Position, decimal.Decimal, string, error) {
		if p.Status != domain.StatusActive || p.SettlementApplied {
			return p, decimal.Zero, "", fmt.Errorf("%w: position %s is %s", domain.ErrInvalidTransition, p.ID, p.Status)
		}
		if !p.Due(now) {
			return p, decimal.Zero, "", fmt.Errorf("%w: position %s closes in %s", domain.ErrInvalidTransition, p.ID, p.Remaining(now))
		}
		next, delta, action := domain.Reconcile(p, now)
		return next, delta, action.String(), nil
	})
}

// Settle pays out a status chosen before the close time.
func (e *Engine) Settle(ctx context.Context, id string) (Result, error) {
	return e.run(ctx, id, TriggerSettle, func(p domain.Position, now time.Time) (domain.Position, decimal.Decimal, string, error) {
		if p.Status == domain.StatusActive || p.SettlementApplied {
			return p, decimal.Zero, "", fmt.Errorf("%w: position %s is %s (settled=%t)", domain.ErrInvalidTransition, p.ID, p.Status, p.SettlementApplied)
		}
		if !p.Due(now) {
			return p, decimal.Zero, "", fmt.Errorf("%w: position %s closes in %s", domain.ErrInvalidTransition, p.ID, p.Remaining(now))
		}
		next, delta, action := domain.Reconcile(p, now)
		return next, delta, action.String(), nil
	})
}

// Resolve records an operator's outcome. If the close time has passed the
// payout is applied in the same write, otherwise it waits for Touch.
func (e *Engine) Resolve(ctx context.Context, id string, status domain.Status) (Result, error) {
	return e.run(ctx, id, TriggerResolve, func(p domain.Position, now time.Time) (domain.Position, decimal.Decimal, string, error) {
		next, delta, err := domain.Resolve(p, status, now)
		if err != nil {
			return p, decimal.Zero, "", err
		}
		return next, delta, TriggerResolve, nil
	})
}

// Refresh brings a position the caller already holds up to date. It only
// goes to the store when the position is due.
func (e *Engine) Refresh(ctx context.Context, p domain.Position) (domain.Position, error) {
	if _, _, action := domain.Reconcile(p, e.now()); action == domain.ActionNone {
		return p, nil
	}
	res, err := e.Touch(ctx, p.ID)
	if err != nil {
		return p, err
	}
	return res.Position, nil
}

func (e *Engine) run(ctx context.Context, id, trigger string, fn plan) (Result, error) {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		cur, err := e.repo.GetPosition(ctx, id)
		if err != nil {
			return Result{}, err
		}

		now := e.now()
		next, delta, action, err := fn(cur, now)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				e.metrics.ObserveSkipped(trigger)
			}
			return Result{Position: cur, Action: domain.ActionNone.String()}, err
		}
		if action == "" {
			return Result{Position: cur, Action: domain.ActionNone.String()}, nil
		}

		committed, err := e.repo.UpdatePosition(ctx, domain.Transition{Next: next, Delta: delta})
		switch {
		case err == nil:
			res := Result{Position: committed.Position, Action: action, Delta: delta, Balance: committed.Balance}
			e.announce(cur, res, trigger, now)
			return res, nil
		case errors.Is(err, domain.ErrVersionConflict):
			lastErr = err
			e.metrics.ObserveRetry()
			e.logger.Debug("version conflict, re-reading",
				zap.String("position_id", id), zap.String("trigger", trigger), zap.Int("attempt", attempt+1))
			continue
		case errors.Is(err, domain.ErrInvalidTransition):
			e.metrics.ObserveSkipped(trigger)
			return Result{Position: cur, Action: domain.ActionNone.String()}, err
		default:
			e.logger.Warn("transition failed",
				zap.String("position_id", id), zap.String("trigger", trigger), zap.Error(err))
			return Result{Position: cur, Action: domain.ActionNone.String()}, err
		}
	}
	return Result{}, fmt.Errorf("position %s: gave up after %d attempts: %w", id, e.maxRetries+1, lastErr)
}

func (e *Engine) announce(prev domain.Position, res Result, trigger string, now time.Time) {
	pos := res.Position
	fields := []zap.Field{
		zap.String("position_id", pos.ID),
		zap.String("owner_id", pos.OwnerID),
		zap.String("status", string(pos.Status)),
		zap.String("trigger", trigger),
	}

	if prev.Status == domain.StatusActive && pos.Status != domain.StatusActive {
		e.logger.Info("position resolved", append(fields, zap.Bool("admin_set", pos.AdminSet))...)
		e.bus.Publish(events.EventPositionResolved, events.PositionChange{Position: pos, Action: res.Action, At: now})
	}
	if pos.SettlementApplied && !prev.SettlementApplied {
		e.metrics.ObserveSettlement(string(pos.Status), trigger)
		e.logger.Info("position settled", append(fields,
			zap.String("delta", res.Delta.String()), zap.String("balance", res.Balance.String()))...)
		e.bus.Publish(events.EventPositionSettled, events.PositionChange{Position: pos, Action: res.Action, At: now})
		e.bus.Publish(events.EventBalanceChanged, events.BalanceChange{
			UserID:  pos.OwnerID,
			Balance: res.Balance,
			Kind:    domain.EntrySettlement,
			RefID:   pos.ID,
			At:      now,
		})
	}
}
