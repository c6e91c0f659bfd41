// Package trading opens new positions.
package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradesim-core/internal/domain"
	"tradesim-core/internal/events"
	"tradesim-core/internal/monitor"
	"tradesim-core/internal/risk"
)

// OpenRequest is what a user submits to open a position.
type OpenRequest struct {
	OwnerID    string
	Instrument string
	Stake      decimal.Decimal
	Direction  string
	TierID     string
}

// OpenResult is the committed position with the owner's balance after the debit.
type OpenResult struct {
	Position domain.Position `json:"position"`
	Balance  decimal.Decimal `json:"balance"`
}

// Service validates open requests and commits them through the store.
type Service struct {
	store       domain.PositionStore
	tiers       *domain.TierTable
	instruments *domain.InstrumentSet
	risk        *risk.Manager
	bus         *events.Bus
	metrics     *monitor.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics records opens and rejections.
func WithMetrics(m *monitor.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService wires the opening service.
func NewService(store domain.PositionStore, tiers *domain.TierTable, instruments *domain.InstrumentSet,
	riskMgr *risk.Manager, bus *events.Bus, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tiers == nil {
		tiers = domain.DefaultTiers()
	}
	if instruments == nil {
		instruments = domain.NewInstrumentSet(domain.DefaultInstruments)
	}
	if riskMgr == nil {
		riskMgr = risk.NewManager(risk.DefaultConfig())
	}
	s := &Service{
		store:       store,
		tiers:       tiers,
		instruments: instruments,
		risk:        riskMgr,
		bus:         bus,
		logger:      logger.Named("trading"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tiers exposes the payout table.
func (s *Service) Tiers() []domain.Tier {
	return s.tiers.All()
}

// Instruments exposes the whitelist.
func (s *Service) Instruments() []string {
	return s.instruments.Symbols()
}

// Open validates req, debits the stake and inserts the position in one
// store transaction. The balance check and the active-position limit are
// both re-evaluated inside that transaction, so concurrent opens cannot
// overdraw the account or exceed the limit. The count in build only rejects
// early.
func (s *Service) Open(ctx context.Context, req OpenRequest) (OpenResult, error) {
	pos, err := s.build(ctx, req)
	if err != nil {
		s.metrics.ObserveOpenRejected(rejectReason(err))
		return OpenResult{}, err
	}

	balance, err := s.store.OpenPosition(ctx, pos, s.risk.GetConfig().MaxActivePositions)
	if err != nil {
		s.metrics.ObserveOpenRejected(rejectReason(err))
		if !errors.Is(err, domain.ErrInsufficientBalance) && !errors.Is(err, domain.ErrRiskLimit) {
			s.logger.Error("open position failed", zap.String("owner_id", req.OwnerID), zap.Error(err))
		}
		return OpenResult{}, err
	}

	s.metrics.ObserveOpen(req.TierID)
	s.logger.Info("position opened",
		zap.String("position_id", pos.ID),
		zap.String("owner_id", pos.OwnerID),
		zap.String("instrument", pos.Instrument),
		zap.String("stake", pos.Stake.String()),
		zap.String("direction", string(pos.Direction)),
		zap.Time("closes_at", pos.ClosesAt))

	s.bus.Publish(events.EventPositionOpened, events.PositionChange{Position: pos, Action: "open", At: pos.OpenedAt})
	s.bus.Publish(events.EventBalanceChanged, events.BalanceChange{
		UserID:  pos.OwnerID,
		Balance: balance,
		Kind:    domain.EntryTradeOpen,
		RefID:   pos.ID,
		At:      pos.OpenedAt,
	})
	return OpenResult{Position: pos, Balance: balance}, nil
}

func (s *Service) build(ctx context.Context, req OpenRequest) (domain.Position, error) {
	if req.OwnerID == "" {
		return domain.Position{}, errors.New("trading: owner id is required")
	}
	if !req.Stake.IsPositive() {
		return domain.Position{}, fmt.Errorf("%w: %s", domain.ErrInvalidStake, req.Stake)
	}
	direction, err := domain.ParseDirection(req.Direction)
	if err != nil {
		return domain.Position{}, err
	}
	instrument, err := s.instruments.Validate(req.Instrument)
	if err != nil {
		return domain.Position{}, err
	}
	tier, err := s.tiers.Lookup(req.TierID)
	if err != nil {
		return domain.Position{}, err
	}
	active, err := s.store.CountActive(ctx, req.OwnerID)
	if err != nil {
		return domain.Position{}, err
	}
	if err := s.risk.Validate(req.Stake, active); err != nil {
		return domain.Position{}, err
	}

	now := s.now().Truncate(time.Millisecond)
	return domain.Position{
		ID:              uuid.NewString(),
		OwnerID:         req.OwnerID,
		Instrument:      instrument,
		Stake:           req.Stake,
		Direction:       direction,
		PayoutRate:      tier.PayoutRate,
		DurationSeconds: int64(tier.Duration / time.Second),
		OpenedAt:        now,
		ClosesAt:        now.Add(tier.Duration),
		Status:          domain.StatusActive,
		Version:         1,
	}, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, domain.ErrInvalidStake):
		return "invalid_stake"
	case errors.Is(err, domain.ErrInvalidDirection):
		return "invalid_direction"
	case errors.Is(err, domain.ErrUnknownInstrument):
		return "unknown_instrument"
	case errors.Is(err, domain.ErrUnknownTier):
		return "unknown_tier"
	case errors.Is(err, domain.ErrRiskLimit):
		return "risk_limit"
	default:
		return "error"
	}
}
