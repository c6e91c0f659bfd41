// Package withdrawal handles user requests to take funds off the platform.
package withdrawal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradesim-core/internal/domain"
	"tradesim-core/internal/events"
)

// Request is what a user submits.
type Request struct {
	UserID  string
	Amount  decimal.Decimal
	Address string
	Network string
}

// Service debits withdrawals through the store and tracks their status.
type Service struct {
	store  domain.WithdrawalStore
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewService wires the withdrawal service.
func NewService(store domain.WithdrawalStore, bus *events.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		bus:    bus,
		logger: logger.Named("withdrawal"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Request debits the amount and records a pending withdrawal in one
// transaction; the balance is re-read inside it.
func (s *Service) Request(ctx context.Context, req Request) (domain.Withdrawal, decimal.Decimal, error) {
	if !req.Amount.IsPositive() {
		return domain.Withdrawal{}, decimal.Zero, fmt.Errorf("%w: %s", domain.ErrInvalidAmount, req.Amount)
	}
	address := strings.TrimSpace(req.Address)
	if address == "" {
		return domain.Withdrawal{}, decimal.Zero, domain.ErrInvalidAddress
	}

	now := s.now().Truncate(time.Millisecond)
	w := domain.Withdrawal{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Amount:    req.Amount,
		Address:   address,
		Network:   strings.ToUpper(strings.TrimSpace(req.Network)),
		Status:    domain.WithdrawalPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	balance, err := s.store.CreateWithdrawal(ctx, w)
	if err != nil {
		return domain.Withdrawal{}, decimal.Zero, err
	}

	s.logger.Info("withdrawal requested",
		zap.String("withdrawal_id", w.ID), zap.String("user_id", w.UserID), zap.String("amount", w.Amount.String()))
	s.bus.Publish(events.EventWithdrawalUpdated, events.WithdrawalChange{Withdrawal: w, At: now})
	s.bus.Publish(events.EventBalanceChanged, events.BalanceChange{
		UserID: w.UserID, Balance: balance, Kind: domain.EntryWithdrawal, RefID: w.ID, At: now,
	})
	return w, balance, nil
}

// UpdateStatus moves a request forward. Rejection refunds the amount.
func (s *Service) UpdateStatus(ctx context.Context, id string, next domain.WithdrawalStatus) (domain.Withdrawal, error) {
	w, err := s.store.UpdateWithdrawalStatus(ctx, id, next)
	if err != nil {
		return domain.Withdrawal{}, err
	}
	s.logger.Info("withdrawal updated", zap.String("withdrawal_id", w.ID), zap.String("status", string(w.Status)))
	s.bus.Publish(events.EventWithdrawalUpdated, events.WithdrawalChange{Withdrawal: w, At: w.UpdatedAt})
	return w, nil
}

// List returns a user's requests, or everyone's when userID is empty.
func (s *Service) List(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Withdrawal, error) {
	return s.store.ListWithdrawals(ctx, userID, opts)
}

// ParseStatus validates an operator-supplied status.
func ParseStatus(v string) (domain.WithdrawalStatus, error) {
	st := domain.WithdrawalStatus(strings.ToLower(strings.TrimSpace(v)))
	switch st {
	case domain.WithdrawalPending, domain.WithdrawalProcessing, domain.WithdrawalCompleted, domain.WithdrawalRejected:
		return st, nil
	}
	return "", fmt.Errorf("%w: withdrawal status %q", domain.ErrInvalidStatus, v)
}
