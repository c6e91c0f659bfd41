package events

import (
	"time"

	"github.com/shopspring/decimal"

	"tradesim-core/internal/domain"
)

// Event enumerates topics published inside the service.
type Event string

const (
	EventPositionOpened    Event = "position.opened"
	EventPositionResolved  Event = "position.resolved"
	EventPositionSettled   Event = "position.settled"
	EventBalanceChanged    Event = "balance.changed"
	EventWithdrawalUpdated Event = "withdrawal.updated"
	EventLedgerAnomaly     Event = "ledger.anomaly"
	EventPriceTick         Event = "price_tick"
)

// UserTopics are the events a user's websocket session receives.
var UserTopics = []Event{
	EventPositionOpened,
	EventPositionResolved,
	EventPositionSettled,
	EventBalanceChanged,
	EventWithdrawalUpdated,
}

// Owned is implemented by payloads that belong to one user.
type Owned interface {
	Owner() string
}

// PositionChange reports a committed position write.
type PositionChange struct {
	Position domain.Position `json:"position"`
	Action   string          `json:"action"`
	At       time.Time       `json:"at"`
}

func (p PositionChange) Owner() string { return p.Position.OwnerID }

// BalanceChange reports a committed balance write.
type BalanceChange struct {
	UserID  string           `json:"user_id"`
	Balance decimal.Decimal  `json:"balance"`
	Kind    domain.EntryKind `json:"kind"`
	RefID   string           `json:"ref_id,omitempty"`
	At      time.Time        `json:"at"`
}

func (b BalanceChange) Owner() string { return b.UserID }

// WithdrawalChange reports a withdrawal status change.
type WithdrawalChange struct {
	Withdrawal domain.Withdrawal `json:"withdrawal"`
	At         time.Time         `json:"at"`
}

func (w WithdrawalChange) Owner() string { return w.Withdrawal.UserID }

// Alert is an operator-facing notice.
type Alert struct {
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}
