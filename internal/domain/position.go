// Package domain holds the entities of the trading simulation and the store
// contracts the services depend on.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a position.
type Status string

const (
	StatusActive  Status = "active"
	StatusProfit  Status = "profit"
	StatusLoss    Status = "loss"
	StatusExpired Status = "expired"
)

// Terminal reports whether s is one of the final outcomes.
func (s Status) Terminal() bool {
	switch s {
	case StatusProfit, StatusLoss, StatusExpired:
		return true
	}
	return false
}

// ParseStatus accepts any casing of a known status.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	switch s {
	case StatusActive, StatusProfit, StatusLoss, StatusExpired:
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, v)
}

// Direction is the side a user bets on.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// ParseDirection accepts any casing of up/down.
func ParseDirection(v string) (Direction, error) {
	d := Direction(strings.ToLower(strings.TrimSpace(v)))
	switch d {
	case DirectionUp, DirectionDown:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDirection, v)
}

// Position is one opened timed trade. Stake, direction, payout terms and the
// open/close timestamps never change after creation.
type Position struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Instrument      string          `json:"instrument"`
	Stake           decimal.Decimal `json:"stake"`
	Direction       Direction       `json:"direction"`
	PayoutRate      decimal.Decimal `json:"payout_rate"` // percent of stake paid on profit
	DurationSeconds int64           `json:"duration_seconds"`
	OpenedAt        time.Time       `json:"opened_at"`
	ClosesAt        time.Time       `json:"closes_at"`

	Status            Status     `json:"status"`
	SettlementApplied bool       `json:"settlement_applied"`
	AdminSet          bool       `json:"admin_set"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	SettledAt         *time.Time `json:"settled_at,omitempty"`

	// Version increments on every accepted write; stores compare it before updating.
	Version int64 `json:"version"`
}

// Due reports whether the nominal close time has been reached at now.
func (p Position) Due(now time.Time) bool {
	return !now.Before(p.ClosesAt)
}

// Remaining is the countdown an observer displays; never negative.
func (p Position) Remaining(now time.Time) time.Duration {
	if p.Due(now) {
		return 0
	}
	return p.ClosesAt.Sub(now)
}

// OwnerView hides an operator's early decision from the owner until the
// position closes.
func (p Position) OwnerView(now time.Time) Position {
	if p.Status != StatusActive && !p.Due(now) {
		p.Status = StatusActive
		p.AdminSet = false
		p.ResolvedAt = nil
	}
	return p
}

// Payout is the balance credit owed to the owner when a position settles
// with status s. The stake itself was debited when the position opened.
func Payout(stake, rate decimal.Decimal, s Status) decimal.Decimal {
	switch s {
	case StatusProfit:
		return stake.Add(stake.Mul(rate).Div(decimal.NewFromInt(100)))
	case StatusExpired:
		return stake
	default:
		return decimal.Zero
	}
}

// PositionFilter narrows position listings.
type PositionFilter struct {
	OwnerID string
	Status  Status
	Limit   int
	Offset  int
}
