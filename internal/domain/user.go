package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Role separates end users from operators.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ParseRole validates an operator-supplied role.
func ParseRole(v string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(v))); r {
	case RoleUser, RoleAdmin:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, v)
}

// User is an account holder.
type User struct {
	ID           string          `json:"id"`
	Email        string          `json:"email"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"`
	Role         Role            `json:"role"`
	Balance      decimal.Decimal `json:"balance"`
	CreditScore  int64           `json:"credit_score"`
	Version      int64           `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// WithdrawalStatus is the processing state of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalRejected   WithdrawalStatus = "rejected"
)

// CanMoveTo reports whether an operator may move a request from s to next.
func (s WithdrawalStatus) CanMoveTo(next WithdrawalStatus) bool {
	switch s {
	case WithdrawalPending:
		return next == WithdrawalProcessing || next == WithdrawalCompleted || next == WithdrawalRejected
	case WithdrawalProcessing:
		return next == WithdrawalCompleted || next == WithdrawalRejected
	}
	return false
}

// Withdrawal is a user's request to take funds off the platform. The amount
// is debited when the request is created.
type Withdrawal struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Amount    decimal.Decimal  `json:"amount"`
	Address   string           `json:"address"`
	Network   string           `json:"network"`
	Status    WithdrawalStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}
