package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind classifies balance journal rows.
type EntryKind string

const (
	EntryTradeOpen        EntryKind = "trade_open"
	EntrySettlement       EntryKind = "settlement"
	EntryWithdrawal       EntryKind = "withdrawal"
	EntryWithdrawalRefund EntryKind = "withdrawal_refund"
	EntryAdminAdjust      EntryKind = "admin_adjust"
	EntrySignupBonus      EntryKind = "signup_bonus"
	EntryCompensation     EntryKind = "compensation"
)

// Unique reports whether at most one row of this kind may exist per reference.
func (k EntryKind) Unique() bool {
	switch k {
	case EntryTradeOpen, EntrySettlement, EntryCompensation, EntryWithdrawal, EntryWithdrawalRefund:
		return true
	}
	return false
}

// BalanceChange is a request to move a user's balance by Amount.
type BalanceChange struct {
	UserID string
	Kind   EntryKind
	Amount decimal.Decimal
	RefID  string
	Note   string
	// ClampAtZero turns a debit larger than the balance into a debit of the
	// whole balance instead of failing with ErrInsufficientBalance.
	ClampAtZero bool
}

// LedgerEntry is one committed balance journal row.
type LedgerEntry struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Kind         EntryKind       `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	RefID        string          `json:"ref_id,omitempty"`
	Note         string          `json:"note,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// CreditEntry is one committed credit score change.
type CreditEntry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Amount     int64     `json:"amount"`
	ScoreAfter int64     `json:"score_after"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AnomalyKind names a disagreement between positions and the journal.
type AnomalyKind string

const (
	// AnomalyOrphanDebit is a trade_open debit whose position never landed.
	AnomalyOrphanDebit AnomalyKind = "orphan_debit"
	// AnomalyMissingDebit is a position whose stake was never debited.
	AnomalyMissingDebit AnomalyKind = "missing_debit"
	// AnomalyMissingSettlement is a settled position without its payout row.
	AnomalyMissingSettlement AnomalyKind = "missing_settlement"
)

// Anomaly is one finding of the ledger audit together with the balance
// change that compensates it.
type Anomaly struct {
	Kind       AnomalyKind     `json:"kind"`
	PositionID string          `json:"position_id"`
	UserID     string          `json:"user_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// Compensation builds the journal entry that repairs a.
func (a Anomaly) Compensation() BalanceChange {
	return BalanceChange{
		UserID: a.UserID,
		Kind:   EntryCompensation,
		Amount: a.Amount,
		RefID:  a.RefID(),
		Note:   string(a.Kind),
	}
}

// RefID keys the compensation so each finding is repaired at most once.
func (a Anomaly) RefID() string {
	return a.PositionID + ":" + string(a.Kind)
}
