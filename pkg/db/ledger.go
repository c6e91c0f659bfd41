package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradesim-core/internal/domain"
)

// GetBalance returns the user's current USD balance.
func (d *Database) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var raw string
	err := d.DB.QueryRowContext(ctx, `SELECT balance_usd FROM users WHERE id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return decimal.Zero, classify(fmt.Errorf("query balance: %w", err))
	}
	return decimal.NewFromString(raw)
}

// ApplyBalanceDelta moves the balance and journals the change in one transaction.
func (d *Database) ApplyBalanceDelta(ctx context.Context, change domain.BalanceChange) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		balance, err = applyBalanceDeltaTx(ctx, tx, change, time.Now().UTC())
		return err
	})
	return balance, err
}

// applyBalanceDeltaTx is the only code that writes users.balance_usd. It
// re-reads the row inside tx and writes back conditioned on the version it read.
func applyBalanceDeltaTx(ctx context.Context, tx *sql.Tx, change domain.BalanceChange, now time.Time) (decimal.Decimal, error) {
	if change.UserID == "" {
		return decimal.Zero, ErrUserIDRequired
	}

	var (
		raw     string
		version int64
	)
	err := tx.QueryRowContext(ctx, `SELECT balance_usd, version FROM users WHERE id = ?`, change.UserID).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("user %s: %w", change.UserID, domain.ErrNotFound)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balance: %w", err)
	}
	current, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", raw, err)
	}

	amount := change.Amount
	next := current.Add(amount)
	if next.IsNegative() {
		if !change.ClampAtZero {
			return decimal.Zero, fmt.Errorf("%w: need %s, have %s", domain.ErrInsufficientBalance, amount.Neg(), current)
		}
		amount = current.Neg()
		next = decimal.Zero
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE users SET balance_usd = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, next.String(), toMillis(now), change.UserID, version)
	if err != nil {
		return decimal.Zero, fmt.Errorf("update balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return decimal.Zero, domain.ErrVersionConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO balance_changes (id, user_id, kind, amount, balance_after, ref_id, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), change.UserID, string(change.Kind), amount.String(), next.String(), change.RefID, change.Note, toMillis(now))
	if isUniqueViolation(err) {
		return decimal.Zero, fmt.Errorf("%s %s: %w", change.Kind, change.RefID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("insert balance change: %w", err)
	}
	return next, nil
}

// ApplyCreditDelta moves the credit score, never below zero.
func (d *Database) ApplyCreditDelta(ctx context.Context, userID string, delta int64, note string) (int64, error) {
	if userID == "" {
		return 0, ErrUserIDRequired
	}
	var score int64
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var current, version int64
		err := tx.QueryRowContext(ctx, `SELECT credit_score, version FROM users WHERE id = ?`, userID).Scan(&current, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read credit score: %w", err)
		}

		score = current + delta
		if score < 0 {
			score = 0
		}
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE users SET credit_score = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?
		`, score, toMillis(now), userID, version)
		if err != nil {
			return fmt.Errorf("update credit score: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrVersionConflict
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO credit_changes (id, user_id, amount, score_after, note, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, uuid.NewString(), userID, score-current, score, note, toMillis(now))
		if err != nil {
			return fmt.Errorf("insert credit change: %w", err)
		}
		return nil
	})
	return score, err
}

// BalanceHistory returns the newest journal rows first.
func (d *Database) BalanceHistory(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	opts = normalizeOpts(opts, 50, 500)

	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, kind, amount, balance_after, ref_id, note, created_at
		FROM balance_changes
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, userID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, classify(fmt.Errorf("query balance changes: %w", err))
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			e             domain.LedgerEntry
			kind          string
			amount, after string
			created       int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &amount, &after, &e.RefID, &e.Note, &created); err != nil {
			return nil, fmt.Errorf("scan balance change: %w", err)
		}
		e.Kind = domain.EntryKind(kind)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if e.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, fmt.Errorf("parse balance_after: %w", err)
		}
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreditHistory returns the newest credit score changes first.
func (d *Database) CreditHistory(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.CreditEntry, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	opts = normalizeOpts(opts, 50, 500)

	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, amount, score_after, note, created_at
		FROM credit_changes
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, userID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, classify(fmt.Errorf("query credit changes: %w", err))
	}
	defer rows.Close()

	var out []domain.CreditEntry
	for rows.Next() {
		var (
			e       domain.CreditEntry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.ScoreAfter, &e.Note, &created); err != nil {
			return nil, fmt.Errorf("scan credit change: %w", err)
		}
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
