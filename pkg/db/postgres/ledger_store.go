package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"tradesim-core/internal/domain"
)

// GetBalance returns the user's current USD balance.
func (s *Store) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT balance_usd::text FROM users WHERE id = $1`, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return decimal.Zero, classify(fmt.Errorf("postgres: query balance: %w", err))
	}
	return decimal.NewFromString(raw)
}

// ApplyBalanceDelta moves the balance and journals the change in one transaction.
func (s *Store) ApplyBalanceDelta(ctx context.Context, change domain.BalanceChange) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		balance, err = applyBalanceDeltaTx(ctx, tx, change, time.Now().UTC())
		return err
	})
	return balance, err
}

// applyBalanceDeltaTx locks the user row, checks the version it read and
// writes the new balance with its journal row.
func applyBalanceDeltaTx(ctx context.Context, tx pgx.Tx, change domain.BalanceChange, now time.Time) (decimal.Decimal, error) {
	if change.UserID == "" {
		return decimal.Zero, errors.New("user_id is required for data isolation")
	}

	var (
		raw     string
		version int64
	)
	err := tx.QueryRow(ctx, `
		SELECT balance_usd::text, version FROM users WHERE id = $1 FOR UPDATE
	`, change.UserID).Scan(&raw, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("user %s: %w", change.UserID, domain.ErrNotFound)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: lock user: %w", err)
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

	tag, err := tx.Exec(ctx, `
		UPDATE users SET balance_usd = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4
	`, next.String(), now, change.UserID, version)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return decimal.Zero, domain.ErrVersionConflict
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO balance_changes (id, user_id, kind, amount, balance_after, ref_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.NewString(), change.UserID, string(change.Kind), amount.String(), next.String(), change.RefID, change.Note, now)
	if isUniqueViolation(err) {
		return decimal.Zero, fmt.Errorf("%s %s: %w", change.Kind, change.RefID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: insert balance change: %w", err)
	}
	return next, nil
}

// ApplyCreditDelta moves the credit score, never below zero.
func (s *Store) ApplyCreditDelta(ctx context.Context, userID string, delta int64, note string) (int64, error) {
	var score int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var current int64
		err := tx.QueryRow(ctx, `SELECT credit_score FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("postgres: lock user: %w", err)
		}
		score = max(current+delta, 0)
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE users SET credit_score = $1, version = version + 1, updated_at = $2 WHERE id = $3
		`, score, now, userID); err != nil {
			return fmt.Errorf("postgres: update credit score: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO credit_changes (id, user_id, amount, score_after, note, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.NewString(), userID, score-current, score, note, now)
		if err != nil {
			return fmt.Errorf("postgres: insert credit change: %w", err)
		}
		return nil
	})
	return score, err
}

// BalanceHistory returns the newest journal rows first.
func (s *Store) BalanceHistory(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	opts = normalizeOpts(opts, 50, 500)
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, kind, amount::text, balance_after::text, ref_id, note, created_at
		FROM balance_changes
		WHERE user_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2 OFFSET $3
	`, userID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: query balance changes: %w", err))
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			e             domain.LedgerEntry
			kind          string
			amount, after string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &amount, &after, &e.RefID, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan balance change: %w", err)
		}
		e.Kind = domain.EntryKind(kind)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if e.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, fmt.Errorf("parse balance_after: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreditHistory returns the newest credit score changes first.
func (s *Store) CreditHistory(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.CreditEntry, error) {
	opts = normalizeOpts(opts, 50, 500)
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, amount, score_after, note, created_at
		FROM credit_changes
		WHERE user_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2 OFFSET $3
	`, userID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: query credit changes: %w", err))
	}
	defer rows.Close()

	var out []domain.CreditEntry
	for rows.Next() {
		var e domain.CreditEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.ScoreAfter, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan credit change: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
