package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradesim-core/internal/domain"
)

const withdrawalColumns = `id, user_id, amount, address, network, status, created_at, updated_at`

func scanWithdrawal(row rowScanner) (domain.Withdrawal, error) {
	var (
		w                domain.Withdrawal
		amount, status   string
		created, updated int64
	)
	if err := row.Scan(&w.ID, &w.UserID, &amount, &w.Address, &w.Network, &status, &created, &updated); err != nil {
		return domain.Withdrawal{}, err
	}
	var err error
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Withdrawal{}, fmt.Errorf("parse amount: %w", err)
	}
	w.Status = domain.WithdrawalStatus(status)
	w.CreatedAt = fromMillis(created)
	w.UpdatedAt = fromMillis(updated)
	return w, nil
}

// CreateWithdrawal debits the amount and records the pending request together.
func (d *Database) CreateWithdrawal(ctx context.Context, w domain.Withdrawal) (decimal.Decimal, error) {
	if w.UserID == "" {
		return decimal.Zero, ErrUserIDRequired
	}
	var balance decimal.Decimal
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		balance, err = applyBalanceDeltaTx(ctx, tx, domain.BalanceChange{
			UserID: w.UserID,
			Kind:   domain.EntryWithdrawal,
			Amount: w.Amount.Neg(),
			RefID:  w.ID,
			Note:   w.Network,
		}, w.CreatedAt)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO withdrawals (`+withdrawalColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, w.ID, w.UserID, w.Amount.String(), w.Address, w.Network, string(w.Status),
			toMillis(w.CreatedAt), toMillis(w.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert withdrawal: %w", err)
		}
		return nil
	})
	return balance, err
}

// GetWithdrawal loads one request.
func (d *Database) GetWithdrawal(ctx context.Context, id string) (domain.Withdrawal, error) {
	w, err := scanWithdrawal(d.DB.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Withdrawal{}, fmt.Errorf("withdrawal %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Withdrawal{}, classify(fmt.Errorf("query withdrawal: %w", err))
	}
	return w, nil
}

// ListWithdrawals returns requests newest first; an empty userID lists all.
func (d *Database) ListWithdrawals(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Withdrawal, error) {
	opts = normalizeOpts(opts, 100, 500)

	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query withdrawals: %w", err))
	}
	defer rows.Close()

	var out []domain.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWithdrawalStatus moves a request forward; rejection refunds the amount.
func (d *Database) UpdateWithdrawalStatus(ctx context.Context, id string, next domain.WithdrawalStatus) (domain.Withdrawal, error) {
	var w domain.Withdrawal
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		w, err = scanWithdrawal(tx.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("withdrawal %s: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read withdrawal: %w", err)
		}
		if !w.Status.CanMoveTo(next) {
			return fmt.Errorf("%w: withdrawal %s is %s", domain.ErrInvalidTransition, id, w.Status)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE withdrawals SET status = ?, updated_at = ? WHERE id = ? AND status = ?
		`, string(next), toMillis(now), id, string(w.Status))
		if err != nil {
			return fmt.Errorf("update withdrawal: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrVersionConflict
		}

		if next == domain.WithdrawalRejected {
			if _, err := applyBalanceDeltaTx(ctx, tx, domain.BalanceChange{
				UserID: w.UserID,
				Kind:   domain.EntryWithdrawalRefund,
				Amount: w.Amount,
				RefID:  w.ID,
				Note:   "withdrawal rejected",
			}, now); err != nil {
				return err
			}
		}
		w.Status = next
		w.UpdatedAt = fromMillis(toMillis(now))
		return nil
	})
	return w, err
}
