package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"tradesim-core/internal/domain"
)

const userColumns = `id, email, username, password_hash, role, balance_usd::text, credit_score, version, created_at, updated_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var (
		u             domain.User
		role, balance string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &role, &balance, &u.CreditScore,
		&u.Version, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return domain.User{}, err
	}
	var err error
	if u.Balance, err = decimal.NewFromString(balance); err != nil {
		return domain.User{}, fmt.Errorf("parse balance: %w", err)
	}
	u.Role = domain.Role(role)
	return u, nil
}

// CreateUser inserts a new account with a zero balance.
func (s *Store) CreateUser(ctx context.Context, u domain.User) error {
	if u.Role == "" {
		u.Role = domain.RoleUser
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, username, password_hash, role, balance_usd, credit_score, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, 1, $7, $8)
	`, u.ID, strings.ToLower(u.Email), u.Username, u.PasswordHash, string(u.Role), u.CreditScore, u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.Email, domain.ErrAlreadyExists)
	}
	if err != nil {
		return classify(fmt.Errorf("postgres: insert user: %w", err))
	}
	return nil
}

// GetUserByID loads an account by id.
func (s *Store) GetUserByID(ctx context.Context, id string) (domain.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// SetUserRole changes an account's role.
func (s *Store) SetUserRole(ctx context.Context, id string, role domain.Role, now time.Time) (domain.User, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET role = $1, updated_at = $2 WHERE id = $3`, string(role), now, id)
	if err != nil {
		return domain.User{}, classify(fmt.Errorf("postgres: update role: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return s.GetUserByID(ctx, id)
}

// GetUserByEmail loads an account by its (case-insensitive) email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(strings.TrimSpace(email)))
}

func (s *Store) getUser(ctx context.Context, query, arg string) (domain.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, fmt.Errorf("user %s: %w", arg, domain.ErrNotFound)
	}
	if err != nil {
		return domain.User{}, classify(fmt.Errorf("postgres: query user: %w", err))
	}
	return u, nil
}

// ListUsers returns accounts newest first.
func (s *Store) ListUsers(ctx context.Context, opts domain.ListOpts) ([]domain.User, error) {
	opts = normalizeOpts(opts, 100, 500)
	rows, err := s.pool.Query(ctx, `
		SELECT `+userColumns+` FROM users ORDER BY created_at DESC, id LIMIT $1 OFFSET $2
	`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: query users: %w", err))
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

const withdrawalColumns = `id, user_id, amount::text, address, network, status, created_at, updated_at`

func scanWithdrawal(row pgx.Row) (domain.Withdrawal, error) {
	var (
		w              domain.Withdrawal
		amount, status string
	)
	if err := row.Scan(&w.ID, &w.UserID, &amount, &w.Address, &w.Network, &status, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return domain.Withdrawal{}, err
	}
	var err error
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Withdrawal{}, fmt.Errorf("parse amount: %w", err)
	}
	w.Status = domain.WithdrawalStatus(status)
	return w, nil
}

// CreateWithdrawal debits the amount and records the pending request together.
func (s *Store) CreateWithdrawal(ctx context.Context, w domain.Withdrawal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.withTx(ctx, func(tx pgx.Tx) error {
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
		_, err = tx.Exec(ctx, `
			INSERT INTO withdrawals (id, user_id, amount, address, network, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, w.ID, w.UserID, w.Amount.String(), w.Address, w.Network, string(w.Status), w.CreatedAt, w.UpdatedAt)
		if err != nil {
			return fmt.Errorf("postgres: insert withdrawal: %w", err)
		}
		return nil
	})
	return balance, err
}

// GetWithdrawal loads one request.
func (s *Store) GetWithdrawal(ctx context.Context, id string) (domain.Withdrawal, error) {
	w, err := scanWithdrawal(s.pool.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Withdrawal{}, fmt.Errorf("withdrawal %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Withdrawal{}, classify(fmt.Errorf("postgres: query withdrawal: %w", err))
	}
	return w, nil
}

// ListWithdrawals returns requests newest first; an empty userID lists all.
func (s *Store) ListWithdrawals(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Withdrawal, error) {
	opts = normalizeOpts(opts, 100, 500)
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals WHERE ($1 = '' OR user_id = $1)
		ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, query, userID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: query withdrawals: %w", err))
	}
	defer rows.Close()

	var out []domain.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan withdrawal: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWithdrawalStatus moves a request forward; rejection refunds the amount.
func (s *Store) UpdateWithdrawalStatus(ctx context.Context, id string, next domain.WithdrawalStatus) (domain.Withdrawal, error) {
	var w domain.Withdrawal
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		w, err = scanWithdrawal(tx.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("withdrawal %s: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("postgres: lock withdrawal: %w", err)
		}
		if !w.Status.CanMoveTo(next) {
			return fmt.Errorf("%w: withdrawal %s is %s", domain.ErrInvalidTransition, id, w.Status)
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `UPDATE withdrawals SET status = $1, updated_at = $2 WHERE id = $3`, string(next), now, id); err != nil {
			return fmt.Errorf("postgres: update withdrawal: %w", err)
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
		w.UpdatedAt = now
		return nil
	})
	return w, err
}
