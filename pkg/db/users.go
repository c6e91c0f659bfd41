package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradesim-core/internal/domain"
)

// ErrUserIDRequired guards every per-user query.
var ErrUserIDRequired = errors.New("user_id is required for data isolation")

const userColumns = `id, email, username, password_hash, role, balance_usd, credit_score, version, created_at, updated_at`

func scanUser(row rowScanner) (domain.User, error) {
	var (
		u                domain.User
		role, balance    string
		created, updated int64
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &role, &balance, &u.CreditScore,
		&u.Version, &created, &updated); err != nil {
		return domain.User{}, err
	}
	var err error
	if u.Balance, err = decimal.NewFromString(balance); err != nil {
		return domain.User{}, fmt.Errorf("parse balance: %w", err)
	}
	u.Role = domain.Role(role)
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return u, nil
}

// CreateUser inserts a new account with a zero balance. Funding goes through
// the ledger so it is journaled.
func (d *Database) CreateUser(ctx context.Context, u domain.User) error {
	if u.Role == "" {
		u.Role = domain.RoleUser
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, username, password_hash, role, balance_usd, credit_score, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '0', ?, 1, ?, ?)
	`, u.ID, strings.ToLower(u.Email), u.Username, u.PasswordHash, string(u.Role), u.CreditScore,
		toMillis(u.CreatedAt), toMillis(u.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.Email, domain.ErrAlreadyExists)
	}
	if err != nil {
		return classify(fmt.Errorf("insert user: %w", err))
	}
	return nil
}

// GetUserByID loads an account by id.
func (d *Database) GetUserByID(ctx context.Context, id string) (domain.User, error) {
	if id == "" {
		return domain.User{}, ErrUserIDRequired
	}
	return d.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// GetUserByEmail loads an account by its (case-insensitive) email.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return d.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)))
}

// SetUserRole changes an account's role. The balance version is left alone.
func (d *Database) SetUserRole(ctx context.Context, id string, role domain.Role, now time.Time) (domain.User, error) {
	if id == "" {
		return domain.User{}, ErrUserIDRequired
	}
	res, err := d.DB.ExecContext(ctx, `UPDATE users SET role = ?, updated_at = ? WHERE id = ?`, string(role), toMillis(now), id)
	if err != nil {
		return domain.User{}, classify(fmt.Errorf("update role: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return d.GetUserByID(ctx, id)
}

func (d *Database) getUser(ctx context.Context, query string, arg string) (domain.User, error) {
	u, err := scanUser(d.DB.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, fmt.Errorf("user %s: %w", arg, domain.ErrNotFound)
	}
	if err != nil {
		return domain.User{}, classify(fmt.Errorf("query user: %w", err))
	}
	return u, nil
}

// ListUsers returns accounts newest first.
func (d *Database) ListUsers(ctx context.Context, opts domain.ListOpts) ([]domain.User, error) {
	opts = normalizeOpts(opts, 100, 500)
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, classify(fmt.Errorf("query users: %w", err))
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
