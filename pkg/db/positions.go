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

const positionColumns = `id, owner_id, instrument, stake, direction, payout_rate, duration_seconds,
	opened_at, closes_at, status, settlement_applied, admin_set, resolved_at, settled_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (domain.Position, error) {
	var (
		p                     domain.Position
		stake, rate           string
		direction, status     string
		opened, closes        int64
		settled, adminSet     int
		resolvedAt, settledAt sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Instrument, &stake, &direction, &rate, &p.DurationSeconds,
		&opened, &closes, &status, &settled, &adminSet, &resolvedAt, &settledAt, &p.Version); err != nil {
		return domain.Position{}, err
	}

	var err error
	if p.Stake, err = decimal.NewFromString(stake); err != nil {
		return domain.Position{}, fmt.Errorf("parse stake: %w", err)
	}
	if p.PayoutRate, err = decimal.NewFromString(rate); err != nil {
		return domain.Position{}, fmt.Errorf("parse payout rate: %w", err)
	}
	p.Direction = domain.Direction(direction)
	p.Status = domain.Status(status)
	p.OpenedAt = fromMillis(opened)
	p.ClosesAt = fromMillis(closes)
	p.SettlementApplied = settled == 1
	p.AdminSet = adminSet == 1
	p.ResolvedAt = timeFromNull(resolvedAt)
	p.SettledAt = timeFromNull(settledAt)
	return p, nil
}

// GetPosition loads one position by id.
func (d *Database) GetPosition(ctx context.Context, id string) (domain.Position, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, classify(fmt.Errorf("query position: %w", err))
	}
	return p, nil
}

// ListPositions returns positions newest first, optionally per owner and status.
func (d *Database) ListPositions(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	opts := normalizeOpts(domain.ListOpts{Limit: filter.Limit, Offset: filter.Offset}, 100, 500)

	var (
		where []string
		args  []any
	)
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + positionColumns + ` FROM positions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY opened_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	return d.queryPositions(ctx, query, args...)
}

// ListDue returns positions an observer still has to act on at now.
func (d *Database) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Position, error) {
	if limit <= 0 {
		limit = 200
	}
	return d.queryPositions(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE settlement_applied = 0 AND closes_at <= ?
		ORDER BY closes_at
		LIMIT ?
	`, toMillis(now), limit)
}

func (d *Database) queryPositions(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query positions: %w", err))
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountActive counts the owner's positions that have not been resolved yet.
func (d *Database) CountActive(ctx context.Context, ownerID string) (int, error) {
	if ownerID == "" {
		return 0, ErrUserIDRequired
	}
	var n int
	err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM positions WHERE owner_id = ? AND status = 'active'`, ownerID).Scan(&n)
	if err != nil {
		return 0, classify(fmt.Errorf("count active positions: %w", err))
	}
	return n, nil
}

// OpenPosition debits the stake and inserts the position in one transaction.
func (d *Database) OpenPosition(ctx context.Context, pos domain.Position, maxActive int) (decimal.Decimal, error) {
	if pos.OwnerID == "" {
		return decimal.Zero, ErrUserIDRequired
	}
	var balance decimal.Decimal
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if maxActive > 0 {
			var active int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM positions WHERE owner_id = ? AND status = 'active'`, pos.OwnerID).Scan(&active); err != nil {
				return fmt.Errorf("count active positions: %w", err)
			}
			if active >= maxActive {
				return fmt.Errorf("%w: max %d active positions reached", domain.ErrRiskLimit, maxActive)
			}
		}

		var err error
		balance, err = applyBalanceDeltaTx(ctx, tx, domain.BalanceChange{
			UserID: pos.OwnerID,
			Kind:   domain.EntryTradeOpen,
			Amount: pos.Stake.Neg(),
			RefID:  pos.ID,
			Note:   pos.Instrument + " " + string(pos.Direction),
		}, pos.OpenedAt)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO positions (`+positionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, pos.ID, pos.OwnerID, pos.Instrument, pos.Stake.String(), string(pos.Direction), pos.PayoutRate.String(),
			pos.DurationSeconds, toMillis(pos.OpenedAt), toMillis(pos.ClosesAt), string(pos.Status),
			boolInt(pos.SettlementApplied), boolInt(pos.AdminSet), nullMillis(pos.ResolvedAt), nullMillis(pos.SettledAt), pos.Version)
		if isUniqueViolation(err) {
			return fmt.Errorf("position %s: %w", pos.ID, domain.ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("insert position: %w", err)
		}
		return nil
	})
	return balance, err
}

// UpdatePosition writes t.Next if the stored version still equals
// t.Next.Version. A transition that sets SettlementApplied credits t.Delta
// to the owner in the same transaction.
func (d *Database) UpdatePosition(ctx context.Context, t domain.Transition) (domain.TransitionResult, error) {
	next := t.Next
	var result domain.TransitionResult
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, next.ID)
		cur, err := scanPosition(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("position %s: %w", next.ID, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read position: %w", err)
		}
		if cur.Version != next.Version {
			return domain.ErrVersionConflict
		}
		if err := domain.CheckTransition(cur, next); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE positions
			SET status = ?, settlement_applied = ?, admin_set = ?, resolved_at = ?, settled_at = ?, version = version + 1
			WHERE id = ? AND version = ?
		`, string(next.Status), boolInt(next.SettlementApplied), boolInt(next.AdminSet),
			nullMillis(next.ResolvedAt), nullMillis(next.SettledAt), next.ID, next.Version)
		if err != nil {
			return fmt.Errorf("update position: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrVersionConflict
		}

		var balance decimal.Decimal
		if next.SettlementApplied {
			balance, err = applyBalanceDeltaTx(ctx, tx, domain.BalanceChange{
				UserID: next.OwnerID,
				Kind:   domain.EntrySettlement,
				Amount: t.Delta,
				RefID:  next.ID,
				Note:   string(next.Status),
			}, t.JournalTime())
			if errors.Is(err, domain.ErrAlreadyExists) {
				return fmt.Errorf("%w: position %s already paid out", domain.ErrInvalidTransition, next.ID)
			}
			if err != nil {
				return err
			}
		} else {
			var raw string
			if err := tx.QueryRowContext(ctx, `SELECT balance_usd FROM users WHERE id = ?`, next.OwnerID).Scan(&raw); err != nil {
				return fmt.Errorf("read balance: %w", err)
			}
			if balance, err = decimal.NewFromString(raw); err != nil {
				return fmt.Errorf("parse balance: %w", err)
			}
		}

		next.Version++
		result = domain.TransitionResult{Position: next, Balance: balance}
		return nil
	})
	return result, err
}

// AuditLedger finds positions and journal rows that disagree and have not
// been compensated yet.
func (d *Database) AuditLedger(ctx context.Context, limit int) ([]domain.Anomaly, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []domain.Anomaly

	// Debits whose position never landed.
	rows, err := d.DB.QueryContext(ctx, `
		SELECT bc.ref_id, bc.user_id, bc.amount
		FROM balance_changes bc
		LEFT JOIN positions p ON p.id = bc.ref_id
		WHERE bc.kind = 'trade_open' AND p.id IS NULL
		  AND NOT EXISTS (SELECT 1 FROM balance_changes c WHERE c.kind = 'compensation' AND c.ref_id = bc.ref_id || ':orphan_debit')
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("audit orphan debits: %w", err))
	}
	for rows.Next() {
		var (
			a      domain.Anomaly
			amount string
		)
		if err := rows.Scan(&a.PositionID, &a.UserID, &amount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan orphan debit: %w", err)
		}
		debit, err := decimal.NewFromString(amount)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		a.Kind = domain.AnomalyOrphanDebit
		a.Amount = debit.Neg()
		out = append(out, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Positions whose stake was never debited.
	missingDebit, err := d.queryPositions(ctx, `
		SELECT `+positionColumns+`
		FROM positions p
		WHERE NOT EXISTS (SELECT 1 FROM balance_changes bc WHERE bc.kind = 'trade_open' AND bc.ref_id = p.id)
		  AND NOT EXISTS (SELECT 1 FROM balance_changes c WHERE c.kind = 'compensation' AND c.ref_id = p.id || ':missing_debit')
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit missing debits: %w", err)
	}
	for _, p := range missingDebit {
		out = append(out, domain.Anomaly{
			Kind:       domain.AnomalyMissingDebit,
			PositionID: p.ID,
			UserID:     p.OwnerID,
			Amount:     p.Stake.Neg(),
		})
	}

	// Settled positions without their payout row.
	missingSettlement, err := d.queryPositions(ctx, `
		SELECT `+positionColumns+`
		FROM positions p
		WHERE p.settlement_applied = 1
		  AND NOT EXISTS (SELECT 1 FROM balance_changes bc WHERE bc.kind = 'settlement' AND bc.ref_id = p.id)
		  AND NOT EXISTS (SELECT 1 FROM balance_changes c WHERE c.kind = 'compensation' AND c.ref_id = p.id || ':missing_settlement')
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit missing settlements: %w", err)
	}
	for _, p := range missingSettlement {
		out = append(out, domain.Anomaly{
			Kind:       domain.AnomalyMissingSettlement,
			PositionID: p.ID,
			UserID:     p.OwnerID,
			Amount:     domain.Payout(p.Stake, p.PayoutRate, p.Status),
		})
	}

	return out, nil
}
