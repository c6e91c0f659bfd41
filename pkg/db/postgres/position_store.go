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

const positionColumns = `id, owner_id, instrument, stake::text, direction, payout_rate::text, duration_seconds,
	opened_at, closes_at, status, settlement_applied, admin_set, resolved_at, settled_at, version`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                 domain.Position
		stake, rate       string
		direction, status string
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Instrument, &stake, &direction, &rate, &p.DurationSeconds,
		&p.OpenedAt, &p.ClosesAt, &status, &p.SettlementApplied, &p.AdminSet, &p.ResolvedAt, &p.SettledAt, &p.Version); err != nil {
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
	p.OpenedAt = p.OpenedAt.UTC()
	p.ClosesAt = p.ClosesAt.UTC()
	return p, nil
}

// GetPosition loads one position by id.
func (s *Store) GetPosition(ctx context.Context, id string) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, classify(fmt.Errorf("postgres: query position: %w", err))
	}
	return p, nil
}

// ListPositions returns positions newest first, optionally per owner and status.
func (s *Store) ListPositions(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	opts := normalizeOpts(domain.ListOpts{Limit: filter.Limit, Offset: filter.Offset}, 100, 500)
	var (
		where []string
		args  []any
	)
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + positionColumns + ` FROM positions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, opts.Limit, opts.Offset)
	query += fmt.Sprintf(" ORDER BY opened_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return s.queryPositions(ctx, query, args...)
}

// ListDue returns positions an observer still has to act on at now.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Position, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.queryPositions(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE NOT settlement_applied AND closes_at <= $1
		ORDER BY closes_at
		LIMIT $2
	`, now, limit)
}

func (s *Store) queryPositions(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: query positions: %w", err))
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountActive counts the owner's unresolved positions.
func (s *Store) CountActive(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM positions WHERE owner_id = $1 AND status = 'active'`, ownerID).Scan(&n)
	if err != nil {
		return 0, classify(fmt.Errorf("postgres: count active positions: %w", err))
	}
	return n, nil
}

// OpenPosition debits the stake and inserts the position in one transaction.
// The debit locks the owner's row first, so the active count taken after it
// cannot race another open for the same owner.
func (s *Store) OpenPosition(ctx context.Context, pos domain.Position, maxActive int) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.withTx(ctx, func(tx pgx.Tx) error {
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
		if maxActive > 0 {
			var active int
			if err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM positions WHERE owner_id = $1 AND status = 'active'`, pos.OwnerID).Scan(&active); err != nil {
				return fmt.Errorf("postgres: count active positions: %w", err)
			}
			if active >= maxActive {
				return fmt.Errorf("%w: max %d active positions reached", domain.ErrRiskLimit, maxActive)
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO positions (id, owner_id, instrument, stake, direction, payout_rate, duration_seconds,
				opened_at, closes_at, status, settlement_applied, admin_set, resolved_at, settled_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, pos.ID, pos.OwnerID, pos.Instrument, pos.Stake.String(), string(pos.Direction), pos.PayoutRate.String(),
			pos.DurationSeconds, pos.OpenedAt, pos.ClosesAt, string(pos.Status), pos.SettlementApplied, pos.AdminSet,
			pos.ResolvedAt, pos.SettledAt, pos.Version)
		if isUniqueViolation(err) {
			return fmt.Errorf("position %s: %w", pos.ID, domain.ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("postgres: insert position: %w", err)
		}
		return nil
	})
	return balance, err
}

// UpdatePosition locks the row, compares versions and writes t.Next; a
// settling transition credits t.Delta in the same transaction.
func (s *Store) UpdatePosition(ctx context.Context, t domain.Transition) (domain.TransitionResult, error) {
	next := t.Next
	var result domain.TransitionResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		cur, err := scanPosition(tx.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1 FOR UPDATE`, next.ID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("position %s: %w", next.ID, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("postgres: lock position: %w", err)
		}
		if cur.Version != next.Version {
			return domain.ErrVersionConflict
		}
		if err := domain.CheckTransition(cur, next); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE positions
			SET status = $1, settlement_applied = $2, admin_set = $3, resolved_at = $4, settled_at = $5, version = version + 1
			WHERE id = $6 AND version = $7
		`, string(next.Status), next.SettlementApplied, next.AdminSet, next.ResolvedAt, next.SettledAt, next.ID, next.Version)
		if err != nil {
			return fmt.Errorf("postgres: update position: %w", err)
		}
		if tag.RowsAffected() == 0 {
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
			if err := tx.QueryRow(ctx, `SELECT balance_usd::text FROM users WHERE id = $1`, next.OwnerID).Scan(&raw); err != nil {
				return fmt.Errorf("postgres: read balance: %w", err)
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
func (s *Store) AuditLedger(ctx context.Context, limit int) ([]domain.Anomaly, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []domain.Anomaly

	rows, err := s.pool.Query(ctx, `
		SELECT bc.ref_id, bc.user_id, (-bc.amount)::text
		FROM balance_changes bc
		LEFT JOIN positions p ON p.id = bc.ref_id
		WHERE bc.kind = 'trade_open' AND p.id IS NULL
		  AND NOT EXISTS (SELECT 1 FROM balance_changes c WHERE c.kind = 'compensation' AND c.ref_id = bc.ref_id || ':orphan_debit')
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: audit orphan debits: %w", err))
	}
	for rows.Next() {
		var (
			a      domain.Anomaly
			amount string
		)
		if err := rows.Scan(&a.PositionID, &a.UserID, &amount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan orphan debit: %w", err)
		}
		if a.Amount, err = decimal.NewFromString(amount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		a.Kind = domain.AnomalyOrphanDebit
		out = append(out, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	missingDebit, err := s.queryPositions(ctx, `
		SELECT `+positionColumns+`
		FROM positions p
		WHERE NOT EXISTS (SELECT 1 FROM balance_changes bc WHERE bc.kind = 'trade_open' AND bc.ref_id = p.id)
		  AND NOT EXISTS (SELECT 1 FROM balance_changes c WHERE c.kind = 'compensation' AND c.ref_id = p.id || ':missing_debit')
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	for _, p := range missingDebit {
		out = append(out, domain.Anomaly{Kind: domain.AnomalyMissingDebit, PositionID: p.ID, UserID: p.OwnerID, Amount: p.Stake.Neg()})
	}

	missingSettlement, err := s.queryPositions(ctx, `
		SELECT `+positionColumns+`
		FROM positions p
		WHERE p.settlement_applied
		  AND NOT EXISTS (SELECT 1 FROM balance_changes bc WHERE bc.kind = 'settlement' AND bc.ref_id = p.id)
		  AND NOT EXISTS (SELECT 1 FROM balance_changes c WHERE c.kind = 'compensation' AND c.ref_id = p.id || ':missing_settlement')
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
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
