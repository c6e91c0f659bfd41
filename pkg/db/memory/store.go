// Package memory is an in-process domain.Repository used by tests and by
// tooling that needs the settlement semantics without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradesim-core/internal/domain"
)

type account struct {
	balance decimal.Decimal
	credit  int64
	version int64
}

// Store keeps everything in maps behind one mutex. Each method is one
// atomic step, so the CAS semantics match the SQL stores.
type Store struct {
	mu        sync.Mutex
	accounts  map[string]*account
	positions map[string]domain.Position
	journal   []domain.LedgerEntry
	credits   []domain.CreditEntry
	refs      map[string]struct{}

	faults    []error
	updates   int
	conflicts int
}

var _ domain.Repository = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts:  make(map[string]*account),
		positions: make(map[string]domain.Position),
		refs:      make(map[string]struct{}),
	}
}

// AddUser creates an account holding balance.
func (s *Store) AddUser(id string, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[id] = &account{balance: balance, version: 1}
}

// FailUpdates makes the next UpdatePosition calls return errs in order.
func (s *Store) FailUpdates(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, errs...)
}

// PutPosition stores p as-is, bypassing the journal. Used to stage
// inconsistent states for the ledger audit.
func (s *Store) PutPosition(p domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = p
}

// Stats reports committed updates and version conflicts seen so far.
func (s *Store) Stats() (updates, conflicts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates, s.conflicts
}

// Entries returns the journal rows of kind for ref.
func (s *Store) Entries(kind domain.EntryKind, ref string) []domain.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range s.journal {
		if e.Kind == kind && e.RefID == ref {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) GetPosition(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("position %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (s *Store) ListPositions(_ context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if filter.OwnerID != "" && p.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) ListDue(_ context.Context, now time.Time, limit int) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if !p.SettlementApplied && p.Due(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosesAt.Before(out[j].ClosesAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountActive(_ context.Context, ownerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countActiveLocked(ownerID), nil
}

func (s *Store) countActiveLocked(ownerID string) int {
	n := 0
	for _, p := range s.positions {
		if p.OwnerID == ownerID && p.Status == domain.StatusActive {
			n++
		}
	}
	return n
}

func (s *Store) OpenPosition(_ context.Context, pos domain.Position, maxActive int) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[pos.ID]; ok {
		return decimal.Zero, fmt.Errorf("position %s: %w", pos.ID, domain.ErrAlreadyExists)
	}
	if maxActive > 0 && s.countActiveLocked(pos.OwnerID) >= maxActive {
		return decimal.Zero, fmt.Errorf("%w: max %d active positions reached", domain.ErrRiskLimit, maxActive)
	}
	balance, err := s.applyLocked(domain.BalanceChange{
		UserID: pos.OwnerID,
		Kind:   domain.EntryTradeOpen,
		Amount: pos.Stake.Neg(),
		RefID:  pos.ID,
	}, pos.OpenedAt)
	if err != nil {
		return decimal.Zero, err
	}
	s.positions[pos.ID] = pos
	return balance, nil
}

func (s *Store) UpdatePosition(_ context.Context, t domain.Transition) (domain.TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.faults) > 0 {
		err := s.faults[0]
		s.faults = s.faults[1:]
		return domain.TransitionResult{}, err
	}

	next := t.Next
	cur, ok := s.positions[next.ID]
	if !ok {
		return domain.TransitionResult{}, fmt.Errorf("position %s: %w", next.ID, domain.ErrNotFound)
	}
	if cur.Version != next.Version {
		s.conflicts++
		return domain.TransitionResult{}, domain.ErrVersionConflict
	}
	if err := domain.CheckTransition(cur, next); err != nil {
		return domain.TransitionResult{}, err
	}

	acct, ok := s.accounts[next.OwnerID]
	if !ok {
		return domain.TransitionResult{}, fmt.Errorf("user %s: %w", next.OwnerID, domain.ErrNotFound)
	}
	balance := acct.balance
	if next.SettlementApplied {
		var err error
		balance, err = s.applyLocked(domain.BalanceChange{
			UserID: next.OwnerID,
			Kind:   domain.EntrySettlement,
			Amount: t.Delta,
			RefID:  next.ID,
			Note:   string(next.Status),
		}, t.JournalTime())
		if err != nil {
			return domain.TransitionResult{}, err
		}
	}
	next.Version++
	s.positions[next.ID] = next
	s.updates++
	return domain.TransitionResult{Position: next, Balance: balance}, nil
}

func (s *Store) AuditLedger(_ context.Context, limit int) ([]domain.Anomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Anomaly
	add := func(a domain.Anomaly) {
		if _, done := s.refs[refKey(domain.EntryCompensation, a.RefID())]; done {
			return
		}
		if limit <= 0 || len(out) < limit {
			out = append(out, a)
		}
	}
	for _, e := range s.journal {
		if e.Kind != domain.EntryTradeOpen {
			continue
		}
		if _, ok := s.positions[e.RefID]; !ok {
			add(domain.Anomaly{Kind: domain.AnomalyOrphanDebit, PositionID: e.RefID, UserID: e.UserID, Amount: e.Amount.Neg()})
		}
	}
	for _, p := range s.positions {
		if _, ok := s.refs[refKey(domain.EntryTradeOpen, p.ID)]; !ok {
			add(domain.Anomaly{Kind: domain.AnomalyMissingDebit, PositionID: p.ID, UserID: p.OwnerID, Amount: p.Stake.Neg()})
		}
		if _, ok := s.refs[refKey(domain.EntrySettlement, p.ID)]; p.SettlementApplied && !ok {
			add(domain.Anomaly{
				Kind:       domain.AnomalyMissingSettlement,
				PositionID: p.ID,
				UserID:     p.OwnerID,
				Amount:     domain.Payout(p.Stake, p.PayoutRate, p.Status),
			})
		}
	}
	return out, nil
}

func (s *Store) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return decimal.Zero, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	return acct.balance, nil
}

func (s *Store) ApplyBalanceDelta(_ context.Context, change domain.BalanceChange) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(change, time.Now().UTC())
}

func (s *Store) ApplyCreditDelta(_ context.Context, userID string, delta int64, note string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return 0, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	before := acct.credit
	acct.credit = max(acct.credit+delta, 0)
	acct.version++
	s.credits = append(s.credits, domain.CreditEntry{
		ID:         uuid.NewString(),
		UserID:     userID,
		Amount:     acct.credit - before,
		ScoreAfter: acct.credit,
		Note:       note,
		CreatedAt:  time.Now().UTC(),
	})
	return acct.credit, nil
}

func (s *Store) BalanceHistory(_ context.Context, userID string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LedgerEntry
	for i := len(s.journal) - 1; i >= 0; i-- {
		if s.journal[i].UserID == userID {
			out = append(out, s.journal[i])
		}
	}
	return page(out, opts), nil
}

func (s *Store) CreditHistory(_ context.Context, userID string, opts domain.ListOpts) ([]domain.CreditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CreditEntry
	for i := len(s.credits) - 1; i >= 0; i-- {
		if s.credits[i].UserID == userID {
			out = append(out, s.credits[i])
		}
	}
	return page(out, opts), nil
}

func (s *Store) applyLocked(change domain.BalanceChange, now time.Time) (decimal.Decimal, error) {
	acct, ok := s.accounts[change.UserID]
	if !ok {
		return decimal.Zero, fmt.Errorf("user %s: %w", change.UserID, domain.ErrNotFound)
	}
	key := refKey(change.Kind, change.RefID)
	if change.Kind.Unique() {
		if _, dup := s.refs[key]; dup {
			if change.Kind == domain.EntrySettlement {
				return decimal.Zero, fmt.Errorf("%w: position %s already paid out", domain.ErrInvalidTransition, change.RefID)
			}
			return decimal.Zero, fmt.Errorf("%s %s: %w", change.Kind, change.RefID, domain.ErrAlreadyExists)
		}
	}
	amount := change.Amount
	next := acct.balance.Add(amount)
	if next.IsNegative() {
		if !change.ClampAtZero {
			return decimal.Zero, fmt.Errorf("%w: need %s, have %s", domain.ErrInsufficientBalance, amount.Neg(), acct.balance)
		}
		amount = acct.balance.Neg()
		next = decimal.Zero
	}
	acct.balance = next
	acct.version++
	s.refs[key] = struct{}{}
	s.journal = append(s.journal, domain.LedgerEntry{
		ID:           uuid.NewString(),
		UserID:       change.UserID,
		Kind:         change.Kind,
		Amount:       amount,
		BalanceAfter: next,
		RefID:        change.RefID,
		Note:         change.Note,
		CreatedAt:    now,
	})
	return next, nil
}

func refKey(kind domain.EntryKind, ref string) string {
	return string(kind) + "|" + ref
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
