// Package reconciliation runs the scheduled sweep that settles due
// positions and audits the balance journal.
package reconciliation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradesim-core/internal/balance"
	"tradesim-core/internal/domain"
	"tradesim-core/internal/events"
	"tradesim-core/internal/monitor"
	"tradesim-core/internal/settlement"
)

const lockKey = "reconcile"

// Service handles periodic reconciliation.
type Service struct {
	engine   *settlement.Engine
	store    domain.PositionStore
	ledger   *balance.Ledger
	locker   domain.Locker
	bus      *events.Bus
	metrics  *monitor.Metrics
	logger   *zap.Logger
	interval time.Duration
	batch    int
	audit    bool
	mu       sync.Mutex
}

// Report contains the outcome of one sweep.
type Report struct {
	Timestamp     time.Time        `json:"timestamp"`
	Duration      time.Duration    `json:"duration"`
	LeaderSkipped bool             `json:"leader_skipped,omitempty"`
	Scanned       int              `json:"scanned"`
	Expired       int              `json:"expired"`
	Settled       int              `json:"settled"`
	Skipped       int              `json:"skipped"`
	Failed        int              `json:"failed"`
	Anomalies     []domain.Anomaly `json:"anomalies,omitempty"`
	Compensated   int              `json:"compensated"`
}

// HasDiffs reports whether the audit found anything.
func (r *Report) HasDiffs() bool {
	return len(r.Anomalies) > 0
}

// Option customises a Service.
type Option func(*Service)

// WithLocker makes the sweep run only on the replica holding the lease.
func WithLocker(l domain.Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithMetrics records sweep runs and compensations.
func WithMetrics(m *monitor.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithBatch bounds how many due positions and anomalies one sweep handles.
func WithBatch(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithAudit toggles the ledger audit.
func WithAudit(enabled bool) Option {
	return func(s *Service) { s.audit = enabled }
}

// NewService creates a new reconciliation service.
func NewService(engine *settlement.Engine, store domain.PositionStore, ledger *balance.Ledger, bus *events.Bus,
	logger *zap.Logger, interval time.Duration, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	s := &Service{
		engine:   engine,
		store:    store,
		ledger:   ledger,
		bus:      bus,
		logger:   logger.Named("reconciliation"),
		interval: interval,
		batch:    200,
		audit:    true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins periodic reconciliation.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := s.Reconcile(ctx)
				if err != nil {
					if ctx.Err() == nil {
						s.logger.Warn("reconciliation failed", zap.Error(err))
					}
					continue
				}
				s.handleReport(report)
			case <-ctx.Done():
				return
			}
		}
	}()

	s.logger.Info("reconciliation service started",
		zap.Duration("interval", s.interval), zap.Int("batch", s.batch), zap.Bool("leader_lock", s.locker != nil))
}

// Reconcile runs one sweep: every due position is touched through the
// settlement engine, then the journal is audited and repaired. Failures on
// single positions are counted, not returned; they are retried next tick.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	report := &Report{Timestamp: s.engine.Now()}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, lockKey, s.leaseTTL())
		if errors.Is(err, domain.ErrLockHeld) {
			report.LeaderSkipped = true
			return report, nil
		}
		if err != nil {
			s.metrics.ObserveSweep("error", time.Since(start))
			return nil, err
		}
		defer release()
	}

	due, err := s.store.ListDue(ctx, report.Timestamp, s.batch)
	if err != nil {
		s.metrics.ObserveSweep("error", time.Since(start))
		return nil, err
	}
	report.Scanned = len(due)

	for _, p := range due {
		res, err := s.engine.Touch(ctx, p.ID)
		switch {
		case errors.Is(err, domain.ErrInvalidTransition):
			report.Skipped++
		case err != nil:
			report.Failed++
			s.logger.Warn("settle position failed", zap.String("position_id", p.ID), zap.Error(err))
		case res.Action == domain.ActionExpire.String():
			report.Expired++
		case res.Action == domain.ActionSettle.String():
			report.Settled++
		default:
			report.Skipped++
		}
	}

	if s.audit {
		if err := s.auditLedger(ctx, report); err != nil {
			s.metrics.ObserveSweep("error", time.Since(start))
			return report, err
		}
	}

	report.Duration = time.Since(start)
	s.metrics.ObserveSweep("ok", report.Duration)
	return report, nil
}

// auditLedger finds journal/position disagreements and writes one
// compensation per finding. The journal's unique reference key makes a
// repeated repair a no-op.
func (s *Service) auditLedger(ctx context.Context, report *Report) error {
	anomalies, err := s.store.AuditLedger(ctx, s.batch)
	if err != nil {
		return err
	}
	report.Anomalies = anomalies

	for _, a := range anomalies {
		s.bus.Publish(events.EventLedgerAnomaly, events.Alert{
			Message: domain.ErrPartialWrite.Error(),
			Fields: map[string]any{
				"kind":        string(a.Kind),
				"position_id": a.PositionID,
				"user_id":     a.UserID,
				"amount":      a.Amount.String(),
			},
			At: report.Timestamp,
		})

		_, err := s.ledger.Apply(ctx, a.Compensation())
		switch {
		case err == nil:
			report.Compensated++
			s.metrics.ObserveCompensation(string(a.Kind))
		case errors.Is(err, domain.ErrAlreadyExists):
		default:
			s.logger.Error("compensation failed",
				zap.String("kind", string(a.Kind)), zap.String("position_id", a.PositionID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) leaseTTL() time.Duration {
	return max(5*s.interval, 5*time.Second)
}

// handleReport processes reconciliation report
func (s *Service) handleReport(report *Report) {
	if report.LeaderSkipped {
		return
	}
	if report.Expired+report.Settled+report.Failed > 0 {
		s.logger.Info("reconciliation sweep",
			zap.Int("scanned", report.Scanned),
			zap.Int("expired", report.Expired),
			zap.Int("settled", report.Settled),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
			zap.Duration("took", report.Duration))
	}
	if report.HasDiffs() {
		for _, a := range report.Anomalies {
			s.logger.Warn("ledger anomaly",
				zap.String("kind", string(a.Kind)),
				zap.String("position_id", a.PositionID),
				zap.String("user_id", a.UserID),
				zap.String("amount", a.Amount.String()),
				zap.Error(domain.ErrPartialWrite))
		}
		s.logger.Warn("ledger compensated", zap.Int("anomalies", len(report.Anomalies)), zap.Int("compensated", report.Compensated))
	}
}
