// Package risk holds the per-owner limits applied before a position opens.
package risk

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"tradesim-core/internal/domain"
)

// Manager evaluates open requests against the current Config.
type Manager struct {
	mu     sync.RWMutex
	config Config
}

// NewManager creates a manager; zero fields fall back to DefaultConfig.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MinStake.IsZero() {
		cfg.MinStake = def.MinStake
	}
	if cfg.MaxStake.IsZero() {
		cfg.MaxStake = def.MaxStake
	}
	if cfg.MaxActivePositions <= 0 {
		cfg.MaxActivePositions = def.MaxActivePositions
	}
	if cfg.WarningThreshold <= 0 || cfg.WarningThreshold > 1 {
		cfg.WarningThreshold = def.WarningThreshold
	}
	return &Manager{config: cfg}
}

// GetConfig returns a copy of the active limits.
func (m *Manager) GetConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// UpdateConfig swaps the active limits.
func (m *Manager) UpdateConfig(cfg Config) error {
	if cfg.MinStake.IsNegative() || cfg.MaxStake.LessThan(cfg.MinStake) {
		return fmt.Errorf("invalid stake bounds %s..%s", cfg.MinStake, cfg.MaxStake)
	}
	if cfg.MaxActivePositions <= 0 {
		return fmt.Errorf("max active positions must be positive, got %d", cfg.MaxActivePositions)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg
	return nil
}

// Check evaluates a new stake given how many positions the owner already
// has open.
func (m *Manager) Check(stake decimal.Decimal, active int) CheckResult {
	cfg := m.GetConfig()

	if stake.LessThan(cfg.MinStake) {
		return CheckResult{Reason: fmt.Sprintf("stake below minimum %s", cfg.MinStake), LimitLevel: LevelLimit}
	}
	if stake.GreaterThan(cfg.MaxStake) {
		return CheckResult{Reason: fmt.Sprintf("stake above maximum %s", cfg.MaxStake), LimitLevel: LevelLimit}
	}

	usage := float64(active+1) / float64(cfg.MaxActivePositions)
	if active >= cfg.MaxActivePositions {
		return CheckResult{
			Reason:     fmt.Sprintf("max %d active positions reached", cfg.MaxActivePositions),
			LimitLevel: LevelLimit,
			UsageRatio: usage,
		}
	}
	level := LevelNormal
	if usage >= cfg.WarningThreshold {
		level = LevelWarning
	}
	return CheckResult{Allowed: true, LimitLevel: level, UsageRatio: usage}
}

// Validate is Check as an error: a rejection wraps domain.ErrRiskLimit.
func (m *Manager) Validate(stake decimal.Decimal, active int) error {
	res := m.Check(stake, active)
	if !res.Allowed {
		return fmt.Errorf("%w: %s", domain.ErrRiskLimit, res.Reason)
	}
	return nil
}
