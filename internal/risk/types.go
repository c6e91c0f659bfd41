package risk

import "github.com/shopspring/decimal"

// Limit levels reported by Check.
const (
	LevelNormal  = "NORMAL"
	LevelWarning = "WARNING"
	LevelLimit   = "LIMIT"
)

// Config bounds what a single owner may have at stake.
type Config struct {
	MinStake           decimal.Decimal `json:"min_stake"`
	MaxStake           decimal.Decimal `json:"max_stake"`
	MaxActivePositions int             `json:"max_active_positions"`
	// WarningThreshold is the share of MaxActivePositions above which checks
	// report LevelWarning.
	WarningThreshold float64 `json:"warning_threshold"`
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MinStake:           decimal.NewFromInt(1),
		MaxStake:           decimal.NewFromInt(100000),
		MaxActivePositions: 20,
		WarningThreshold:   0.8,
	}
}

// CheckResult is the outcome of a pre-open check.
type CheckResult struct {
	Allowed    bool    `json:"allowed"`
	Reason     string  `json:"reason,omitempty"`
	LimitLevel string  `json:"limit_level"`
	UsageRatio float64 `json:"usage_ratio"`
}
