package domain

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Tier is one selectable (duration, payout rate) pair.
type Tier struct {
	ID         string
	Label      string
	Duration   time.Duration
	PayoutRate decimal.Decimal
}

// TierTable is the fixed set of tiers a position may be opened with.
type TierTable struct {
	tiers []Tier
	byID  map[string]Tier
}

// DefaultTiers returns the stock payout table.
func DefaultTiers() *TierTable {
	day := 24 * time.Hour
	t, _ := NewTierTable([]Tier{
		{ID: "30s", Label: "30 Seconds", Duration: 30 * time.Second, PayoutRate: decimal.NewFromInt(50)},
		{ID: "60s", Label: "60 Seconds", Duration: 60 * time.Second, PayoutRate: decimal.NewFromInt(60)},
		{ID: "120s", Label: "120 Seconds", Duration: 120 * time.Second, PayoutRate: decimal.NewFromInt(70)},
		{ID: "240s", Label: "240 Seconds", Duration: 240 * time.Second, PayoutRate: decimal.NewFromInt(80)},
		{ID: "360s", Label: "360 Seconds", Duration: 360 * time.Second, PayoutRate: decimal.NewFromInt(90)},
		{ID: "1d", Label: "1 Day", Duration: day, PayoutRate: decimal.NewFromInt(150)},
		{ID: "2d", Label: "2 Days", Duration: 2 * day, PayoutRate: decimal.NewFromInt(250)},
		{ID: "3d", Label: "3 Days", Duration: 3 * day, PayoutRate: decimal.NewFromInt(350)},
	})
	return t
}

// NewTierTable validates and indexes tiers, keeping their order.
func NewTierTable(tiers []Tier) (*TierTable, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("tier table is empty")
	}
	t := &TierTable{byID: make(map[string]Tier, len(tiers))}
	for _, tier := range tiers {
		tier.ID = strings.TrimSpace(tier.ID)
		if tier.ID == "" {
			return nil, fmt.Errorf("tier id is required")
		}
		if _, dup := t.byID[tier.ID]; dup {
			return nil, fmt.Errorf("duplicate tier %q", tier.ID)
		}
		if tier.Duration <= 0 {
			return nil, fmt.Errorf("tier %q: duration must be positive", tier.ID)
		}
		if !tier.PayoutRate.IsPositive() {
			return nil, fmt.Errorf("tier %q: payout rate must be positive", tier.ID)
		}
		if tier.Label == "" {
			tier.Label = tier.ID
		}
		t.tiers = append(t.tiers, tier)
		t.byID[tier.ID] = tier
	}
	return t, nil
}

// Lookup returns the tier with the given id.
func (t *TierTable) Lookup(id string) (Tier, error) {
	tier, ok := t.byID[strings.TrimSpace(id)]
	if !ok {
		return Tier{}, fmt.Errorf("%w: %q", ErrUnknownTier, id)
	}
	return tier, nil
}

// All returns the tiers in display order.
func (t *TierTable) All() []Tier {
	out := make([]Tier, len(t.tiers))
	copy(out, t.tiers)
	return out
}

type tierFileEntry struct {
	ID         string  `yaml:"id"`
	Label      string  `yaml:"label"`
	Duration   string  `yaml:"duration"`
	PayoutRate float64 `yaml:"payout_rate"`
}

type tierFile struct {
	Tiers []tierFileEntry `yaml:"tiers"`
}

// LoadTiers reads a tier table from YAML. Durations use Go syntax ("30s",
// "24h") with a "d" suffix accepted for whole days.
func LoadTiers(path string) (*TierTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file tierFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tiers %s: %w", path, err)
	}

	tiers := make([]Tier, 0, len(file.Tiers))
	for _, e := range file.Tiers {
		d, err := parseTierDuration(e.Duration)
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", e.ID, err)
		}
		tiers = append(tiers, Tier{
			ID:         e.ID,
			Label:      e.Label,
			Duration:   d,
			PayoutRate: decimal.NewFromFloat(e.PayoutRate),
		})
	}
	return NewTierTable(tiers)
}

func parseTierDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if days, ok := strings.CutSuffix(v, "d"); ok {
		n, err := decimal.NewFromString(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		return time.Duration(n.IntPart()) * 24 * time.Hour, nil
	}
	return time.ParseDuration(v)
}
