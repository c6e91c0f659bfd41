package domain

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTiers(t *testing.T) {
	table := DefaultTiers()
	want := map[string]struct {
		d    time.Duration
		rate int64
	}{
		"30s":  {30 * time.Second, 50},
		"60s":  {time.Minute, 60},
		"120s": {2 * time.Minute, 70},
		"240s": {4 * time.Minute, 80},
		"360s": {6 * time.Minute, 90},
		"1d":   {24 * time.Hour, 150},
		"2d":   {48 * time.Hour, 250},
		"3d":   {72 * time.Hour, 350},
	}
	require.Len(t, table.All(), len(want))
	for id, w := range want {
		tier, err := table.Lookup(id)
		require.NoError(t, err, id)
		assert.Equal(t, w.d, tier.Duration, id)
		assert.True(t, tier.PayoutRate.Equal(decimal.NewFromInt(w.rate)), id)
	}

	_, err := table.Lookup("5s")
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestLoadTiers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.yaml")
	content := `
tiers:
  - id: fast
    label: Fast
    duration: 15s
    payout_rate: 40
  - id: week
    duration: 7d
    payout_rate: 500.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	table, err := LoadTiers(path)
	require.NoError(t, err)

	fast, err := table.Lookup("fast")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, fast.Duration)
	assert.Equal(t, "Fast", fast.Label)

	week, err := table.Lookup("week")
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, week.Duration)
	assert.True(t, week.PayoutRate.Equal(decimal.RequireFromString("500.5")))
	assert.Equal(t, "week", week.Label)
}

func TestNewTierTableRejectsInvalid(t *testing.T) {
	_, err := NewTierTable(nil)
	assert.Error(t, err)

	_, err = NewTierTable([]Tier{
		{ID: "a", Duration: time.Second, PayoutRate: decimal.NewFromInt(1)},
		{ID: "a", Duration: time.Second, PayoutRate: decimal.NewFromInt(1)},
	})
	assert.Error(t, err)

	_, err = NewTierTable([]Tier{{ID: "a", Duration: 0, PayoutRate: decimal.NewFromInt(1)}})
	assert.Error(t, err)
}

func TestInstrumentSet(t *testing.T) {
	set := NewInstrumentSet([]string{"BTCUSDT", " ethusdt ", "btcusdt", ""})
	assert.Equal(t, []string{"btcusdt", "ethusdt"}, set.Symbols())

	sym, err := set.Validate("EthUsdt")
	require.NoError(t, err)
	assert.Equal(t, "ethusdt", sym)

	_, err = set.Validate("shibusdt")
	assert.ErrorIs(t, err, ErrUnknownInstrument)
}
