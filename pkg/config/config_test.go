package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("DB_PATH", "/tmp/tradesim-test.db")
	t.Setenv("RECONCILE_INTERVAL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, time.Second, cfg.ReconcileInterval)
	assert.True(t, cfg.MinStake.IsPositive())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_PATH", "/tmp/tradesim-test.db")
	t.Setenv("RECONCILE_INTERVAL", "250ms")
	t.Setenv("ADMIN_EMAILS", "Ops@Example.com, root@example.com")
	t.Setenv("SIGNUP_BONUS", "25.5")
	t.Setenv("INSTRUMENTS", "btcusdt, ethusdt")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconcileInterval)
	assert.True(t, cfg.IsAdminEmail("ops@example.com"))
	assert.False(t, cfg.IsAdminEmail("user@example.com"))
	assert.Equal(t, "25.5", cfg.SignupBonus.String())
	assert.Equal(t, []string{"btcusdt", "ethusdt"}, cfg.Instruments)
}

func TestValidate(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("POSTGRES_DSN", "")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("DB_DRIVER", "mongo")
	_, err = Load()
	require.Error(t, err)
}
