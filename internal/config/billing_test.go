package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBillingConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billing.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
billing:
  tax:
    defaultRate: 0.11
    mode: inclusive
    orgRates:
      "42": 0.07
  invoice:
    numberPrefix: BILL
  lock:
    ttl: 10s
`), 0o600))

	holder, err := NewBillingConfigHolderFromFile(path, zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.InDelta(t, 0.11, cfg.Tax.DefaultRate, 1e-9)
	assert.Equal(t, TaxModeInclusive, cfg.Tax.Mode)
	assert.InDelta(t, 0.07, cfg.Tax.OrgRates["42"], 1e-9)
	assert.Equal(t, "BILL", cfg.Invoice.NumberPrefix)
	assert.Equal(t, 10*time.Second, cfg.Lock.TTL)
	assert.Equal(t, uint(5), cfg.Lock.MaxRetries)
}

func TestBillingConfigPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billing.yml")
	require.NoError(t, os.WriteFile(path, []byte("billing:\n  tax:\n    defaultRate: 0.1\n"), 0o600))

	holder, err := NewBillingConfigHolderFromFile(path, zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	defaults := DefaultBillingConfig()
	assert.InDelta(t, 0.1, cfg.Tax.DefaultRate, 1e-9)
	assert.Equal(t, TaxModeExclusive, cfg.Tax.Mode)
	assert.Equal(t, defaults.Invoice.NumberPrefix, cfg.Invoice.NumberPrefix)
	assert.Equal(t, defaults.Lock, cfg.Lock)
}

func TestBillingConfigRejectsInvalidTaxMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billing.yml")
	require.NoError(t, os.WriteFile(path, []byte("billing:\n  tax:\n    mode: vat\n"), 0o600))

	_, err := NewBillingConfigHolderFromFile(path, zap.NewNop())
	assert.Error(t, err)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "sqlite")
	t.Setenv("SCHEDULER_WORKERS", "8")
	t.Setenv("SCHEDULER_INTERVAL", "30s")
	t.Setenv("REDIS_ENABLED", "yes")

	cfg := Load()
	assert.Equal(t, "sqlite", cfg.DBType)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	assert.True(t, cfg.RedisEnabled)
}
