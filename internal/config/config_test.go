package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "test")

	cfg := Load()
	assert.Equal(t, EnvTest, cfg.Environment)
	assert.Equal(t, int64(10<<30), cfg.Limits.MaxItemBytes)
	assert.Equal(t, int64(2<<30), cfg.Limits.MaxBundleBytes)
	assert.Equal(t, 10_000, cfg.Limits.MaxItemsPerBundle)
	assert.Equal(t, 15, cfg.Pricing.BufferPct)
	assert.Equal(t, time.Hour, cfg.Pricing.ReservationTTL)
	assert.Equal(t, 3, cfg.Gateway.MinConfirmations)
	assert.Equal(t, 24*time.Hour, cfg.Gateway.VerifyDeadline)
	assert.Equal(t, 5, cfg.Workers.Concurrency["plan"])
	assert.Equal(t, 2, cfg.Workers.Concurrency["post"])
	assert.Equal(t, 1, cfg.Workers.Concurrency["oversizedItem"])
	assert.Equal(t, "retain", cfg.Limits.RawRetentionMode)
	assert.Equal(t, 50, cfg.UploadDB.MaxConns)
	assert.Equal(t, 5, cfg.UploadDB.MinConns)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("MAX_ITEM_BYTES", "1024")
	t.Setenv("WORKER_CONCURRENCY_POST", "7")
	t.Setenv("VERIFY_DEADLINE_SECS", "3600")
	t.Setenv("RATE_LIMIT_PRICE_WINDOW_MS", "500")
	t.Setenv("FRAUD_BAN_DAYS", "0")

	cfg := Load()
	assert.Equal(t, int64(1024), cfg.Limits.MaxItemBytes)
	assert.Equal(t, 7, cfg.Workers.Concurrency["post"])
	assert.Equal(t, time.Hour, cfg.Gateway.VerifyDeadline)
	assert.Equal(t, 500*time.Millisecond, cfg.RateLimit.Scopes["price"].Window)
	assert.Equal(t, 0, cfg.Fraud.BanDays) // 0 = permanent ban
}

func TestValidateProductionRequirements(t *testing.T) {
	t.Setenv("ENV", "production")

	cfg := Load()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRIVATE_SHARED_SECRET")
	assert.Contains(t, err.Error(), "BUNDLE_SIGNING_KEY")
}

func TestValidateBounds(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("MAX_BUNDLE_BYTES", "-1")
	t.Setenv("RAW_RETENTION_MODE", "shred")

	cfg := Load()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_BUNDLE_BYTES")
	assert.Contains(t, err.Error(), "RAW_RETENTION_MODE")
}

func TestInFlightTTL(t *testing.T) {
	t.Setenv("ENV", "test")
	cfg := Load()

	// Small upload: floor of 10 minutes applies.
	assert.Equal(t, 10*time.Minute, cfg.InFlightTTL(1024))

	// A 10 GiB upload at the minimum ingest rate needs far longer than the floor.
	big := cfg.InFlightTTL(10 << 30)
	assert.Greater(t, big, 10*time.Minute)
	expect := time.Duration((10<<30)/cfg.Limits.MinIngestBPS) * time.Second * 2
	assert.Equal(t, expect, big)
}
