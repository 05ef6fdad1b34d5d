package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/brandmeonline/integrity-spine/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
// Invariant: the node must boot with safe defaults in dev mode.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STATE_CACHE_BACKEND", "")
	t.Setenv("REGION_DEFAULT", "")
	t.Setenv("VERIFIER_REQUIRE_LEDGER", "")
	t.Setenv("VERIFIER_ALLOW_STUB", "")

	cfg := config.Load()

	assert.Equal(t, config.EnvDevelopment, cfg.Environment)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "8081", cfg.HealthPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.StateCacheBackend)
	assert.Equal(t, "us-east1", cfg.RegionDefault)
	assert.Equal(t, 30*time.Second, cfg.AcquireTimeout)
	assert.Equal(t, 7*24*time.Hour, cfg.MutationLogTTL)
	assert.Equal(t, 120*time.Second, cfg.LedgerRetryBase)
	assert.Equal(t, 5, cfg.LedgerMaxAttempts)
	// Dev mode: ledger not required, stub fallback permitted.
	assert.False(t, cfg.VerifierRequireLedger)
	assert.True(t, cfg.VerifierAllowStub)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
// Invariant: ops control config via standard 12-factor env vars.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("PORT", "9090")
	t.Setenv("DB_POOL_MAX", "50")
	t.Setenv("DB_ACQUIRE_TIMEOUT_S", "10")
	t.Setenv("REGION_DEFAULT", "eu-west1")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("LEDGER_MAX_ATTEMPTS", "3")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 50, cfg.PoolMaxSessions)
	assert.Equal(t, 10*time.Second, cfg.AcquireTimeout)
	assert.Equal(t, "eu-west1", cfg.RegionDefault)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 3, cfg.LedgerMaxAttempts)
	// Production flips the verifier defaults.
	assert.True(t, cfg.VerifierRequireLedger)
	assert.False(t, cfg.VerifierAllowStub)
}

// TestValidate_ProductionRequired verifies production startup fails when
// required values are unset.
// Invariant: a production node never silently runs without its stores,
// adapters, or secrets.
func TestValidate_ProductionRequired(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CARDANO_ADAPTER_URL", "")
	t.Setenv("MIDNIGHT_ADAPTER_URL", "")
	t.Setenv("LEDGER_MASTER_SECRET", "")
	t.Setenv("GOVERNANCE_JWT_SECRET", "")

	cfg := config.Load()
	err := cfg.Validate()

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "CARDANO_ADAPTER_URL")
	assert.Contains(t, err.Error(), "GOVERNANCE_JWT_SECRET")
}

// TestValidate_DevelopmentLenient verifies development mode tolerates a
// bare environment.
func TestValidate_DevelopmentLenient(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("DATABASE_URL", "")

	cfg := config.Load()
	assert.NoError(t, cfg.Validate())
}

// TestValidate_FirestoreNeedsProject verifies the firestore backend demands
// a GCP project in production.
func TestValidate_FirestoreNeedsProject(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("DATABASE_URL", "postgres://spine:5432/spine")
	t.Setenv("CARDANO_ADAPTER_URL", "http://cardano:9000")
	t.Setenv("MIDNIGHT_ADAPTER_URL", "http://midnight:9001")
	t.Setenv("LEDGER_MASTER_SECRET", "s3cret")
	t.Setenv("GOVERNANCE_JWT_SECRET", "jwt-s3cret")
	t.Setenv("STATE_CACHE_BACKEND", "firestore")
	t.Setenv("STATE_CACHE_PROJECT", "")

	cfg := config.Load()
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "STATE_CACHE_PROJECT")
}

// TestValidate_PoolBounds rejects inverted pool bounds.
func TestValidate_PoolBounds(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("DATABASE_URL", "postgres://spine:5432/spine")
	t.Setenv("CARDANO_ADAPTER_URL", "http://cardano:9000")
	t.Setenv("MIDNIGHT_ADAPTER_URL", "http://midnight:9001")
	t.Setenv("LEDGER_MASTER_SECRET", "s3cret")
	t.Setenv("GOVERNANCE_JWT_SECRET", "jwt-s3cret")
	t.Setenv("DB_POOL_MIN", "30")
	t.Setenv("DB_POOL_MAX", "10")

	cfg := config.Load()
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "pool bounds")
}
