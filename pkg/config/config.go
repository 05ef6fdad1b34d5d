// Package config loads the node configuration from a whitelisted set of
// environment variables. Unknown variables are ignored. Missing required
// values are tolerated in development and fail startup in production.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment names.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds the full node configuration.
type Config struct {
	Environment string
	Port        string
	HealthPort  string

	LogLevel  string
	LogFormat string
	LogFile   string

	DatabaseURL      string
	PoolMinSessions  int
	PoolMaxSessions  int
	AcquireTimeout   time.Duration
	MutationLogTTL   time.Duration
	FallbackCorpus   string
	FallbackCacheTTL time.Duration

	StateCacheBackend string
	StateCacheProject string

	RegionDefault  string
	RegionRulesDir string

	CardanoAdapterURL  string
	MidnightAdapterURL string
	LedgerMasterSecret string
	LedgerRetryBase    time.Duration
	LedgerMaxAttempts  int

	RedisAddr string

	CORSOrigins []string

	GovernanceJWTSecret string

	VerifierRequireLedger bool
	VerifierAllowStub     bool

	EvidenceStore      string
	EvidenceS3Bucket   string
	EvidenceS3Region   string
	EvidenceS3Endpoint string
	EvidenceGCSBucket  string
	DataDir            string

	OTELEnabled  bool
	OTELEndpoint string

	RateLimitRPS   float64
	RateLimitBurst int
}

// Load reads configuration from environment variables, applying defaults.
func Load() *Config {
	env := getEnv("ENVIRONMENT", EnvDevelopment)

	cfg := &Config{
		Environment: env,
		Port:        getEnv("PORT", "8080"),
		HealthPort:  getEnv("HEALTH_PORT", "8081"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		LogFile:   getEnv("LOG_FILE", ""),

		DatabaseURL:      getEnv("DATABASE_URL", ""),
		PoolMinSessions:  getEnvInt("DB_POOL_MIN", 2),
		PoolMaxSessions:  getEnvInt("DB_POOL_MAX", 20),
		AcquireTimeout:   getEnvSeconds("DB_ACQUIRE_TIMEOUT_S", 30),
		MutationLogTTL:   time.Duration(getEnvInt("MUTATION_LOG_TTL_DAYS", 7)) * 24 * time.Hour,
		FallbackCorpus:   getEnv("FALLBACK_CORPUS_PATH", ""),
		FallbackCacheTTL: getEnvSeconds("FALLBACK_CACHE_TTL_S", 300),

		StateCacheBackend: getEnv("STATE_CACHE_BACKEND", "memory"),
		StateCacheProject: getEnv("STATE_CACHE_PROJECT", ""),

		RegionDefault:  getEnv("REGION_DEFAULT", "us-east1"),
		RegionRulesDir: getEnv("REGION_RULES_DIR", ""),

		CardanoAdapterURL:  getEnv("CARDANO_ADAPTER_URL", ""),
		MidnightAdapterURL: getEnv("MIDNIGHT_ADAPTER_URL", ""),
		LedgerMasterSecret: getEnv("LEDGER_MASTER_SECRET", ""),
		LedgerRetryBase:    getEnvSeconds("LEDGER_RETRY_BASE_S", 120),
		LedgerMaxAttempts:  getEnvInt("LEDGER_MAX_ATTEMPTS", 5),

		RedisAddr: getEnv("REDIS_ADDR", ""),

		CORSOrigins: splitCSV(getEnv("CORS_ORIGINS", "*")),

		GovernanceJWTSecret: getEnv("GOVERNANCE_JWT_SECRET", ""),

		VerifierRequireLedger: getEnvBool("VERIFIER_REQUIRE_LEDGER", env == EnvProduction),
		VerifierAllowStub:     getEnvBool("VERIFIER_ALLOW_STUB", env != EnvProduction),

		EvidenceStore:      getEnv("EVIDENCE_STORE", "fs"),
		EvidenceS3Bucket:   getEnv("EVIDENCE_S3_BUCKET", ""),
		EvidenceS3Region:   getEnv("EVIDENCE_S3_REGION", ""),
		EvidenceS3Endpoint: getEnv("EVIDENCE_S3_ENDPOINT", ""),
		EvidenceGCSBucket:  getEnv("EVIDENCE_GCS_BUCKET", ""),
		DataDir:            getEnv("DATA_DIR", "data"),

		OTELEnabled:  getEnvBool("OTEL_ENABLED", false),
		OTELEndpoint: getEnv("OTEL_ENDPOINT", "localhost:4317"),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 100),
	}

	return cfg
}

// IsProduction reports whether the node runs in production mode. Stub
// verifier results are never accepted in production.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Validate checks production-required values. In development, missing values
// fall back to in-memory or stub behavior instead.
func (c *Config) Validate() error {
	if !c.IsProduction() {
		return nil
	}

	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.CardanoAdapterURL == "" {
		missing = append(missing, "CARDANO_ADAPTER_URL")
	}
	if c.MidnightAdapterURL == "" {
		missing = append(missing, "MIDNIGHT_ADAPTER_URL")
	}
	if c.LedgerMasterSecret == "" {
		missing = append(missing, "LEDGER_MASTER_SECRET")
	}
	if c.GovernanceJWTSecret == "" {
		missing = append(missing, "GOVERNANCE_JWT_SECRET")
	}
	if c.StateCacheBackend == "firestore" && c.StateCacheProject == "" {
		missing = append(missing, "STATE_CACHE_PROJECT")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.PoolMinSessions < 0 || c.PoolMaxSessions < 1 || c.PoolMinSessions > c.PoolMaxSessions {
		return fmt.Errorf("invalid pool bounds: min=%d max=%d", c.PoolMinSessions, c.PoolMaxSessions)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
