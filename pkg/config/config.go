// Package config holds service configuration. Runtime settings come from
// environment variables with safe dev defaults; protocol timing constants
// come from a versioned deployment profile so every node of a deployment
// agrees bit-for-bit on deadline arithmetic.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds service configuration.
type Config struct {
	LogLevel          string
	DatabaseURL       string
	RedisAddr         string
	LedgerRPCURL      string
	StorageClusterURL string
	// TokenMasterSecret seeds the HKDF derivation of the transfer-token
	// signing key. Must be set outside dev.
	TokenMasterSecret string
	OTLPEndpoint      string
	SweepInterval     time.Duration

	// LockRetryCount and LockRetryBackoff bound the retry loop around
	// transient row-lock failures on subtask transitions.
	LockRetryCount   int
	LockRetryBackoff time.Duration

	// GateTimeout bounds ledger balance lookups made while a subtask row
	// lock is held.
	GateTimeout time.Duration
	// PipelineTimeout bounds verification queue submissions made while a
	// subtask row lock is held.
	PipelineTimeout time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		LogLevel:          envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:       envOr("DATABASE_URL", "file:concent.db?_pragma=busy_timeout(5000)"),
		RedisAddr:         envOr("REDIS_ADDR", "localhost:6379"),
		LedgerRPCURL:      envOr("LEDGER_RPC_URL", "http://localhost:8545"),
		StorageClusterURL: envOr("STORAGE_CLUSTER_URL", "http://localhost:8001"),
		TokenMasterSecret: envOr("TOKEN_MASTER_SECRET", "dev-only-secret"),
		OTLPEndpoint:      envOr("OTLP_ENDPOINT", ""),
		SweepInterval:     envDurationOr("SWEEP_INTERVAL", 30*time.Second),
		LockRetryCount:    envIntOr("LOCK_RETRY_COUNT", 3),
		LockRetryBackoff:  envDurationOr("LOCK_RETRY_BACKOFF", 50*time.Millisecond),
		GateTimeout:       envDurationOr("GATE_TIMEOUT", 10*time.Second),
		PipelineTimeout:   envDurationOr("PIPELINE_TIMEOUT", 10*time.Second),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationOr(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
