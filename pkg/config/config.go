// Package config loads FlowOrchestrator's process configuration from
// environment variables.
//
// Grounded on the reference's pkg/config.Load: a flat struct populated
// from os.Getenv with hardcoded defaults, no external config library.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the orchestrator process's configuration.
type Config struct {
	Port     string
	LogLevel string

	// RecoveryBackend selects the pkg/recovery.Store implementation:
	// "file", "sqlite", or "postgres".
	RecoveryBackend string
	RecoveryDSN     string // file path, sqlite path, or postgres DSN

	// RegistryBackend selects the pkg/registry.Registry implementation:
	// "memory" or "redis".
	RegistryBackend string
	RedisAddr       string

	VersionCatalogURL string

	TelemetryEnabled      bool
	TelemetryOTLPEndpoint string
	TelemetrySampleRate   float64

	JWTSigningKey string

	DefaultStepTimeout time.Duration
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// Load populates a Config from the environment, applying defaults
// suited to a local, single-node dev deployment.
func Load() *Config {
	return &Config{
		Port:     getenv("PORT", "8080"),
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		RecoveryBackend: getenv("RECOVERY_BACKEND", "file"),
		RecoveryDSN:     getenv("RECOVERY_DSN", "./floworchestrator-recovery.json"),

		RegistryBackend: getenv("REGISTRY_BACKEND", "memory"),
		RedisAddr:       getenv("REDIS_ADDR", "localhost:6379"),

		VersionCatalogURL: getenv("VERSION_CATALOG_URL", "http://localhost:9090"),

		TelemetryEnabled:      getenvBool("TELEMETRY_ENABLED", false),
		TelemetryOTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		TelemetrySampleRate:   getenvFloat("TELEMETRY_SAMPLE_RATE", 1.0),

		JWTSigningKey: getenv("JWT_SIGNING_KEY", ""),

		DefaultStepTimeout: getenvDuration("DEFAULT_STEP_TIMEOUT", 30*time.Second),
	}
}
