package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "file", cfg.RecoveryBackend)
	assert.Equal(t, "memory", cfg.RegistryBackend)
	assert.False(t, cfg.TelemetryEnabled)
	assert.Equal(t, 1.0, cfg.TelemetrySampleRate)
	assert.Equal(t, 30*time.Second, cfg.DefaultStepTimeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("RECOVERY_BACKEND", "postgres")
	t.Setenv("TELEMETRY_ENABLED", "true")
	t.Setenv("TELEMETRY_SAMPLE_RATE", "0.25")
	t.Setenv("DEFAULT_STEP_TIMEOUT", "45s")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "postgres", cfg.RecoveryBackend)
	assert.True(t, cfg.TelemetryEnabled)
	assert.Equal(t, 0.25, cfg.TelemetrySampleRate)
	assert.Equal(t, 45*time.Second, cfg.DefaultStepTimeout)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("TELEMETRY_ENABLED", "not-a-bool")
	t.Setenv("TELEMETRY_SAMPLE_RATE", "not-a-float")
	t.Setenv("DEFAULT_STEP_TIMEOUT", "not-a-duration")

	cfg := Load()

	assert.False(t, cfg.TelemetryEnabled)
	assert.Equal(t, 1.0, cfg.TelemetrySampleRate)
	assert.Equal(t, 30*time.Second, cfg.DefaultStepTimeout)
}
