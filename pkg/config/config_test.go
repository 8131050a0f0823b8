package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 3, cfg.LockRetryCount)
	assert.Equal(t, 10*time.Second, cfg.GateTimeout)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://concent@db/concent")
	t.Setenv("SWEEP_INTERVAL", "5s")
	t.Setenv("LOCK_RETRY_COUNT", "7")
	t.Setenv("LOCK_RETRY_BACKOFF", "not-a-duration")

	cfg := Load()
	assert.Equal(t, "postgres://concent@db/concent", cfg.DatabaseURL)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, 7, cfg.LockRetryCount)
	// Unparseable values fall back to the default.
	assert.Equal(t, 50*time.Millisecond, cfg.LockRetryBackoff)
}

func TestDefaultProtocolProfileIsValid(t *testing.T) {
	p := DefaultProtocolProfile()
	require.NoError(t, p.Validate())
	assert.Equal(t, 4*time.Hour, p.ConcentMessagingTime)
	assert.Equal(t, uint64(384), p.MinimumUploadRate)
}

func TestLoadProtocolProfileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: staging
concent_messaging_time: 30m
minimum_upload_rate: 1024
custom_protocol_times: true
custom_verification_time: 10m
`), 0o600))

	p, err := LoadProtocolProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", p.Name)
	assert.Equal(t, 30*time.Minute, p.ConcentMessagingTime)
	assert.Equal(t, uint64(1024), p.MinimumUploadRate)
	assert.True(t, p.CustomProtocolTimes)
	assert.Equal(t, 10*time.Minute, p.CustomVerificationTime)
	// Untouched fields keep their reference values.
	assert.Equal(t, 24*time.Hour, p.ForceAcceptanceTime)
}

func TestLoadProtocolProfileRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("minimum_upload_rate: 0\n"), 0o600))

	_, err := LoadProtocolProfile(path)
	assert.Error(t, err)
}

func TestLoadProtocolProfileMissingFile(t *testing.T) {
	_, err := LoadProtocolProfile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	p := DefaultProtocolProfile()
	p.CustomProtocolTimes = true
	p.CustomVerificationTime = 0
	assert.Error(t, p.Validate())

	p = DefaultProtocolProfile()
	p.AdditionalVerificationCost = 0
	assert.Error(t, p.Validate())
}
