package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 2.0, cfg.Retry.BackoffMultiplier)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Circuit.RecoveryTimeout)
	assert.Nil(t, cfg.Profiles)
	assert.Equal(t, "0.0.0.0:8090", cfg.ServerAddr())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("RETRY_MAX_ATTEMPTS", "6")
	t.Setenv("RETRY_MAX_DELAY", "1s")
	t.Setenv("CIRCUIT_FAILURE_THRESHOLD", "3")
	t.Setenv("SERVER_ALLOWED_ORIGINS", "http://a.test, http://b.test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 3, cfg.Circuit.FailureThreshold)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.AllowedOrigins)
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SURFACE_MAX_ATTEMPTS=4\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("SURFACE_MAX_ATTEMPTS") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Surface.MaxAttempts)
}

func TestLoad_InvalidConfiguration(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("RETRY_BACKOFF_MULTIPLIER", "1.0")

	_, err := Load()
	assert.ErrorContains(t, err, "backoff multiplier")
}

func TestLoad_WithProfiles(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	file := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
circuits:
  - match: "smtp:*"
    failure_threshold: 2
    recovery_timeout: 10s
  - match: "api:*"
    recovery_timeout: 1m
`), 0o600))
	t.Setenv("RECOVERY_PROFILES_FILE", file)

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Profiles)

	smtp := cfg.CircuitFor("smtp:mail.example.com")
	assert.Equal(t, 2, smtp.FailureThreshold)
	assert.Equal(t, 10*time.Second, smtp.RecoveryTimeout)

	api := cfg.CircuitFor("api:payments")
	assert.Equal(t, 5, api.FailureThreshold)
	assert.Equal(t, time.Minute, api.RecoveryTimeout)

	assert.Equal(t, cfg.Circuit, cfg.CircuitFor("redis:status"))
}

func TestParseProfiles_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing match", "circuits:\n  - failure_threshold: 2\n"},
		{"bad pattern", "circuits:\n  - match: \"[\"\n"},
		{"negative threshold", "circuits:\n  - match: \"*\"\n    failure_threshold: -1\n"},
		{"not yaml", "circuits: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProfiles([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Retry:   RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, BackoffMultiplier: 2},
			Surface: SurfaceConfig{MaxAttempts: 1},
			Restart: RestartConfig{MaxAttempts: 1},
			Circuit: CircuitConfig{FailureThreshold: 1, RecoveryTimeout: time.Second},
		}
	}

	assert.NoError(t, valid().Validate())

	single := valid()
	single.Retry.MaxAttempts = 1
	single.Retry.BackoffMultiplier = 0
	assert.NoError(t, single.Validate(), "multiplier is irrelevant with a single attempt")

	zeroAttempts := valid()
	zeroAttempts.Retry.MaxAttempts = 0
	assert.Error(t, zeroAttempts.Validate())

	noTimeout := valid()
	noTimeout.Circuit.RecoveryTimeout = 0
	assert.Error(t, noTimeout.Validate())

	sampling := valid()
	sampling.Tracing.SamplingRate = 1.5
	assert.Error(t, sampling.Validate())

	severity := valid()
	severity.Alerts.MinSeverity = "loud"
	assert.Error(t, severity.Validate())
	severity.Alerts.MinSeverity = "error"
	assert.NoError(t, severity.Validate())

	bothAuth := valid()
	bothAuth.Upstream.TokenSecret = "secret"
	bothAuth.Upstream.OAuthTokenURL = "https://auth.example.com/token"
	assert.Error(t, bothAuth.Validate())
}
