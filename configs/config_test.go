package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leaselock/pkg/election"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	ec, err := cfg.ElectionConfig()
	require.NoError(t, err)
	assert.Equal(t, "state/active.lock", ec.Key)
	assert.Equal(t, 300*time.Second, ec.LeaseDuration)
	assert.Equal(t, 15*time.Second, ec.OperationTimeout)
	assert.Equal(t, election.FailOpen, ec.Policy)
	assert.Equal(t, 3, ec.MaxAttempts)
	assert.Equal(t, "main", cfg.Git.Branch)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
backend: redis
lease_duration: 2m
failure_policy: closed
redis:
  addr: redis.internal:6379
watch:
  schedule: "*/5 * * * *"
  command: ["make", "report"]
`)
	t.Setenv("LEASELOCK_REDIS_ADDR", "override:6380")
	t.Setenv("LEASELOCK_OPERATION_TIMEOUT", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "redis", cfg.Backend)
	assert.Equal(t, 2*time.Minute, cfg.LeaseDuration)
	assert.Equal(t, 3*time.Second, cfg.OperationTimeout)
	assert.Equal(t, "closed", cfg.FailurePolicy)
	assert.Equal(t, "override:6380", cfg.Redis.Addr)
	assert.Equal(t, "leaselock:", cfg.Redis.Prefix, "unset fields keep defaults")
	assert.Equal(t, "*/5 * * * *", cfg.Watch.Schedule)
	assert.Equal(t, []string{"make", "report"}, cfg.Watch.Command)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_BadEnvDuration(t *testing.T) {
	t.Setenv("LEASELOCK_LEASE_DURATION", "five minutes")
	_, err := Load(writeFile(t, "{}"))
	assert.ErrorContains(t, err, "LEASELOCK_LEASE_DURATION")
}

func TestLoad_BadEnvInt(t *testing.T) {
	t.Setenv("LEASELOCK_CLAIM_RETRIES", "lots")
	_, err := Load(writeFile(t, "{}"))
	assert.ErrorContains(t, err, "LEASELOCK_CLAIM_RETRIES")

	t.Setenv("LEASELOCK_CLAIM_RETRIES", "7")
	cfg, err := Load(writeFile(t, "{}"))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.ClaimRetries)
}

func TestLoad_SecretOnlyFromEnv(t *testing.T) {
	t.Setenv("LEASELOCK_SECRET", "c2VjcmV0")
	cfg, err := Load(writeFile(t, "secret: ignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "c2VjcmV0", cfg.Secret)
}

func TestLoad_TracingEndpointEnablesTracing(t *testing.T) {
	t.Setenv("LEASELOCK_TRACING_ENDPOINT", "otel:4318")
	cfg, err := Load(writeFile(t, "{}"))
	require.NoError(t, err)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "otel:4318", cfg.Tracing.Endpoint)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Backend = "zookeeper" }},
		{"bad policy", func(c *Config) { c.FailurePolicy = "perhaps" }},
		{"s3 without bucket", func(c *Config) { c.Backend = "s3" }},
		{"postgres without dsn", func(c *Config) { c.Backend = "postgres" }},
		{"zero lease", func(c *Config) { c.LeaseDuration = 0 }},
		{"zero retries", func(c *Config) { c.ClaimRetries = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
