package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", `
webhook:
  secret_key: "s3cret"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.App.Env)
	assert.Equal(t, ":9992", cfg.App.HTTPAddr)
	assert.Equal(t, 100, cfg.RateLimit.MaxRequests)
	assert.Equal(t, time.Hour, cfg.RateLimit.Window())
	assert.Equal(t, 10, cfg.RateLimit.BurstLimit)
	assert.Equal(t, 1000, cfg.Backpressure.MaxQueueSize)
	assert.InDelta(t, 0.8, cfg.Backpressure.QueueFullThreshold, 1e-9)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "exponential", cfg.Retry.Strategy)
	assert.True(t, cfg.Retry.Jitter)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Circuit.RecoveryTimeout())
	assert.Equal(t, time.Hour, cfg.Idempotency.CacheTTL())
	assert.Equal(t, "paper", cfg.Broker.Mode)
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", `
app:
  http_addr: ":7001"
retry:
  max_attempts: 5
  strategy: linear
  jitter: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7001", cfg.App.HTTPAddr)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "linear", cfg.Retry.Strategy)
	assert.False(t, cfg.Retry.Jitter)
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", `
app:
  env: prod
rate_limit:
  max_requests: 50
`)
	path := writeConfig(t, dir, "config.yaml", `
include:
  - base.yaml
rate_limit:
  max_requests: 200
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.App.Env)
	assert.Equal(t, 200, cfg.RateLimit.MaxRequests)
}

func TestLoadRejectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "include: [b.yaml]\n")
	path := writeConfig(t, dir, "b.yaml", "include: [a.yaml]\n")

	_, err := Load(path)
	require.ErrorContains(t, err, "include cycle")
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"bad allowed ip", "webhook:\n  allowed_ips: [\"not-an-ip\"]\n", "invalid IP"},
		{"bad cidr", "webhook:\n  allowed_ips: [\"10.0.0.0/99\"]\n", "invalid CIDR"},
		{"bad strategy", "retry:\n  strategy: psychic\n", "retry.strategy"},
		{"max below base", "retry:\n  base_delay: 10\n  max_delay: 1\n", "max_delay"},
		{"binance without keys", "broker:\n  mode: binance\n", "api_key"},
		{"bad broker mode", "broker:\n  mode: telepathy\n", "broker.mode"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), "config.yaml", tc.body)
			_, err := Load(path)
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", "rate_limit:\n  max_requests: 10\n")

	initial, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial)
	require.NoError(t, err)
	defer w.Close()

	got := make(chan *Config, 1)
	w.Subscribe(func(cfg *Config) {
		select {
		case got <- cfg:
		default:
		}
	})

	writeConfig(t, dir, "config.yaml", "rate_limit:\n  max_requests: 42\n")

	select {
	case cfg := <-got:
		assert.Equal(t, 42, cfg.RateLimit.MaxRequests)
		assert.Equal(t, 42, w.Snapshot().RateLimit.MaxRequests)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not deliver reloaded config")
	}
	assert.Equal(t, 10, initial.RateLimit.MaxRequests)
}

func TestWatcherKeepsSnapshotOnBrokenEdit(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", "rate_limit:\n  max_requests: 10\n")

	initial, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial)
	require.NoError(t, err)
	defer w.Close()

	writeConfig(t, dir, "config.yaml", "retry:\n  strategy: psychic\n")

	// The broken edit must never replace the snapshot.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 10, w.Snapshot().RateLimit.MaxRequests)
}
