package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafsii/stash/pkg/kv"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsDev())
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, kv.MemoryURI, cfg.Store.URI)
	assert.Equal(t, kv.DefaultNamespace, cfg.Store.Namespace)
	assert.Equal(t, 30*time.Second, cfg.Store.JanitorInterval)
	assert.Equal(t, 10, cfg.Store.MaxConns)
	assert.False(t, cfg.Store.Failover)
	assert.Equal(t, 15*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 600, cfg.Security.RateLimitRPM)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.Security.CORSAllowedOrigins)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("STASH_ENV", "prod")
	t.Setenv("STASH_URI", "redis://cache:6379/1")
	t.Setenv("STASH_NAMESPACE", "sessions")
	t.Setenv("STASH_FAILOVER", "true")
	t.Setenv("STASH_PROBE_INTERVAL", "2s")
	t.Setenv("STASH_STORE_OPTIONS", "dial_timeout=500ms, read_timeout=1s")
	t.Setenv("STASH_CORS_ALLOWED_ORIGINS", "https://app.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProd())
	assert.Equal(t, "redis://cache:6379/1", cfg.Store.URI)
	assert.Equal(t, "sessions", cfg.Store.Namespace)
	assert.True(t, cfg.Store.Failover)
	assert.Equal(t, 2*time.Second, cfg.Store.ProbeInterval)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Security.CORSAllowedOrigins)

	built := cfg.Builder(nil).Config()
	assert.Equal(t, "redis://cache:6379/1", built.URI)
	assert.Equal(t, "sessions", built.Namespace)
	assert.True(t, built.FailoverEnabled)
	assert.Equal(t, map[string]string{"dial_timeout": "500ms", "read_timeout": "1s"}, built.Options)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string][2]string{
		"unknown env":       {"STASH_ENV", "staging"},
		"unsupported uri":   {"STASH_URI", "mysql://localhost/db"},
		"bad namespace":     {"STASH_NAMESPACE", "drop table"},
		"zero max conns":    {"STASH_MAX_CONNS", "0"},
		"malformed options": {"STASH_STORE_OPTIONS", "busy_timeout"},
		"zero rate limit":   {"STASH_RATE_LIMIT_RPM", "0"},
	}

	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
