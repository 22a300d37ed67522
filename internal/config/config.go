package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/leafsii/stash/pkg/kv"
)

type Config struct {
	Env      string `mapstructure:"STASH_ENV"`
	HTTPAddr string `mapstructure:"STASH_HTTP_ADDR"`

	Store     StoreConfig     `mapstructure:",squash"`
	Server    ServerConfig    `mapstructure:",squash"`
	Security  SecurityConfig  `mapstructure:",squash"`
	Migration MigrationConfig `mapstructure:",squash"`
}

type StoreConfig struct {
	URI                 string        `mapstructure:"STASH_URI"`
	Namespace           string        `mapstructure:"STASH_NAMESPACE"`
	JanitorInterval     time.Duration `mapstructure:"STASH_JANITOR_INTERVAL"`
	MaxConns            int           `mapstructure:"STASH_MAX_CONNS"`
	Failover            bool          `mapstructure:"STASH_FAILOVER"`
	ProbeInterval       time.Duration `mapstructure:"STASH_PROBE_INTERVAL"`
	StartupProbeTimeout time.Duration `mapstructure:"STASH_STARTUP_PROBE_TIMEOUT"`
	// Options holds backend options as key=value pairs, e.g. "busy_timeout=5000"
	Options []string `mapstructure:"STASH_STORE_OPTIONS"`
}

type ServerConfig struct {
	RequestTimeout time.Duration `mapstructure:"STASH_REQUEST_TIMEOUT"`
}

type SecurityConfig struct {
	RateLimitRPM       int      `mapstructure:"STASH_RATE_LIMIT_RPM"`
	CORSAllowedOrigins []string `mapstructure:"STASH_CORS_ALLOWED_ORIGINS"`
}

type MigrationConfig struct {
	// Dir overrides the embedded migrations with a directory on disk
	Dir string `mapstructure:"STASH_MIGRATIONS_DIR"`
}

func loadDotEnvFiles() {
	candidates := []string{
		".env",
		filepath.Join("..", ".env"),
	}

	seen := make(map[string]struct{})
	for _, path := range candidates {
		abs := path
		if !filepath.IsAbs(path) {
			if resolved, err := filepath.Abs(path); err == nil {
				abs = resolved
			}
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}

		if _, err := os.Stat(path); err == nil {
			_ = gotenv.Load(path) // ignore errors; env vars already set take precedence
		}
	}
}

// splitList turns a comma-separated value into its trimmed, non-empty parts.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func Load() (*Config, error) {
	loadDotEnvFiles()

	v := viper.New()
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("STASH_ENV", "dev")
	v.SetDefault("STASH_HTTP_ADDR", ":8080")
	v.SetDefault("STASH_URI", kv.MemoryURI)
	v.SetDefault("STASH_NAMESPACE", kv.DefaultNamespace)
	v.SetDefault("STASH_JANITOR_INTERVAL", kv.DefaultJanitorInterval.String())
	v.SetDefault("STASH_MAX_CONNS", kv.DefaultMaxConns)
	v.SetDefault("STASH_FAILOVER", false)
	v.SetDefault("STASH_PROBE_INTERVAL", kv.DefaultProbeInterval.String())
	v.SetDefault("STASH_STARTUP_PROBE_TIMEOUT", kv.DefaultStartupProbeTimeout.String())
	v.SetDefault("STASH_STORE_OPTIONS", "")
	v.SetDefault("STASH_REQUEST_TIMEOUT", "15s")
	v.SetDefault("STASH_RATE_LIMIT_RPM", 600)
	v.SetDefault("STASH_CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("STASH_MIGRATIONS_DIR", "")

	// Handle array parsing for comma-separated values
	for _, key := range []string{"STASH_CORS_ALLOWED_ORIGINS", "STASH_STORE_OPTIONS"} {
		v.Set(key, splitList(v.GetString(key)))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Env {
	case "dev", "test", "prod":
	default:
		return fmt.Errorf("invalid STASH_ENV %q (must be dev, test, or prod)", c.Env)
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("STASH_HTTP_ADDR is required")
	}
	if _, _, err := kv.ParseURI(c.Store.URI); err != nil {
		return fmt.Errorf("STASH_URI: %w", err)
	}
	if err := kv.ValidateNamespace(c.Store.Namespace); err != nil {
		return fmt.Errorf("STASH_NAMESPACE: %w", err)
	}
	if c.Store.MaxConns <= 0 {
		return fmt.Errorf("STASH_MAX_CONNS must be positive")
	}
	if _, err := c.Store.options(); err != nil {
		return err
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("STASH_REQUEST_TIMEOUT must be positive")
	}
	if c.Security.RateLimitRPM <= 0 {
		return fmt.Errorf("STASH_RATE_LIMIT_RPM must be positive")
	}
	return nil
}

func (s StoreConfig) options() (map[string]string, error) {
	opts := make(map[string]string, len(s.Options))
	for _, pair := range s.Options {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("STASH_STORE_OPTIONS: %q is not key=value", pair)
		}
		opts[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return opts, nil
}

// Builder returns a kv.Builder populated from the store settings.
func (c *Config) Builder(logger kv.LogFunc) *kv.Builder {
	b := kv.NewBuilder().
		URI(c.Store.URI).
		Namespace(c.Store.Namespace).
		JanitorInterval(c.Store.JanitorInterval).
		MaxConns(c.Store.MaxConns).
		Failover(c.Store.Failover).
		ProbeInterval(c.Store.ProbeInterval).
		StartupProbeTimeout(c.Store.StartupProbeTimeout).
		Logger(logger)

	// Validated by Load
	opts, _ := c.Store.options()
	for key, value := range opts {
		b.Option(key, value)
	}
	return b
}

func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

func (c *Config) IsProd() bool {
	return c.Env == "prod"
}
