// Package config loads server configuration from the environment, with an
// optional YAML file override for deployments that prefer files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the server settings.
type Config struct {
	Server struct {
		Addr            string        `env:"SERVER_ADDR,default=:8080" yaml:"addr"`
		ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT,default=15s" yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Database struct {
		DSN             string        `env:"DATABASE_URL" yaml:"dsn"`
		MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS,default=10" yaml:"max_open_conns"`
		MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS,default=5" yaml:"max_idle_conns"`
		ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME,default=30m" yaml:"conn_max_lifetime"`
	} `yaml:"database"`

	Auth struct {
		JWTSecret string        `env:"JWT_SECRET" yaml:"jwt_secret"`
		TokenTTL  time.Duration `env:"JWT_TTL,default=24h" yaml:"token_ttl"`
	} `yaml:"auth"`

	RateLimit struct {
		// MaxRequests 0 disables rate limiting (local dev and tests).
		MaxRequests int           `env:"RATE_LIMIT_MAX_REQUESTS,default=300" yaml:"max_requests"`
		Window      time.Duration `env:"RATE_LIMIT_WINDOW,default=1m" yaml:"window"`
	} `yaml:"rate_limit"`

	Snapshots struct {
		Interval int64 `env:"SNAPSHOT_INTERVAL,default=10" yaml:"interval"`
		Retain   int   `env:"SNAPSHOT_RETAIN,default=5" yaml:"retain"`
	} `yaml:"snapshots"`

	Scheduler struct {
		// CompactionSpec is a cron spec for snapshot compaction and
		// seeding a first snapshot for wallets that have none.
		CompactionSpec string `env:"SCHEDULER_COMPACTION_SPEC,default=@every 5m" yaml:"compaction_spec"`
	} `yaml:"scheduler"`
}

// Load reads .env when present, then decodes the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}

// LoadFile loads the environment first, then overlays a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
