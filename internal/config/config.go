package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. QUIZ_STORE_DRIVER.
const EnvPrefix = "QUIZ_"

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
	Store    StoreConfig    `yaml:"store" envPrefix:"STORE_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	Postgres PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
	Session  SessionConfig  `yaml:"session" envPrefix:"SESSION_"`
	Metrics  MetricsConfig  `yaml:"metrics" envPrefix:"METRICS_"`
}

type ServerConfig struct {
	Port         string `yaml:"port" env:"PORT"`
	ReadTimeout  string `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type StoreConfig struct {
	// Driver selects the session store: memory, redis or postgres.
	Driver string `yaml:"driver" env:"DRIVER"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

type PostgresConfig struct {
	URL string `yaml:"url" env:"URL"`
}

type SessionConfig struct {
	// CodeMaxAttempts bounds join-code generation retries.
	CodeMaxAttempts int `yaml:"code_max_attempts" env:"CODE_MAX_ATTEMPTS"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		Server:  ServerConfig{Port: "8080", ReadTimeout: "15s", WriteTimeout: "15s"},
		Log:     LogConfig{Level: "info", Format: "json"},
		Store:   StoreConfig{Driver: DriverMemory},
		Session: SessionConfig{CodeMaxAttempts: 32},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load layers defaults, the YAML file at path (skipped when path is empty), and
// QUIZ_-prefixed environment variables, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects store selections that cannot be wired.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w: redis driver needs redis.addr", ErrInvalidConfig)
		}
	case DriverPostgres:
		if c.Postgres.URL == "" {
			return fmt.Errorf("%w: postgres driver needs postgres.url", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	if c.Session.CodeMaxAttempts < 0 {
		return fmt.Errorf("%w: session.code_max_attempts must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Duration parses a duration string or returns the fallback if empty or invalid.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
