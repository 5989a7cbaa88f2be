// Package config loads the CLI configuration.
//
// Sources, highest priority first:
//  1. an explicit --config path;
//  2. CIVIC_CONFIG;
//  3. ./civictrack.yaml;
//  4. environment only (cleanenv).
//
// A .env file in the working directory, if present, is loaded into the
// environment before any of these are read.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/guarzo/civictrack/modules/accounts"
	"github.com/guarzo/civictrack/modules/reports"
)

const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"

	StoreMemory = "memory"
	StoreBolt   = "bolt"
	StoreRedis  = "redis"

	localFile = "civictrack.yaml"
)

type Config struct {
	Env      string         `yaml:"env"       env:"CIVIC_ENV"       env-default:"local"`
	LogLevel string         `yaml:"log_level" env:"CIVIC_LOG_LEVEL"`
	API      APIConfig      `yaml:"api"`
	Session  SessionConfig  `yaml:"session"`
	Store    StoreConfig    `yaml:"store"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Reports  reports.Paths  `yaml:"reports"  env-prefix:"CIVIC_"`
	Accounts accounts.Paths `yaml:"accounts" env-prefix:"CIVIC_"`
}

// APIConfig is where the backend lives and how it is reached.
type APIConfig struct {
	BaseURL     string        `yaml:"base_url"     env:"CIVIC_BASE_URL"     env-default:"http://127.0.0.1:8000/api/v1"`
	RefreshPath string        `yaml:"refresh_path" env:"CIVIC_REFRESH_PATH" env-default:"/token/refresh/"`
	UserAgent   string        `yaml:"user_agent"   env:"CIVIC_USER_AGENT"   env-default:"civictrack-cli/1.0"`
	Timeout     time.Duration `yaml:"timeout"      env:"CIVIC_TIMEOUT"      env-default:"10s"`
}

// SessionConfig controls the expiry pre-check. cleanenv cannot tell an
// explicit false from an unset bool, so the switch is negative.
type SessionConfig struct {
	DisablePreCheck bool          `yaml:"disable_pre_check" env:"CIVIC_DISABLE_PRE_CHECK"`
	Leeway          time.Duration `yaml:"leeway"            env:"CIVIC_LEEWAY"            env-default:"30s"`
}

// StoreConfig selects where credentials are kept between runs.
type StoreConfig struct {
	Kind          string `yaml:"kind"           env:"CIVIC_STORE"          env-default:"bolt"`
	BoltPath      string `yaml:"bolt_path"      env:"CIVIC_BOLT_PATH"`
	RedisAddr     string `yaml:"redis_addr"     env:"CIVIC_REDIS_ADDR"     env-default:"127.0.0.1:6379"`
	RedisPassword string `yaml:"redis_password" env:"CIVIC_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db"       env:"CIVIC_REDIS_DB"       env-default:"0"`
	RedisPrefix   string `yaml:"redis_prefix"   env:"CIVIC_REDIS_PREFIX"   env-default:"civictrack:session"`
}

// MetricsConfig optionally writes the client counters to a file on exit.
type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path" env:"CIVIC_METRICS_TEXTFILE"`
}

// MustLoad panics when the configuration cannot be loaded.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config

	readFile := func(p string) (*Config, error) {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("config file %q stat failed: %w", p, err)
		}
		// ReadConfig overlays the environment after the file.
		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}

	if path != "" {
		return readFile(path)
	}
	if envPath := os.Getenv("CIVIC_CONFIG"); envPath != "" {
		return readFile(envPath)
	}
	if _, err := os.Stat(localFile); err == nil {
		return readFile(localFile)
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate checks values and fills in the ones that depend on the host.
func (c *Config) validate() error {
	switch c.Env {
	case EnvLocal, EnvDev, EnvProd:
	default:
		return fmt.Errorf("config: unknown env %q", c.Env)
	}

	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: base_url must be an absolute URL, got %q", c.API.BaseURL)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("config: timeout must be positive")
	}
	if c.Session.Leeway < 0 {
		return fmt.Errorf("config: leeway must not be negative")
	}

	switch c.Store.Kind {
	case StoreMemory:
	case StoreBolt:
		if c.Store.BoltPath == "" {
			c.Store.BoltPath = DefaultBoltPath()
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("config: redis_addr is required for the redis store")
		}
	default:
		return fmt.Errorf("config: unknown store %q", c.Store.Kind)
	}
	return nil
}

// DefaultBoltPath is the session file under the user's config directory.
func DefaultBoltPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "civictrack-session.db"
	}
	return filepath.Join(dir, "civictrack", "session.db")
}
