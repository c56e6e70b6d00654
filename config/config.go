package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

const (
	DefaultAddress                = ":8080"
	DefaultThreads                = 4
	DefaultSourceTimeout          = 30 * time.Second
	DefaultTickInterval           = 30 * time.Second
	DefaultFetchInterval          = 15 * time.Minute
	DefaultBackoffBase            = time.Minute
	DefaultBackoffMax             = 6 * time.Hour
	DefaultPermanentBackoffFactor = 4
	DefaultDueBatch               = 100
	DefaultMaxBodyBytes           = 16 << 20
	DefaultMaxConnsPerHost        = 4
	DefaultUserAgent              = "rss-aggregator/1.0"
	DefaultContentFormat          = "html"
	DefaultDBMaxConns             = 10
	DefaultShutdownGrace          = 15 * time.Second
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "json"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	DbUrl                  string        `yaml:"db_conn" toml:"db_conn" env:"DATABASE_URL"`
	Address                string        `yaml:"address" toml:"address" env:"ADDRESS"`
	Threads                int           `yaml:"threads" toml:"threads" env:"THREADS"`
	SourceTimeout          time.Duration `yaml:"source_timeout" toml:"source_timeout" env:"SOURCE_TIMEOUT"`
	TickInterval           time.Duration `yaml:"tick_interval" toml:"tick_interval" env:"TICK_INTERVAL"`
	FetchInterval          time.Duration `yaml:"fetch_interval" toml:"fetch_interval" env:"FETCH_INTERVAL"`
	BackoffBase            time.Duration `yaml:"backoff_base" toml:"backoff_base" env:"BACKOFF_BASE"`
	BackoffMax             time.Duration `yaml:"backoff_max" toml:"backoff_max" env:"BACKOFF_MAX"`
	PermanentBackoffFactor int           `yaml:"permanent_backoff_factor" toml:"permanent_backoff_factor" env:"PERMANENT_BACKOFF_FACTOR"`
	DueBatch               int           `yaml:"due_batch" toml:"due_batch" env:"DUE_BATCH"`
	MaxBodyBytes           int64         `yaml:"max_body_bytes" toml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	MaxConnsPerHost        int           `yaml:"max_conns_per_host" toml:"max_conns_per_host" env:"MAX_CONNS_PER_HOST"`
	UserAgent              string        `yaml:"user_agent" toml:"user_agent" env:"USER_AGENT"`
	ContentFormat          string        `yaml:"content_format" toml:"content_format" env:"CONTENT_FORMAT"`
	DBMaxConns             int32         `yaml:"db_max_conns" toml:"db_max_conns" env:"DB_MAX_CONNS"`
	ShutdownGrace          time.Duration `yaml:"shutdown_grace" toml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
	LogLevel               string        `yaml:"log_level" toml:"log_level" env:"LOG_LEVEL"`
	LogFormat              string        `yaml:"log_format" toml:"log_format" env:"LOG_FORMAT"`
}

// Load reads the config file, applies environment overrides and validates the result.
// A missing file is not an error when the environment provides the required values.
func Load(path string, log *slog.Logger) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		err := readFile(path, cfg)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Warn("CONFIG WARNING: config file not found, using environment only", "path", path)
		case err != nil:
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.validate(log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	case ".yaml", ".yml", "":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: unsupported config file extension %q", ErrInvalidConfig, ext)
	}
	return nil
}

func (c *Config) validate(log *slog.Logger) error {
	if c.DbUrl == "" {
		return fmt.Errorf("%w: database connection string cannot be empty", ErrInvalidConfig)
	}

	if c.Address == "" {
		c.Address = DefaultAddress
		log.Warn("CONFIG WARNING: http server address is empty", "default", c.Address)
	}

	if c.SourceTimeout == 0 {
		c.SourceTimeout = DefaultSourceTimeout
	} else if c.SourceTimeout < time.Second {
		c.SourceTimeout = time.Second
		log.Warn("CONFIG WARNING: feeds source timeout cannot be less than 1s", "default", c.SourceTimeout)
	}

	if c.Threads == 0 {
		c.Threads = DefaultThreads
	} else if c.Threads < 1 {
		c.Threads = 1
		log.Warn("CONFIG WARNING: threads cannot be less than 1", "default", c.Threads)
	}

	if c.TickInterval == 0 {
		c.TickInterval = DefaultTickInterval
	} else if c.TickInterval < time.Second {
		c.TickInterval = time.Second
		log.Warn("CONFIG WARNING: tick interval cannot be less than 1s", "default", c.TickInterval)
	}

	if c.FetchInterval == 0 {
		c.FetchInterval = DefaultFetchInterval
	} else if c.FetchInterval < c.TickInterval {
		c.FetchInterval = c.TickInterval
		log.Warn("CONFIG WARNING: fetch interval cannot be less than tick interval", "default", c.FetchInterval)
	}

	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
		log.Warn("CONFIG WARNING: backoff max cannot be less than backoff base", "default", c.BackoffMax)
	}

	if c.PermanentBackoffFactor == 0 {
		c.PermanentBackoffFactor = DefaultPermanentBackoffFactor
	} else if c.PermanentBackoffFactor < 1 {
		c.PermanentBackoffFactor = 1
		log.Warn("CONFIG WARNING: permanent backoff factor cannot be less than 1", "default", c.PermanentBackoffFactor)
	}

	if c.DueBatch <= 0 {
		c.DueBatch = DefaultDueBatch
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = DefaultMaxConnsPerHost
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.DBMaxConns <= 0 {
		c.DBMaxConns = DefaultDBMaxConns
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}

	switch c.ContentFormat = strings.ToLower(strings.TrimSpace(c.ContentFormat)); c.ContentFormat {
	case "":
		c.ContentFormat = DefaultContentFormat
	case "html", "markdown":
	default:
		return fmt.Errorf("%w: content format must be html or markdown, got %q", ErrInvalidConfig, c.ContentFormat)
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat)); c.LogFormat {
	case "":
		c.LogFormat = DefaultLogFormat
	case "json", "text":
	default:
		return fmt.Errorf("%w: log format must be json or text, got %q", ErrInvalidConfig, c.LogFormat)
	}

	return nil
}

// ParseLevel maps a level name to slog.Level; empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", DefaultLogLevel:
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, s)
	}
}
