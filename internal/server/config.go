package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/caltaylor/dirwatch/internal/server/consumer"
	"github.com/caltaylor/dirwatch/internal/server/handlers/ingest"
	"github.com/caltaylor/dirwatch/internal/server/statestore"
	"github.com/caltaylor/dirwatch/internal/utils"
	"github.com/ulule/limiter/v3"
)

const (
	DefaultAddr      = "127.0.0.1:8080"
	DefaultDbPath    = "./data/jsonserver.db"
	DefaultRateLimit = "6000-M"
)

var ErrIncompleteTLS = errors.New("both cert and key files are required for TLS")

type Config struct {
	HTTP             HTTPConfig `mapstructure:"http"`
	DbPath           string     `mapstructure:"db_path"`
	CacheSize        int        `mapstructure:"cache_size"`
	OutputDir        string     `mapstructure:"output_dir"`
	WebhookURL       string     `mapstructure:"webhook_url"`
	ConsumerQueue    int        `mapstructure:"consumer_queue"`
	ApplyConcurrency int        `mapstructure:"apply_concurrency"`
	LogLevel         string     `mapstructure:"log_level"`
	LogFile          string     `mapstructure:"log_file"`
	Path             string     `mapstructure:"-"`
}

type HTTPConfig struct {
	Addr         string `mapstructure:"addr"`
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	RateLimit    string `mapstructure:"rate_limit"` // empty disables rate limiting
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

func (h HTTPConfig) TLS() bool {
	return h.CertFile != "" && h.KeyFile != ""
}

func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:         DefaultAddr,
			RateLimit:    DefaultRateLimit,
			MaxBodyBytes: ingest.DefaultMaxBodyBytes,
		},
		DbPath:        DefaultDbPath,
		CacheSize:     statestore.DefaultCacheSize,
		ConsumerQueue: consumer.DefaultQueueSize,
		LogLevel:      "info",
	}
}

func (c *Config) Validate() error {
	c.HTTP.Addr = strings.TrimSpace(c.HTTP.Addr)
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultAddr
	}
	if (c.HTTP.CertFile == "") != (c.HTTP.KeyFile == "") {
		return ErrIncompleteTLS
	}
	if c.HTTP.RateLimit != "" {
		if _, err := limiter.NewRateFromFormatted(c.HTTP.RateLimit); err != nil {
			return fmt.Errorf("rate limit %q: %w", c.HTTP.RateLimit, err)
		}
	}

	if c.DbPath == "" {
		c.DbPath = DefaultDbPath
	}
	var err error
	if c.DbPath != ":memory:" {
		if c.DbPath, err = utils.ResolvePath(c.DbPath); err != nil {
			return fmt.Errorf("db path: %w", err)
		}
	}
	if c.OutputDir != "" {
		if c.OutputDir, err = utils.ResolvePath(c.OutputDir); err != nil {
			return fmt.Errorf("output dir: %w", err)
		}
	}

	c.WebhookURL = strings.TrimSpace(c.WebhookURL)
	if c.WebhookURL != "" {
		if err := utils.ValidateURL(c.WebhookURL); err != nil {
			return fmt.Errorf("webhook url: %w", err)
		}
	}

	if c.ApplyConcurrency < 0 {
		return fmt.Errorf("apply concurrency must not be negative")
	}
	return nil
}
