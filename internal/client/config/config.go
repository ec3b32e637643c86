package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caltaylor/dirwatch/internal/client/debounce"
	"github.com/caltaylor/dirwatch/internal/client/transport"
	"github.com/caltaylor/dirwatch/internal/client/watcher"
	"github.com/caltaylor/dirwatch/internal/transition"
	"github.com/caltaylor/dirwatch/internal/utils"
	"github.com/caltaylor/dirwatch/internal/version"
)

const DefaultServerURL = "http://localhost:8080"

var (
	ErrNoWatchDir    = errors.New("watch directory is required")
	ErrInvalidWindow = errors.New("durations must not be negative")
)

type Config struct {
	WatchDir        string        `mapstructure:"watch_dir"`
	IncludePatterns []string      `mapstructure:"include_patterns"`
	ServerURL       string        `mapstructure:"server_url"`
	ClientID        string        `mapstructure:"client_id"`
	StateDir        string        `mapstructure:"state_dir"`
	DebounceWindow  time.Duration `mapstructure:"debounce_window"`
	RenameWindow    time.Duration `mapstructure:"rename_window"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ForcePoll       bool          `mapstructure:"force_poll"`
	QueueSize       int           `mapstructure:"queue_size"`
	BatchSize       int           `mapstructure:"batch_size"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryMin        time.Duration `mapstructure:"retry_min"`
	RetryMax        time.Duration `mapstructure:"retry_max"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFile         string        `mapstructure:"log_file"`
	Path            string        `mapstructure:"-"`
}

// Default returns a config with every tunable at its default
func Default() *Config {
	return &Config{
		ServerURL:      DefaultServerURL,
		DebounceWindow: debounce.DefaultWindow,
		PollInterval:   watcher.DefaultPollInterval,
		QueueSize:      watcher.DefaultQueueSize,
		BatchSize:      transport.DefaultBatchSize,
		FlushInterval:  transport.DefaultFlushInterval,
		RetryAttempts:  transport.DefaultRetryAttempts,
		RetryMin:       transport.DefaultRetryMin,
		RetryMax:       transport.DefaultRetryMax,
		LogLevel:       "info",
	}
}

// Validate normalizes paths, fills derived defaults and rejects unusable values
func (c *Config) Validate() error {
	if strings.TrimSpace(c.WatchDir) == "" {
		return ErrNoWatchDir
	}
	watchDir, err := utils.ResolvePath(c.WatchDir)
	if err != nil {
		return fmt.Errorf("watch dir: %w", err)
	}
	c.WatchDir = watchDir

	if c.StateDir != "" {
		if c.StateDir, err = utils.ResolvePath(c.StateDir); err != nil {
			return fmt.Errorf("state dir: %w", err)
		}
	}
	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}

	c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
	if err := utils.ValidateURL(c.ServerURL); err != nil {
		return fmt.Errorf("server url: %w", err)
	}

	c.ClientID = strings.TrimSpace(c.ClientID)
	if c.ClientID == "" {
		c.ClientID = utils.MachineID(version.AppName)
	}

	c.IncludePatterns = splitPatterns(c.IncludePatterns)

	for _, d := range []time.Duration{c.DebounceWindow, c.PollInterval, c.FlushInterval, c.RetryMin, c.RetryMax} {
		if d < 0 {
			return ErrInvalidWindow
		}
	}
	if c.BatchSize < 0 || c.BatchSize > transition.MaxBatchTransitions {
		return fmt.Errorf("batch size must be between 1 and %d", transition.MaxBatchTransitions)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts must not be negative")
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue size must not be negative")
	}

	return nil
}

// splitPatterns accepts both repeated values and a single comma separated value,
// which is how the pattern arrives from a .properties file or the environment.
func splitPatterns(in []string) []string {
	var out []string
	for _, v := range in {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
