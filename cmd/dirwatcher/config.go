package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/caltaylor/dirwatch/internal/client/config"
	"github.com/caltaylor/dirwatch/internal/propcodec"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	configName       = "dirwatcher"
	legacyConfigFile = "arcticwolfscannerclient.properties"
	envPrefix        = "DIRWATCH"
)

var home, _ = os.UserHomeDir()

// flag name -> config key
var flagKeys = map[string]string{
	"watch-dir":      "watch_dir",
	"server":         "server_url",
	"include":        "include_patterns",
	"client-id":      "client_id",
	"state-dir":      "state_dir",
	"debounce":       "debounce_window",
	"rename-window":  "rename_window",
	"poll-interval":  "poll_interval",
	"force-poll":     "force_poll",
	"batch-size":     "batch_size",
	"flush-interval": "flush_interval",
	"log-level":      "log_level",
	"log-file":       "log_file",
}

// property names of the legacy single-file client config
var legacyKeys = map[string]string{
	"watchDirectory":   "watch_dir",
	"scannerServerURL": "server_url",
}

// loadConfig merges, lowest first: defaults, config file, environment (DIRWATCH_*), flags
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	if err := loadEnvFile(cmd); err != nil {
		return nil, err
	}

	v := propcodec.NewViper()
	setDefaults(v, config.Default())

	switch {
	case cmd.Flag("config").Changed:
		path, _ := cmd.Flags().GetString("config")
		v.SetConfigFile(path)
	case len(args) == 1:
		dir := args[0]
		if _, err := os.Stat(filepath.Join(dir, legacyConfigFile)); err == nil {
			v.SetConfigFile(filepath.Join(dir, legacyConfigFile))
		} else {
			v.AddConfigPath(dir)
			v.SetConfigName(configName)
		}
	default:
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(home, ".dirwatch"))
		v.AddConfigPath(filepath.Join(home, ".config", "dirwatch"))
		v.SetConfigName(configName)
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, fs.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
		// an explicitly named file must exist
		if cmd.Flag("config").Changed {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}
	for alias, key := range legacyKeys {
		v.RegisterAlias(alias, key)
	}

	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	return &config.Config{
		Path:            v.ConfigFileUsed(),
		WatchDir:        v.GetString("watch_dir"),
		IncludePatterns: v.GetStringSlice("include_patterns"),
		ServerURL:       v.GetString("server_url"),
		ClientID:        v.GetString("client_id"),
		StateDir:        v.GetString("state_dir"),
		DebounceWindow:  v.GetDuration("debounce_window"),
		RenameWindow:    v.GetDuration("rename_window"),
		PollInterval:    v.GetDuration("poll_interval"),
		ForcePoll:       v.GetBool("force_poll"),
		QueueSize:       v.GetInt("queue_size"),
		BatchSize:       v.GetInt("batch_size"),
		FlushInterval:   v.GetDuration("flush_interval"),
		RetryAttempts:   v.GetInt("retry_attempts"),
		RetryMin:        v.GetDuration("retry_min"),
		RetryMax:        v.GetDuration("retry_max"),
		LogLevel:        v.GetString("log_level"),
		LogFile:         v.GetString("log_file"),
	}, nil
}

func setDefaults(v *viper.Viper, d *config.Config) {
	v.SetDefault("server_url", d.ServerURL)
	v.SetDefault("debounce_window", d.DebounceWindow)
	v.SetDefault("rename_window", d.RenameWindow)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("queue_size", d.QueueSize)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("flush_interval", d.FlushInterval)
	v.SetDefault("retry_attempts", d.RetryAttempts)
	v.SetDefault("retry_min", d.RetryMin)
	v.SetDefault("retry_max", d.RetryMax)
	v.SetDefault("log_level", d.LogLevel)
}

// loadEnvFile loads --env-file, or .env from the working directory when it exists.
// Variables already set in the environment win.
func loadEnvFile(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("env-file")
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}
