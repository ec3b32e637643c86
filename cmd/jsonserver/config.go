package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/caltaylor/dirwatch/internal/propcodec"
	"github.com/caltaylor/dirwatch/internal/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	configName       = "jsonserver"
	legacyConfigFile = "arcticwolfscannerserver.properties"
	envPrefix        = "JSONSERVER"
)

var home, _ = os.UserHomeDir()

var flagKeys = map[string]string{
	"bind":        "http.addr",
	"cert":        "http.cert_file",
	"key":         "http.key_file",
	"rate-limit":  "http.rate_limit",
	"db":          "db_path",
	"output-dir":  "output_dir",
	"webhook":     "webhook_url",
	"concurrency": "apply_concurrency",
	"log-level":   "log_level",
	"log-file":    "log_file",
}

// loadConfig merges, lowest first: defaults, config file, environment (JSONSERVER_*), flags.
// The legacy properties file names the listen port as "port" and the output directory as "outputPath".
func loadConfig(cmd *cobra.Command, args []string) (*server.Config, error) {
	if err := loadEnvFile(cmd); err != nil {
		return nil, err
	}

	v := propcodec.NewViper()
	setDefaults(v, server.Default())

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
		var notFound viper.ConfigFileNotFoundError
		missing := errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound)
		if !missing || cmd.Flag("config").Changed {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}
	v.RegisterAlias("outputPath", "output_dir")

	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	addr := v.GetString("http.addr")
	if port := strings.TrimSpace(v.GetString("port")); addr == "" && port != "" {
		addr = ":" + port
	}

	return &server.Config{
		Path: v.ConfigFileUsed(),
		HTTP: server.HTTPConfig{
			Addr:         addr,
			CertFile:     v.GetString("http.cert_file"),
			KeyFile:      v.GetString("http.key_file"),
			RateLimit:    v.GetString("http.rate_limit"),
			MaxBodyBytes: v.GetInt64("http.max_body_bytes"),
		},
		DbPath:           v.GetString("db_path"),
		CacheSize:        v.GetInt("cache_size"),
		OutputDir:        v.GetString("output_dir"),
		WebhookURL:       v.GetString("webhook_url"),
		ConsumerQueue:    v.GetInt("consumer_queue"),
		ApplyConcurrency: v.GetInt("apply_concurrency"),
		LogLevel:         v.GetString("log_level"),
		LogFile:          v.GetString("log_file"),
	}, nil
}

// http.addr has no default so that a legacy port can fill it
func setDefaults(v *viper.Viper, d *server.Config) {
	v.SetDefault("http.rate_limit", d.HTTP.RateLimit)
	v.SetDefault("http.max_body_bytes", d.HTTP.MaxBodyBytes)
	v.SetDefault("db_path", d.DbPath)
	v.SetDefault("cache_size", d.CacheSize)
	v.SetDefault("consumer_queue", d.ConsumerQueue)
	v.SetDefault("log_level", d.LogLevel)
}

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
