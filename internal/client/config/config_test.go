package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate_NormalizesAndDefaults(t *testing.T) {
	tmp := t.TempDir()
	cfg := Default()
	cfg.WatchDir = tmp
	cfg.ServerURL = " http://127.0.0.1:8080/ "
	cfg.IncludePatterns = []string{"*.properties, *.json", ""}

	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.WatchDir))
	assert.Equal(t, "http://127.0.0.1:8080", cfg.ServerURL)
	assert.NotEmpty(t, cfg.ClientID)
	assert.Equal(t, []string{"*.properties", "*.json"}, cfg.IncludePatterns)
}

func TestConfig_Validate_ErrorsOnInvalidInputs(t *testing.T) {
	tmp := t.TempDir()

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"no watch dir", func(c *Config) { c.WatchDir = " " }, "watch directory"},
		{"bad server url", func(c *Config) { c.ServerURL = "ftp://bad.example.com" }, "server url"},
		{"negative window", func(c *Config) { c.DebounceWindow = -time.Second }, "negative"},
		{"huge batch", func(c *Config) { c.BatchSize = 1_000_000 }, "batch size"},
		{"negative retries", func(c *Config) { c.RetryAttempts = -1 }, "retry attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.WatchDir = tmp
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_ExplicitClientIDKept(t *testing.T) {
	cfg := Default()
	cfg.WatchDir = t.TempDir()
	cfg.ClientID = "scanner-01"

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "scanner-01", cfg.ClientID)
}
