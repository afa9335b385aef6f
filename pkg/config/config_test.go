package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Collect.Phase1StallLimit != 3 {
		t.Errorf("Expected phase 1 stall limit to be 3, got %d", config.Collect.Phase1StallLimit)
	}
	if config.Collect.Phase2StallLimit != 30 {
		t.Errorf("Expected phase 2 stall limit to be 30, got %d", config.Collect.Phase2StallLimit)
	}
	if config.Download.MinFileSize != 1024 {
		t.Errorf("Expected min file size to be 1024, got %d", config.Download.MinFileSize)
	}
	assert.Equal(t, []string{"originals", "1200x", "736x", "564x"}, config.Download.QualityTiers)
	assert.Equal(t, 10*time.Minute, config.Identity.CacheTTL)
	assert.NoError(t, config.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PINSCRAPER_REQUESTS_PER_MINUTE", "30")
	t.Setenv("PINSCRAPER_OUTPUT_DIR", "/tmp/test-output")
	t.Setenv("PINSCRAPER_DOWNLOAD_WORKERS", "5")
	t.Setenv("PINSCRAPER_DETAIL_WORKERS", "not-a-number")
	t.Setenv("PINSCRAPER_HEADLESS", "false")
	t.Setenv("PINSCRAPER_LOG_LEVEL", "debug")

	config := DefaultConfig()
	require.NoError(t, config.LoadFromEnv())

	assert.Equal(t, 30, config.RateLimit.RequestsPerMinute)
	assert.Equal(t, "/tmp/test-output", config.Output.BaseDirectory)
	assert.Equal(t, 5, config.Download.Concurrency)
	assert.Equal(t, 8, config.Details.Concurrency, "invalid values keep the default")
	assert.False(t, config.Browser.Headless)
	assert.Equal(t, "debug", config.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
collect:
  phase1_stall_limit: 10
  phase2_stall_limit: 50
download:
  concurrency: 4
  timeout: 45s
  quality_tiers: [originals, 736x]
logging:
  level: warn
  file: /var/log/pinscraper.log
  compress: true
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	config := DefaultConfig()
	require.NoError(t, config.LoadFromFile(configPath))

	assert.Equal(t, 10, config.Collect.Phase1StallLimit)
	assert.Equal(t, 50, config.Collect.Phase2StallLimit)
	assert.Equal(t, 4, config.Download.Concurrency)
	assert.Equal(t, 45*time.Second, config.Download.Timeout)
	assert.Equal(t, []string{"originals", "736x"}, config.Download.QualityTiers)
	assert.Equal(t, "warn", config.Logging.Level)
	assert.True(t, config.Logging.Compress)
	// untouched sections keep defaults
	assert.Equal(t, 8, config.Details.Concurrency)

	t.Run("missing file", func(t *testing.T) {
		err := DefaultConfig().LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"bad base url", func(c *Config) { c.Site.BaseURL = "ftp://x" }, "base URL"},
		{"zero stall limit", func(c *Config) { c.Collect.Phase1StallLimit = 0 }, "phase 1 stall limit"},
		{"too many downloaders", func(c *Config) { c.Download.Concurrency = 100 }, "should not exceed"},
		{"no tiers", func(c *Config) { c.Download.QualityTiers = nil }, "quality tier"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"metrics without address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}, "metrics listen address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.modify(c)
			err := c.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadPrecedence(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
output:
  base_directory: /file/output
details:
  concurrency: 2
logging:
  level: warn
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	t.Setenv("PINSCRAPER_OUTPUT_DIR", "/env/output")
	t.Setenv("PINSCRAPER_LOG_LEVEL", "error")

	cfg, err := Load(configPath, map[string]interface{}{"log-level": "debug"})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)               // flag
	assert.Equal(t, "/env/output", cfg.Output.BaseDirectory) // env
	assert.Equal(t, 2, cfg.Details.Concurrency)               // file
	assert.Equal(t, 16, cfg.Download.Concurrency)             // default
}

func TestLoadValidationFailure(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
	assert.Nil(t, cfg)

	cfg, err = Load("", map[string]interface{}{"log-level": "shout"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
	assert.Nil(t, cfg)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	original := DefaultConfig()
	original.Download.Concurrency = 7
	original.Output.DatabasePath = "/data/pins.db"
	require.NoError(t, original.Save(path))

	loaded := DefaultConfig()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, 7, loaded.Download.Concurrency)
	assert.Equal(t, "/data/pins.db", loaded.Output.DatabasePath)
}

func TestPaths(t *testing.T) {
	c := DefaultConfig()
	c.Output.BaseDirectory = "/out"

	assert.Equal(t, "/out/red_cars", c.QueryDirectory("Red  Cars!"))
	assert.Equal(t, "/out/red_cars/pins.db", c.DatabasePath("red cars"))
	assert.Equal(t, "/out/red_cars/images", c.ImageDirectory("red cars"))

	c.Output.DatabasePath = "/shared.db"
	assert.Equal(t, "/shared.db", c.DatabasePath("anything"))

	assert.Equal(t, "default", Slug("  ?? "))
}
