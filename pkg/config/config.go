package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the collector
type Config struct {
	// Target site and default request identity
	Site SiteConfig `yaml:"site" json:"site"`

	// Headless browser used for rendering and identity acquisition
	Browser BrowserConfig `yaml:"browser" json:"browser"`

	// Two-phase collection tuning
	Collect CollectConfig `yaml:"collect" json:"collect"`

	// Detail fetch pipeline
	Details DetailsConfig `yaml:"details" json:"details"`

	// Download pipeline
	Download DownloadConfig `yaml:"download" json:"download"`

	// Rate limiting configuration
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Output settings
	Output OutputConfig `yaml:"output" json:"output"`

	// Identity caching
	Identity IdentityConfig `yaml:"identity" json:"identity"`

	// Prometheus endpoint
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// SiteConfig holds target site configuration
type SiteConfig struct {
	BaseURL   string `yaml:"base_url" json:"base_url"`
	UserAgent string `yaml:"user_agent" json:"user_agent"`
}

// BrowserConfig holds headless browser configuration
type BrowserConfig struct {
	Headless    bool          `yaml:"headless" json:"headless"`
	Stealth     bool          `yaml:"stealth" json:"stealth"`
	Proxy       string        `yaml:"proxy" json:"proxy"`
	Bin         string        `yaml:"bin" json:"bin"`
	PageTimeout time.Duration `yaml:"page_timeout" json:"page_timeout"`
	ScrollPause time.Duration `yaml:"scroll_pause" json:"scroll_pause"`
}

// CollectConfig holds the stopping rules of the two collection phases
type CollectConfig struct {
	Phase1StallLimit int `yaml:"phase1_stall_limit" json:"phase1_stall_limit"`
	Phase2StallLimit int `yaml:"phase2_stall_limit" json:"phase2_stall_limit"`
	MinRounds        int `yaml:"min_rounds" json:"min_rounds"`
	RoundsPerTarget  int `yaml:"rounds_per_target" json:"rounds_per_target"`
	MaxAttempts      int `yaml:"max_attempts" json:"max_attempts"`

	// SessionLease is how long a running session without a heartbeat
	// still counts as owned by a live run.
	SessionLease time.Duration `yaml:"session_lease" json:"session_lease"`
}

// DetailsConfig holds detail fetch configuration
type DetailsConfig struct {
	Concurrency   int           `yaml:"concurrency" json:"concurrency"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts" json:"retry_attempts"`
	BatchSize     int           `yaml:"batch_size" json:"batch_size"`
}

// DownloadConfig holds download-specific configuration
type DownloadConfig struct {
	Concurrency   int           `yaml:"concurrency" json:"concurrency"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts" json:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay" json:"retry_delay"`
	MinFileSize   int64         `yaml:"min_file_size" json:"min_file_size"`
	QualityTiers  []string      `yaml:"quality_tiers" json:"quality_tiers"`
	WriteMetadata bool          `yaml:"write_metadata" json:"write_metadata"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	BurstSize         int `yaml:"burst_size" json:"burst_size"`
}

// OutputConfig holds output directory configuration
type OutputConfig struct {
	BaseDirectory string `yaml:"base_directory" json:"base_directory"`
	DatabasePath  string `yaml:"database_path" json:"database_path"`
}

// IdentityConfig holds identity cache configuration
type IdentityConfig struct {
	CacheEnabled bool          `yaml:"cache_enabled" json:"cache_enabled"`
	CacheTTL     time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	ListenAddress string `yaml:"listen_address" json:"listen_address"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36"

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			BaseURL:   "https://www.pinterest.com",
			UserAgent: DefaultUserAgent,
		},
		Browser: BrowserConfig{
			Headless:    true,
			Stealth:     true,
			PageTimeout: 30 * time.Second,
			ScrollPause: 1500 * time.Millisecond,
		},
		Collect: CollectConfig{
			Phase1StallLimit: 3,
			Phase2StallLimit: 30,
			MinRounds:        10,
			RoundsPerTarget:  3,
			MaxAttempts:      3,
			SessionLease:     90 * time.Second,
		},
		Details: DetailsConfig{
			Concurrency:   8,
			Timeout:       20 * time.Second,
			RetryAttempts: 3,
			BatchSize:     500,
		},
		Download: DownloadConfig{
			Concurrency:   16,
			Timeout:       30 * time.Second,
			RetryAttempts: 3,
			RetryDelay:    time.Second,
			MinFileSize:   1024,
			QualityTiers:  []string{"originals", "1200x", "736x", "564x"},
			WriteMetadata: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			BurstSize:         20,
		},
		Output: OutputConfig{
			BaseDirectory: "./output",
		},
		Identity: IdentityConfig{
			CacheEnabled: true,
			CacheTTL:     10 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: "127.0.0.1:9464",
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   false,
		},
	}
}

// LoadFromEnv loads configuration from PINSCRAPER_* environment variables
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("PINSCRAPER_BASE_URL"); v != "" {
		c.Site.BaseURL = v
	}
	if v := os.Getenv("PINSCRAPER_USER_AGENT"); v != "" {
		c.Site.UserAgent = v
	}
	if v := os.Getenv("PINSCRAPER_PROXY"); v != "" {
		c.Browser.Proxy = v
	}
	if v := os.Getenv("PINSCRAPER_BROWSER_BIN"); v != "" {
		c.Browser.Bin = v
	}
	if v := os.Getenv("PINSCRAPER_HEADLESS"); v != "" {
		c.Browser.Headless = strings.ToLower(v) != "false"
	}
	if v := envInt("PINSCRAPER_REQUESTS_PER_MINUTE"); v > 0 {
		c.RateLimit.RequestsPerMinute = v
	}
	if v := envInt("PINSCRAPER_DETAIL_WORKERS"); v > 0 {
		c.Details.Concurrency = v
	}
	if v := envInt("PINSCRAPER_DOWNLOAD_WORKERS"); v > 0 {
		c.Download.Concurrency = v
	}
	if v := os.Getenv("PINSCRAPER_OUTPUT_DIR"); v != "" {
		c.Output.BaseDirectory = v
	}
	if v := os.Getenv("PINSCRAPER_DB"); v != "" {
		c.Output.DatabasePath = v
	}
	if v := os.Getenv("PINSCRAPER_METRICS_ADDR"); v != "" {
		c.Metrics.Enabled = true
		c.Metrics.ListenAddress = v
	}
	if v := os.Getenv("PINSCRAPER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PINSCRAPER_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	return nil
}

func envInt(key string) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return 0
	}
	return v
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	home := os.Getenv("HOME")
	locations := []string{
		".pinscraper.yaml",
		".pinscraper.yml",
		filepath.Join(home, ".config", "pinscraper", "config.yaml"),
		filepath.Join(home, ".config", "pinscraper", "config.yml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if !strings.HasPrefix(c.Site.BaseURL, "http://") && !strings.HasPrefix(c.Site.BaseURL, "https://") {
		errs = append(errs, errors.New("site base URL must be http(s)"))
	}
	if c.Site.UserAgent == "" {
		errs = append(errs, errors.New("user agent is required"))
	}

	if c.Collect.Phase1StallLimit <= 0 {
		errs = append(errs, errors.New("phase 1 stall limit must be positive"))
	}
	if c.Collect.Phase2StallLimit <= 0 {
		errs = append(errs, errors.New("phase 2 stall limit must be positive"))
	}
	if c.Collect.MinRounds <= 0 {
		errs = append(errs, errors.New("min rounds must be positive"))
	}
	if c.Collect.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max attempts must be positive"))
	}
	if c.Collect.SessionLease < 0 {
		errs = append(errs, errors.New("session lease cannot be negative"))
	}

	if c.Details.Concurrency <= 0 {
		errs = append(errs, errors.New("detail concurrency must be positive"))
	}
	if c.Details.Timeout <= 0 {
		errs = append(errs, errors.New("detail timeout must be positive"))
	}

	if c.Download.Concurrency <= 0 {
		errs = append(errs, errors.New("download concurrency must be positive"))
	}
	if c.Download.Concurrency > 64 {
		errs = append(errs, errors.New("download concurrency should not exceed 64"))
	}
	if c.Download.Timeout <= 0 {
		errs = append(errs, errors.New("download timeout must be positive"))
	}
	if c.Download.RetryAttempts <= 0 {
		errs = append(errs, errors.New("download retry attempts must be positive"))
	}
	if c.Download.MinFileSize < 0 {
		errs = append(errs, errors.New("min file size cannot be negative"))
	}
	if len(c.Download.QualityTiers) == 0 {
		errs = append(errs, errors.New("at least one quality tier is required"))
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("requests per minute must be positive"))
	}
	if c.RateLimit.BurstSize <= 0 {
		errs = append(errs, errors.New("burst size must be positive"))
	}

	if c.Output.BaseDirectory == "" {
		errs = append(errs, errors.New("output directory is required"))
	}

	if c.Identity.CacheEnabled && c.Identity.CacheTTL <= 0 {
		errs = append(errs, errors.New("identity cache TTL must be positive"))
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		errs = append(errs, errors.New("metrics listen address is required"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// DatabasePath returns the store location for a query.
// An explicit output.database_path is shared by all queries.
func (c *Config) DatabasePath(query string) string {
	if c.Output.DatabasePath != "" {
		return c.Output.DatabasePath
	}
	return filepath.Join(c.QueryDirectory(query), "pins.db")
}

// QueryDirectory is the per-query output folder.
func (c *Config) QueryDirectory(query string) string {
	return filepath.Join(c.Output.BaseDirectory, Slug(query))
}

// ImageDirectory is where downloaded media for a query goes.
func (c *Config) ImageDirectory(query string) string {
	return filepath.Join(c.QueryDirectory(query), "images")
}

// Slug turns a query into a filesystem-safe folder name.
func Slug(query string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(query)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case r > 127:
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('_')
				lastDash = true
			}
		}
	}
	s := strings.TrimSuffix(b.String(), "_")
	if s == "" {
		return "default"
	}
	return s
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if outputDir, ok := flags["output"].(string); ok && outputDir != "" {
		c.Output.BaseDirectory = outputDir
	}
	if db, ok := flags["db"].(string); ok && db != "" {
		c.Output.DatabasePath = db
	}
	if n, ok := flags["detail-workers"].(int); ok && n > 0 {
		c.Details.Concurrency = n
	}
	if n, ok := flags["download-workers"].(int); ok && n > 0 {
		c.Download.Concurrency = n
	}
	if headless, ok := flags["headless"].(bool); ok {
		c.Browser.Headless = headless
	}
	if proxy, ok := flags["proxy"].(string); ok && proxy != "" {
		c.Browser.Proxy = proxy
	}
	if addr, ok := flags["metrics-addr"].(string); ok && addr != "" {
		c.Metrics.Enabled = true
		c.Metrics.ListenAddress = addr
	}
	if logLevel, ok := flags["log-level"].(string); ok && logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFile, ok := flags["log-file"].(string); ok && logFile != "" {
		c.Logging.File = logFile
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".pinscraper.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
