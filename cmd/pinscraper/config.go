package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pinscraper/pkg/config"
	"pinscraper/pkg/ui"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage pinscraper configuration files.

Configuration is loaded from, highest priority first:
  - Command line flags
  - Environment variables (PINSCRAPER_*), including .env files
  - Configuration file
  - Default values`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to a file",
	Long: `Write the default configuration to .pinscraper.yaml in the current
directory, or to the path given with --config.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configFile
	if path == "" {
		path = ".pinscraper.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("configuration file already exists: %s", path)
	}

	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}

	ui.PrintSuccess("Configuration file created: " + path)
	ui.PrintInfo("Next", "edit it, then run 'pinscraper config validate'")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to format configuration: %w", err)
	}

	ui.PrintHighlight("Effective configuration")
	fmt.Fprint(ui.Output(), string(data))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var warnings []string
	if cfg.RateLimit.RequestsPerMinute == 0 {
		warnings = append(warnings, "rate limiting is disabled")
	}
	if !cfg.Browser.Headless {
		warnings = append(warnings, "the browser runs with a visible window")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddress == "" {
		warnings = append(warnings, "metrics are enabled without a listen address")
	}
	for _, w := range warnings {
		ui.PrintWarning("Warning", w)
	}

	ui.PrintSuccess("Configuration is valid")
	ui.PrintInfo("  Site", cfg.Site.BaseURL)
	ui.PrintInfo("  Output directory", cfg.Output.BaseDirectory)
	ui.PrintInfo("  Detail workers", fmt.Sprint(cfg.Details.Concurrency))
	ui.PrintInfo("  Download workers", fmt.Sprint(cfg.Download.Concurrency))
	ui.PrintInfo("  Rate limit", fmt.Sprintf("%d requests/minute", cfg.RateLimit.RequestsPerMinute))
	ui.PrintInfo("  Log level", cfg.Logging.Level)
	return nil
}
