package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"pinscraper/pkg/config"
	"pinscraper/pkg/interrupt"
	"pinscraper/pkg/ui"
)

var (
	// Version information
	version   = "1.0.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile    string
	logLevel      string
	logFile       string
	noColor       bool
	notifications bool
	quiet         bool
	verbose       bool
	useTUI        bool
	outputDir     string
	dbPath        string
	metricsAddr   string
	proxy         string
	headless      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pinscraper",
	Short: "Resumable pin collector and image downloader",
	Long: `pinscraper collects pins for a search query, fetches their details and
downloads their images.

Features:
  - Two-phase collection: search results first, then related pins
  - Every record is persisted immediately; interrupted runs resume
  - Concurrent detail fetching and downloading with retries
  - Quality fallback from original images down to smaller renditions
  - Identity caching in the system keychain or an encrypted file
  - Progress bars, a full-screen dashboard and desktop notifications`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if quiet {
			ui.SetQuietMode(true)
		}
		if noColor {
			ui.SetColor(false)
		}

		if verbose && cmd.Name() != "version" && cmd.Name() != "help" && !useTUI {
			ui.PrintLogo()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, interrupt.ErrInterrupted) {
			ui.PrintWarning("Interrupted", err)
			os.Exit(130)
		}
		ui.PrintError("Error", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "config file (default is ./.pinscraper.yaml or ~/.config/pinscraper/config.yaml)")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&logFile, "log-file", "", "also write logs to this file, rotated")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")
	flags.BoolVar(&notifications, "notifications", false, "send a desktop notification when a run finishes")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")
	flags.BoolVarP(&verbose, "verbose", "v", false, "show logs alongside progress")
	flags.BoolVar(&useTUI, "tui", false, "use the full-screen dashboard")
	flags.StringVarP(&outputDir, "output", "o", "", "base output directory")
	flags.StringVar(&dbPath, "db", "", "database file (default is <output>/<query>/pins.db)")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&proxy, "proxy", "", "proxy for the headless browser")
	flags.BoolVar(&headless, "headless", true, "run the browser headless")

	rootCmd.SetVersionTemplate(`pinscraper {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig merges the flags the user actually set into the configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := make(map[string]interface{})
	set := func(name string, value interface{}) {
		if cmd.Flags().Changed(name) {
			flags[name] = value
		}
	}
	set("output", outputDir)
	set("db", dbPath)
	set("metrics-addr", metricsAddr)
	set("proxy", proxy)
	set("headless", headless)
	set("log-level", logLevel)
	set("log-file", logFile)

	if f := cmd.Flags().Lookup("detail-workers"); f != nil && f.Changed {
		flags["detail-workers"] = detailWorkers
	}
	if f := cmd.Flags().Lookup("download-workers"); f != nil && f.Changed {
		flags["download-workers"] = downloadWorkers
	}

	return config.Load(configFile, flags)
}
