package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pinscraper/pkg/auth"
	"pinscraper/pkg/config"
	"pinscraper/pkg/logger"
	"pinscraper/pkg/scraper"
	"pinscraper/pkg/ui"
)

// identityCmd represents the identity command
var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage the cached browser identity",
	Long: `The browser identity (user agent, cookies and headers) is acquired once per
run from the headless browser and shared by every HTTP worker. When caching
is enabled it is stored in the system keychain, or in an encrypted file when
no keychain is available, and reused until it expires.`,
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the cached identity with cookie values masked",
	Args:  cobra.NoArgs,
	RunE:  runIdentityShow,
}

var identityClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the cached identity",
	Args:  cobra.NoArgs,
	RunE:  runIdentityClear,
}

func init() {
	rootCmd.AddCommand(identityCmd)
	identityCmd.AddCommand(identityShowCmd)
	identityCmd.AddCommand(identityClearCmd)
}

func identityCache(cmd *cobra.Command) (*auth.Cache, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if err := logger.Initialize(&cfg.Logging); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	cache, err := auth.NewDefaultCache(cfg.Identity.CacheTTL, logger.GetLogger())
	if err != nil {
		return nil, nil, fmt.Errorf("identity cache unavailable: %w", err)
	}
	return cache, cfg, nil
}

func runIdentityShow(cmd *cobra.Command, args []string) error {
	cache, cfg, err := identityCache(cmd)
	if err != nil {
		return err
	}

	key := scraper.IdentityKey(cfg.Site.BaseURL)
	id, err := cache.Load(key)
	if errors.Is(err, auth.ErrIdentityNotFound) {
		ui.PrintWarning("No fresh cached identity for " + key)
		return nil
	}
	if err != nil {
		return err
	}

	age := time.Since(id.AcquiredAt).Round(time.Second)
	ui.PrintHighlight("Cached identity for " + key)
	ui.PrintInfo("  Source", id.Source)
	ui.PrintInfo("  Acquired", fmt.Sprintf("%s (%s ago)", id.AcquiredAt.Local().Format(time.RFC1123), ui.FormatDuration(age)))
	if cfg.Identity.CacheTTL > 0 {
		ui.PrintInfo("  Expires in", ui.FormatDuration(cfg.Identity.CacheTTL-age))
	}
	ui.PrintInfo("  User agent", id.UserAgent)
	for _, c := range id.Cookies {
		ui.PrintInfo("  Cookie "+c.Name, auth.MaskValue(c.Value))
	}
	for name, value := range id.Headers {
		ui.PrintInfo("  Header "+name, value)
	}
	return nil
}

func runIdentityClear(cmd *cobra.Command, args []string) error {
	cache, cfg, err := identityCache(cmd)
	if err != nil {
		return err
	}

	key := scraper.IdentityKey(cfg.Site.BaseURL)
	if err := cache.Clear(key); err != nil {
		return fmt.Errorf("failed to clear identity: %w", err)
	}
	ui.PrintSuccess("Cached identity removed for " + key)
	return nil
}
