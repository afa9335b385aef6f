package main

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"
)

var (
	// Pipeline flags
	target          int
	resume          bool
	withDetails     bool
	withDownload    bool
	retryFailed     bool
	detailWorkers   int
	downloadWorkers int
	sourceURL       string
)

// collectCmd represents the collect command
var collectCmd = &cobra.Command{
	Use:   "collect <query> | --url <page>",
	Short: "Collect pins for a search query or a board or user page",
	Long: `Collect up to --target unique pins for a search query.

Collection scrolls the search results first, then visits collected pins to
harvest related ones until the target is reached or no new pins turn up.
Every pin is stored the moment it is seen, so an interrupted run loses
nothing; the next run for the same query resumes where it stopped.

With --url the pins shown on a board or user page are collected instead of
search results. They are stored under "url:" followed by the page path, and
the other commands accept the same --url to address them.

A query that already holds the target number of pins returns immediately.`,
	Example: `  # Collect 500 pins
  pinscraper collect "mid century chairs" -n 500

  # Collect, then fetch missing image URLs and download everything
  pinscraper collect "mid century chairs" -n 500 --details --download

  # Start a new session instead of resuming the open one
  pinscraper collect "mid century chairs" -n 500 --resume=false

  # Collect the pins of a board
  pinscraper collect --url https://www.pinterest.com/someone/chairs/ -n 200`,
	Args: sourceArgs,
	RunE: runCollect,
}

// detailsCmd represents the details command
var detailsCmd = &cobra.Command{
	Use:   "details <query> | --url <page>",
	Short: "Fetch detail pages for pins without an image URL",
	Args:  sourceArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(a *app) error {
			query, err := a.source(args)
			if err != nil {
				return err
			}
			return a.run(query, 0, func(ctx context.Context) error {
				_, err := a.scraper.FetchDetails(ctx, query)
				return err
			})
		})
	},
}

// downloadCmd represents the download command
var downloadCmd = &cobra.Command{
	Use:   "download <query> | --url <page>",
	Short: "Download the images of collected pins",
	Long: `Download the images of every collected pin that has an image URL and no
local file yet. The best available quality is tried first, falling back to
smaller renditions. Pins whose download failed before are skipped unless
--retry-failed is given.`,
	Args: sourceArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(a *app) error {
			query, err := a.source(args)
			if err != nil {
				return err
			}
			return a.run(query, 0, func(ctx context.Context) error {
				_, err := a.scraper.DownloadMedia(ctx, query, retryFailed)
				return err
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(detailsCmd)
	rootCmd.AddCommand(downloadCmd)

	collectCmd.Flags().IntVarP(&target, "target", "n", 0, "number of unique pins to collect (required)")
	collectCmd.Flags().BoolVar(&resume, "resume", true, "continue the open session for the query")
	collectCmd.Flags().BoolVar(&withDetails, "details", false, "fetch details for pins without an image URL afterwards")
	collectCmd.Flags().BoolVar(&withDownload, "download", false, "download images afterwards")
	collectCmd.MarkFlagRequired("target")

	for _, cmd := range []*cobra.Command{collectCmd, downloadCmd} {
		cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "retry pins whose download failed before")
		cmd.Flags().IntVar(&downloadWorkers, "download-workers", 0, "concurrent downloads (default from config)")
	}
	for _, cmd := range []*cobra.Command{collectCmd, detailsCmd} {
		cmd.Flags().IntVar(&detailWorkers, "detail-workers", 0, "concurrent detail fetches (default from config)")
	}
	for _, cmd := range []*cobra.Command{collectCmd, detailsCmd, downloadCmd, statusCmd} {
		cmd.Flags().StringVarP(&sourceURL, "url", "u", "", "board or user page instead of a search query")
	}
}

// sourceArgs accepts either one query argument or --url.
func sourceArgs(cmd *cobra.Command, args []string) error {
	switch {
	case sourceURL != "" && len(args) > 0:
		return errors.New("give either a query or --url, not both")
	case sourceURL == "" && len(args) != 1:
		return errors.New("a query or --url is required")
	case sourceURL == "" && strings.TrimSpace(args[0]) == "":
		return errors.New("query must not be empty")
	}
	return nil
}

// source returns the store key named by args or --url.
func (a *app) source(args []string) (string, error) {
	if sourceURL != "" {
		return a.scraper.SourceKey(sourceURL)
	}
	return strings.TrimSpace(args[0]), nil
}

func runCollect(cmd *cobra.Command, args []string) error {
	if target <= 0 {
		return errors.New("--target must be positive")
	}

	return withApp(cmd, true, func(a *app) error {
		query, err := a.source(args)
		if err != nil {
			return err
		}
		return a.run(query, target, func(ctx context.Context) error {
			if err := a.collect(ctx, query); err != nil {
				return err
			}
			return a.follow(ctx, query)
		})
	})
}

// collect runs collection for query, from the --url page when one is set.
func (a *app) collect(ctx context.Context, query string) error {
	var err error
	if sourceURL != "" {
		_, err = a.scraper.CollectURL(ctx, sourceURL, target, resume)
	} else {
		_, err = a.scraper.Collect(ctx, query, target, resume)
	}
	return err
}

// follow runs the stages requested after collection.
func (a *app) follow(ctx context.Context, query string) error {
	if withDetails && !a.coord.Interrupted() {
		if _, err := a.scraper.FetchDetails(ctx, query); err != nil {
			return err
		}
	}
	if withDownload && !a.coord.Interrupted() {
		if _, err := a.scraper.DownloadMedia(ctx, query, retryFailed); err != nil {
			return err
		}
	}
	return nil
}

// withApp runs fn with a wired app and releases it afterwards.
func withApp(cmd *cobra.Command, observe bool, fn func(a *app) error) error {
	a, err := newApp(cmd, observe)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}
