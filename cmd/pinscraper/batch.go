package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pinscraper/pkg/scraper"
	"pinscraper/pkg/ui"
)

var mergeBatch int

// batchCmd represents the batch command
var batchCmd = &cobra.Command{
	Use:   "batch <file|directory>",
	Short: "Collect pins for many search queries",
	Long: `Collect up to --target pins for every query listed in a file, one per line,
or in every file of a directory. Blank lines and lines starting with '#' are
ignored.

Queries run one after another with the same options as collect. A failing
query is reported and the batch moves on; an interrupt stops the batch after
the query in progress, and running the batch again resumes every query.`,
	Example: `  pinscraper batch queries.txt -n 200 --details --download`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

// mergeCmd represents the merge command
var mergeCmd = &cobra.Command{
	Use:   "merge <source-db> <query>",
	Short: "Merge another database into the store of a query",
	Long: `Copy the pins, query links and finished sessions of another database into
the store holding <query>. Pins already stored keep their values; the source
only fills fields that are empty. Images are not copied, so merged pins
without a local file are downloaded again by the download command.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.TrimSpace(args[1])
		return withApp(cmd, false, func(a *app) error {
			res, err := a.scraper.Merge(context.Background(), query, args[0], mergeBatch)
			if err != nil {
				return err
			}

			ui.PrintSuccess(fmt.Sprintf("Merged %d records in %d batches", res.Scanned, res.Batches))
			ui.PrintInfo("  Added", fmt.Sprint(res.Added))
			ui.PrintInfo("  Updated", fmt.Sprint(res.Updated))
			ui.PrintInfo("  Unchanged", fmt.Sprint(res.Unchanged))
			ui.PrintInfo("  Links", fmt.Sprint(res.Links))
			ui.PrintInfo("  Sessions", fmt.Sprint(res.Sessions))
			if res.Interrupted {
				return context.Cause(a.coord.Context())
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(mergeCmd)

	batchCmd.Flags().IntVarP(&target, "target", "n", 0, "number of unique pins to collect per query (required)")
	batchCmd.Flags().BoolVar(&resume, "resume", true, "continue the open session of each query")
	batchCmd.Flags().BoolVar(&withDetails, "details", false, "fetch details for pins without an image URL after each query")
	batchCmd.Flags().BoolVar(&withDownload, "download", false, "download images after each query")
	batchCmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "retry pins whose download failed before")
	batchCmd.Flags().IntVar(&detailWorkers, "detail-workers", 0, "concurrent detail fetches (default from config)")
	batchCmd.Flags().IntVar(&downloadWorkers, "download-workers", 0, "concurrent downloads (default from config)")
	batchCmd.MarkFlagRequired("target")

	mergeCmd.Flags().IntVar(&mergeBatch, "batch-size", 500, "records per batch")
}

func runBatch(cmd *cobra.Command, args []string) error {
	if target <= 0 {
		return errors.New("--target must be positive")
	}
	if useTUI {
		return errors.New("batch does not support --tui")
	}
	queries, err := scraper.ReadQueries(args[0])
	if err != nil {
		return fmt.Errorf("failed to read queries: %w", err)
	}
	if len(queries) == 0 {
		return fmt.Errorf("no queries found in %s", args[0])
	}

	return withApp(cmd, true, func(a *app) error {
		a.log.WithField("queries", len(queries)).Info("Batch started")
		results := a.scraper.CollectBatch(context.Background(), queries, target, resume, a.follow)
		if a.console != nil {
			a.console.Finish()
		}

		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
				ui.PrintError(r.Query, r.Err)
				continue
			}
			if ui.IsQuietMode() {
				continue
			}
			report, err := a.scraper.Report(context.Background(), r.Query, target)
			if err != nil {
				return err
			}
			ui.WriteReport(ui.Output(), report)
		}

		if a.coord.Interrupted() {
			return context.Cause(a.coord.Context())
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d queries failed", failed, len(results))
		}
		return nil
	})
}
