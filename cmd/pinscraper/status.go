package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pinscraper/pkg/ui"
)

var (
	showSessions  bool
	jsonOutput    bool
	repairWorkers int
	repairBatch   int
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status <query> | --url <page>",
	Short: "Show what is stored for a query",
	Long: `Show the pins, downloads and session history stored for a query. Counts
come from the database, not from any earlier run's output.`,
	Args: sourceArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(a *app) error {
			query, err := a.source(args)
			if err != nil {
				return err
			}
			ctx := context.Background()
			report, err := a.scraper.Report(ctx, query, 0)
			if err != nil {
				return err
			}
			sessions, err := a.scraper.Sessions(ctx, query)
			if err != nil {
				return err
			}

			out := ui.Output()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"report":   report,
					"sessions": sessions,
				})
			}

			ui.WriteReport(out, report)
			ui.PrintInfo("  Output", a.scraper.OutputDirectory(query))
			if showSessions {
				ui.WriteSessions(out, sessions)
			}
			return nil
		})
	},
}

// repairCmd groups maintenance commands
var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Repair stored data",
}

// repairIDsCmd represents the repair ids command
var repairIDsCmd = &cobra.Command{
	Use:   "ids <query>",
	Short: "Rewrite encoded pin IDs to their numeric form",
	Long: `Older databases may hold pin IDs in an encoded form. This rewrites every
such ID to its numeric form in batches, merging records that turn out to be
the same pin. Interrupting stops after the current batch; running again
continues.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.TrimSpace(args[0])
		return withApp(cmd, false, func(a *app) error {
			res, err := a.scraper.RepairIDs(context.Background(), query, repairWorkers, repairBatch)
			if err != nil {
				return err
			}

			ui.PrintSuccess(fmt.Sprintf("Scanned %d records in %d batches", res.Scanned, res.Batches))
			ui.PrintInfo("  Changed", fmt.Sprint(res.Changed))
			ui.PrintInfo("  Renamed", fmt.Sprint(res.Renamed))
			ui.PrintInfo("  Merged", fmt.Sprint(res.Merged))
			if res.Interrupted {
				return context.Cause(a.coord.Context())
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(repairCmd)
	repairCmd.AddCommand(repairIDsCmd)

	statusCmd.Flags().BoolVar(&showSessions, "sessions", true, "list the session history")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")

	repairIDsCmd.Flags().IntVar(&repairWorkers, "workers", 4, "parallel decoders per batch")
	repairIDsCmd.Flags().IntVar(&repairBatch, "batch-size", 500, "records per batch")
}
