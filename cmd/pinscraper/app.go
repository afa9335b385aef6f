package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"pinscraper/pkg/config"
	"pinscraper/pkg/interrupt"
	"pinscraper/pkg/logger"
	"pinscraper/pkg/metrics"
	"pinscraper/pkg/scraper"
	"pinscraper/pkg/ui"
	"pinscraper/pkg/ui/tui"
)

// app wires one command invocation: configuration, logging, signals,
// metrics and the scraper with its progress observer.
type app struct {
	cfg       *config.Config
	log       logger.Logger
	coord     *interrupt.Coordinator
	scraper   *scraper.Scraper
	console   *ui.Console
	dashboard *tui.TUI

	stopSignals func()
	stopMetrics context.CancelFunc
}

// newApp builds the app for cmd. observe attaches progress output.
func newApp(cmd *cobra.Command, observe bool) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, coord: interrupt.New(context.Background())}
	levelSet := cmd.Flags().Changed("log-level")

	switch {
	case observe && useTUI:
		a.dashboard = tui.NewTUI(func() { a.coord.Cancel("user") })
		logger.Console = a.dashboard.LogWriter()
	case observe && !quiet && ui.IsTerminal(os.Stderr):
		a.console = ui.NewConsole(os.Stderr)
		// logs would tear the progress bars
		if !verbose && !levelSet {
			cfg.Logging.Level = "warn"
		}
	}
	if quiet && !levelSet {
		cfg.Logging.Level = "error"
	}

	if err := logger.Initialize(&cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.log = logger.GetLogger()
	a.log.WithField("version", version).Debug("pinscraper starting")

	a.stopSignals = a.coord.NotifyOnSignal(func(sig os.Signal) {
		a.log.WithField("signal", sig.String()).Warn("Second signal received, exiting now")
		os.Exit(130)
	}, syscall.SIGINT, syscall.SIGTERM)

	if cfg.Metrics.Enabled {
		ctx, cancel := context.WithCancel(context.Background())
		a.stopMetrics = cancel
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.ListenAddress, a.log); err != nil {
				a.log.WithError(err).Error("Metrics endpoint failed")
			}
		}()
	}

	opts := []scraper.Option{
		scraper.WithLogger(a.log),
		scraper.WithInterrupt(a.coord),
	}
	switch {
	case a.dashboard != nil:
		opts = append(opts, scraper.WithObserver(a.dashboard))
	case a.console != nil:
		opts = append(opts, scraper.WithObserver(a.console))
	}

	a.scraper, err = scraper.New(cfg, opts...)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize scraper: %w", err)
	}
	return a, nil
}

// run executes work and prints the report of query. With the dashboard the
// work runs beside it and the report is printed once it closes.
func (a *app) run(query string, target int, work func(ctx context.Context) error) error {
	var workErr error

	if a.dashboard != nil {
		done := make(chan struct{})
		go func() {
			defer close(done)
			workErr = work(context.Background())
			report, err := a.scraper.Report(context.Background(), query, target)
			if err != nil {
				a.dashboard.Done(nil, errors.Join(workErr, err))
				return
			}
			a.dashboard.Done(&report, workErr)
		}()

		tuiErr := a.dashboard.Run()
		if !a.dashboard.Finished() {
			// the dashboard was left early
			a.coord.Cancel("user")
		}
		<-done
		if tuiErr != nil {
			return fmt.Errorf("dashboard failed: %w", tuiErr)
		}
	} else {
		workErr = work(context.Background())
		if a.console != nil {
			a.console.Finish()
		}
	}

	report, err := a.scraper.Report(context.Background(), query, target)
	if err != nil {
		return errors.Join(workErr, err)
	}
	if !ui.IsQuietMode() {
		ui.WriteReport(ui.Output(), report)
	}
	if notifications {
		if err := ui.NewNotifier().NotifyReport(report); err != nil {
			a.log.WithError(err).Debug("Desktop notification failed")
		}
	}

	if workErr != nil {
		return workErr
	}
	if a.coord.Interrupted() {
		return context.Cause(a.coord.Context())
	}
	return nil
}

func (a *app) close() {
	if a.scraper != nil {
		if err := a.scraper.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close scraper")
		}
	}
	if a.stopMetrics != nil {
		a.stopMetrics()
	}
	if a.stopSignals != nil {
		a.stopSignals()
	}
}
