package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BadgerOps/docmigrate/internal/engine"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var (
	watchDebounce time.Duration
	watchInterval time.Duration
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run migration passes whenever a delivery batch appears",
		Long: `Run one migration pass, then watch the output directory and run another
pass whenever a directory with the trigger suffix appears in it. Bursts of
events are coalesced by --debounce. With --interval, a pass also runs on a
fixed schedule so that failed files are picked up again.

Accepts the same per-pass flags as run.`,
		Example: `  docmigrate watch
  docmigrate watch --debounce 30s --interval 1h --retry-failed`,
		RunE: watchRun,
	}

	cmd.Flags().DurationVar(&watchDebounce, "debounce", 5*time.Second, "quiet period after a new batch before a pass starts")
	cmd.Flags().DurationVar(&watchInterval, "interval", 0, "also run a pass at this interval (0 disables)")
	addMigrationFlags(cmd)

	return cmd
}

func watchRun(cmd *cobra.Command, args []string) error {
	m, err := newMigrator()
	if err != nil {
		return err
	}
	opts := m.Options()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(opts.OutputDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", opts.OutputDir, err)
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("watching for delivery batches", "output_dir", opts.OutputDir, "debounce", watchDebounce, "interval", watchInterval)
	return watchDeliveries(ctx, watcher.Events, watcher.Errors, opts, watchDebounce, watchInterval, func(ctx context.Context) {
		report, err := m.Run(ctx)
		if err != nil {
			logger.Error("migration pass failed", "error", err)
			return
		}
		if len(report.Directories) == 0 {
			return
		}
		if err := report.WriteSummary(os.Stdout); err != nil {
			logger.Error("failed to write summary", "error", err)
		}
	})
}

// watchDeliveries runs pass once, then again after each debounced batch
// arrival and on every interval tick, until ctx is done or the event stream
// closes.
func watchDeliveries(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error, opts engine.Options,
	debounce, interval time.Duration, pass func(context.Context)) error {
	pass(ctx)

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if isNewBatch(ev, opts) {
				logger.Debug("delivery batch detected", "path", ev.Name)
				pending = time.After(debounce)
			}
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			logger.Warn("watch error", "error", err)
		case <-pending:
			pending = nil
			pass(ctx)
		case <-tick:
			pass(ctx)
		}
	}
}

// isNewBatch reports whether ev announces a directory the pipeline would
// process.
func isNewBatch(ev fsnotify.Event, opts engine.Options) bool {
	if !ev.Has(fsnotify.Create) {
		return false
	}
	return opts.Eligible(filepath.Base(ev.Name))
}
