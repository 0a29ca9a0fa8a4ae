package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BadgerOps/docmigrate/internal/engine"
	"github.com/spf13/cobra"
)

var (
	runRetryFailed         bool
	runForce               bool
	runIgnoreLedger        bool
	runSkipUploads         bool
	runWarnMissing         bool
	runStubFile            string
	runIgnoreTriggerSuffix bool
	runParallel            int
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Make one migration pass over the output directory",
		Long: `Make one migration pass over the output directory. Every directory whose
name ends with the trigger suffix is processed:

  1. Find its single load file and parse the manifest
  2. Find or create the remote document set of every (field, API) pair
  3. Upload each file, verify its size and stamp its metadata
  4. Record each outcome in the ledger
  5. Rename the directory to the delivered suffix if nothing failed

Files the ledger records as migrated are skipped. Files that failed earlier
are retried only with --retry-failed.`,
		Example: `  docmigrate run
  docmigrate run --retry-failed --parallel 10
  docmigrate run --skip-uploads
  docmigrate run --ignore-trigger-suffix --ignore-ledger`,
		RunE: runRun,
	}

	addMigrationFlags(cmd)

	return cmd
}

// addMigrationFlags registers the per-pass flags shared by run and watch.
func addMigrationFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&runRetryFailed, "retry-failed", false, "retry files the ledger records as failed")
	cmd.Flags().BoolVar(&runForce, "force", false, "upload even when the remote already holds a document of the same size")
	cmd.Flags().BoolVar(&runIgnoreLedger, "ignore-ledger", false, "reprocess files the ledger records as migrated")
	cmd.Flags().BoolVar(&runSkipUploads, "skip-uploads", false, "resolve document sets only; upload nothing and rename nothing")
	cmd.Flags().BoolVar(&runWarnMissing, "warn-missing", false, "skip files missing on disk instead of failing them")
	cmd.Flags().StringVar(&runStubFile, "stub-file", "", "upload this file in place of every manifest file (testing)")
	cmd.Flags().BoolVar(&runIgnoreTriggerSuffix, "ignore-trigger-suffix", false, "process every directory regardless of its suffix")
	cmd.Flags().IntVar(&runParallel, "parallel", 0, "concurrent transfers per directory (default from config)")
}

// migrationOptions merges the run flags into the configured options.
func migrationOptions() (engine.Options, error) {
	if globalCfg == nil {
		return engine.Options{}, fmt.Errorf("config not loaded")
	}
	opts, err := engine.OptionsFromConfig(globalCfg)
	if err != nil {
		return engine.Options{}, err
	}
	opts.RetryFailed = opts.RetryFailed || runRetryFailed
	opts.ForceUploads = opts.ForceUploads || runForce
	opts.IgnoreLedger = runIgnoreLedger
	opts.SkipUploads = opts.SkipUploads || runSkipUploads
	opts.WarnMissing = opts.WarnMissing || runWarnMissing
	opts.IgnoreTriggerSuffix = opts.IgnoreTriggerSuffix || runIgnoreTriggerSuffix
	if runStubFile != "" {
		opts.StubFile = runStubFile
	}
	if runParallel > 0 {
		opts.Parallelize = runParallel
	}
	return opts, nil
}

func newMigrator() (*engine.Migrator, error) {
	if globalStore == nil || globalLedger == nil {
		return nil, fmt.Errorf("components not initialized")
	}
	opts, err := migrationOptions()
	if err != nil {
		return nil, err
	}
	return engine.NewMigrator(globalStore, globalLedger, opts, logger), nil
}

func runRun(cmd *cobra.Command, args []string) error {
	m, err := newMigrator()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := m.Run(ctx)
	if err != nil {
		return err
	}
	if err := report.WriteSummary(os.Stdout); err != nil {
		return err
	}

	if report.AnyFailures() {
		return fmt.Errorf("migration pass finished with %d errored directories", report.Totals().Errored)
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}
