// Package engine runs the delivery migration pipeline: it scans the output
// root for delivery directories, resolves the remote document sets each
// manifest needs, transfers the files and finalises the directory.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/docmigrate/internal/ledger"
	"github.com/BadgerOps/docmigrate/internal/remote"
)

// RunRecorder stores per-directory run history. *ledger.Ledger implements
// it; ledgers without it simply keep no history.
type RunRecorder interface {
	CreateDeliveryRun(ctx context.Context, run *ledger.DeliveryRun) error
	UpdateDeliveryRun(ctx context.Context, run *ledger.DeliveryRun) error
}

// Migrator is the pipeline entry point. The store and ledger are owned by
// the caller.
type Migrator struct {
	store  remote.DocumentStore
	ledger Ledger
	opts   Options
	runs   RunRecorder
	logger *slog.Logger
	now    func() time.Time

	// Set per pass by Run.
	runID     string
	resolver  *Resolver
	scheduler *Scheduler
}

// NewMigrator wires the pipeline components around an authenticated store
// and an open ledger.
func NewMigrator(store remote.DocumentStore, led Ledger, opts Options, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Migrator{
		store:  store,
		ledger: led,
		opts:   opts.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
	if rr, ok := led.(RunRecorder); ok {
		m.runs = rr
	}
	return m
}

// Options returns the effective run options.
func (m *Migrator) Options() Options { return m.opts }

// Run makes one pass over the output root. Directories are processed one at
// a time in listing order; a failing directory does not stop the scan. The
// returned error is non-nil only when the output root cannot be listed.
// Cancelling ctx stops before the next directory and stops dispatching new
// transfers.
func (m *Migrator) Run(ctx context.Context) (*Report, error) {
	entries, err := os.ReadDir(m.opts.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("list output directory: %w", err)
	}

	runID := uuid.NewString()
	pass := m.newPass(runID)

	report := &Report{RunID: runID, Start: m.now()}
	pass.logger.Info("starting migration pass", "output_dir", m.opts.OutputDir, "entries", len(entries),
		"retry_failed", m.opts.RetryFailed, "skip_uploads", m.opts.SkipUploads)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			pass.logger.Warn("migration pass cancelled", "error", err)
			report.Cancelled = true
			break
		}
		rep := pass.processDirectory(ctx, filepath.Join(m.opts.OutputDir, entry.Name()))
		if rep.State != StatePending {
			report.Directories = append(report.Directories, rep)
		}
	}

	report.End = m.now()
	t := report.Totals()
	pass.logger.Info("migration pass complete",
		"directories", len(report.Directories),
		"delivered", t.Delivered,
		"errored", t.Errored,
		"succeeded", t.Succeeded,
		"failed", t.Failed,
		"skipped", t.Skipped,
		"duration", report.End.Sub(report.Start))
	return report, nil
}

// newPass returns a copy of m whose components log under runID.
func (m *Migrator) newPass(runID string) *Migrator {
	pass := *m
	pass.runID = runID
	pass.logger = m.logger.With("run_id", runID)
	pass.resolver = NewResolver(m.store, m.opts.Metadata, m.opts.Parallelize, pass.logger)
	eng := NewEngine(m.store, m.ledger, m.opts, pass.logger)
	pass.scheduler = NewScheduler(eng, m.ledger, m.opts.Parallelize, pass.logger)
	return &pass
}
