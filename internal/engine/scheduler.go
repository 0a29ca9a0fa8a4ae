package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BadgerOps/docmigrate/internal/ledger"
	"github.com/BadgerOps/docmigrate/internal/manifest"
	"github.com/BadgerOps/docmigrate/internal/workpool"
)

// Transferer migrates a single record. *Engine implements it.
type Transferer interface {
	CanonicalPath(dir, filename string) (string, error)
	Migrate(ctx context.Context, dir string, rec manifest.Record) (*TransferResult, error)
}

var _ Transferer = (*Engine)(nil)

// Failure describes one record that did not migrate.
type Failure struct {
	Path        string
	Description string
}

// BatchOutcome aggregates the records of one directory.
type BatchOutcome struct {
	Attempted        int // records dispatched to the engine
	Succeeded        int
	AlreadyUploaded  int // successes that needed no transfer
	Failed           int
	Skipped          int
	SkippedFailed    int // skipped because the last attempt failed; counted in Skipped too
	Unresolved       int // records whose sub-collection was not resolved
	Duplicates       int
	LedgerFailures   int // outcomes that could not be recorded
	BytesTransferred int64
	AnyFailures      bool
	Failures         []Failure
}

// Scheduler runs the transfer engine over the resolved records of a
// directory and records every outcome in the ledger.
type Scheduler struct {
	engine  Transferer
	ledger  Ledger
	workers int
	logger  *slog.Logger
}

// NewScheduler creates a scheduler running up to workers transfers at once.
func NewScheduler(engine Transferer, led Ledger, workers int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{engine: engine, ledger: led, workers: workers, logger: logger}
}

type recordOutcome struct {
	path    string
	result  *TransferResult
	err     error // engine error, recorded as a failure
	ledgerr error
}

// Schedule migrates the records of dir whose resources resolved. Every
// dispatched record completes before Schedule returns.
func (s *Scheduler) Schedule(ctx context.Context, rmap *ResolutionMap, records []manifest.Record, dir string) BatchOutcome {
	var out BatchOutcome

	seen := make(map[string]bool, len(records))
	var jobs []manifest.Record
	for _, rec := range records {
		if !rmap.Resolved(rec.Group, rec.Key) {
			out.Unresolved++
			s.logger.Debug("skipping record with unresolved document set", "file", rec.Filename, "group", rec.Group, "key", rec.Key)
			continue
		}
		key, err := s.engine.CanonicalPath(dir, rec.Filename)
		if err != nil {
			key = strings.TrimSpace(rec.Filename)
		}
		if seen[key] {
			out.Duplicates++
			s.logger.Warn("duplicate manifest entry ignored", "file", rec.Filename)
			continue
		}
		seen[key] = true
		jobs = append(jobs, rec)
	}

	pool := workpool.New(s.workers, func(ctx context.Context, rec manifest.Record) (recordOutcome, error) {
		return s.migrate(ctx, dir, rec), nil
	}, s.logger)

	for _, r := range pool.Execute(ctx, jobs) {
		if !r.Started {
			out.AnyFailures = true
			out.Failed++
			out.Failures = append(out.Failures, Failure{Path: r.Job.Filename, Description: "not started: " + r.Err.Error()})
			continue
		}
		out.Attempted++
		ro := r.Value

		switch {
		case ro.err != nil:
			out.Failed++
			out.Failures = append(out.Failures, Failure{Path: ro.path, Description: ro.err.Error()})
		case ro.result == nil:
			out.Skipped++
		case ro.result.PriorFailure:
			out.Skipped++
			out.SkippedFailed++
		case ro.result.Failed():
			out.Failed++
			out.Failures = append(out.Failures, Failure{Path: ro.path, Description: ro.result.Description})
		default:
			out.Succeeded++
			if !ro.result.Transferred {
				out.AlreadyUploaded++
			} else {
				out.BytesTransferred += ro.result.LocalSize
			}
		}

		if ro.ledgerr != nil {
			out.LedgerFailures++
			out.Failures = append(out.Failures, Failure{Path: ro.path, Description: "ledger write failed: " + ro.ledgerr.Error()})
		}
	}

	out.AnyFailures = out.AnyFailures || out.Failed > 0 || out.LedgerFailures > 0
	return out
}

// migrate runs the engine for one record and writes its outcome.
func (s *Scheduler) migrate(ctx context.Context, dir string, rec manifest.Record) recordOutcome {
	// A dispatched record runs to completion and is recorded even when the
	// run is being cancelled.
	ctx = context.WithoutCancel(ctx)

	path, perr := s.engine.CanonicalPath(dir, rec.Filename)
	ro := recordOutcome{path: path}
	if perr != nil {
		ro.path = rec.Filename
	}

	ro.result, ro.err = s.engine.Migrate(ctx, dir, rec)
	var entry ledger.Entry
	switch {
	case ro.err != nil:
		s.logger.Error("migration failed", "file", rec.Filename, "error", ro.err)
		if perr != nil {
			// No ledger key can be derived from an unusable file name.
			return ro
		}
		entry = ledger.Entry{
			FilePath:          path,
			StatusDescription: ro.err.Error(),
			Successful:        ledger.OutcomeFailure,
		}
	case ro.result == nil || ro.result.PriorFailure:
		return ro
	default:
		entry = ro.result.Entry()
	}

	if err := s.ledger.Upsert(ctx, entry); err != nil {
		s.logger.Error("failed to record migration", "path", entry.FilePath, "error", err)
		ro.ledgerr = err
	}
	return ro
}
