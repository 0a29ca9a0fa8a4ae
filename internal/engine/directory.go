package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/docmigrate/internal/ledger"
	"github.com/BadgerOps/docmigrate/internal/manifest"
)

// DirectoryState is the derived processing state of a delivery directory.
type DirectoryState int

const (
	StatePending DirectoryState = iota
	StateEligible
	StateProcessing
	StateDelivered
	// StateProcessed is a clean batch that was not renamed because uploads
	// were disabled or the trigger gate is off.
	StateProcessed
	StateErroredRemaining
)

func (s DirectoryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateEligible:
		return "eligible"
	case StateProcessing:
		return "processing"
	case StateDelivered:
		return "delivered"
	case StateProcessed:
		return "processed"
	case StateErroredRemaining:
		return "errored-remaining"
	default:
		return fmt.Sprintf("DirectoryState(%d)", int(s))
	}
}

// FindManifest returns the single manifest file directly inside dir.
func FindManifest(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read directory %s: %w", dir, err)
	}
	var found []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ext) {
			found = append(found, e.Name())
		}
	}
	if len(found) != 1 {
		sort.Strings(found)
		return "", &ManifestDiscoveryError{Dir: dir, Found: found}
	}
	return filepath.Join(dir, found[0]), nil
}

// processDirectory drives one directory from Eligible to Delivered or
// ErroredRemaining. It never returns an error; failures are reported on
// the directory report.
func (m *Migrator) processDirectory(ctx context.Context, dir string) DirectoryReport {
	name := filepath.Base(dir)
	rep := DirectoryReport{Dir: dir, State: StatePending, Start: m.now()}
	log := m.logger.With("directory", name)

	if !m.opts.Eligible(name) {
		log.Debug("skipping directory, delivery trigger suffix not found")
		return rep
	}
	rep.State = StateEligible

	run := &ledger.DeliveryRun{RunID: m.runID, Directory: dir, StartTime: rep.Start, Status: "running"}
	m.startRun(ctx, run)

	rep.State = StateProcessing
	log.Info("processing directory")
	m.process(ctx, dir, &rep)
	rep.End = m.now()

	switch {
	case rep.Err != nil:
		log.Error("directory failed", "error", rep.Err)
	case rep.State == StateErroredRemaining:
		log.Warn("processed with errors", "failed", rep.Outcome.Failed, "unresolved", rep.Outcome.Unresolved,
			"held_failures", rep.Outcome.SkippedFailed)
	default:
		log.Info("directory processed", "state", rep.State, "renamed_to", rep.RenamedTo,
			"transferred", humanize.IBytes(uint64(rep.Outcome.BytesTransferred)))
	}

	m.finishRun(ctx, run, &rep)
	return rep
}

func (m *Migrator) process(ctx context.Context, dir string, rep *DirectoryReport) {
	fail := func(err error) {
		rep.Err = err
		rep.State = StateErroredRemaining
	}

	manifestPath, err := FindManifest(dir, m.opts.ManifestExt)
	if err != nil {
		fail(err)
		return
	}
	rep.Manifest = manifestPath

	mf, err := manifest.LoadFile(manifestPath)
	if err != nil {
		fail(&ManifestError{Path: manifestPath, Reason: "unreadable load file", Err: err})
		return
	}
	rep.Records = len(mf.Records)

	rmap, err := m.resolver.Resolve(ctx, mf)
	if err != nil {
		fail(err)
		return
	}
	rep.GroupErrors = rmap.GroupErrors
	rep.KeyErrors = len(rmap.KeyErrors)

	rep.Outcome = m.scheduler.Schedule(ctx, rmap, mf.Records, dir)

	// A recorded failure keeps the directory eligible for a retry pass.
	if rep.Outcome.AnyFailures || rep.Outcome.Unresolved > 0 || rep.Outcome.SkippedFailed > 0 {
		rep.State = StateErroredRemaining
		return
	}
	if m.opts.SkipUploads || !m.opts.gateActive() {
		rep.State = StateProcessed
		return
	}

	target, err := m.rename(dir)
	if err != nil {
		fail(err)
		return
	}
	rep.RenamedTo = target
	rep.State = StateDelivered
}

// rename replaces the trigger suffix with the delivered marker. An existing
// target leaves the directory in place.
func (m *Migrator) rename(dir string) (string, error) {
	target := m.opts.DeliveredName(dir)
	if _, err := os.Lstat(target); err == nil {
		return "", fmt.Errorf("cannot rename %s: %s already exists", dir, target)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("check rename target %s: %w", target, err)
	}
	if err := os.Rename(dir, target); err != nil {
		return "", fmt.Errorf("rename %s: %w", dir, err)
	}
	return target, nil
}

func (m *Migrator) startRun(ctx context.Context, run *ledger.DeliveryRun) {
	if m.runs == nil {
		return
	}
	if err := m.runs.CreateDeliveryRun(ctx, run); err != nil {
		m.logger.Error("failed to create delivery run record", "directory", run.Directory, "error", err)
	}
}

func (m *Migrator) finishRun(ctx context.Context, run *ledger.DeliveryRun, rep *DirectoryReport) {
	if m.runs == nil || run.ID == 0 {
		return
	}
	o := rep.Outcome
	run.EndTime = rep.End
	if run.EndTime.IsZero() {
		run.EndTime = time.Now()
	}
	run.FilesAttempted = o.Attempted
	run.FilesSucceeded = o.Succeeded
	run.FilesFailed = o.Failed
	run.FilesSkipped = o.Skipped
	run.FilesUnresolved = o.Unresolved
	run.BytesTransferred = o.BytesTransferred
	switch {
	case rep.Err != nil:
		run.Status = "failed"
		run.ErrorMessage = rep.Err.Error()
	case rep.State == StateDelivered:
		run.Status = "delivered"
	case rep.State == StateProcessed:
		run.Status = "completed"
	default:
		run.Status = "errored"
	}
	if err := m.runs.UpdateDeliveryRun(context.WithoutCancel(ctx), run); err != nil {
		m.logger.Error("failed to update delivery run record", "directory", run.Directory, "error", err)
	}
}
