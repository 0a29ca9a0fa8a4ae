package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/docmigrate/internal/ledger"
	"github.com/BadgerOps/docmigrate/internal/manifest"
	"github.com/BadgerOps/docmigrate/internal/remote"
	"github.com/BadgerOps/docmigrate/internal/safety"
)

// Status descriptions written to the ledger.
const (
	StatusMigrated        = "Successful migration"
	StatusAlreadyUploaded = "Already uploaded"
)

// Ledger is the part of the migration ledger the pipeline needs.
type Ledger interface {
	FindByPath(ctx context.Context, path string) (*ledger.Record, error)
	Upsert(ctx context.Context, e ledger.Entry) error
}

// TransferResult is the outcome of one attempted migration.
type TransferResult struct {
	Path          string
	UploadedBytes *int64 // remote length, nil when nothing was measured
	LocalSize     int64
	Successful    ledger.Outcome
	Description   string
	Chunked       bool
	Transferred   bool // false when the remote copy was already complete
	// PriorFailure marks a record left alone because its last attempt
	// failed and retry mode is off. Nothing is written for it.
	PriorFailure bool
}

// Failed reports whether the result is a recorded failure.
func (r *TransferResult) Failed() bool {
	return !r.PriorFailure && r.Successful != ledger.OutcomeSuccess
}

// Entry converts the result into a ledger upsert.
func (r *TransferResult) Entry() ledger.Entry {
	return ledger.Entry{
		FilePath:          r.Path,
		UploadedBytes:     r.UploadedBytes,
		LocalSizeBytes:    ledger.Int64(r.LocalSize),
		StatusDescription: r.Description,
		Successful:        r.Successful,
	}
}

func (r *TransferResult) fail(err error) *TransferResult {
	r.Successful = ledger.OutcomeFailure
	r.Description = err.Error()
	return r
}

// Engine migrates single manifest records.
type Engine struct {
	store  remote.DocumentStore
	ledger Ledger
	opts   Options
	logger *slog.Logger
}

// NewEngine creates a transfer engine.
func NewEngine(store remote.DocumentStore, led Ledger, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, ledger: led, opts: opts.withDefaults(), logger: logger}
}

// CanonicalPath returns the ledger key for a file of dir.
func (e *Engine) CanonicalPath(dir, filename string) (string, error) {
	return e.opts.CanonicalPath(dir, filename)
}

// Migrate uploads one record into its sub-collection, verifies the remote
// length and applies document metadata.
//
// A nil result with a nil error means the record was skipped and nothing
// must be written to the ledger. Errors are returned only for failures that
// happen before a transfer is attempted; upload, verification and metadata
// failures are reported as a failed result.
func (e *Engine) Migrate(ctx context.Context, dir string, rec manifest.Record) (*TransferResult, error) {
	relPath, err := e.opts.CanonicalPath(dir, rec.Filename)
	if err != nil {
		return nil, fmt.Errorf("invalid file name %q: %w", rec.Filename, err)
	}
	log := e.logger.With("path", relPath)

	prior, err := e.ledger.FindByPath(ctx, relPath)
	if err != nil {
		return nil, fmt.Errorf("ledger lookup for %s: %w", relPath, err)
	}
	retrying := false
	if prior != nil {
		switch {
		case prior.Succeeded() && !e.opts.IgnoreLedger:
			log.Info("skipping, already migrated", "migrated_at", prior.CreatedAt)
			return nil, nil
		case prior.Failed() && !e.opts.RetryFailed:
			log.Info("skipping previously failed file, retry not requested", "status", prior.StatusDescription)
			return &TransferResult{Path: relPath, PriorFailure: true}, nil
		case prior.Failed():
			log.Info("retrying failed migration", "status", prior.StatusDescription)
			retrying = true
		}
	}

	if e.opts.SkipUploads {
		log.Info("skipping, uploads are disabled")
		return nil, nil
	}

	sourcePath, err := safety.JoinUnder(dir, rec.Filename)
	if err != nil {
		return nil, fmt.Errorf("invalid file name %q: %w", rec.Filename, err)
	}
	if _, err := os.Stat(sourcePath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", sourcePath, err)
		}
		missing := &LocalFileMissingError{Path: sourcePath, Err: err}
		if e.opts.WarnMissing {
			log.Warn("skipping missing file", "error", missing)
			return nil, nil
		}
		return nil, missing
	}
	if e.opts.StubFile != "" {
		sourcePath = e.opts.StubFile
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", sourcePath, err)
	}
	size := info.Size()

	destDir := remote.SubCollectionPath(rec.Group, rec.Key)
	name := path.Base(filepath.ToSlash(filepath.Clean(rec.Filename)))
	docPath := path.Join(destDir, name)
	res := &TransferResult{Path: relPath, LocalSize: size}

	if !e.opts.ForceUploads && !retrying {
		done, remoteLen, err := e.alreadyUploaded(ctx, rec.Group, docPath, size, prior)
		if err != nil {
			log.Error("remote lookup failed", "document", docPath, "error", err)
			return res.fail(err), nil
		}
		if done {
			log.Info("skipping, already uploaded", "size", humanize.IBytes(uint64(size)))
			res.UploadedBytes = ledger.Int64(remoteLen)
			res.Successful = ledger.OutcomeSuccess
			res.Description = StatusAlreadyUploaded
			return res, nil
		}
	}

	res.Chunked = size > ChunkThreshold
	log.Info("uploading", "destination", destDir, "size", humanize.IBytes(uint64(size)), "chunked", res.Chunked)
	if _, err := e.upload(ctx, sourcePath, destDir, name, size, res.Chunked); err != nil {
		terr := &TransferError{Path: docPath, Chunked: res.Chunked, Err: err}
		log.Error("upload failed", "error", terr)
		return res.fail(terr), nil
	}
	res.Transferred = true

	doc, err := e.store.GetDocument(ctx, docPath)
	if err != nil {
		log.Error("failed to fetch uploaded document", "error", err)
		return res.fail(fmt.Errorf("verify %s: %w", docPath, err)), nil
	}
	remoteLen, err := e.store.GetFileLength(ctx, rec.Group, doc.Handle)
	if err != nil {
		log.Error("failed to read uploaded length", "error", err)
		return res.fail(fmt.Errorf("verify %s: %w", docPath, err)), nil
	}
	res.UploadedBytes = ledger.Int64(remoteLen)
	if remoteLen != size {
		verr := &VerificationError{Path: docPath, Remote: remoteLen, Local: size}
		log.Error("upload verification failed", "remote_bytes", remoteLen, "local_bytes", size)
		return res.fail(verr), nil
	}

	if err := e.applyMetadata(ctx, rec, doc.Handle); err != nil {
		log.Error("failed to apply metadata", "document", docPath, "error", err)
		return res.fail(err), nil
	}

	log.Info("migrated", "document", docPath, "size", humanize.IBytes(uint64(size)))
	res.Successful = ledger.OutcomeSuccess
	res.Description = StatusMigrated
	return res, nil
}

// alreadyUploaded probes the destination. The remote copy counts as
// complete when its length matches the local size or the length recorded
// by the last attempt.
func (e *Engine) alreadyUploaded(ctx context.Context, group, docPath string, size int64, prior *ledger.Record) (bool, int64, error) {
	d, err := e.store.GetDocument(ctx, docPath)
	doc := remote.Probe(d, err)
	switch doc.Presence {
	case remote.Absent:
		return false, 0, nil
	case remote.LookupFailed:
		return false, 0, doc.Err
	}

	remoteLen, err := e.store.GetFileLength(ctx, group, doc.Value.Handle)
	if err != nil {
		return false, 0, err
	}
	if remoteLen == size || (prior != nil && prior.UploadedBytes > 0 && remoteLen == prior.UploadedBytes) {
		return true, remoteLen, nil
	}
	e.logger.Info("re-uploading, remote size differs", "document", docPath, "remote_bytes", remoteLen, "local_bytes", size)
	return false, remoteLen, nil
}

func (e *Engine) upload(ctx context.Context, sourcePath, destDir, name string, size int64, chunked bool) (*remote.Document, error) {
	if !chunked {
		data, err := os.ReadFile(sourcePath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", sourcePath, err)
		}
		return e.store.CreateFile(ctx, destDir, name, data)
	}

	f, err := os.Open(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", sourcePath, err)
	}
	defer f.Close()

	progress := func(sent, total int64) {
		e.logger.Debug("upload progress", "document", path.Join(destDir, name),
			"sent", humanize.IBytes(uint64(sent)), "total", humanize.IBytes(uint64(total)))
	}
	return e.store.CreateFileChunked(ctx, destDir, name, size, e.opts.ChunkSize, f, progress)
}

// dateField picks the first configured date alias present in the
// collection schema.
func (e *Engine) dateField(ctx context.Context, group string) (string, error) {
	fields, err := e.store.GetSchemaFields(ctx, group)
	if err != nil {
		return "", fmt.Errorf("read schema of %q: %w", group, err)
	}
	present := make(map[string]bool, len(fields))
	for _, f := range fields {
		present[f.InternalName] = true
	}
	for _, alias := range e.opts.Metadata.DateFields {
		if present[alias] {
			return alias, nil
		}
	}
	return "", &MetadataFieldNotFoundError{Group: group, Candidates: e.opts.Metadata.DateFields}
}

func (e *Engine) applyMetadata(ctx context.Context, rec manifest.Record, h remote.Handle) error {
	field, err := e.dateField(ctx, rec.Group)
	if err != nil {
		return err
	}
	date := rec.DocumentDate
	if date == e.opts.Metadata.UnknownDate {
		date = ""
	}
	props := map[string]string{
		e.opts.Metadata.DocumentTypeField: rec.DocumentType,
		field:                             date,
	}
	if err := e.store.SetProperties(ctx, h, props); err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}
