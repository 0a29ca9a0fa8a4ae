// Package ledger persists per-file migration outcomes so repeated runs can
// skip completed work and retry failures.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Options selects the ledger database
type Options struct {
	Driver string // "sqlite" (default) or "postgres"
	DSN    string // file path or ":memory:" for sqlite, connection string for postgres
	Table  string
}

// Ledger provides keyed get/upsert access to migration outcomes
type Ledger struct {
	db      *sql.DB
	dialect dialect
	table   string
	logger  *slog.Logger
	now     func() time.Time
}

// New opens the ledger database and runs pending migrations
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !tableNamePattern.MatchString(opts.Table) {
		return nil, fmt.Errorf("invalid ledger table name %q", opts.Table)
	}
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.name == "sqlite" {
		// One connection keeps ":memory:" databases shared and serialises writers.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	l := &Ledger{
		db:      db,
		dialect: d,
		table:   opts.Table,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}

	if err := l.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("Ledger initialized", "driver", d.name, "table", opts.Table)
	return l, nil
}

// Close closes the database connection
func (l *Ledger) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Table returns the ledger table name.
func (l *Ledger) Table() string { return l.table }

const recordColumns = `id, file_path, uploaded_bytes, file_size_bytes, status_description, successful, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	rec := &Record{}
	var size sql.NullInt64
	var successful string
	if err := row.Scan(
		&rec.ID, &rec.FilePath, &rec.UploadedBytes, &size,
		&rec.StatusDescription, &successful, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if size.Valid {
		rec.LocalSizeBytes = Int64(size.Int64)
	}
	rec.Successful = Outcome(successful)
	return rec, nil
}

// FindByPath returns the record for a canonical path, or nil when none exists.
func (l *Ledger) FindByPath(ctx context.Context, path string) (*Record, error) {
	query := l.dialect.rebind(fmt.Sprintf(
		"SELECT %s FROM %s WHERE file_path = ?", recordColumns, quoteIdent(l.table)))

	rec, err := scanRecord(l.db.QueryRowContext(ctx, query, path))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query ledger record %s: %w", path, err)
	}
	return rec, nil
}

// Upsert inserts or updates the record for e.FilePath. The creation time of
// an existing record is preserved, as are byte counts the entry leaves nil.
func (l *Ledger) Upsert(ctx context.Context, e Entry) error {
	if e.FilePath == "" {
		return fmt.Errorf("ledger entry has no file path")
	}

	t := quoteIdent(l.table)
	query := l.dialect.rebind(fmt.Sprintf(`
		INSERT INTO %[1]s (
			file_path, uploaded_bytes, file_size_bytes, status_description,
			successful, created_at, updated_at
		) VALUES (?, COALESCE(CAST(? AS BIGINT), 0), CAST(? AS BIGINT), ?, ?, ?, ?)
		ON CONFLICT (file_path) DO UPDATE SET
			uploaded_bytes = CASE WHEN CAST(? AS BIGINT) IS NULL
				THEN %[1]s.uploaded_bytes ELSE excluded.uploaded_bytes END,
			file_size_bytes = COALESCE(excluded.file_size_bytes, %[1]s.file_size_bytes),
			status_description = excluded.status_description,
			successful = excluded.successful,
			updated_at = excluded.updated_at
	`, t))

	now := l.now()
	_, err := l.db.ExecContext(ctx, query,
		e.FilePath, nullable(e.UploadedBytes), nullable(e.LocalSizeBytes),
		e.StatusDescription, string(e.Successful), now, now,
		nullable(e.UploadedBytes),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ledger record %s: %w", e.FilePath, err)
	}
	return nil
}

func nullable(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

// ListFailed returns failed records, most recently updated first.
func (l *Ledger) ListFailed(ctx context.Context, limit int) ([]Record, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE successful = ? ORDER BY updated_at DESC, file_path",
		recordColumns, quoteIdent(l.table))
	args := []any{string(OutcomeFailure)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, l.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger records: %w", err)
	}
	return records, nil
}

// Counts groups the ledger by outcome.
func (l *Ledger) Counts(ctx context.Context) (Counts, error) {
	query := fmt.Sprintf(
		"SELECT successful, COUNT(*), COALESCE(SUM(uploaded_bytes), 0) FROM %s GROUP BY successful",
		quoteIdent(l.table))

	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count ledger records: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var outcome string
		var n int
		var bytes int64
		if err := rows.Scan(&outcome, &n, &bytes); err != nil {
			return Counts{}, fmt.Errorf("failed to scan ledger counts: %w", err)
		}
		switch Outcome(outcome) {
		case OutcomeSuccess:
			c.Successful += n
		case OutcomeFailure:
			c.Failed += n
		default:
			c.Unknown += n
		}
		c.UploadedBytes += bytes
	}
	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("error iterating ledger counts: %w", err)
	}
	return c, nil
}

// ============================================================================
// DeliveryRun Operations
// ============================================================================

const runColumns = `id, run_id, directory, start_time, end_time, files_attempted, files_succeeded,
	files_failed, files_skipped, files_unresolved, bytes_transferred, status, error_message`

// CreateDeliveryRun inserts a new DeliveryRun and sets its ID
func (l *Ledger) CreateDeliveryRun(ctx context.Context, run *DeliveryRun) error {
	query := l.dialect.rebind(fmt.Sprintf(`
		INSERT INTO %s (
			run_id, directory, start_time, files_attempted, files_succeeded,
			files_failed, files_skipped, files_unresolved, bytes_transferred,
			status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, quoteIdent(l.table+"_runs")))

	if run.Status == "" {
		run.Status = "running"
	}
	err := l.db.QueryRowContext(ctx, query,
		run.RunID, run.Directory, run.StartTime, run.FilesAttempted, run.FilesSucceeded,
		run.FilesFailed, run.FilesSkipped, run.FilesUnresolved, run.BytesTransferred,
		run.Status, run.ErrorMessage,
	).Scan(&run.ID)
	if err != nil {
		return fmt.Errorf("failed to insert delivery run: %w", err)
	}
	return nil
}

// UpdateDeliveryRun updates an existing DeliveryRun by ID
func (l *Ledger) UpdateDeliveryRun(ctx context.Context, run *DeliveryRun) error {
	query := l.dialect.rebind(fmt.Sprintf(`
		UPDATE %s SET
			end_time = ?, files_attempted = ?, files_succeeded = ?, files_failed = ?,
			files_skipped = ?, files_unresolved = ?, bytes_transferred = ?,
			status = ?, error_message = ?
		WHERE id = ?
	`, quoteIdent(l.table+"_runs")))

	var end any
	if !run.EndTime.IsZero() {
		end = run.EndTime
	}
	result, err := l.db.ExecContext(ctx, query,
		end, run.FilesAttempted, run.FilesSucceeded, run.FilesFailed,
		run.FilesSkipped, run.FilesUnresolved, run.BytesTransferred,
		run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("delivery run not found: %d", run.ID)
	}
	return nil
}

// ListDeliveryRuns returns the most recent runs first
func (l *Ledger) ListDeliveryRuns(ctx context.Context, limit int) ([]DeliveryRun, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY start_time DESC, id DESC",
		runColumns, quoteIdent(l.table+"_runs"))
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, l.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery runs: %w", err)
	}
	defer rows.Close()

	var runs []DeliveryRun
	for rows.Next() {
		var run DeliveryRun
		var end sql.NullTime
		if err := rows.Scan(
			&run.ID, &run.RunID, &run.Directory, &run.StartTime, &end,
			&run.FilesAttempted, &run.FilesSucceeded, &run.FilesFailed,
			&run.FilesSkipped, &run.FilesUnresolved, &run.BytesTransferred,
			&run.Status, &run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan delivery run: %w", err)
		}
		if end.Valid {
			run.EndTime = end.Time
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating delivery runs: %w", err)
	}
	return runs, nil
}
