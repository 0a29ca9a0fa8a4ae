package ledger

import (
	"context"
	"fmt"
)

const schemaTable = "docmigrate_schema"

type migration struct {
	version    int
	statements []string
}

// migrations returns the schema history for the configured ledger table.
// Each ledger table carries its own version row so several tables can share
// one database.
func (l *Ledger) migrations() []migration {
	t := quoteIdent(l.table)
	runs := quoteIdent(l.table + "_runs")
	d := l.dialect

	return []migration{
		{
			version: 1,
			statements: []string{
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
					%s,
					file_path TEXT NOT NULL UNIQUE,
					uploaded_bytes BIGINT NOT NULL DEFAULT 0,
					file_size_bytes BIGINT,
					status_description TEXT NOT NULL DEFAULT '',
					successful TEXT NOT NULL DEFAULT '',
					created_at %s NOT NULL,
					updated_at %s NOT NULL
				)`, t, d.idColumn, d.timeType, d.timeType),
			},
		},
		{
			version: 2,
			statements: []string{
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
					%s,
					run_id TEXT NOT NULL,
					directory TEXT NOT NULL,
					start_time %s NOT NULL,
					end_time %s,
					files_attempted INTEGER NOT NULL DEFAULT 0,
					files_succeeded INTEGER NOT NULL DEFAULT 0,
					files_failed INTEGER NOT NULL DEFAULT 0,
					files_skipped INTEGER NOT NULL DEFAULT 0,
					files_unresolved INTEGER NOT NULL DEFAULT 0,
					bytes_transferred BIGINT NOT NULL DEFAULT 0,
					status TEXT NOT NULL DEFAULT 'running',
					error_message TEXT NOT NULL DEFAULT ''
				)`, runs, d.idColumn, d.timeType, d.timeType),
			},
		},
		{
			version: 3,
			statements: []string{
				fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (successful)`,
					quoteIdent(l.table+"_successful_idx"), t),
			},
		},
	}
}

// migrate runs all pending migrations
func (l *Ledger) migrate(ctx context.Context) error {
	createSchemaTableSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			ledger_table TEXT NOT NULL,
			version INTEGER NOT NULL,
			applied_at %s NOT NULL,
			PRIMARY KEY (ledger_table, version)
		)`, schemaTable, l.dialect.timeType)

	if _, err := l.db.ExecContext(ctx, createSchemaTableSQL); err != nil {
		return fmt.Errorf("failed to create schema table: %w", err)
	}

	currentVersion, err := l.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	l.logger.Debug("Current ledger schema version", "table", l.table, "version", currentVersion)

	for _, mig := range l.migrations() {
		if mig.version <= currentVersion {
			continue
		}
		l.logger.Info("Running ledger migration", "table", l.table, "version", mig.version)
		if err := l.runMigration(ctx, mig); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration for the ledger table.
func (l *Ledger) SchemaVersion(ctx context.Context) (int, error) {
	query := l.dialect.rebind(fmt.Sprintf(
		"SELECT COALESCE(MAX(version), 0) FROM %s WHERE ledger_table = ?", schemaTable))

	var version int
	if err := l.db.QueryRowContext(ctx, query, l.table).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current migration version: %w", err)
	}
	return version, nil
}

// runMigration executes a migration and records it
func (l *Ledger) runMigration(ctx context.Context, mig migration) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range mig.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}
	}

	insertSQL := l.dialect.rebind(fmt.Sprintf(
		"INSERT INTO %s (ledger_table, version, applied_at) VALUES (?, ?, ?)", schemaTable))
	if _, err := tx.ExecContext(ctx, insertSQL, l.table, mig.version, l.now()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}
	return nil
}
