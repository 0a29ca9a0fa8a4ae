package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	ledgerRunsLimit   int
	ledgerFailedLimit int
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and prepare the migration ledger",
		Long: `The ledger records the outcome of every file transfer, keyed by the file's
path relative to the output directory, plus a history of delivery runs.`,
		Example: `  docmigrate ledger init
  docmigrate ledger status
  docmigrate ledger failed --limit 20`,
	}

	cmd.AddCommand(
		newLedgerInitCmd(),
		newLedgerStatusCmd(),
		newLedgerFailedCmd(),
	)

	return cmd
}

func newLedgerInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create or upgrade the ledger schema and exit",
		RunE:  ledgerInitRun,
	}
}

func ledgerInitRun(cmd *cobra.Command, args []string) error {
	if globalLedger == nil {
		return fmt.Errorf("ledger not initialized")
	}
	version, err := globalLedger.SchemaVersion(commandContext(cmd))
	if err != nil {
		return err
	}
	fmt.Printf("Ledger table %q ready (schema version %d)\n", globalLedger.Table(), version)
	return nil
}

func newLedgerStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show transfer counts and recent delivery runs",
		RunE:  ledgerStatusRun,
	}
	cmd.Flags().IntVar(&ledgerRunsLimit, "runs", 10, "number of recent delivery runs to show")
	return cmd
}

func ledgerStatusRun(cmd *cobra.Command, args []string) error {
	if globalLedger == nil {
		return fmt.Errorf("ledger not initialized")
	}
	ctx := commandContext(cmd)

	counts, err := globalLedger.Counts(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Ledger Status")
	fmt.Println("=============")
	fmt.Printf("Migrated: %d\n", counts.Successful)
	fmt.Printf("Failed:   %d\n", counts.Failed)
	fmt.Printf("Unknown:  %d\n", counts.Unknown)
	fmt.Printf("Uploaded: %s\n", humanize.IBytes(uint64(counts.UploadedBytes)))

	return printRecentRuns(ctx, ledgerRunsLimit)
}

func printRecentRuns(ctx context.Context, limit int) error {
	runs, err := globalLedger.ListDeliveryRuns(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Println("")
	if len(runs) == 0 {
		fmt.Println("No delivery runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tDIRECTORY\tSTATUS\tOK\tFAILED\tSKIPPED\tTRANSFERRED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.StartTime.Local().Format("2006-01-02 15:04"),
			filepath.Base(r.Directory), r.Status,
			r.FilesSucceeded, r.FilesFailed, r.FilesSkipped,
			humanize.IBytes(uint64(r.BytesTransferred)))
	}
	return tw.Flush()
}

func newLedgerFailedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List files whose last transfer failed",
		RunE:  ledgerFailedRun,
	}
	cmd.Flags().IntVar(&ledgerFailedLimit, "limit", 0, "maximum number of files to list (0 lists all)")
	return cmd
}

func ledgerFailedRun(cmd *cobra.Command, args []string) error {
	if globalLedger == nil {
		return fmt.Errorf("ledger not initialized")
	}
	records, err := globalLedger.ListFailed(commandContext(cmd), ledgerFailedLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No failed files")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tUPDATED\tDESCRIPTION")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.FilePath, humanize.Time(r.UpdatedAt), r.StatusDescription)
	}
	return tw.Flush()
}
