package engine

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

// DirectoryReport describes what happened to one delivery directory.
type DirectoryReport struct {
	Dir         string
	Manifest    string
	State       DirectoryState
	Start       time.Time
	End         time.Time
	Records     int
	Outcome     BatchOutcome
	GroupErrors map[string]error // groups excluded during resolution
	KeyErrors   int              // keys that failed to resolve
	RenamedTo   string
	Err         error // directory-level failure
}

// Failed reports whether the directory was left for a later pass.
func (r DirectoryReport) Failed() bool {
	return r.Err != nil || r.State == StateErroredRemaining
}

// Report summarises one pass over the output root.
type Report struct {
	RunID       string
	Start       time.Time
	End         time.Time
	Cancelled   bool
	Directories []DirectoryReport
}

// Totals are aggregate counts over a report.
type Totals struct {
	Delivered        int
	Processed        int
	Errored          int
	Succeeded        int
	AlreadyUploaded  int
	Failed           int
	Skipped          int
	Unresolved       int
	BytesTransferred int64
}

// Totals sums the directory outcomes.
func (r *Report) Totals() Totals {
	var t Totals
	for _, d := range r.Directories {
		switch {
		case d.Failed():
			t.Errored++
		case d.State == StateDelivered:
			t.Delivered++
		default:
			t.Processed++
		}
		t.Succeeded += d.Outcome.Succeeded
		t.AlreadyUploaded += d.Outcome.AlreadyUploaded
		t.Failed += d.Outcome.Failed
		t.Skipped += d.Outcome.Skipped
		t.Unresolved += d.Outcome.Unresolved
		t.BytesTransferred += d.Outcome.BytesTransferred
	}
	return t
}

// AnyFailures reports whether any directory was left unfinished.
func (r *Report) AnyFailures() bool {
	for _, d := range r.Directories {
		if d.Failed() {
			return true
		}
	}
	return false
}

// WriteSummary prints a plain-text table of the pass.
func (r *Report) WriteSummary(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Run %s (%s)\n\n", r.RunID, r.End.Sub(r.Start).Round(time.Millisecond))
	fmt.Fprintln(tw, "DIRECTORY\tSTATE\tOK\tFAILED\tSKIPPED\tUNRESOLVED\tTRANSFERRED")
	for _, d := range r.Directories {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			filepath.Base(d.Dir), d.State, d.Outcome.Succeeded, d.Outcome.Failed,
			d.Outcome.Skipped, d.Outcome.Unresolved, humanize.IBytes(uint64(d.Outcome.BytesTransferred)))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, d := range r.Directories {
		if d.Err != nil {
			fmt.Fprintf(w, "\n%s: %v\n", filepath.Base(d.Dir), d.Err)
		}
		groups := make([]string, 0, len(d.GroupErrors))
		for g := range d.GroupErrors {
			groups = append(groups, g)
		}
		sort.Strings(groups)
		for _, g := range groups {
			fmt.Fprintf(w, "%s: group %q skipped: %v\n", filepath.Base(d.Dir), g, d.GroupErrors[g])
		}
		for _, f := range d.Outcome.Failures {
			fmt.Fprintf(w, "%s: %s: %s\n", filepath.Base(d.Dir), f.Path, f.Description)
		}
	}

	t := r.Totals()
	_, err := fmt.Fprintf(w, "\n%d delivered, %d processed, %d errored; %d files migrated (%d already uploaded), %d failed, %d skipped; %s transferred\n",
		t.Delivered, t.Processed, t.Errored, t.Succeeded, t.AlreadyUploaded, t.Failed, t.Skipped,
		humanize.IBytes(uint64(t.BytesTransferred)))
	return err
}
