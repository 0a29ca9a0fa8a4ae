package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BadgerOps/docmigrate/internal/ledger"
	"github.com/BadgerOps/docmigrate/internal/manifest"
	"github.com/BadgerOps/docmigrate/internal/remote/remotetest"
)

const (
	testGroup    = "North Field"
	testKey      = "0412345678"
	testOtherKey = "0487654321"
)

const manifestHeader = "Filename,API,Document Type,Date,Well Name,Field Name,Township,Range,Section\n"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(context.Background(), ledger.Options{Driver: "sqlite", DSN: ":memory:", Table: "migrations"}, quietLogger())
	if err != nil {
		t.Fatalf("failed to create test ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// newTestStore returns a store with one collection carrying the Date1 alias.
func newTestStore() *remotetest.Store {
	s := remotetest.New()
	s.AddCollection(testGroup, "Title", "Date1", "Document_x0020_Type")
	s.AddContentType(testGroup, "Well Information", "0x0120D520")
	return s
}

func testOptions(outputDir string) Options {
	return Options{OutputDir: outputDir}.withDefaults()
}

func record(file, key string) manifest.Record {
	return manifest.Record{
		Filename:     file,
		Group:        testGroup,
		Key:          key,
		DocumentType: "Well Log",
		DocumentDate: "01-02-2003",
		Context:      manifest.Context{Section: "12", Township: "3N", Range: "4W", DisplayName: "Smith 1"},
	}
}

// manifestLine renders a record as a CSV row.
func manifestLine(r manifest.Record) string {
	return strings.Join([]string{
		r.Filename, r.Key, r.DocumentType, r.DocumentDate, r.Context.DisplayName,
		r.Group, r.Context.Township, r.Context.Range, r.Context.Section,
	}, ",") + "\n"
}

// writeDelivery creates a delivery directory with a manifest and the given
// files. A nil content skips creating that file on disk.
func writeDelivery(t *testing.T, root, name string, records []manifest.Record, files map[string][]byte) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	var b strings.Builder
	b.WriteString(manifestHeader)
	for _, r := range records {
		b.WriteString(manifestLine(r))
	}
	writeFile(t, filepath.Join(dir, "load.csv"), []byte(b.String()))
	for name, data := range files {
		if data != nil {
			writeFile(t, filepath.Join(dir, name), data)
		}
	}
	return dir
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func mustFind(t *testing.T, l Ledger, path string) *ledger.Record {
	t.Helper()
	rec, err := l.FindByPath(context.Background(), path)
	if err != nil {
		t.Fatalf("FindByPath(%q): %v", path, err)
	}
	if rec == nil {
		t.Fatalf("FindByPath(%q) = nil, want record", path)
	}
	return rec
}
