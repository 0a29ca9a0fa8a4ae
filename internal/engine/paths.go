package engine

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/BadgerOps/docmigrate/internal/safety"
)

// CanonicalPath returns the ledger key of a manifest file: the delivery
// directory relative to the output root with its trigger suffix (or
// delivered marker) removed, joined with the file name using forward
// slashes. It is stable across the rename that finalises a directory.
func (o Options) CanonicalPath(dir, filename string) (string, error) {
	rel, err := safety.RelativeTo(o.OutputDir, dir)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", fmt.Errorf("directory %s is the output root", dir)
	}
	rel = strings.TrimSuffix(rel, o.DeliveredSuffix)
	if o.gateActive() {
		rel = strings.TrimSuffix(rel, o.TriggerSuffix)
	}

	name, err := safety.CleanFileName(filename)
	if err != nil {
		return "", err
	}
	return path.Join(rel, filepath.ToSlash(name)), nil
}

// DeliveredName is the directory name written after a clean batch.
func (o Options) DeliveredName(dir string) string {
	return strings.TrimSuffix(dir, o.TriggerSuffix) + o.DeliveredSuffix
}

// Eligible reports whether a directory name passes the trigger gate.
func (o Options) Eligible(name string) bool {
	if !o.gateActive() {
		return true
	}
	if o.DeliveredSuffix != "" && strings.HasSuffix(name, o.DeliveredSuffix) {
		return false
	}
	return strings.HasSuffix(name, o.TriggerSuffix)
}
