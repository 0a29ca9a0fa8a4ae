package safety

import (
	"fmt"
	"path/filepath"
	"strings"
)

// CleanFileName validates a manifest file name. Names may contain
// subdirectories but never an absolute root or a parent traversal.
func CleanFileName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("file name is empty")
	}

	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." {
		return "", fmt.Errorf("file name resolves to current directory: %q", name)
	}
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, string(filepath.Separator)) {
		return "", fmt.Errorf("absolute file names are not allowed: %q", name)
	}
	if escapes(clean) {
		return "", fmt.Errorf("parent traversal is not allowed: %q", name)
	}
	return clean, nil
}

// JoinUnder joins a manifest file name onto dir and verifies the result
// stays inside dir.
func JoinUnder(dir, name string) (string, error) {
	clean, err := CleanFileName(name)
	if err != nil {
		return "", err
	}
	joined := filepath.Join(dir, clean)
	if _, err := RelativeTo(dir, joined); err != nil {
		return "", err
	}
	return joined, nil
}

// RelativeTo returns candidate relative to root using forward slashes.
// It fails when candidate is not inside root.
func RelativeTo(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if escapes(rel) {
		return "", fmt.Errorf("path escapes root %q: %q", root, candidate)
	}
	return filepath.ToSlash(rel), nil
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
