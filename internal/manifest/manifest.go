// Package manifest models the per-directory list of files to migrate.
package manifest

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// KeyLength is the exact length of a well resource key (API number).
	KeyLength = 10
	// KeyPrefix is the state code every accepted resource key starts with.
	KeyPrefix = "04"
)

// ErrInvalidKey is matched by errors returned from ValidateKey.
var ErrInvalidKey = errors.New("invalid resource key")

// Context holds the attributes describing the resource a file belongs to.
// Every record sharing a resource key must carry the same Context.
type Context struct {
	Section     string
	Township    string
	Range       string
	DisplayName string
}

// Record is one file to migrate.
type Record struct {
	Filename     string
	Group        string
	Key          string
	DocumentType string
	DocumentDate string
	Context      Context
}

// ResourceKey identifies a remote sub-collection.
type ResourceKey struct {
	Group string
	Key   string
}

func (k ResourceKey) String() string {
	return k.Group + "/" + k.Key
}

// ResourceKey returns the sub-collection this record is filed under.
func (r Record) ResourceKey() ResourceKey {
	return ResourceKey{Group: r.Group, Key: r.Key}
}

// ValidateKey checks the fixed shape of a resource key.
func ValidateKey(key string) error {
	if len(key) != KeyLength || !strings.HasPrefix(key, KeyPrefix) {
		return fmt.Errorf("%w: %q (want %d characters starting with %q)", ErrInvalidKey, key, KeyLength, KeyPrefix)
	}
	return nil
}

// Resource is a distinct (key, context) tuple within one group.
type Resource struct {
	Group   string
	Key     string
	Context Context
}

// ResourceKey returns the sub-collection the resource describes.
func (r Resource) ResourceKey() ResourceKey {
	return ResourceKey{Group: r.Group, Key: r.Key}
}

// Manifest is the ordered, immutable record list for one delivery directory.
type Manifest struct {
	Path    string
	Records []Record
}

// CheckConsistency verifies that records sharing a resource key agree on
// their group and context. It makes no remote calls.
func (m *Manifest) CheckConsistency() error {
	seen := make(map[string]Record, len(m.Records))
	for _, rec := range m.Records {
		prev, ok := seen[rec.Key]
		if !ok {
			seen[rec.Key] = rec
			continue
		}
		if prev.Group != rec.Group {
			return fmt.Errorf("varying data for resource key %s: group %q vs %q", rec.Key, prev.Group, rec.Group)
		}
		if prev.Context != rec.Context {
			return fmt.Errorf("varying data for resource key %s: %+v vs %+v", rec.Key, prev.Context, rec.Context)
		}
	}
	return nil
}

// Groups returns the distinct groups in first-seen order.
func (m *Manifest) Groups() []string {
	var groups []string
	seen := make(map[string]bool)
	for _, rec := range m.Records {
		if !seen[rec.Group] {
			seen[rec.Group] = true
			groups = append(groups, rec.Group)
		}
	}
	return groups
}

// Resources returns the distinct resources of one group in first-seen order.
func (m *Manifest) Resources(group string) []Resource {
	var out []Resource
	seen := make(map[Resource]bool)
	for _, rec := range m.Records {
		if rec.Group != group {
			continue
		}
		res := Resource{Group: rec.Group, Key: rec.Key, Context: rec.Context}
		if !seen[res] {
			seen[res] = true
			out = append(out, res)
		}
	}
	return out
}
