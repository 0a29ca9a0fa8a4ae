// Package remote defines the document store the pipeline migrates into.
//
// A store is organised as collections (one per organisational group), each
// holding sub-collections (one per resource key) that contain documents.
// Backends live in subpackages.
package remote

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

var (
	// ErrNotFound is matched by lookups for items that do not exist.
	ErrNotFound = errors.New("remote item not found")
	// ErrAmbiguous is matched when a lookup expected one item and found several.
	ErrAmbiguous = errors.New("remote lookup matched more than one item")
)

// Presence is the tri-state outcome of a remote lookup
type Presence int

const (
	Absent Presence = iota
	Exists
	LookupFailed
)

func (p Presence) String() string {
	switch p {
	case Absent:
		return "absent"
	case Exists:
		return "exists"
	default:
		return "lookup-failed"
	}
}

// Lookup carries a probed value. Err is set only for LookupFailed.
type Lookup[T any] struct {
	Presence Presence
	Value    T
	Err      error
}

// Probe classifies a (value, error) pair. Only ErrNotFound means absent; any
// other error is a failed lookup.
func Probe[T any](v T, err error) Lookup[T] {
	switch {
	case err == nil:
		return Lookup[T]{Presence: Exists, Value: v}
	case errors.Is(err, ErrNotFound):
		return Lookup[T]{Presence: Absent}
	default:
		return Lookup[T]{Presence: LookupFailed, Err: err}
	}
}

// Handle identifies a remote item: a sub-collection or a document.
type Handle struct {
	ID     string // backend item identifier
	Path   string // store-relative path, always starting with "/"
	Folder bool   // sub-collection rather than document
}

// Collection is a group-level container
type Collection struct {
	Name string
	Path string
}

// Document is an uploaded file
type Document struct {
	Handle
	Name   string
	Length int64
}

// ContentType describes the kind of sub-collection to create
type ContentType struct {
	ID   string
	Name string
}

// Field is a metadata column of a collection's schema
type Field struct {
	InternalName string
	Title        string
}

// ProgressFunc is called after each chunk with the bytes sent so far.
type ProgressFunc func(sent, total int64)

// DocumentStore is the remote store contract. Lookups return an error
// matching ErrNotFound when the item does not exist.
type DocumentStore interface {
	GetCollection(ctx context.Context, group string) (*Collection, error)
	GetSubCollection(ctx context.Context, group, key string) (*Handle, error)
	CreateSubCollection(ctx context.Context, group, key, contentTypeID string) (*Handle, error)
	SetProperties(ctx context.Context, h Handle, props map[string]string) error
	GetContentType(ctx context.Context, group, name string) (*ContentType, error)
	GetDocument(ctx context.Context, docPath string) (*Document, error)
	CreateFile(ctx context.Context, dir, name string, data []byte) (*Document, error)
	CreateFileChunked(ctx context.Context, dir, name string, size, chunkSize int64, r io.Reader, onProgress ProgressFunc) (*Document, error)
	GetFileLength(ctx context.Context, group string, h Handle) (int64, error)
	GetSchemaFields(ctx context.Context, group string) ([]Field, error)
}

// CollectionSegment is the path segment of a group's collection. Spaces are
// not allowed in store URLs, so they are removed.
func CollectionSegment(group string) string {
	return strings.ReplaceAll(group, " ", "")
}

// SubCollectionPath returns "/<group without spaces>/<key>".
func SubCollectionPath(group, key string) string {
	return path.Join("/", CollectionSegment(group), key)
}

// DocumentPath returns the path of a named document inside a sub-collection.
func DocumentPath(group, key, name string) string {
	return path.Join(SubCollectionPath(group, key), name)
}
