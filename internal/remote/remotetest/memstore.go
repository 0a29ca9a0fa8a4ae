// Package remotetest provides an in-memory remote.DocumentStore for tests.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"sync"

	"github.com/BadgerOps/docmigrate/internal/remote"
)

// Operation names used for call counting and fault injection.
const (
	OpGetCollection       = "GetCollection"
	OpGetSubCollection    = "GetSubCollection"
	OpCreateSubCollection = "CreateSubCollection"
	OpSetProperties       = "SetProperties"
	OpGetContentType      = "GetContentType"
	OpGetDocument         = "GetDocument"
	OpCreateFile          = "CreateFile"
	OpCreateFileChunked   = "CreateFileChunked"
	OpGetFileLength       = "GetFileLength"
	OpGetSchemaFields     = "GetSchemaFields"
)

type item struct {
	handle remote.Handle
	props  map[string]string
	data   []byte // documents only
}

type collection struct {
	fields       []remote.Field
	contentTypes map[string]remote.ContentType
	subs         map[string][]*item
}

// Store is a concurrency-safe in-memory document store
type Store struct {
	// Fail, when set, is consulted before every operation. A non-nil return
	// is returned from the operation unchanged.
	Fail func(op, target string) error
	// Truncate, when set, returns how many bytes of an upload to keep.
	Truncate func(docPath string, size int64) int64

	mu          sync.Mutex
	nextID      int
	collections map[string]*collection
	folders     map[string]*item
	docs        map[string]*item
	byID        map[string]*item
	calls       map[string]int
}

var _ remote.DocumentStore = (*Store)(nil)

// New returns an empty store
func New() *Store {
	return &Store{
		collections: make(map[string]*collection),
		folders:     make(map[string]*item),
		docs:        make(map[string]*item),
		byID:        make(map[string]*item),
		calls:       make(map[string]int),
	}
}

// AddCollection creates a group collection with the given schema fields.
func (s *Store) AddCollection(group string, fields ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &collection{
		contentTypes: make(map[string]remote.ContentType),
		subs:         make(map[string][]*item),
	}
	for _, f := range fields {
		c.fields = append(c.fields, remote.Field{InternalName: f, Title: f})
	}
	s.collections[group] = c
}

// AddContentType registers a content type on a group collection.
func (s *Store) AddContentType(group, name, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[group]; ok {
		c.contentTypes[name] = remote.ContentType{ID: id, Name: name}
	}
}

// AddSubCollection creates a sub-collection directly. Adding the same key
// twice makes later lookups ambiguous.
func (s *Store) AddSubCollection(group, key string) remote.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addSubLocked(s.collections[group], group, key, nil).handle
}

// PutDocument stores a document directly, bypassing counters and faults.
func (s *Store) PutDocument(docPath string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putDocLocked(docPath, data)
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Writes returns the number of mutating calls made.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[OpCreateSubCollection] + s.calls[OpSetProperties] +
		s.calls[OpCreateFile] + s.calls[OpCreateFileChunked]
}

// Document returns the stored bytes of a document.
func (s *Store) Document(docPath string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docPath]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), d.data...), true
}

// Properties returns a copy of the properties set on a sub-collection or
// document path.
func (s *Store) Properties(itemPath string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.docs[itemPath]
	if !ok {
		it, ok = s.folders[itemPath]
	}
	if !ok {
		return nil
	}
	out := make(map[string]string, len(it.props))
	for k, v := range it.props {
		out[k] = v
	}
	return out
}

func (s *Store) enter(op, target string) error {
	s.mu.Lock()
	s.calls[op]++
	fail := s.Fail
	s.mu.Unlock()
	if fail != nil {
		return fail(op, target)
	}
	return nil
}

func (s *Store) newHandleLocked(p string) remote.Handle {
	s.nextID++
	return remote.Handle{ID: strconv.Itoa(s.nextID), Path: p}
}

func (s *Store) addSubLocked(c *collection, group, key string, props map[string]string) *item {
	p := remote.SubCollectionPath(group, key)
	it := &item{handle: s.newHandleLocked(p), props: map[string]string{}}
	it.handle.Folder = true
	for k, v := range props {
		it.props[k] = v
	}
	if c != nil {
		c.subs[key] = append(c.subs[key], it)
	}
	s.folders[p] = it
	s.byID[it.handle.ID] = it
	return it
}

func (s *Store) putDocLocked(docPath string, data []byte) *item {
	it, ok := s.docs[docPath]
	if !ok {
		it = &item{handle: s.newHandleLocked(docPath), props: map[string]string{}}
		s.docs[docPath] = it
		s.byID[it.handle.ID] = it
	}
	it.data = append([]byte(nil), data...)
	return it
}

func (s *Store) GetCollection(ctx context.Context, group string) (*remote.Collection, error) {
	if err := s.enter(OpGetCollection, group); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[group]; !ok {
		return nil, fmt.Errorf("collection %q: %w", group, remote.ErrNotFound)
	}
	return &remote.Collection{Name: group, Path: "/" + remote.CollectionSegment(group)}, nil
}

func (s *Store) GetSubCollection(ctx context.Context, group, key string) (*remote.Handle, error) {
	if err := s.enter(OpGetSubCollection, key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[group]
	if !ok {
		return nil, fmt.Errorf("collection %q: %w", group, remote.ErrNotFound)
	}
	subs := c.subs[key]
	switch len(subs) {
	case 0:
		return nil, fmt.Errorf("sub-collection %s/%s: %w", group, key, remote.ErrNotFound)
	case 1:
		h := subs[0].handle
		return &h, nil
	default:
		return nil, fmt.Errorf("sub-collection %s/%s: %w", group, key, remote.ErrAmbiguous)
	}
}

func (s *Store) CreateSubCollection(ctx context.Context, group, key, contentTypeID string) (*remote.Handle, error) {
	if err := s.enter(OpCreateSubCollection, key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[group]
	if !ok {
		return nil, fmt.Errorf("collection %q: %w", group, remote.ErrNotFound)
	}
	it := s.addSubLocked(c, group, key, map[string]string{"ContentTypeId": contentTypeID})
	h := it.handle
	return &h, nil
}

func (s *Store) SetProperties(ctx context.Context, h remote.Handle, props map[string]string) error {
	if err := s.enter(OpSetProperties, h.Path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byID[h.ID]
	if !ok {
		return fmt.Errorf("item %s: %w", h.ID, remote.ErrNotFound)
	}
	for k, v := range props {
		it.props[k] = v
	}
	return nil
}

func (s *Store) GetContentType(ctx context.Context, group, name string) (*remote.ContentType, error) {
	if err := s.enter(OpGetContentType, name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[group]
	if !ok {
		return nil, fmt.Errorf("collection %q: %w", group, remote.ErrNotFound)
	}
	ct, ok := c.contentTypes[name]
	if !ok {
		return nil, fmt.Errorf("content type %q: %w", name, remote.ErrNotFound)
	}
	return &ct, nil
}

func (s *Store) GetDocument(ctx context.Context, docPath string) (*remote.Document, error) {
	if err := s.enter(OpGetDocument, docPath); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.docs[docPath]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", docPath, remote.ErrNotFound)
	}
	return &remote.Document{Handle: it.handle, Name: path.Base(docPath), Length: int64(len(it.data))}, nil
}

func (s *Store) CreateFile(ctx context.Context, dir, name string, data []byte) (*remote.Document, error) {
	docPath := path.Join(dir, name)
	if err := s.enter(OpCreateFile, docPath); err != nil {
		return nil, err
	}
	return s.store(dir, docPath, data)
}

func (s *Store) CreateFileChunked(ctx context.Context, dir, name string, size, chunkSize int64, r io.Reader, onProgress remote.ProgressFunc) (*remote.Document, error) {
	docPath := path.Join(dir, name)
	if err := s.enter(OpCreateFileChunked, docPath); err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		return nil, errors.New("chunk size must be positive")
	}

	var data []byte
	buf := make([]byte, chunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			if onProgress != nil {
				onProgress(int64(len(data)), size)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read chunk: %w", err)
		}
	}
	return s.store(dir, docPath, data)
}

func (s *Store) store(dir, docPath string, data []byte) (*remote.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[dir]; !ok {
		return nil, fmt.Errorf("folder %s: %w", dir, remote.ErrNotFound)
	}
	if s.Truncate != nil {
		if keep := s.Truncate(docPath, int64(len(data))); keep < int64(len(data)) {
			data = data[:keep]
		}
	}
	it := s.putDocLocked(docPath, data)
	return &remote.Document{Handle: it.handle, Name: path.Base(docPath), Length: int64(len(it.data))}, nil
}

func (s *Store) GetFileLength(ctx context.Context, group string, h remote.Handle) (int64, error) {
	if err := s.enter(OpGetFileLength, h.Path); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byID[h.ID]
	if !ok || s.docs[it.handle.Path] != it {
		return 0, fmt.Errorf("file %s: %w", h.ID, remote.ErrNotFound)
	}
	return int64(len(it.data)), nil
}

func (s *Store) GetSchemaFields(ctx context.Context, group string) ([]remote.Field, error) {
	if err := s.enter(OpGetSchemaFields, group); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[group]
	if !ok {
		return nil, fmt.Errorf("collection %q: %w", group, remote.ErrNotFound)
	}
	return append([]remote.Field(nil), c.fields...), nil
}
