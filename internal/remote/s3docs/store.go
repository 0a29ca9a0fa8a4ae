// Package s3docs implements remote.DocumentStore on an S3 bucket.
//
// Collections and sub-collections are marker objects: a group collection is
// "<group>/_collection.json" holding its schema, and a sub-collection is
// "<group>/<key>/_docset.json". Properties are stored as object metadata.
package s3docs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"github.com/BadgerOps/docmigrate/internal/remote"
	"github.com/BadgerOps/docmigrate/internal/safety"
)

const (
	collectionMarker = "_collection.json"
	docSetMarker     = "_docset.json"
	contentTypeMeta  = "content-type-id"

	// MinPartSize is the smallest part S3 accepts in a multipart upload,
	// except for the last part.
	MinPartSize = 5 * 1024 * 1024

	maxMarkerBytes = 1 << 20
)

// Options configures a Store.
type Options struct {
	Bucket string
	Prefix string
	Logger *slog.Logger
}

// Store keeps documents in one bucket under an optional prefix.
type Store struct {
	api    S3API
	bucket string
	prefix string
	logger *slog.Logger
}

var _ remote.DocumentStore = (*Store)(nil)

// New creates a store over api.
func New(api S3API, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		api:    api,
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
		logger: logger,
	}
}

// CollectionSchema is the content of a collection marker.
type CollectionSchema struct {
	Name         string               `json:"name"`
	Fields       []remote.Field       `json:"fields"`
	ContentTypes []remote.ContentType `json:"content_types,omitempty"`
}

func (s *Store) key(p string) string {
	return strings.TrimPrefix(path.Join(s.prefix, p), "/")
}

func (s *Store) collectionKey(group string) string {
	return s.key(path.Join("/", remote.CollectionSegment(group), collectionMarker))
}

func (s *Store) docSetKey(group, key string) string {
	return s.key(path.Join(remote.SubCollectionPath(group, key), docSetMarker))
}

func (s *Store) wrap(op, key string, err error) error {
	return &Error{Op: op, Bucket: s.bucket, Key: key, Err: err}
}

// CreateCollection writes a collection marker. It is how a bucket is
// prepared for a group.
func (s *Store) CreateCollection(ctx context.Context, schema CollectionSchema) error {
	body, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode collection schema: %w", err)
	}
	k := s.collectionKey(schema.Name)
	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(k),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return s.wrap("putCollection", k, err)
	}
	return nil
}

func (s *Store) readCollection(ctx context.Context, group string) (*CollectionSchema, error) {
	k := s.collectionKey(group)
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		return nil, s.wrap("getCollection", k, err)
	}
	defer out.Body.Close()

	data, err := safety.ReadAllWithLimit(out.Body, maxMarkerBytes)
	if err != nil {
		return nil, s.wrap("getCollection", k, err)
	}
	var schema CollectionSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, s.wrap("getCollection", k, fmt.Errorf("decode schema: %w", err))
	}
	return &schema, nil
}

func (s *Store) GetCollection(ctx context.Context, group string) (*remote.Collection, error) {
	schema, err := s.readCollection(ctx, group)
	if err != nil {
		return nil, err
	}
	name := schema.Name
	if name == "" {
		name = group
	}
	return &remote.Collection{Name: name, Path: "/" + remote.CollectionSegment(group)}, nil
}

func (s *Store) GetSubCollection(ctx context.Context, group, key string) (*remote.Handle, error) {
	k := s.docSetKey(group, key)
	if _, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	}); err != nil {
		return nil, s.wrap("headDocSet", k, err)
	}
	return &remote.Handle{ID: k, Path: remote.SubCollectionPath(group, key), Folder: true}, nil
}

func (s *Store) CreateSubCollection(ctx context.Context, group, key, contentTypeID string) (*remote.Handle, error) {
	k := s.docSetKey(group, key)
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(k),
		Body:        bytes.NewReader([]byte("{}")),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{contentTypeMeta: contentTypeID},
	})
	if err != nil {
		return nil, s.wrap("putDocSet", k, err)
	}
	s.logger.Debug("created document set marker", "bucket", s.bucket, "key", k)
	return &remote.Handle{ID: k, Path: remote.SubCollectionPath(group, key), Folder: true}, nil
}

// SetProperties merges props into the object's metadata by copying the
// object onto itself.
func (s *Store) SetProperties(ctx context.Context, h remote.Handle, props map[string]string) error {
	if len(props) == 0 {
		return nil
	}
	head, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(h.ID),
	})
	if err != nil {
		return s.wrap("setProperties", h.ID, err)
	}

	meta := make(map[string]string, len(head.Metadata)+len(props))
	for k, v := range head.Metadata {
		meta[k] = v
	}
	for k, v := range props {
		meta[strings.ToLower(k)] = v
	}

	_, err = s.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(h.ID),
		CopySource:        aws.String(copySource(s.bucket, h.ID)),
		MetadataDirective: types.MetadataDirectiveReplace,
		Metadata:          meta,
		ContentType:       head.ContentType,
	})
	if err != nil {
		return s.wrap("setProperties", h.ID, err)
	}
	return nil
}

func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

// GetContentType looks the name up in the collection schema. A schema that
// declares no content types accepts any name as its own identifier.
func (s *Store) GetContentType(ctx context.Context, group, name string) (*remote.ContentType, error) {
	schema, err := s.readCollection(ctx, group)
	if err != nil {
		return nil, err
	}
	if len(schema.ContentTypes) == 0 {
		return &remote.ContentType{ID: name, Name: name}, nil
	}
	for _, ct := range schema.ContentTypes {
		if ct.Name == name {
			ct := ct
			return &ct, nil
		}
	}
	return nil, fmt.Errorf("content type %q in %q: %w", name, group, remote.ErrNotFound)
}

func (s *Store) GetDocument(ctx context.Context, docPath string) (*remote.Document, error) {
	k := s.key(docPath)
	head, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		return nil, s.wrap("headDocument", k, err)
	}
	return &remote.Document{
		Handle: remote.Handle{ID: k, Path: docPath},
		Name:   path.Base(docPath),
		Length: aws.ToInt64(head.ContentLength),
	}, nil
}

func (s *Store) CreateFile(ctx context.Context, dir, name string, data []byte) (*remote.Document, error) {
	docPath := path.Join(dir, name)
	k := s.key(docPath)
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(k),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(mimetype.Detect(data).String()),
	})
	if err != nil {
		return nil, s.wrap("putDocument", k, err)
	}
	return s.GetDocument(ctx, docPath)
}

// CreateFileChunked streams r as a multipart upload. Parts are chunkSize
// bytes, raised to MinPartSize when smaller.
func (s *Store) CreateFileChunked(ctx context.Context, dir, name string, size, chunkSize int64, r io.Reader, onProgress remote.ProgressFunc) (*remote.Document, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	partSize := chunkSize
	if partSize < MinPartSize {
		partSize = MinPartSize
	}

	docPath := path.Join(dir, name)
	k := s.key(docPath)

	first := partSize
	if size < first {
		first = size
	}
	buf := make([]byte, partSize)
	if _, err := io.ReadFull(r, buf[:first]); err != nil {
		return nil, s.wrap("multipartUpload", k, fmt.Errorf("read first part: %w", err))
	}

	created, err := s.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(k),
		ContentType: aws.String(mimetype.Detect(buf[:first]).String()),
	})
	if err != nil {
		return nil, s.wrap("createMultipartUpload", k, err)
	}
	uploadID := created.UploadId

	abort := func(cause error) error {
		if _, err := s.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(k),
			UploadId: uploadID,
		}); err != nil {
			s.logger.Warn("failed to abort multipart upload", "key", k, "error", err)
		}
		return s.wrap("multipartUpload", k, cause)
	}

	var parts []types.CompletedPart
	var sent int64
	n := first
	for partNumber := int32(1); ; partNumber++ {
		out, err := s.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(k),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(partNumber),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(n),
		})
		if err != nil {
			return nil, abort(fmt.Errorf("upload part %d: %w", partNumber, err))
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNumber)})
		sent += n
		if onProgress != nil {
			onProgress(sent, size)
		}

		if sent >= size {
			break
		}
		n = partSize
		if remaining := size - sent; remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return nil, abort(fmt.Errorf("read part %d: %w", partNumber+1, err))
		}
	}

	if _, err := s.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(k),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	}); err != nil {
		return nil, abort(fmt.Errorf("complete: %w", err))
	}

	s.logger.Debug("multipart upload complete", "key", k, "parts", len(parts), "size", humanize.IBytes(uint64(size)))
	return s.GetDocument(ctx, docPath)
}

func (s *Store) GetFileLength(ctx context.Context, group string, h remote.Handle) (int64, error) {
	head, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(h.ID),
	})
	if err != nil {
		return 0, s.wrap("headDocument", h.ID, err)
	}
	return aws.ToInt64(head.ContentLength), nil
}

func (s *Store) GetSchemaFields(ctx context.Context, group string) ([]remote.Field, error) {
	schema, err := s.readCollection(ctx, group)
	if err != nil {
		return nil, err
	}
	return schema.Fields, nil
}
