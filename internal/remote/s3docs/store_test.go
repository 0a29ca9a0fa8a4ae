package s3docs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/docmigrate/internal/remote"
)

type fakeObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

// fakeS3 is an in-memory S3API for one bucket.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]*fakeObject
	uploads  map[string]map[int32][]byte
	aborted  []string
	partErr  error
	denied   map[string]bool
	nextID   int
	partSize []int64
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: make(map[string]*fakeObject),
		uploads: make(map[string]map[int32][]byte),
		denied:  make(map[string]bool),
	}
}

var _ S3API = (*fakeS3)(nil)

func accessDenied() error {
	return &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied[aws.ToString(in.Key)] {
		return nil, accessDenied()
	}
	f.objects[aws.ToString(in.Key)] = &fakeObject{data: data, contentType: aws.ToString(in.ContentType), metadata: in.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied[aws.ToString(in.Key)] {
		return nil, accessDenied()
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied[aws.ToString(in.Key)] {
		return nil, accessDenied()
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
		Metadata:      obj.metadata,
	}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, err := url.PathUnescape(strings.TrimPrefix(aws.ToString(in.CopySource), aws.ToString(in.Bucket)+"/"))
	if err != nil {
		return nil, err
	}
	obj, ok := f.objects[src]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	copied := &fakeObject{data: obj.data, contentType: obj.contentType, metadata: obj.metadata}
	if in.MetadataDirective == types.MetadataDirectiveReplace {
		copied.metadata = in.Metadata
		copied.contentType = aws.ToString(in.ContentType)
	}
	f.objects[aws.ToString(in.Key)] = copied
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = make(map[int32][]byte)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.partErr != nil {
		return nil, f.partErr
	}
	parts, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, errors.New("no such upload")
	}
	n := aws.ToInt32(in.PartNumber)
	parts[n] = data
	f.partSize = append(f.partSize, int64(len(data)))
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", n))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	parts, ok := f.uploads[id]
	if !ok {
		return nil, errors.New("no such upload")
	}
	nums := make([]int, 0, len(in.MultipartUpload.Parts))
	for _, p := range in.MultipartUpload.Parts {
		nums = append(nums, int(aws.ToInt32(p.PartNumber)))
	}
	sort.Ints(nums)
	var data []byte
	for _, n := range nums {
		data = append(data, parts[int32(n)]...)
	}
	f.objects[aws.ToString(in.Key)] = &fakeObject{data: data}
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	delete(f.uploads, id)
	f.aborted = append(f.aborted, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func newTestStore(t *testing.T) (*Store, *fakeS3) {
	t.Helper()
	api := newFakeS3()
	s := New(api, Options{Bucket: "wells", Prefix: "migrated/"})
	err := s.CreateCollection(context.Background(), CollectionSchema{
		Name:         "North Field",
		Fields:       []remote.Field{{InternalName: "WellName", Title: "Well Name"}},
		ContentTypes: []remote.ContentType{{ID: "0x0120D520", Name: "Well Document Set"}},
	})
	require.NoError(t, err)
	return s, api
}

func TestCollectionLookup(t *testing.T) {
	s, api := newTestStore(t)
	ctx := context.Background()

	_, ok := api.objects["migrated/NorthField/_collection.json"]
	require.True(t, ok, "collection marker key")

	c, err := s.GetCollection(ctx, "North Field")
	require.NoError(t, err)
	assert.Equal(t, "North Field", c.Name)
	assert.Equal(t, "/NorthField", c.Path)

	_, err = s.GetCollection(ctx, "South Field")
	require.Error(t, err)
	assert.True(t, errors.Is(err, remote.ErrNotFound))
	c, err = s.GetCollection(ctx, "South Field")
	assert.Equal(t, remote.Absent, remote.Probe(c, err).Presence)
}

func TestCollectionLookupFailed(t *testing.T) {
	s, api := newTestStore(t)
	api.denied["migrated/NorthField/_collection.json"] = true

	c, err := s.GetCollection(context.Background(), "North Field")
	l := remote.Probe(c, err)
	assert.Equal(t, remote.LookupFailed, l.Presence)

	var s3Err *Error
	require.True(t, errors.As(l.Err, &s3Err))
	assert.Equal(t, "getCollection", s3Err.Op)
	assert.Equal(t, "wells", s3Err.Bucket)
}

func TestSubCollections(t *testing.T) {
	s, api := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSubCollection(ctx, "North Field", "0412345678")
	assert.True(t, errors.Is(err, remote.ErrNotFound))

	h, err := s.CreateSubCollection(ctx, "North Field", "0412345678", "0x0120D520")
	require.NoError(t, err)
	assert.Equal(t, "/NorthField/0412345678", h.Path)
	assert.True(t, h.Folder)

	marker := api.objects["migrated/NorthField/0412345678/_docset.json"]
	require.NotNil(t, marker)
	assert.Equal(t, "0x0120D520", marker.metadata[contentTypeMeta])

	got, err := s.GetSubCollection(ctx, "North Field", "0412345678")
	require.NoError(t, err)
	assert.Equal(t, h.ID, got.ID)
}

func TestSetPropertiesMergesMetadata(t *testing.T) {
	s, api := newTestStore(t)
	ctx := context.Background()

	h, err := s.CreateSubCollection(ctx, "North Field", "0412345678", "ct")
	require.NoError(t, err)
	require.NoError(t, s.SetProperties(ctx, *h, map[string]string{"WellName": "Smith 1"}))

	meta := api.objects[h.ID].metadata
	assert.Equal(t, "Smith 1", meta["wellname"])
	assert.Equal(t, "ct", meta[contentTypeMeta])

	assert.NoError(t, s.SetProperties(ctx, *h, nil))
}

func TestCopySourceEscapesSegments(t *testing.T) {
	assert.Equal(t, "wells/a%20b/c%23d", copySource("wells", "a b/c#d"))
}

func TestGetContentType(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ct, err := s.GetContentType(ctx, "North Field", "Well Document Set")
	require.NoError(t, err)
	assert.Equal(t, "0x0120D520", ct.ID)

	_, err = s.GetContentType(ctx, "North Field", "Other")
	assert.True(t, errors.Is(err, remote.ErrNotFound))
}

func TestGetContentTypeWithoutDeclaredTypes(t *testing.T) {
	s := New(newFakeS3(), Options{Bucket: "wells"})
	ctx := context.Background()
	require.NoError(t, s.CreateCollection(ctx, CollectionSchema{Name: "East"}))

	ct, err := s.GetContentType(ctx, "East", "Anything")
	require.NoError(t, err)
	assert.Equal(t, "Anything", ct.ID)
}

func TestGetSchemaFields(t *testing.T) {
	s, _ := newTestStore(t)
	fields, err := s.GetSchemaFields(context.Background(), "North Field")
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, "WellName", fields[0].InternalName)
}

func TestCreateFile(t *testing.T) {
	s, api := newTestStore(t)
	ctx := context.Background()

	doc, err := s.CreateFile(ctx, "/NorthField/0412345678", "log.pdf", []byte("%PDF-1.4\nbody"))
	require.NoError(t, err)
	assert.Equal(t, "log.pdf", doc.Name)
	assert.Equal(t, int64(13), doc.Length)
	assert.Equal(t, "migrated/NorthField/0412345678/log.pdf", doc.ID)
	assert.Equal(t, "application/pdf", api.objects[doc.ID].contentType)

	n, err := s.GetFileLength(ctx, "North Field", doc.Handle)
	require.NoError(t, err)
	assert.Equal(t, int64(13), n)

	_, err = s.GetFileLength(ctx, "North Field", remote.Handle{ID: "missing"})
	assert.True(t, errors.Is(err, remote.ErrNotFound))
}

func TestCreateFileChunked(t *testing.T) {
	s, api := newTestStore(t)
	ctx := context.Background()

	size := int64(2*MinPartSize + 10)
	data := bytes.Repeat([]byte("x"), int(size))

	var progress []int64
	doc, err := s.CreateFileChunked(ctx, "/NorthField/0412345678", "big.tif", size, 1024, bytes.NewReader(data),
		func(sent, total int64) {
			assert.Equal(t, size, total)
			progress = append(progress, sent)
		})
	require.NoError(t, err)
	assert.Equal(t, size, doc.Length)
	assert.Equal(t, []int64{MinPartSize, 2 * MinPartSize, size}, progress)
	assert.Equal(t, []int64{MinPartSize, MinPartSize, 10}, api.partSize)
	assert.Equal(t, data, api.objects[doc.ID].data)
	assert.Empty(t, api.uploads)
}

func TestCreateFileChunkedAbortsOnFailure(t *testing.T) {
	s, api := newTestStore(t)
	api.partErr = accessDenied()

	_, err := s.CreateFileChunked(context.Background(), "/NorthField/0412345678", "big.tif", 100, 10,
		bytes.NewReader(make([]byte, 100)), nil)
	require.Error(t, err)

	var s3Err *Error
	require.True(t, errors.As(err, &s3Err))
	assert.Equal(t, "multipartUpload", s3Err.Op)
	assert.Len(t, api.aborted, 1)
	assert.Empty(t, api.uploads)
}

func TestCreateFileChunkedShortReader(t *testing.T) {
	s, api := newTestStore(t)

	size := int64(MinPartSize + 100)
	_, err := s.CreateFileChunked(context.Background(), "/NorthField/0412345678", "big.tif", size, MinPartSize,
		bytes.NewReader(make([]byte, MinPartSize+10)), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Len(t, api.aborted, 1)
}

func TestCreateFileChunkedRejectsBadChunkSize(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.CreateFileChunked(context.Background(), "/d", "f", 1, 0, bytes.NewReader([]byte("x")), nil)
	assert.Error(t, err)
}

func TestErrorIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no such key", &types.NoSuchKey{}, true},
		{"not found", &types.NotFound{}, true},
		{"generic 404", &smithy.GenericAPIError{Code: "NotFound"}, true},
		{"access denied", accessDenied(), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &Error{Op: "head", Bucket: "b", Key: "k", Err: tt.err}
			assert.Equal(t, tt.want, errors.Is(err, remote.ErrNotFound))
			assert.Contains(t, err.Error(), "s3.head b/k")
		})
	}
}
