package sharepoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/google/uuid"

	"github.com/BadgerOps/docmigrate/internal/remote"
)

const (
	listPath   = "/_api/web/lists/getbytitle(@t)"
	folderPath = "/_api/web/GetFolderByServerRelativeUrl(@u)"
	filePath   = "/_api/web/GetFileByServerRelativeUrl(@u)"
)

func (c *Client) GetCollection(ctx context.Context, group string) (*remote.Collection, error) {
	var out struct {
		Title string `json:"Title"`
	}
	r := &request{method: http.MethodGet, path: listPath}
	r.param("@t", odataString(group)).param("$select", "Title")
	if err := c.do(ctx, r, &out); err != nil {
		return nil, fmt.Errorf("get collection %q: %w", group, err)
	}
	return &remote.Collection{Name: out.Title, Path: "/" + remote.CollectionSegment(group)}, nil
}

type itemRef struct {
	ID int64 `json:"Id"`
}

func (c *Client) GetSubCollection(ctx context.Context, group, key string) (*remote.Handle, error) {
	var out struct {
		Value []itemRef `json:"value"`
	}
	r := &request{method: http.MethodGet, path: listPath + "/items"}
	r.param("@t", odataString(group)).
		param("$select", "Id").
		param("$filter", fmt.Sprintf("FileLeafRef eq %s and FSObjType eq 1", odataString(key)))
	if err := c.do(ctx, r, &out); err != nil {
		return nil, fmt.Errorf("get sub-collection %s/%s: %w", group, key, err)
	}

	switch len(out.Value) {
	case 0:
		return nil, fmt.Errorf("sub-collection %s/%s: %w", group, key, remote.ErrNotFound)
	case 1:
		return &remote.Handle{
			ID:     strconv.FormatInt(out.Value[0].ID, 10),
			Path:   remote.SubCollectionPath(group, key),
			Folder: true,
		}, nil
	default:
		return nil, fmt.Errorf("sub-collection %s/%s (%d matches): %w", group, key, len(out.Value), remote.ErrAmbiguous)
	}
}

// CreateSubCollection adds a folder to the group library and switches it to
// the given content type, which turns it into a document set.
func (c *Client) CreateSubCollection(ctx context.Context, group, key, contentTypeID string) (*remote.Handle, error) {
	subPath := remote.SubCollectionPath(group, key)

	add := &request{method: http.MethodPost, path: listPath + "/rootfolder/folders/add(@u)"}
	add.param("@t", odataString(group)).param("@u", odataString(c.serverRelative(subPath)))
	if err := c.do(ctx, add, nil); err != nil {
		return nil, fmt.Errorf("create sub-collection %s: %w", subPath, err)
	}

	var item itemRef
	get := &request{method: http.MethodGet, path: folderPath + "/ListItemAllFields"}
	get.param("@u", odataString(c.serverRelative(subPath))).param("$select", "Id")
	if err := c.do(ctx, get, &item); err != nil {
		return nil, fmt.Errorf("get sub-collection item %s: %w", subPath, err)
	}

	h := remote.Handle{ID: strconv.FormatInt(item.ID, 10), Path: subPath, Folder: true}
	if contentTypeID != "" {
		if err := c.mergeItem(ctx, h, map[string]string{"ContentTypeId": contentTypeID}); err != nil {
			return nil, fmt.Errorf("set content type on %s: %w", subPath, err)
		}
	}
	return &h, nil
}

func (c *Client) SetProperties(ctx context.Context, h remote.Handle, props map[string]string) error {
	if len(props) == 0 {
		return nil
	}
	if err := c.mergeItem(ctx, h, props); err != nil {
		return fmt.Errorf("set properties on %s: %w", h.Path, err)
	}
	return nil
}

// mergeItem updates list item fields through the item's folder or file.
func (c *Client) mergeItem(ctx context.Context, h remote.Handle, props map[string]string) error {
	body, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	base := filePath
	if h.Folder {
		base = folderPath
	}
	r := &request{
		method:      http.MethodPost,
		path:        base + "/ListItemAllFields",
		body:        body,
		contentType: acceptHeader,
		headers: map[string]string{
			"X-HTTP-Method": "MERGE",
			"IF-MATCH":      "*",
		},
	}
	r.param("@u", odataString(c.serverRelative(h.Path)))
	return c.do(ctx, r, nil)
}

func (c *Client) GetContentType(ctx context.Context, group, name string) (*remote.ContentType, error) {
	var out struct {
		Value []struct {
			StringID string `json:"StringId"`
			Name     string `json:"Name"`
		} `json:"value"`
	}
	r := &request{method: http.MethodGet, path: listPath + "/contenttypes"}
	r.param("@t", odataString(group)).
		param("$select", "StringId,Name").
		param("$filter", "Name eq "+odataString(name))
	if err := c.do(ctx, r, &out); err != nil {
		return nil, fmt.Errorf("get content type %q: %w", name, err)
	}
	if len(out.Value) == 0 {
		return nil, fmt.Errorf("content type %q in %q: %w", name, group, remote.ErrNotFound)
	}
	return &remote.ContentType{ID: out.Value[0].StringID, Name: out.Value[0].Name}, nil
}

func (c *Client) GetDocument(ctx context.Context, docPath string) (*remote.Document, error) {
	var out struct {
		Name              string      `json:"Name"`
		Length            int64String `json:"Length"`
		ListItemAllFields itemRef     `json:"ListItemAllFields"`
	}
	r := &request{method: http.MethodGet, path: filePath}
	r.param("@u", odataString(c.serverRelative(docPath))).
		param("$select", "Name,Length,ListItemAllFields/Id").
		param("$expand", "ListItemAllFields")
	if err := c.do(ctx, r, &out); err != nil {
		return nil, fmt.Errorf("get document %s: %w", docPath, err)
	}
	return &remote.Document{
		Handle: remote.Handle{ID: strconv.FormatInt(out.ListItemAllFields.ID, 10), Path: docPath},
		Name:   out.Name,
		Length: int64(out.Length),
	}, nil
}

// CreateFile uploads a whole file in one request, replacing any existing
// file of the same name.
func (c *Client) CreateFile(ctx context.Context, dir, name string, data []byte) (*remote.Document, error) {
	if err := c.addFile(ctx, dir, name, data); err != nil {
		return nil, err
	}
	return c.GetDocument(ctx, path.Join(dir, name))
}

func (c *Client) addFile(ctx context.Context, dir, name string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	r := &request{
		method:      http.MethodPost,
		path:        folderPath + "/Files/add(url=@n,overwrite=true)",
		body:        data,
		contentType: "application/octet-stream",
	}
	r.param("@u", odataString(c.serverRelative(dir))).param("@n", odataString(name))
	if err := c.do(ctx, r, nil); err != nil {
		return fmt.Errorf("upload %s/%s: %w", dir, name, err)
	}
	return nil
}

// CreateFileChunked streams r to the store in chunkSize pieces using an
// upload session. Exactly size bytes are read from r.
func (c *Client) CreateFileChunked(ctx context.Context, dir, name string, size, chunkSize int64, r io.Reader, onProgress remote.ProgressFunc) (*remote.Document, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	docPath := path.Join(dir, name)

	if err := c.addFile(ctx, dir, name, nil); err != nil {
		return nil, err
	}
	if size == 0 {
		return c.GetDocument(ctx, docPath)
	}

	uploadID := uuid.NewString()
	fileURL := odataString(c.serverRelative(docPath))
	buf := make([]byte, chunkSize)
	var sent int64

	for sent < size {
		n := chunkSize
		if remaining := size - sent; remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			c.cancelUpload(ctx, fileURL, uploadID)
			return nil, fmt.Errorf("read %s at offset %d: %w", docPath, sent, err)
		}

		first := sent == 0
		last := sent+n >= size

		var op string
		switch {
		case first:
			op = fmt.Sprintf("/StartUpload(uploadId=guid'%s')", uploadID)
		case last:
			op = fmt.Sprintf("/FinishUpload(uploadId=guid'%s',fileOffset=%d)", uploadID, sent)
		default:
			op = fmt.Sprintf("/ContinueUpload(uploadId=guid'%s',fileOffset=%d)", uploadID, sent)
		}

		req := &request{method: http.MethodPost, path: filePath + op, body: buf[:n], contentType: "application/octet-stream"}
		req.param("@u", fileURL)
		if err := c.do(ctx, req, nil); err != nil {
			c.cancelUpload(ctx, fileURL, uploadID)
			return nil, fmt.Errorf("upload chunk of %s at offset %d: %w", docPath, sent, err)
		}
		sent += n

		if first && last {
			finish := &request{
				method:      http.MethodPost,
				path:        filePath + fmt.Sprintf("/FinishUpload(uploadId=guid'%s',fileOffset=%d)", uploadID, sent),
				body:        []byte{},
				contentType: "application/octet-stream",
			}
			finish.param("@u", fileURL)
			if err := c.do(ctx, finish, nil); err != nil {
				c.cancelUpload(ctx, fileURL, uploadID)
				return nil, fmt.Errorf("finish upload of %s: %w", docPath, err)
			}
		}

		if onProgress != nil {
			onProgress(sent, size)
		}
		c.logger.Debug("uploaded chunk", "path", docPath, "sent", sent, "size", size)
	}

	return c.GetDocument(ctx, docPath)
}

func (c *Client) cancelUpload(ctx context.Context, fileURL, uploadID string) {
	r := &request{method: http.MethodPost, path: filePath + fmt.Sprintf("/CancelUpload(uploadId=guid'%s')", uploadID)}
	r.param("@u", fileURL)
	if err := c.do(ctx, r, nil); err != nil {
		c.logger.Warn("failed to cancel upload session", "upload_id", uploadID, "error", err)
	}
}

func (c *Client) GetFileLength(ctx context.Context, group string, h remote.Handle) (int64, error) {
	if _, err := strconv.ParseInt(h.ID, 10, 64); err != nil {
		return 0, fmt.Errorf("invalid item id %q for %s", h.ID, h.Path)
	}
	var out struct {
		Length int64String `json:"Length"`
	}
	r := &request{method: http.MethodGet, path: listPath + "/items(" + h.ID + ")/File"}
	r.param("@t", odataString(group)).param("$select", "Length")
	if err := c.do(ctx, r, &out); err != nil {
		return 0, fmt.Errorf("get file length %s: %w", h.Path, err)
	}
	return int64(out.Length), nil
}

func (c *Client) GetSchemaFields(ctx context.Context, group string) ([]remote.Field, error) {
	var out struct {
		Value []struct {
			InternalName string `json:"InternalName"`
			Title        string `json:"Title"`
		} `json:"value"`
	}
	r := &request{method: http.MethodGet, path: listPath + "/fields"}
	r.param("@t", odataString(group)).
		param("$select", "InternalName,Title").
		param("$filter", "Hidden eq false")
	if err := c.do(ctx, r, &out); err != nil {
		return nil, fmt.Errorf("get schema fields of %q: %w", group, err)
	}

	fields := make([]remote.Field, 0, len(out.Value))
	for _, f := range out.Value {
		fields = append(fields, remote.Field{InternalName: f.InternalName, Title: f.Title})
	}
	return fields, nil
}
