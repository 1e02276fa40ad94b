package gcs

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/gobeaver/cloudview"
)

// Item IDs are object names relative to the prefix. Folder IDs end with a
// slash and the root is "/".
const rootID = "/"

// mtimeKey is the custom metadata key holding the modification time.
const mtimeKey = "cv-mtime"

// maxCompose is the most sources one compose request accepts.
const maxCompose = 32

// Bucket is the subset of bucket operations the adapter uses.
type Bucket interface {
	Attrs(ctx context.Context) error
	Object(ctx context.Context, name string) (*storage.ObjectAttrs, error)
	List(ctx context.Context, q *storage.Query) ([]*storage.ObjectAttrs, error)
	NewReader(ctx context.Context, name string, offset, length int64) (io.ReadCloser, error)
	Write(ctx context.Context, name string, attrs storage.ObjectAttrs, r io.Reader) (*storage.ObjectAttrs, error)
	Copy(ctx context.Context, dst, src string, meta map[string]string) (*storage.ObjectAttrs, error)
	Compose(ctx context.Context, dst string, srcs []string) (*storage.ObjectAttrs, error)
	Delete(ctx context.Context, name string) error
}

// handle implements Bucket on a storage.BucketHandle.
type handle struct {
	b *storage.BucketHandle
}

// NewBucket wraps a bucket handle from client.
func NewBucket(client *storage.Client, bucket string) Bucket {
	return &handle{b: client.Bucket(bucket)}
}

func (h *handle) Attrs(ctx context.Context) error {
	_, err := h.b.Attrs(ctx)
	return err
}

func (h *handle) Object(ctx context.Context, name string) (*storage.ObjectAttrs, error) {
	return h.b.Object(name).Attrs(ctx)
}

func (h *handle) List(ctx context.Context, q *storage.Query) ([]*storage.ObjectAttrs, error) {
	it := h.b.Objects(ctx, q)
	var out []*storage.ObjectAttrs
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, attrs)
	}
}

func (h *handle) NewReader(ctx context.Context, name string, offset, length int64) (io.ReadCloser, error) {
	return h.b.Object(name).NewRangeReader(ctx, offset, length)
}

func (h *handle) Write(ctx context.Context, name string, attrs storage.ObjectAttrs, r io.Reader) (*storage.ObjectAttrs, error) {
	// Canceling the writer's context aborts the upload.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := h.b.Object(name).NewWriter(ctx)
	w.ContentType = attrs.ContentType
	w.CacheControl = attrs.CacheControl
	w.Metadata = attrs.Metadata
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return w.Attrs(), nil
}

func (h *handle) Copy(ctx context.Context, dst, src string, meta map[string]string) (*storage.ObjectAttrs, error) {
	c := h.b.Object(dst).CopierFrom(h.b.Object(src))
	if meta != nil {
		srcAttrs, err := h.b.Object(src).Attrs(ctx)
		if err != nil {
			return nil, err
		}
		c.ContentType = srcAttrs.ContentType
		c.Metadata = meta
	}
	return c.Run(ctx)
}

func (h *handle) Compose(ctx context.Context, dst string, srcs []string) (*storage.ObjectAttrs, error) {
	sources := make([]*storage.ObjectHandle, 0, len(srcs))
	for _, s := range srcs {
		sources = append(sources, h.b.Object(s))
	}
	return h.b.Object(dst).ComposerFrom(sources...).Run(ctx)
}

func (h *handle) Delete(ctx context.Context, name string) error {
	return h.b.Object(name).Delete(ctx)
}

// Adapter exposes a GCS bucket (or a prefix inside one) as a cloudview
// backend.
type Adapter struct {
	bucket       Bucket
	name         string
	prefix       string
	pollInterval time.Duration
	log          *zap.Logger

	uploadsMu sync.Mutex
	uploads   map[string]*gcsUpload
}

// AdapterOption is a function that configures GCS Adapter
type AdapterOption func(*Adapter)

// WithPrefix sets the prefix for GCS objects
func WithPrefix(prefix string) AdapterOption {
	return func(a *Adapter) {
		prefix = strings.Trim(prefix, "/")
		if prefix != "" {
			prefix += "/"
		}
		a.prefix = prefix
	}
}

// WithPollInterval sets how often Watch rescans the bucket.
func WithPollInterval(d time.Duration) AdapterOption {
	return func(a *Adapter) { a.pollInterval = d }
}

// WithLogger sets the adapter logger.
func WithLogger(l *zap.Logger) AdapterOption {
	return func(a *Adapter) { a.log = l }
}

// New creates a new GCS backend. name is used in log and error messages.
func New(bucket Bucket, name string, options ...AdapterOption) *Adapter {
	a := &Adapter{
		bucket:  bucket,
		name:    name,
		log:     zap.NewNop(),
		uploads: make(map[string]*gcsUpload),
	}
	for _, option := range options {
		option(a)
	}
	return a
}

// ============================================================================
// IDs and names
// ============================================================================

func isFolder(id string) bool { return strings.HasSuffix(id, "/") }

func (a *Adapter) object(id string) string {
	if id == rootID {
		return a.prefix
	}
	return a.prefix + id
}

func (a *Adapter) idOf(name string) string {
	rel := strings.TrimPrefix(name, a.prefix)
	if rel == "" {
		return rootID
	}
	return rel
}

func parentOf(id string) string {
	if id == rootID {
		return rootID
	}
	p := path.Dir(strings.TrimSuffix(id, "/"))
	if p == "." || p == "/" {
		return rootID
	}
	return p + "/"
}

func nameOf(id string) string {
	return path.Base(strings.TrimSuffix(id, "/"))
}

func childID(parentID, name string, folder bool) string {
	id := name
	if parentID != rootID {
		id = parentID + name
	}
	if folder {
		id += "/"
	}
	return id
}

func folderEntry(id string) cloudview.Entry {
	if id == rootID {
		return cloudview.Entry{ID: rootID, Type: cloudview.Folder}
	}
	return cloudview.Entry{ID: id, Name: nameOf(id), Type: cloudview.Folder}
}

func (a *Adapter) fileEntry(attrs *storage.ObjectAttrs) cloudview.Entry {
	id := a.idOf(attrs.Name)
	e := cloudview.Entry{
		ID:          id,
		Name:        nameOf(id),
		Type:        cloudview.File,
		Size:        attrs.Size,
		ModTime:     attrs.Updated,
		CreatedTime: attrs.Created,
		ContentType: attrs.ContentType,
	}
	if v, ok := attrs.Metadata[mtimeKey]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.ModTime = t
		}
	}
	if len(attrs.MD5) > 0 {
		e.Hash = hex.EncodeToString(attrs.MD5)
	}
	return e
}

// uploadPrefix holds the temporary part objects of chunked uploads.
func (a *Adapter) uploadPrefix(uploadID string) string {
	return a.prefix + ".cv-uploads/" + uploadID + "/"
}

func (a *Adapter) isInternal(name string) bool {
	return strings.HasPrefix(name, a.prefix+".cv-uploads/")
}

// ============================================================================
// Backend
// ============================================================================

// Root implements cloudview.Backend
func (a *Adapter) Root(ctx context.Context) (*cloudview.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	e := folderEntry(rootID)
	return &e, nil
}

// List implements cloudview.Backend
func (a *Adapter) List(ctx context.Context, id string) ([]cloudview.Entry, error) {
	if !isFolder(id) {
		return nil, cloudview.ErrNotDir
	}
	listPrefix := a.object(id)
	objs, err := a.bucket.List(ctx, &storage.Query{Prefix: listPrefix, Delimiter: "/"})
	if err != nil {
		return nil, mapGCSError(err)
	}
	var out []cloudview.Entry
	for _, attrs := range objs {
		if attrs.Prefix != "" {
			if a.isInternal(attrs.Prefix) {
				continue
			}
			out = append(out, folderEntry(a.idOf(attrs.Prefix)))
			continue
		}
		// Folder markers
		if attrs.Name == listPrefix || strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		out = append(out, a.fileEntry(attrs))
	}
	return out, nil
}

// Stat implements cloudview.Backend
func (a *Adapter) Stat(ctx context.Context, id string) (*cloudview.Entry, error) {
	if id == rootID {
		return a.Root(ctx)
	}
	if isFolder(id) {
		objs, err := a.bucket.List(ctx, &storage.Query{Prefix: a.object(id), Delimiter: "/"})
		if err != nil {
			return nil, mapGCSError(err)
		}
		if len(objs) == 0 {
			return nil, cloudview.ErrNotExist
		}
		e := folderEntry(id)
		return &e, nil
	}
	attrs, err := a.bucket.Object(ctx, a.object(id))
	if err != nil {
		return nil, mapGCSError(err)
	}
	e := a.fileEntry(attrs)
	return &e, nil
}

// Open implements cloudview.Backend with a range read.
func (a *Adapter) Open(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	if isFolder(id) {
		return nil, cloudview.ErrIsDir
	}
	if offset < 0 {
		return nil, cloudview.ErrInvalidOffset
	}
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	if offset > 0 {
		attrs, err := a.bucket.Object(ctx, a.object(id))
		if err != nil {
			return nil, mapGCSError(err)
		}
		if offset > attrs.Size {
			return nil, cloudview.ErrInvalidOffset
		}
		if offset == attrs.Size {
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
	}
	r, err := a.bucket.NewReader(ctx, a.object(id), offset, length)
	if err != nil {
		return nil, mapGCSError(err)
	}
	return r, nil
}

// ============================================================================
// Mutations
// ============================================================================

// CreateDir implements cloudview.CanCreateDir with an empty marker object.
func (a *Adapter) CreateDir(ctx context.Context, parentID, name string) (*cloudview.Entry, error) {
	if !isFolder(parentID) {
		return nil, cloudview.ErrNotDir
	}
	id := childID(parentID, name, true)
	_, err := a.bucket.Write(ctx, a.object(id), storage.ObjectAttrs{ContentType: "application/x-directory"}, bytes.NewReader(nil))
	if err != nil {
		return nil, mapGCSError(err)
	}
	e := folderEntry(id)
	return &e, nil
}

// Upload implements cloudview.CanUpload. GCS writers stream, so the size
// only needs to be known to verify the transfer.
func (a *Adapter) Upload(ctx context.Context, parentID, name string, r io.Reader, size int64, opts ...cloudview.Option) (*cloudview.Entry, error) {
	if !isFolder(parentID) {
		return nil, cloudview.ErrNotDir
	}
	o := cloudview.ApplyOptions(opts...)
	id := childID(parentID, name, false)

	attrs := storage.ObjectAttrs{
		ContentType: o.ContentType,
		Metadata:    metadata(o),
	}
	if attrs.ContentType == "" {
		attrs.ContentType = cloudview.GuessContentType(name, nil)
	}

	cr := &countingReader{r: r}
	written, err := a.bucket.Write(ctx, a.object(id), attrs, cr)
	if err != nil {
		return nil, mapGCSError(err)
	}
	if size >= 0 && cr.n != size {
		_ = a.bucket.Delete(ctx, a.object(id))
		return nil, fmt.Errorf("gcs: upload of %s: read %d bytes, expected %d", id, cr.n, size)
	}
	e := a.fileEntry(written)
	return &e, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func metadata(o *cloudview.Options) map[string]string {
	m := make(map[string]string, len(o.Metadata)+1)
	for k, v := range o.Metadata {
		m[k] = v
	}
	if !o.ModTime.IsZero() {
		m[mtimeKey] = o.ModTime.UTC().Format(time.RFC3339Nano)
	}
	return m
}

// namesUnder lists every object below the folder id.
func (a *Adapter) namesUnder(ctx context.Context, id string) ([]string, error) {
	objs, err := a.bucket.List(ctx, &storage.Query{Prefix: a.object(id)})
	if err != nil {
		return nil, mapGCSError(err)
	}
	names := make([]string, 0, len(objs))
	for _, o := range objs {
		names = append(names, o.Name)
	}
	return names, nil
}

// Delete implements cloudview.CanDelete
func (a *Adapter) Delete(ctx context.Context, id string) error {
	if id == rootID {
		return cloudview.ErrNotAllowed
	}
	if !isFolder(id) {
		return mapGCSError(a.bucket.Delete(ctx, a.object(id)))
	}
	names, err := a.namesUnder(ctx, id)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return cloudview.ErrNotExist
	}
	for _, n := range names {
		if err := a.bucket.Delete(ctx, n); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return mapGCSError(err)
		}
	}
	return nil
}

// relocate copies id to newID and deletes the source.
func (a *Adapter) relocate(ctx context.Context, id, newID string) (*cloudview.Entry, error) {
	if id == rootID {
		return nil, cloudview.ErrNotAllowed
	}
	if isFolder(id) && strings.HasPrefix(newID, id) {
		return nil, fmt.Errorf("%w: cannot move a folder into itself", cloudview.ErrNotAllowed)
	}
	if _, err := a.Stat(ctx, newID); err == nil {
		return nil, cloudview.ErrExist
	}

	if !isFolder(id) {
		attrs, err := a.bucket.Copy(ctx, a.object(newID), a.object(id), nil)
		if err != nil {
			return nil, mapGCSError(err)
		}
		if err := a.bucket.Delete(ctx, a.object(id)); err != nil {
			return nil, mapGCSError(err)
		}
		e := a.fileEntry(attrs)
		return &e, nil
	}

	names, err := a.namesUnder(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, cloudview.ErrNotExist
	}
	from, to := a.object(id), a.object(newID)
	for _, n := range names {
		if _, err := a.bucket.Copy(ctx, to+strings.TrimPrefix(n, from), n, nil); err != nil {
			return nil, mapGCSError(err)
		}
	}
	if err := a.Delete(ctx, id); err != nil {
		return nil, err
	}
	e := folderEntry(newID)
	return &e, nil
}

// Move implements cloudview.CanMove using copy and delete.
func (a *Adapter) Move(ctx context.Context, id, newParentID string) (*cloudview.Entry, error) {
	if !isFolder(newParentID) {
		return nil, cloudview.ErrNotDir
	}
	return a.relocate(ctx, id, childID(newParentID, nameOf(id), isFolder(id)))
}

// Rename implements cloudview.CanRename
func (a *Adapter) Rename(ctx context.Context, id, newName string) (*cloudview.Entry, error) {
	return a.relocate(ctx, id, childID(parentOf(id), newName, isFolder(id)))
}

// SetModTime implements cloudview.CanSetModTime by rewriting the object's
// metadata in place.
func (a *Adapter) SetModTime(ctx context.Context, id string, t time.Time) (*cloudview.Entry, error) {
	if isFolder(id) {
		return nil, cloudview.ErrNotSupported
	}
	attrs, err := a.bucket.Object(ctx, a.object(id))
	if err != nil {
		return nil, mapGCSError(err)
	}
	meta := make(map[string]string, len(attrs.Metadata)+1)
	for k, v := range attrs.Metadata {
		meta[k] = v
	}
	meta[mtimeKey] = t.UTC().Format(time.RFC3339Nano)
	updated, err := a.bucket.Copy(ctx, a.object(id), a.object(id), meta)
	if err != nil {
		return nil, mapGCSError(err)
	}
	e := a.fileEntry(updated)
	return &e, nil
}

// ============================================================================
// Chunked Upload Implementation
// ============================================================================

// gcsUpload tracks an in-progress chunked upload. Parts are stored as
// temporary objects and composed on completion.
type gcsUpload struct {
	target string
	parts  map[int]string
}

// generateUploadID creates a unique upload identifier.
func generateUploadID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// InitiateUpload implements cloudview.CanChunkedUpload
func (a *Adapter) InitiateUpload(ctx context.Context, parentID, name string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if !isFolder(parentID) {
		return "", cloudview.ErrNotDir
	}
	uploadID, err := generateUploadID()
	if err != nil {
		return "", err
	}
	a.uploadsMu.Lock()
	a.uploads[uploadID] = &gcsUpload{
		target: a.object(childID(parentID, name, false)),
		parts:  make(map[int]string),
	}
	a.uploadsMu.Unlock()
	return uploadID, nil
}

func (a *Adapter) upload(uploadID string) (*gcsUpload, error) {
	a.uploadsMu.Lock()
	defer a.uploadsMu.Unlock()
	up, ok := a.uploads[uploadID]
	if !ok {
		return nil, fmt.Errorf("%w: upload %s", cloudview.ErrNotExist, uploadID)
	}
	return up, nil
}

// UploadPart implements cloudview.CanChunkedUpload
func (a *Adapter) UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) error {
	if partNumber < 1 {
		return fmt.Errorf("part number must be >= 1, got %d", partNumber)
	}
	up, err := a.upload(uploadID)
	if err != nil {
		return err
	}
	partName := fmt.Sprintf("%s%05d", a.uploadPrefix(uploadID), partNumber)
	if _, err := a.bucket.Write(ctx, partName, storage.ObjectAttrs{}, bytes.NewReader(data)); err != nil {
		return mapGCSError(err)
	}
	a.uploadsMu.Lock()
	up.parts[partNumber] = partName
	a.uploadsMu.Unlock()
	return nil
}

// CompleteUpload implements cloudview.CanChunkedUpload
func (a *Adapter) CompleteUpload(ctx context.Context, uploadID string) (*cloudview.Entry, error) {
	up, err := a.upload(uploadID)
	if err != nil {
		return nil, err
	}
	a.uploadsMu.Lock()
	delete(a.uploads, uploadID)
	numbers := make([]int, 0, len(up.parts))
	for n := range up.parts {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	parts := make([]string, 0, len(numbers))
	for _, n := range numbers {
		parts = append(parts, up.parts[n])
	}
	a.uploadsMu.Unlock()

	defer a.cleanup(context.WithoutCancel(ctx), uploadID)
	if len(parts) == 0 {
		return nil, errors.New("gcs: no parts uploaded")
	}

	attrs, err := a.compose(ctx, parts, up.target, uploadID)
	if err != nil {
		return nil, err
	}
	e := a.fileEntry(attrs)
	return &e, nil
}

// compose joins parts into target, maxCompose sources per request, going
// through intermediate objects when there are more.
func (a *Adapter) compose(ctx context.Context, parts []string, target, uploadID string) (*storage.ObjectAttrs, error) {
	if len(parts) == 1 {
		attrs, err := a.bucket.Copy(ctx, target, parts[0], nil)
		return attrs, mapGCSError(err)
	}
	for round := 0; len(parts) > maxCompose; round++ {
		var next []string
		for i := 0; i < len(parts); i += maxCompose {
			batch := parts[i:min(i+maxCompose, len(parts))]
			if len(batch) == 1 {
				next = append(next, batch[0])
				continue
			}
			name := fmt.Sprintf("%si%d-%05d", a.uploadPrefix(uploadID), round, i/maxCompose)
			if _, err := a.bucket.Compose(ctx, name, batch); err != nil {
				return nil, fmt.Errorf("failed to compose batch: %w", mapGCSError(err))
			}
			next = append(next, name)
		}
		parts = next
	}
	attrs, err := a.bucket.Compose(ctx, target, parts)
	if err != nil {
		return nil, fmt.Errorf("failed to compose parts: %w", mapGCSError(err))
	}
	return attrs, nil
}

// cleanup removes the temporary objects of an upload.
func (a *Adapter) cleanup(ctx context.Context, uploadID string) {
	objs, err := a.bucket.List(ctx, &storage.Query{Prefix: a.uploadPrefix(uploadID)})
	if err != nil {
		a.log.Warn("listing upload parts failed", zap.String("upload", uploadID), zap.Error(err))
		return
	}
	for _, o := range objs {
		if err := a.bucket.Delete(ctx, o.Name); err != nil {
			a.log.Debug("deleting upload part failed", zap.String("object", o.Name), zap.Error(err))
		}
	}
}

// AbortUpload implements cloudview.CanChunkedUpload
func (a *Adapter) AbortUpload(ctx context.Context, uploadID string) error {
	if _, err := a.upload(uploadID); err != nil {
		return err
	}
	a.uploadsMu.Lock()
	delete(a.uploads, uploadID)
	a.uploadsMu.Unlock()
	a.cleanup(ctx, uploadID)
	return nil
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// Checksum implements cloudview.CanChecksum. MD5 comes from the object
// attributes; other algorithms read the object.
func (a *Adapter) Checksum(ctx context.Context, id string, algorithm cloudview.ChecksumAlgorithm) (string, error) {
	if algorithm == cloudview.ChecksumMD5 && !isFolder(id) {
		attrs, err := a.bucket.Object(ctx, a.object(id))
		if err != nil {
			return "", mapGCSError(err)
		}
		if len(attrs.MD5) > 0 {
			return hex.EncodeToString(attrs.MD5), nil
		}
	}
	reader, err := a.Open(ctx, id, 0, -1)
	if err != nil {
		return "", err
	}
	defer reader.Close()
	return cloudview.CalculateChecksum(reader, algorithm)
}

// Ready implements cloudview.CanReady
func (a *Adapter) Ready(ctx context.Context) error {
	if err := a.bucket.Attrs(ctx); err != nil {
		return fmt.Errorf("%w: bucket %s: %v", cloudview.ErrNotReady, a.name, err)
	}
	return nil
}

// Watch implements cloudview.CanWatch by polling. GCS doesn't have native
// file system events.
func (a *Adapter) Watch(ctx context.Context, notify func(folderID string)) error {
	return cloudview.Poll(ctx, cloudview.PollConfig{
		Interval: a.pollInterval,
		Scan:     a.scan,
		Logger:   a.log,
	}, notify)
}

func (a *Adapter) scan(ctx context.Context) (map[string]cloudview.PolledObject, error) {
	objs, err := a.bucket.List(ctx, &storage.Query{Prefix: a.prefix})
	if err != nil {
		return nil, mapGCSError(err)
	}
	out := make(map[string]cloudview.PolledObject, len(objs))
	for _, attrs := range objs {
		if a.isInternal(attrs.Name) {
			continue
		}
		id := a.idOf(attrs.Name)
		if id == rootID {
			continue
		}
		out[id] = cloudview.PolledObject{
			Parent:  parentOf(id),
			Size:    attrs.Size,
			ModTime: attrs.Updated,
			ETag:    attrs.Etag,
		}
		for dir := parentOf(id); dir != rootID; dir = parentOf(dir) {
			if _, ok := out[dir]; ok {
				break
			}
			out[dir] = cloudview.PolledObject{Parent: parentOf(dir)}
		}
	}
	return out, nil
}

// mapGCSError maps GCS errors to cloudview errors
func mapGCSError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%w: %v", cloudview.ErrNotExist, err)
	}
	return err
}

// Ensure Adapter implements required and optional interfaces
var (
	_ cloudview.Backend          = (*Adapter)(nil)
	_ cloudview.CanCreateDir     = (*Adapter)(nil)
	_ cloudview.CanUpload        = (*Adapter)(nil)
	_ cloudview.CanChunkedUpload = (*Adapter)(nil)
	_ cloudview.CanDelete        = (*Adapter)(nil)
	_ cloudview.CanMove          = (*Adapter)(nil)
	_ cloudview.CanRename        = (*Adapter)(nil)
	_ cloudview.CanSetModTime    = (*Adapter)(nil)
	_ cloudview.CanChecksum      = (*Adapter)(nil)
	_ cloudview.CanReady         = (*Adapter)(nil)
	_ cloudview.CanWatch         = (*Adapter)(nil)
	_ Bucket                     = (*handle)(nil)
)
