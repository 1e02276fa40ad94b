package azure

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.uber.org/zap"

	"github.com/gobeaver/cloudview"
)

// Item IDs are blob names relative to the prefix. Folder IDs end with a
// slash and the root is "/".
const rootID = "/"

// mtimeKey is the metadata key holding the modification time. Azure
// metadata names must be valid C# identifiers.
const mtimeKey = "cvmtime"

// Properties describes one blob.
type Properties struct {
	Name        string
	Size        int64
	ModTime     time.Time
	Created     time.Time
	ContentType string
	MD5         []byte
	ETag        string
	Metadata    map[string]string
}

// Container is the subset of blob container operations the adapter uses.
type Container interface {
	Exists(ctx context.Context) error
	Properties(ctx context.Context, name string) (*Properties, error)
	// ListHierarchy returns the blobs directly below prefix and the
	// virtual folders one level down.
	ListHierarchy(ctx context.Context, prefix string) ([]Properties, []string, error)
	ListFlat(ctx context.Context, prefix string) ([]Properties, error)
	Download(ctx context.Context, name string, offset, count int64) (io.ReadCloser, error)
	Upload(ctx context.Context, name string, r io.Reader, contentType string, meta map[string]string) (*Properties, error)
	Copy(ctx context.Context, dst, src string) error
	SetMetadata(ctx context.Context, name string, meta map[string]string) error
	StageBlock(ctx context.Context, name, blockID string, data []byte) error
	CommitBlocks(ctx context.Context, name string, blockIDs []string) error
	Delete(ctx context.Context, name string) error
}

// Adapter exposes an Azure Blob Storage container (or a prefix inside one)
// as a cloudview backend.
type Adapter struct {
	container    Container
	name         string
	prefix       string
	pollInterval time.Duration
	log          *zap.Logger

	uploadsMu sync.Mutex
	uploads   map[string]*azureUpload
}

// AdapterOption is a function that configures Azure Adapter
type AdapterOption func(*Adapter)

// WithPrefix sets the prefix for Azure blobs
func WithPrefix(prefix string) AdapterOption {
	return func(a *Adapter) {
		prefix = strings.Trim(prefix, "/")
		if prefix != "" {
			prefix += "/"
		}
		a.prefix = prefix
	}
}

// WithPollInterval sets how often Watch rescans the container.
func WithPollInterval(d time.Duration) AdapterOption {
	return func(a *Adapter) { a.pollInterval = d }
}

// WithLogger sets the adapter logger.
func WithLogger(l *zap.Logger) AdapterOption {
	return func(a *Adapter) { a.log = l }
}

// New creates a new Azure Blob Storage backend
func New(c Container, name string, options ...AdapterOption) *Adapter {
	a := &Adapter{
		container: c,
		name:      name,
		log:       zap.NewNop(),
		uploads:   make(map[string]*azureUpload),
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

func (a *Adapter) blob(id string) string {
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

func (a *Adapter) fileEntry(p *Properties) cloudview.Entry {
	id := a.idOf(p.Name)
	e := cloudview.Entry{
		ID:          id,
		Name:        nameOf(id),
		Type:        cloudview.File,
		Size:        p.Size,
		ModTime:     p.ModTime,
		CreatedTime: p.Created,
		ContentType: p.ContentType,
	}
	if v, ok := p.Metadata[mtimeKey]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.ModTime = t
		}
	}
	if len(p.MD5) > 0 {
		e.Hash = hex.EncodeToString(p.MD5)
	}
	return e
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
	listPrefix := a.blob(id)
	blobs, prefixes, err := a.container.ListHierarchy(ctx, listPrefix)
	if err != nil {
		return nil, mapAzureError(err)
	}
	out := make([]cloudview.Entry, 0, len(blobs)+len(prefixes))
	for _, p := range prefixes {
		out = append(out, folderEntry(a.idOf(p)))
	}
	for i := range blobs {
		// Folder markers
		if blobs[i].Name == listPrefix || strings.HasSuffix(blobs[i].Name, "/") {
			continue
		}
		out = append(out, a.fileEntry(&blobs[i]))
	}
	return out, nil
}

// Stat implements cloudview.Backend
func (a *Adapter) Stat(ctx context.Context, id string) (*cloudview.Entry, error) {
	if id == rootID {
		return a.Root(ctx)
	}
	if isFolder(id) {
		blobs, prefixes, err := a.container.ListHierarchy(ctx, a.blob(id))
		if err != nil {
			return nil, mapAzureError(err)
		}
		if len(blobs) == 0 && len(prefixes) == 0 {
			return nil, cloudview.ErrNotExist
		}
		e := folderEntry(id)
		return &e, nil
	}
	props, err := a.container.Properties(ctx, a.blob(id))
	if err != nil {
		return nil, mapAzureError(err)
	}
	e := a.fileEntry(props)
	return &e, nil
}

// Open implements cloudview.Backend with a ranged download.
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
		props, err := a.container.Properties(ctx, a.blob(id))
		if err != nil {
			return nil, mapAzureError(err)
		}
		if offset > props.Size {
			return nil, cloudview.ErrInvalidOffset
		}
		if offset == props.Size {
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
	}
	count := length
	if count < 0 {
		count = 0
	}
	r, err := a.container.Download(ctx, a.blob(id), offset, count)
	if err != nil {
		return nil, mapAzureError(err)
	}
	return r, nil
}

// ============================================================================
// Mutations
// ============================================================================

// CreateDir implements cloudview.CanCreateDir with an empty marker blob.
func (a *Adapter) CreateDir(ctx context.Context, parentID, name string) (*cloudview.Entry, error) {
	if !isFolder(parentID) {
		return nil, cloudview.ErrNotDir
	}
	id := childID(parentID, name, true)
	if _, err := a.container.Upload(ctx, a.blob(id), bytes.NewReader(nil), "application/x-directory", nil); err != nil {
		return nil, mapAzureError(err)
	}
	e := folderEntry(id)
	return &e, nil
}

// Upload implements cloudview.CanUpload
func (a *Adapter) Upload(ctx context.Context, parentID, name string, r io.Reader, size int64, opts ...cloudview.Option) (*cloudview.Entry, error) {
	if !isFolder(parentID) {
		return nil, cloudview.ErrNotDir
	}
	o := cloudview.ApplyOptions(opts...)
	id := childID(parentID, name, false)

	contentType := o.ContentType
	if contentType == "" {
		contentType = cloudview.GuessContentType(name, nil)
	}
	cr := &countingReader{r: r}
	props, err := a.container.Upload(ctx, a.blob(id), cr, contentType, metadata(o))
	if err != nil {
		return nil, mapAzureError(err)
	}
	if size >= 0 && cr.n != size {
		_ = a.container.Delete(ctx, a.blob(id))
		return nil, fmt.Errorf("azure: upload of %s: read %d bytes, expected %d", id, cr.n, size)
	}
	e := a.fileEntry(props)
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

func (a *Adapter) namesUnder(ctx context.Context, id string) ([]string, error) {
	blobs, err := a.container.ListFlat(ctx, a.blob(id))
	if err != nil {
		return nil, mapAzureError(err)
	}
	names := make([]string, 0, len(blobs))
	for _, b := range blobs {
		names = append(names, b.Name)
	}
	return names, nil
}

// Delete implements cloudview.CanDelete
func (a *Adapter) Delete(ctx context.Context, id string) error {
	if id == rootID {
		return cloudview.ErrNotAllowed
	}
	if !isFolder(id) {
		return mapAzureError(a.container.Delete(ctx, a.blob(id)))
	}
	names, err := a.namesUnder(ctx, id)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return cloudview.ErrNotExist
	}
	// Deepest first so markers go after their contents.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, n := range names {
		if err := a.container.Delete(ctx, n); err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
			return mapAzureError(err)
		}
	}
	return nil
}

// relocate copies id to newID and deletes the source. Azure has no rename.
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
		if err := a.container.Copy(ctx, a.blob(newID), a.blob(id)); err != nil {
			return nil, mapAzureError(err)
		}
		if err := a.container.Delete(ctx, a.blob(id)); err != nil {
			return nil, mapAzureError(err)
		}
		return a.Stat(ctx, newID)
	}

	names, err := a.namesUnder(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, cloudview.ErrNotExist
	}
	from, to := a.blob(id), a.blob(newID)
	for _, n := range names {
		if err := a.container.Copy(ctx, to+strings.TrimPrefix(n, from), n); err != nil {
			return nil, mapAzureError(err)
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

// SetModTime implements cloudview.CanSetModTime through blob metadata.
func (a *Adapter) SetModTime(ctx context.Context, id string, t time.Time) (*cloudview.Entry, error) {
	if isFolder(id) {
		return nil, cloudview.ErrNotSupported
	}
	props, err := a.container.Properties(ctx, a.blob(id))
	if err != nil {
		return nil, mapAzureError(err)
	}
	meta := make(map[string]string, len(props.Metadata)+1)
	for k, v := range props.Metadata {
		meta[k] = v
	}
	meta[mtimeKey] = t.UTC().Format(time.RFC3339Nano)
	if err := a.container.SetMetadata(ctx, a.blob(id), meta); err != nil {
		return nil, mapAzureError(err)
	}
	return a.Stat(ctx, id)
}

// ============================================================================
// Chunked Upload Implementation
// ============================================================================

// azureUpload tracks the staged blocks of a chunked upload.
type azureUpload struct {
	blob   string
	blocks map[int]string
}

// generateUploadID creates a unique upload identifier.
func generateUploadID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// generateBlockID creates a base64-encoded block ID for Azure.
// Azure requires block IDs to be base64-encoded and all the same length.
func generateBlockID(partNumber int) string {
	id := fmt.Sprintf("block-%010d", partNumber)
	return base64.StdEncoding.EncodeToString([]byte(id))
}

// InitiateUpload implements cloudview.CanChunkedUpload with block blob
// staging.
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
	a.uploads[uploadID] = &azureUpload{
		blob:   a.blob(childID(parentID, name, false)),
		blocks: make(map[int]string),
	}
	a.uploadsMu.Unlock()
	return uploadID, nil
}

func (a *Adapter) upload(uploadID string) (*azureUpload, error) {
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
	blockID := generateBlockID(partNumber)
	if err := a.container.StageBlock(ctx, up.blob, blockID, data); err != nil {
		return fmt.Errorf("failed to stage block: %w", mapAzureError(err))
	}
	a.uploadsMu.Lock()
	up.blocks[partNumber] = blockID
	a.uploadsMu.Unlock()
	return nil
}

// CompleteUpload implements cloudview.CanChunkedUpload by committing the
// staged blocks in part order.
func (a *Adapter) CompleteUpload(ctx context.Context, uploadID string) (*cloudview.Entry, error) {
	up, err := a.upload(uploadID)
	if err != nil {
		return nil, err
	}
	a.uploadsMu.Lock()
	delete(a.uploads, uploadID)
	numbers := make([]int, 0, len(up.blocks))
	for n := range up.blocks {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	ids := make([]string, 0, len(numbers))
	for _, n := range numbers {
		ids = append(ids, up.blocks[n])
	}
	a.uploadsMu.Unlock()

	if len(ids) == 0 {
		return nil, errors.New("azure: no parts uploaded")
	}
	if err := a.container.CommitBlocks(ctx, up.blob, ids); err != nil {
		return nil, fmt.Errorf("failed to commit block list: %w", mapAzureError(err))
	}
	return a.Stat(ctx, a.idOf(up.blob))
}

// AbortUpload implements cloudview.CanChunkedUpload. Uncommitted blocks
// are garbage collected by the service after seven days.
func (a *Adapter) AbortUpload(ctx context.Context, uploadID string) error {
	if _, err := a.upload(uploadID); err != nil {
		return err
	}
	a.uploadsMu.Lock()
	delete(a.uploads, uploadID)
	a.uploadsMu.Unlock()
	return nil
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// Checksum implements cloudview.CanChecksum. MD5 is taken from the blob
// properties when the service stored one.
func (a *Adapter) Checksum(ctx context.Context, id string, algorithm cloudview.ChecksumAlgorithm) (string, error) {
	if algorithm == cloudview.ChecksumMD5 && !isFolder(id) {
		props, err := a.container.Properties(ctx, a.blob(id))
		if err != nil {
			return "", mapAzureError(err)
		}
		if len(props.MD5) > 0 {
			return hex.EncodeToString(props.MD5), nil
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
	if err := a.container.Exists(ctx); err != nil {
		return fmt.Errorf("%w: container %s: %v", cloudview.ErrNotReady, a.name, err)
	}
	return nil
}

// Watch implements cloudview.CanWatch by polling. Blob storage events need
// Event Grid, which is outside a plain container client.
func (a *Adapter) Watch(ctx context.Context, notify func(folderID string)) error {
	return cloudview.Poll(ctx, cloudview.PollConfig{
		Interval: a.pollInterval,
		Scan:     a.scan,
		Logger:   a.log,
	}, notify)
}

func (a *Adapter) scan(ctx context.Context) (map[string]cloudview.PolledObject, error) {
	blobs, err := a.container.ListFlat(ctx, a.prefix)
	if err != nil {
		return nil, mapAzureError(err)
	}
	out := make(map[string]cloudview.PolledObject, len(blobs))
	for _, b := range blobs {
		id := a.idOf(b.Name)
		if id == rootID {
			continue
		}
		out[id] = cloudview.PolledObject{
			Parent:  parentOf(id),
			Size:    b.Size,
			ModTime: b.ModTime,
			ETag:    b.ETag,
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

// mapAzureError maps Azure errors to cloudview errors
func mapAzureError(err error) error {
	if err == nil {
		return nil
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return fmt.Errorf("%w: %v", cloudview.ErrNotExist, err)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", cloudview.ErrNotExist, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", cloudview.ErrPermission, err)
		}
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
)
