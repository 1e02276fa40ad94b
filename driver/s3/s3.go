package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/gobeaver/cloudview"
)

// Item IDs are object keys relative to the prefix. Folder IDs end with a
// slash and the root is "/".
const rootID = "/"

// mtimeKey is the user metadata key holding the modification time set by
// SetModTime and the ModTime upload option.
const mtimeKey = "cv-mtime"

// Client is the subset of the S3 API the adapter uses.
type Client interface {
	s3.ListObjectsV2APIClient
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Adapter exposes a bucket (or a prefix inside one) as a cloudview backend.
type Adapter struct {
	client       Client
	bucket       string
	prefix       string
	pollInterval time.Duration
	log          *zap.Logger

	uploadsMu sync.Mutex
	uploads   map[string]*multipart
}

// multipart tracks one chunked upload between its calls.
type multipart struct {
	key   string
	id    string
	parts []types.CompletedPart
	size  int64
}

// AdapterOption is a function that configures Adapter
type AdapterOption func(*Adapter)

// WithPrefix roots the tree at prefix inside the bucket.
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

// New creates a new S3 backend
func New(client Client, bucket string, options ...AdapterOption) *Adapter {
	a := &Adapter{
		client:  client,
		bucket:  bucket,
		log:     zap.NewNop(),
		uploads: make(map[string]*multipart),
	}
	for _, option := range options {
		option(a)
	}
	return a
}

// ============================================================================
// IDs and keys
// ============================================================================

func isFolder(id string) bool { return strings.HasSuffix(id, "/") }

func (a *Adapter) key(id string) string {
	if id == rootID {
		return a.prefix
	}
	return a.prefix + id
}

func (a *Adapter) idOf(key string) string {
	rel := strings.TrimPrefix(key, a.prefix)
	if rel == "" {
		return rootID
	}
	return rel
}

// parentOf returns the folder ID listing id.
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

// rangeHeader formats an HTTP Range for [offset, offset+length).
func rangeHeader(offset, length int64) string {
	if length < 0 {
		return fmt.Sprintf("bytes=%d-", offset)
	}
	return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
}

func folderEntry(id string) cloudview.Entry {
	if id == rootID {
		return cloudview.Entry{ID: rootID, Type: cloudview.Folder}
	}
	return cloudview.Entry{ID: id, Name: nameOf(id), Type: cloudview.Folder}
}

func modTime(meta map[string]string, fallback *time.Time) time.Time {
	if v, ok := meta[mtimeKey]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return aws.ToTime(fallback)
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
	listPrefix := a.key(id)
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(a.bucket),
		Prefix:    aws.String(listPrefix),
		Delimiter: aws.String("/"),
	})

	var out []cloudview.Entry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error(err)
		}
		for _, p := range page.CommonPrefixes {
			out = append(out, folderEntry(a.idOf(aws.ToString(p.Prefix))))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			// Folder markers
			if key == listPrefix || strings.HasSuffix(key, "/") {
				continue
			}
			cid := a.idOf(key)
			out = append(out, cloudview.Entry{
				ID:      cid,
				Name:    nameOf(cid),
				Type:    cloudview.File,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
				Hash:    strings.Trim(aws.ToString(obj.ETag), `"`),
			})
		}
	}
	return out, nil
}

// Stat implements cloudview.Backend
func (a *Adapter) Stat(ctx context.Context, id string) (*cloudview.Entry, error) {
	if id == rootID {
		return a.Root(ctx)
	}
	if isFolder(id) {
		resp, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(a.bucket),
			Prefix:  aws.String(a.key(id)),
			MaxKeys: aws.Int32(1),
		})
		if err != nil {
			return nil, mapS3Error(err)
		}
		if len(resp.Contents) == 0 && len(resp.CommonPrefixes) == 0 {
			return nil, cloudview.ErrNotExist
		}
		e := folderEntry(id)
		return &e, nil
	}

	resp, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(id)),
	})
	if err != nil {
		return nil, mapS3Error(err)
	}
	return &cloudview.Entry{
		ID:          id,
		Name:        nameOf(id),
		Type:        cloudview.File,
		Size:        aws.ToInt64(resp.ContentLength),
		ModTime:     modTime(resp.Metadata, resp.LastModified),
		Hash:        strings.Trim(aws.ToString(resp.ETag), `"`),
		ContentType: aws.ToString(resp.ContentType),
	}, nil
}

// Open implements cloudview.Backend with a ranged GET.
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
	in := &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(id)),
	}
	if offset > 0 || length > 0 {
		in.Range = aws.String(rangeHeader(offset, length))
	}
	resp, err := a.client.GetObject(ctx, in)
	if err != nil {
		var ae interface{ ErrorCode() string }
		if errors.As(err, &ae) && ae.ErrorCode() == "InvalidRange" {
			// An offset equal to the size reads nothing.
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
		return nil, mapS3Error(err)
	}
	return resp.Body, nil
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
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.key(id)),
		Body:        bytes.NewReader(nil),
		ContentType: aws.String("application/x-directory"),
	})
	if err != nil {
		return nil, mapS3Error(err)
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

	var body io.Reader
	contentLength := size
	switch rs := r.(type) {
	case io.ReadSeeker:
		body = rs
	default:
		// PutObject needs a seekable body to sign the payload; large files
		// go through the chunked interface instead.
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		contentLength = int64(len(data))
		body = bytes.NewReader(data)
	}
	if size >= 0 && contentLength != size {
		return nil, fmt.Errorf("s3: upload of %s: read %d bytes, expected %d", id, contentLength, size)
	}

	input := &s3.PutObjectInput{
		Bucket:            aws.String(a.bucket),
		Key:               aws.String(a.key(id)),
		Body:              body,
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		Metadata:          metadata(o),
	}
	if contentLength >= 0 {
		input.ContentLength = aws.Int64(contentLength)
	}
	if o.ContentType != "" {
		input.ContentType = aws.String(o.ContentType)
	}

	result, err := a.client.PutObject(ctx, input)
	if err != nil {
		return nil, mapS3Error(err)
	}

	mt := o.ModTime
	if mt.IsZero() {
		mt = time.Now()
	}
	return &cloudview.Entry{
		ID:          id,
		Name:        name,
		Type:        cloudview.File,
		Size:        contentLength,
		ModTime:     mt,
		Hash:        strings.Trim(aws.ToString(result.ETag), `"`),
		ContentType: o.ContentType,
	}, nil
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

// keysUnder lists every object key below the folder id.
func (a *Adapter) keysUnder(ctx context.Context, id string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.key(id)),
	})
	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error(err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Delete implements cloudview.CanDelete. Folders are removed with every key
// below them, 1000 keys per request.
func (a *Adapter) Delete(ctx context.Context, id string) error {
	if id == rootID {
		return cloudview.ErrNotAllowed
	}
	if !isFolder(id) {
		if _, err := a.Stat(ctx, id); err != nil {
			return err
		}
		_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(a.key(id)),
		})
		return mapS3Error(err)
	}

	keys, err := a.keysUnder(ctx, id)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return cloudview.ErrNotExist
	}
	for start := 0; start < len(keys); start += 1000 {
		end := min(start+1000, len(keys))
		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
		}
		if _, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(a.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		}); err != nil {
			return mapS3Error(err)
		}
	}
	return nil
}

// relocate copies id to newID and deletes the source. Folders move key by key.
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
		if err := a.copyKey(ctx, a.key(id), a.key(newID)); err != nil {
			return nil, err
		}
		if _, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(a.key(id)),
		}); err != nil {
			return nil, mapS3Error(err)
		}
		return a.Stat(ctx, newID)
	}

	keys, err := a.keysUnder(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, cloudview.ErrNotExist
	}
	from, to := a.key(id), a.key(newID)
	for _, k := range keys {
		if err := a.copyKey(ctx, k, to+strings.TrimPrefix(k, from)); err != nil {
			return nil, err
		}
	}
	if err := a.Delete(ctx, id); err != nil {
		return nil, err
	}
	e := folderEntry(newID)
	return &e, nil
}

func (a *Adapter) copyKey(ctx context.Context, from, to string) error {
	_, err := a.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(a.bucket),
		CopySource: aws.String(a.bucket + "/" + from),
		Key:        aws.String(to),
	})
	return mapS3Error(err)
}

// Move implements cloudview.CanMove. S3 has no rename, so the object is
// copied and the source deleted; the ID changes.
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

// SetModTime implements cloudview.CanSetModTime by copying the object onto
// itself with replaced metadata.
func (a *Adapter) SetModTime(ctx context.Context, id string, t time.Time) (*cloudview.Entry, error) {
	if isFolder(id) {
		return nil, cloudview.ErrNotSupported
	}
	head, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(id)),
	})
	if err != nil {
		return nil, mapS3Error(err)
	}
	meta := make(map[string]string, len(head.Metadata)+1)
	for k, v := range head.Metadata {
		meta[k] = v
	}
	meta[mtimeKey] = t.UTC().Format(time.RFC3339Nano)

	_, err = a.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(a.bucket),
		CopySource:        aws.String(a.bucket + "/" + a.key(id)),
		Key:               aws.String(a.key(id)),
		Metadata:          meta,
		MetadataDirective: types.MetadataDirectiveReplace,
		ContentType:       head.ContentType,
	})
	if err != nil {
		return nil, mapS3Error(err)
	}
	return a.Stat(ctx, id)
}

// ============================================================================
// Chunked upload
// ============================================================================

// InitiateUpload implements cloudview.CanChunkedUpload
func (a *Adapter) InitiateUpload(ctx context.Context, parentID, name string) (string, error) {
	if !isFolder(parentID) {
		return "", cloudview.ErrNotDir
	}
	key := a.key(childID(parentID, name, false))
	resp, err := a.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", mapS3Error(err)
	}
	id := aws.ToString(resp.UploadId)

	a.uploadsMu.Lock()
	a.uploads[id] = &multipart{key: key, id: id}
	a.uploadsMu.Unlock()
	return id, nil
}

func (a *Adapter) upload(uploadID string) (*multipart, error) {
	a.uploadsMu.Lock()
	defer a.uploadsMu.Unlock()
	mp, ok := a.uploads[uploadID]
	if !ok {
		return nil, fmt.Errorf("%w: upload %s", cloudview.ErrNotExist, uploadID)
	}
	return mp, nil
}

// UploadPart implements cloudview.CanChunkedUpload
func (a *Adapter) UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) error {
	// AWS S3 supports parts 1-10000
	if partNumber < 1 || partNumber > 10000 {
		return fmt.Errorf("part number must be between 1 and 10000, got %d", partNumber)
	}
	mp, err := a.upload(uploadID)
	if err != nil {
		return err
	}
	resp, err := a.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(a.bucket),
		Key:        aws.String(mp.key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)), //nolint:gosec // validated above
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return mapS3Error(err)
	}

	a.uploadsMu.Lock()
	mp.parts = append(mp.parts, types.CompletedPart{ETag: resp.ETag, PartNumber: aws.Int32(int32(partNumber))}) //nolint:gosec
	mp.size += int64(len(data))
	a.uploadsMu.Unlock()
	return nil
}

// CompleteUpload implements cloudview.CanChunkedUpload
func (a *Adapter) CompleteUpload(ctx context.Context, uploadID string) (*cloudview.Entry, error) {
	mp, err := a.upload(uploadID)
	if err != nil {
		return nil, err
	}
	a.uploadsMu.Lock()
	parts := append([]types.CompletedPart(nil), mp.parts...)
	a.uploadsMu.Unlock()
	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})

	_, err = a.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(mp.key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return nil, mapS3Error(err)
	}

	a.uploadsMu.Lock()
	delete(a.uploads, uploadID)
	a.uploadsMu.Unlock()
	return a.Stat(ctx, a.idOf(mp.key))
}

// AbortUpload implements cloudview.CanChunkedUpload
func (a *Adapter) AbortUpload(ctx context.Context, uploadID string) error {
	mp, err := a.upload(uploadID)
	if err != nil {
		return err
	}
	a.uploadsMu.Lock()
	delete(a.uploads, uploadID)
	a.uploadsMu.Unlock()

	_, err = a.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(a.bucket),
		Key:      aws.String(mp.key),
		UploadId: aws.String(uploadID),
	})
	return mapS3Error(err)
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// Checksum implements cloudview.CanChecksum by reading and hashing the object.
func (a *Adapter) Checksum(ctx context.Context, id string, algorithm cloudview.ChecksumAlgorithm) (string, error) {
	reader, err := a.Open(ctx, id, 0, -1)
	if err != nil {
		return "", err
	}
	defer reader.Close()
	return cloudview.CalculateChecksum(reader, algorithm)
}

// Ready implements cloudview.CanReady
func (a *Adapter) Ready(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	if err != nil {
		return fmt.Errorf("%w: bucket %s: %v", cloudview.ErrNotReady, a.bucket, err)
	}
	return nil
}

// Watch implements cloudview.CanWatch by polling the bucket. S3 has no
// native change events.
func (a *Adapter) Watch(ctx context.Context, notify func(folderID string)) error {
	return cloudview.Poll(ctx, cloudview.PollConfig{
		Interval: a.pollInterval,
		Scan:     a.scan,
		Logger:   a.log,
	}, notify)
}

// scan lists every key below the prefix. Implicit folders are reported as
// items of their parent so that new or vanished folders are noticed too.
func (a *Adapter) scan(ctx context.Context) (map[string]cloudview.PolledObject, error) {
	keys := make(map[string]cloudview.PolledObject)
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error(err)
		}
		for _, obj := range page.Contents {
			id := a.idOf(aws.ToString(obj.Key))
			if id == rootID {
				continue
			}
			keys[id] = cloudview.PolledObject{
				Parent:  parentOf(id),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
				ETag:    aws.ToString(obj.ETag),
			}
			for dir := parentOf(id); dir != rootID; dir = parentOf(dir) {
				if _, ok := keys[dir]; ok {
					break
				}
				keys[dir] = cloudview.PolledObject{Parent: parentOf(dir)}
			}
		}
	}
	return keys, nil
}

// mapS3Error maps S3 errors to cloudview errors
func mapS3Error(err error) error {
	if err == nil {
		return nil
	}
	var nsk *types.NoSuchKey
	var notFound *types.NotFound
	var noBucket *types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &notFound) || errors.As(err, &noBucket) {
		return fmt.Errorf("%w: %v", cloudview.ErrNotExist, err)
	}
	return err
}

// Ensure Adapter implements interfaces
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
	_ Client                     = (*s3.Client)(nil)
)
