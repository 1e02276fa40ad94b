package local

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gobeaver/cloudview"
	"github.com/gobeaver/cloudview/logging"
)

// Config holds configuration for the local adapter
type Config struct {
	// Root is the directory exposed as the server root
	Root string

	// StatWorkers bounds the parallel stat calls of one listing
	// (default: NumCPU)
	StatWorkers int

	// Watch enables fsnotify change notifications
	Watch bool
}

// Adapter exposes a local directory tree as a cloudview backend. Item IDs
// are absolute cleaned paths.
type Adapter struct {
	root        string
	statWorkers int
	watch       bool
	log         *zap.Logger
}

// New creates a new local filesystem adapter
func New(cfg Config) (*Adapter, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("local: root is required")
	}
	absRoot, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}

	// Ensure the root directory exists
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, err
	}

	workers := cfg.StatWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Adapter{
		root:        filepath.Clean(absRoot),
		statWorkers: workers,
		watch:       cfg.Watch,
		log:         logging.Named("local").With(zap.String("root", absRoot)),
	}, nil
}

// RootPath returns the absolute root directory.
func (a *Adapter) RootPath() string { return a.root }

// resolve validates id and returns it as a cleaned absolute path.
func (a *Adapter) resolve(op, id string) (string, error) {
	if id == "" {
		return a.root, nil
	}
	p := filepath.Clean(id)
	if !isPathUnderRoot(a.root, p) {
		return "", &cloudview.PathError{Op: op, Path: id, Err: cloudview.ErrNotAllowed}
	}
	return p, nil
}

// isPathUnderRoot checks if path is the root or inside it
func isPathUnderRoot(root, path string) bool {
	if !filepath.IsAbs(path) {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (a *Adapter) entry(p string, info os.FileInfo) cloudview.Entry {
	name := info.Name()
	if p == a.root {
		name = filepath.Base(a.root)
	}
	e := cloudview.Entry{
		ID:      p,
		Name:    name,
		Type:    cloudview.File,
		ModTime: info.ModTime(),
	}
	e.CreatedTime, e.AccessTime = platformTimes(info)
	if info.IsDir() {
		e.Type = cloudview.Folder
	} else {
		e.Size = info.Size()
		e.ContentType = cloudview.GuessContentType(name, nil)
	}
	return e
}

func wrapErr(op, path string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		err = cloudview.ErrNotExist
	case errors.Is(err, os.ErrExist):
		err = cloudview.ErrExist
	case errors.Is(err, os.ErrPermission):
		err = cloudview.ErrPermission
	}
	return &cloudview.PathError{Op: op, Path: path, Err: err}
}

// ============================================================================
// Backend
// ============================================================================

// Root implements cloudview.Backend
func (a *Adapter) Root(ctx context.Context) (*cloudview.Entry, error) {
	return a.Stat(ctx, a.root)
}

// Stat implements cloudview.Backend
func (a *Adapter) Stat(ctx context.Context, id string) (*cloudview.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	p, err := a.resolve("stat", id)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, wrapErr("stat", p, err)
	}
	e := a.entry(p, info)
	return &e, nil
}

// List implements cloudview.Backend. Entries are stat'ed in parallel,
// bounded by Config.StatWorkers; entries that vanish mid-listing are
// skipped.
func (a *Adapter) List(ctx context.Context, id string) ([]cloudview.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	dir, err := a.resolve("list", id)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, wrapErr("list", dir, err)
	}
	if !info.IsDir() {
		return nil, &cloudview.PathError{Op: "list", Path: dir, Err: cloudview.ErrNotDir}
	}
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, wrapErr("list", dir, err)
	}

	entries := make([]*cloudview.Entry, len(dirents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.statWorkers)
	for i, de := range dirents {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p := filepath.Join(dir, de.Name())
			info, err := os.Stat(p)
			if err != nil {
				// Dangling symlink or removed concurrently.
				a.log.Debug("skip entry", zap.String("path", p), zap.Error(err))
				return nil
			}
			e := a.entry(p, info)
			entries[i] = &e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]cloudview.Entry, 0, len(entries))
	for _, e := range entries {
		if e != nil {
			out = append(out, *e)
		}
	}
	return out, nil
}

// Open implements cloudview.Backend
func (a *Adapter) Open(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	p, err := a.resolve("open", id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, wrapErr("open", p, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, wrapErr("open", p, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, &cloudview.PathError{Op: "open", Path: p, Err: cloudview.ErrIsDir}
	}
	if offset < 0 || offset > info.Size() {
		f.Close()
		return nil, &cloudview.PathError{Op: "open", Path: p, Err: cloudview.ErrInvalidOffset}
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, wrapErr("open", p, err)
		}
	}
	if length < 0 {
		return f, nil
	}
	return &limitedFile{Reader: io.LimitReader(f, length), f: f}, nil
}

type limitedFile struct {
	io.Reader
	f *os.File
}

func (l *limitedFile) Close() error { return l.f.Close() }

// Ready implements cloudview.CanReady
func (a *Adapter) Ready(ctx context.Context) error {
	info, err := os.Stat(a.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("local: %s is not a directory", a.root)
	}
	return nil
}

// ============================================================================
// Mutations
// ============================================================================

func (a *Adapter) child(op, parentID, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", &cloudview.PathError{Op: op, Path: name, Err: cloudview.ErrInvalidName}
	}
	dir, err := a.resolve(op, parentID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// CreateDir implements cloudview.CanCreateDir
func (a *Adapter) CreateDir(ctx context.Context, parentID, name string) (*cloudview.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	p, err := a.child("mkdir", parentID, name)
	if err != nil {
		return nil, err
	}
	if err := os.Mkdir(p, 0755); err != nil {
		return nil, wrapErr("mkdir", p, err)
	}
	return a.Stat(ctx, p)
}

// Upload implements cloudview.CanUpload. The content is written to a
// temporary file next to the target and renamed into place.
func (a *Adapter) Upload(ctx context.Context, parentID, name string, r io.Reader, size int64, opts ...cloudview.Option) (*cloudview.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	p, err := a.child("upload", parentID, name)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(p); err == nil && info.IsDir() {
		return nil, &cloudview.PathError{Op: "upload", Path: p, Err: cloudview.ErrIsDir}
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".cloudview-upload-*")
	if err != nil {
		return nil, wrapErr("upload", p, err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("short upload: got %d bytes, want %d", n, size)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, &cloudview.PathError{Op: "upload", Path: p, Err: err}
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return nil, wrapErr("upload", p, err)
	}

	if o := cloudview.ApplyOptions(opts...); !o.ModTime.IsZero() {
		if err := os.Chtimes(p, o.ModTime, o.ModTime); err != nil {
			return nil, wrapErr("upload", p, err)
		}
	}
	return a.Stat(ctx, p)
}

// Delete implements cloudview.CanDelete
func (a *Adapter) Delete(ctx context.Context, id string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	p, err := a.resolve("delete", id)
	if err != nil {
		return err
	}
	if p == a.root {
		return &cloudview.PathError{Op: "delete", Path: p, Err: cloudview.ErrNotAllowed}
	}
	if _, err := os.Lstat(p); err != nil {
		return wrapErr("delete", p, err)
	}
	if err := os.RemoveAll(p); err != nil {
		return wrapErr("delete", p, err)
	}
	return nil
}

// Move implements cloudview.CanMove. The returned entry carries the new id.
func (a *Adapter) Move(ctx context.Context, id, newParentID string) (*cloudview.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	src, err := a.resolve("move", id)
	if err != nil {
		return nil, err
	}
	dst, err := a.child("move", newParentID, filepath.Base(src))
	if err != nil {
		return nil, err
	}
	return a.rename("move", src, dst)
}

// Rename implements cloudview.CanRename
func (a *Adapter) Rename(ctx context.Context, id, newName string) (*cloudview.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	src, err := a.resolve("rename", id)
	if err != nil {
		return nil, err
	}
	dst, err := a.child("rename", filepath.Dir(src), newName)
	if err != nil {
		return nil, err
	}
	return a.rename("rename", src, dst)
}

func (a *Adapter) rename(op, src, dst string) (*cloudview.Entry, error) {
	if src == a.root {
		return nil, &cloudview.PathError{Op: op, Path: src, Err: cloudview.ErrNotAllowed}
	}
	if isPathUnderRoot(src, dst) {
		return nil, &cloudview.PathError{Op: op, Path: dst, Err: cloudview.ErrNotAllowed}
	}
	if _, err := os.Lstat(dst); err == nil {
		return nil, &cloudview.PathError{Op: op, Path: dst, Err: cloudview.ErrExist}
	}
	if err := os.Rename(src, dst); err != nil {
		return nil, wrapErr(op, src, err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		return nil, wrapErr(op, dst, err)
	}
	e := a.entry(dst, info)
	return &e, nil
}

// SetModTime implements cloudview.CanSetModTime
func (a *Adapter) SetModTime(ctx context.Context, id string, t time.Time) (*cloudview.Entry, error) {
	p, err := a.resolve("setmodtime", id)
	if err != nil {
		return nil, err
	}
	if err := os.Chtimes(p, t, t); err != nil {
		return nil, wrapErr("setmodtime", p, err)
	}
	return a.Stat(ctx, p)
}

// Checksum implements cloudview.CanChecksum
func (a *Adapter) Checksum(ctx context.Context, id string, algorithm cloudview.ChecksumAlgorithm) (string, error) {
	rc, err := a.Open(ctx, id, 0, -1)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	sum, err := cloudview.CalculateChecksum(rc, algorithm)
	if err != nil {
		return "", &cloudview.PathError{Op: "checksum", Path: id, Err: err}
	}
	return sum, nil
}

// ============================================================================
// Chunked Upload Implementation
// ============================================================================

// uploadInfo stores metadata for an in-progress chunked upload.
type uploadInfo struct {
	target   string // Target path for the final file
	partsDir string // Directory storing uploaded parts
}

// uploadRegistry is a thread-safe registry for in-progress uploads.
var uploadRegistry = struct {
	sync.RWMutex
	uploads map[string]*uploadInfo
}{
	uploads: make(map[string]*uploadInfo),
}

// generateUploadID creates a unique upload identifier.
func generateUploadID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// InitiateUpload starts a chunked upload and returns an upload ID.
// Parts are stored in a temporary directory until CompleteUpload is called.
func (a *Adapter) InitiateUpload(ctx context.Context, parentID, name string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	target, err := a.child("initiate-upload", parentID, name)
	if err != nil {
		return "", err
	}

	uploadID, err := generateUploadID()
	if err != nil {
		return "", &cloudview.PathError{Op: "initiate-upload", Path: target, Err: err}
	}

	partsDir, err := os.MkdirTemp("", fmt.Sprintf("cloudview-upload-%s-", uploadID))
	if err != nil {
		return "", &cloudview.PathError{Op: "initiate-upload", Path: target, Err: err}
	}

	uploadRegistry.Lock()
	uploadRegistry.uploads[uploadID] = &uploadInfo{target: target, partsDir: partsDir}
	uploadRegistry.Unlock()

	return uploadID, nil
}

// UploadPart stores one part as a numbered file in the parts directory.
func (a *Adapter) UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if partNumber < 1 {
		return &cloudview.PathError{
			Op:   "upload-part",
			Path: uploadID,
			Err:  fmt.Errorf("part number must be >= 1, got %d", partNumber),
		}
	}

	uploadRegistry.RLock()
	info, ok := uploadRegistry.uploads[uploadID]
	uploadRegistry.RUnlock()
	if !ok {
		return &cloudview.PathError{Op: "upload-part", Path: uploadID, Err: cloudview.ErrNotExist}
	}

	partPath := filepath.Join(info.partsDir, strconv.Itoa(partNumber))
	if err := os.WriteFile(partPath, data, 0600); err != nil {
		return &cloudview.PathError{Op: "upload-part", Path: uploadID, Err: err}
	}
	return nil
}

// CompleteUpload concatenates all parts in numerical order into the target.
func (a *Adapter) CompleteUpload(ctx context.Context, uploadID string) (*cloudview.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	uploadRegistry.Lock()
	info, ok := uploadRegistry.uploads[uploadID]
	if ok {
		delete(uploadRegistry.uploads, uploadID)
	}
	uploadRegistry.Unlock()
	if !ok {
		return nil, &cloudview.PathError{Op: "complete-upload", Path: uploadID, Err: cloudview.ErrNotExist}
	}
	defer os.RemoveAll(info.partsDir)

	entries, err := os.ReadDir(info.partsDir)
	if err != nil {
		return nil, &cloudview.PathError{Op: "complete-upload", Path: uploadID, Err: err}
	}
	if len(entries) == 0 {
		return nil, &cloudview.PathError{Op: "complete-upload", Path: uploadID, Err: errors.New("no parts uploaded")}
	}

	partNumbers := make([]int, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		num, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		partNumbers = append(partNumbers, num)
	}
	sort.Ints(partNumbers)

	tmp, err := os.CreateTemp(filepath.Dir(info.target), ".cloudview-upload-*")
	if err != nil {
		return nil, wrapErr("complete-upload", info.target, err)
	}
	for _, partNum := range partNumbers {
		if err := appendPart(tmp, filepath.Join(info.partsDir, strconv.Itoa(partNum))); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return nil, &cloudview.PathError{
				Op:   "complete-upload",
				Path: info.target,
				Err:  fmt.Errorf("failed to write part %d: %w", partNum, err),
			}
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, wrapErr("complete-upload", info.target, err)
	}
	if err := os.Rename(tmp.Name(), info.target); err != nil {
		os.Remove(tmp.Name())
		return nil, wrapErr("complete-upload", info.target, err)
	}
	return a.Stat(ctx, info.target)
}

func appendPart(dst io.Writer, partPath string) error {
	f, err := os.Open(partPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(dst, f)
	return err
}

// AbortUpload cancels a chunked upload and cleans up temporary files.
func (a *Adapter) AbortUpload(ctx context.Context, uploadID string) error {
	uploadRegistry.Lock()
	info, ok := uploadRegistry.uploads[uploadID]
	if ok {
		delete(uploadRegistry.uploads, uploadID)
	}
	uploadRegistry.Unlock()

	if !ok {
		return &cloudview.PathError{Op: "abort-upload", Path: uploadID, Err: cloudview.ErrNotExist}
	}
	if err := os.RemoveAll(info.partsDir); err != nil {
		return &cloudview.PathError{Op: "abort-upload", Path: uploadID, Err: err}
	}
	return nil
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
)
