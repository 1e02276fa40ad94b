// Package zip serves the contents of a ZIP archive. Item IDs are slash
// separated archive paths rooted at "/".
//
// Archives opened read-write keep changes in memory and write a new archive
// on Flush or Close.
package zip

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/gobeaver/cloudview"
)

// Mode represents the ZIP adapter mode
type Mode int

const (
	// ModeRead opens an existing ZIP file for reading
	ModeRead Mode = iota
	// ModeReadWrite opens or creates a ZIP file for both reading and writing
	ModeReadWrite
)

const rootID = "/"

// Adapter provides a ZIP archive backend
type Adapter struct {
	mu       sync.RWMutex
	path     string
	mode     Mode
	file     *os.File
	entries  map[string]*zipEntry
	modified bool
	closed   bool
	log      *zap.Logger
}

// zipEntry represents a file or directory in the archive. Entries read from
// disk reference their zip.File; new or changed files hold their content.
type zipEntry struct {
	file    *zip.File
	content []byte
	isDir   bool
	modTime time.Time
	size    int64
	crc     uint32
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// Open opens an existing ZIP file for reading
func Open(zipPath string, opts ...Option) (*Adapter, error) {
	a := newAdapter(zipPath, ModeRead, opts)
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

// OpenOrCreate opens an existing ZIP for reading and writing, or starts an
// empty one that is created on the first Flush.
func OpenOrCreate(zipPath string, opts ...Option) (*Adapter, error) {
	a := newAdapter(zipPath, ModeReadWrite, opts)
	if _, err := os.Stat(zipPath); os.IsNotExist(err) {
		a.modified = true
		return a, nil
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

func newAdapter(zipPath string, mode Mode, opts []Option) *Adapter {
	a := &Adapter{
		path:    zipPath,
		mode:    mode,
		entries: map[string]*zipEntry{rootID: {isDir: true}},
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// load indexes the archive on disk, replacing the current index.
func (a *Adapter) load() error {
	f, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	// NewReader may return a usable reader alongside an insecure path error.
	r, err := zip.NewReader(f, info.Size())
	if r == nil {
		f.Close()
		return fmt.Errorf("failed to read zip: %w", err)
	}
	if err != nil {
		a.log.Warn("archive has insecure entries", zap.String("path", a.path), zap.Error(err))
	}

	entries := map[string]*zipEntry{rootID: {isDir: true, modTime: info.ModTime()}}
	for _, zf := range r.File {
		id, ok := normalizeID(zf.Name)
		if !ok {
			a.log.Warn("skipping unsafe archive entry", zap.String("name", zf.Name))
			continue
		}
		if id == rootID {
			continue
		}
		e := &zipEntry{
			file:    zf,
			isDir:   zf.FileInfo().IsDir(),
			modTime: zf.Modified,
		}
		if !e.isDir {
			e.size = int64(zf.UncompressedSize64)
			e.crc = zf.CRC32
		}
		entries[id] = e
		addParents(entries, id, zf.Modified)
	}

	if a.file != nil {
		a.file.Close()
	}
	a.file = f
	a.entries = entries
	return nil
}

// normalizeID maps an archive name to an ID. Names escaping the root are
// rejected.
func normalizeID(name string) (string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", false
		}
	}
	return path.Clean("/" + name), true
}

// addParents creates implicit folders for every ancestor of id.
func addParents(entries map[string]*zipEntry, id string, modTime time.Time) {
	for dir := path.Dir(id); dir != rootID; dir = path.Dir(dir) {
		if _, ok := entries[dir]; ok {
			return
		}
		entries[dir] = &zipEntry{isDir: true, modTime: modTime}
	}
}

func (a *Adapter) entry(id string, e *zipEntry) cloudview.Entry {
	out := cloudview.Entry{
		ID:      id,
		Name:    path.Base(id),
		Type:    cloudview.Folder,
		ModTime: e.modTime,
	}
	if id == rootID {
		out.Name = ""
	}
	if !e.isDir {
		out.Type = cloudview.File
		out.Size = e.size
		out.Hash = fmt.Sprintf("%08x", e.crc)
		out.ContentType = cloudview.GuessContentType(out.Name, nil)
	}
	return out
}

// lookup returns the entry for id. a.mu must be held.
func (a *Adapter) lookup(id string) (string, *zipEntry, error) {
	if a.closed {
		return "", nil, cloudview.ErrNotReady
	}
	id, ok := normalizeID(id)
	if !ok {
		return "", nil, cloudview.ErrNotAllowed
	}
	e, ok := a.entries[id]
	if !ok {
		return "", nil, cloudview.ErrNotExist
	}
	return id, e, nil
}

func (a *Adapter) writable() error {
	if a.mode == ModeRead {
		return cloudview.ErrReadOnly
	}
	if a.closed {
		return cloudview.ErrNotReady
	}
	return nil
}

// ============================================================================
// Backend
// ============================================================================

// Root implements cloudview.Backend
func (a *Adapter) Root(ctx context.Context) (*cloudview.Entry, error) {
	return a.Stat(ctx, rootID)
}

// List implements cloudview.Backend
func (a *Adapter) List(ctx context.Context, id string) ([]cloudview.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	id, e, err := a.lookup(id)
	if err != nil {
		return nil, err
	}
	if !e.isDir {
		return nil, cloudview.ErrNotDir
	}
	var out []cloudview.Entry
	for cid, ce := range a.entries {
		if cid != rootID && path.Dir(cid) == id {
			out = append(out, a.entry(cid, ce))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Stat implements cloudview.Backend
func (a *Adapter) Stat(ctx context.Context, id string) (*cloudview.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	id, e, err := a.lookup(id)
	if err != nil {
		return nil, err
	}
	out := a.entry(id, e)
	return &out, nil
}

// Open implements cloudview.Backend. Stored entries are read in place;
// compressed entries are inflated and skipped up to offset.
func (a *Adapter) Open(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, e, err := a.lookup(id)
	if err != nil {
		return nil, err
	}
	if e.isDir {
		return nil, cloudview.ErrIsDir
	}
	if offset < 0 || offset > e.size {
		return nil, cloudview.ErrInvalidOffset
	}
	n := e.size - offset
	if length >= 0 && length < n {
		n = length
	}

	if e.file == nil {
		return io.NopCloser(bytes.NewReader(e.content[offset : offset+n])), nil
	}
	if e.file.Method == zip.Store {
		start, err := e.file.DataOffset()
		if err != nil {
			return nil, err
		}
		return io.NopCloser(io.NewSectionReader(a.file, start+offset, n)), nil
	}
	rc, err := e.file.Open()
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := io.CopyN(io.Discard, rc, offset); err != nil {
			rc.Close()
			return nil, err
		}
	}
	return &limitedReadCloser{Reader: io.LimitReader(rc, n), Closer: rc}, nil
}

type limitedReadCloser struct {
	io.Reader
	io.Closer
}

// ============================================================================
// Mutations
// ============================================================================

// CreateDir implements cloudview.CanCreateDir
func (a *Adapter) CreateDir(ctx context.Context, parentID, name string) (*cloudview.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.writable(); err != nil {
		return nil, err
	}
	parent, pe, err := a.lookup(parentID)
	if err != nil {
		return nil, err
	}
	if !pe.isDir {
		return nil, cloudview.ErrNotDir
	}
	id := path.Join(parent, name)
	if _, ok := a.entries[id]; ok {
		return nil, cloudview.ErrExist
	}
	e := &zipEntry{isDir: true, modTime: time.Now()}
	a.entries[id] = e
	a.modified = true
	out := a.entry(id, e)
	return &out, nil
}

// Upload implements cloudview.CanUpload. The content is held in memory
// until the archive is flushed.
func (a *Adapter) Upload(ctx context.Context, parentID, name string, r io.Reader, size int64, opts ...cloudview.Option) (*cloudview.Entry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if size >= 0 && int64(len(data)) != size {
		return nil, fmt.Errorf("zip: upload of %s: read %d bytes, expected %d", name, len(data), size)
	}
	o := cloudview.ApplyOptions(opts...)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.writable(); err != nil {
		return nil, err
	}
	parent, pe, err := a.lookup(parentID)
	if err != nil {
		return nil, err
	}
	if !pe.isDir {
		return nil, cloudview.ErrNotDir
	}
	id := path.Join(parent, name)
	if existing, ok := a.entries[id]; ok && existing.isDir {
		return nil, cloudview.ErrIsDir
	}
	mt := o.ModTime
	if mt.IsZero() {
		mt = time.Now()
	}
	e := &zipEntry{
		content: data,
		modTime: mt,
		size:    int64(len(data)),
		crc:     crc32.ChecksumIEEE(data),
	}
	a.entries[id] = e
	a.modified = true
	out := a.entry(id, e)
	return &out, nil
}

// subtree returns id and every ID below it. a.mu must be held.
func (a *Adapter) subtree(id string) []string {
	ids := []string{id}
	for cid := range a.entries {
		if strings.HasPrefix(cid, id+"/") {
			ids = append(ids, cid)
		}
	}
	return ids
}

// Delete implements cloudview.CanDelete
func (a *Adapter) Delete(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.writable(); err != nil {
		return err
	}
	id, _, err := a.lookup(id)
	if err != nil {
		return err
	}
	if id == rootID {
		return cloudview.ErrNotAllowed
	}
	for _, cid := range a.subtree(id) {
		delete(a.entries, cid)
	}
	a.modified = true
	return nil
}

// relocate moves id and its subtree to newID. a.mu must be held.
func (a *Adapter) relocate(id, newID string) (*cloudview.Entry, error) {
	if id == rootID {
		return nil, cloudview.ErrNotAllowed
	}
	if newID == id || strings.HasPrefix(newID, id+"/") {
		return nil, fmt.Errorf("%w: cannot move a folder into itself", cloudview.ErrNotAllowed)
	}
	if _, ok := a.entries[newID]; ok {
		return nil, cloudview.ErrExist
	}
	moved := make(map[string]*zipEntry)
	for _, cid := range a.subtree(id) {
		moved[newID+strings.TrimPrefix(cid, id)] = a.entries[cid]
		delete(a.entries, cid)
	}
	for nid, e := range moved {
		a.entries[nid] = e
	}
	a.modified = true
	out := a.entry(newID, a.entries[newID])
	return &out, nil
}

// Move implements cloudview.CanMove
func (a *Adapter) Move(ctx context.Context, id, newParentID string) (*cloudview.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.writable(); err != nil {
		return nil, err
	}
	id, _, err := a.lookup(id)
	if err != nil {
		return nil, err
	}
	parent, pe, err := a.lookup(newParentID)
	if err != nil {
		return nil, err
	}
	if !pe.isDir {
		return nil, cloudview.ErrNotDir
	}
	return a.relocate(id, path.Join(parent, path.Base(id)))
}

// Rename implements cloudview.CanRename
func (a *Adapter) Rename(ctx context.Context, id, newName string) (*cloudview.Entry, error) {
	if newName == "" || strings.ContainsAny(newName, "/\\") || newName == "." || newName == ".." {
		return nil, cloudview.ErrInvalidName
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.writable(); err != nil {
		return nil, err
	}
	id, _, err := a.lookup(id)
	if err != nil {
		return nil, err
	}
	return a.relocate(id, path.Join(path.Dir(id), newName))
}

// SetModTime implements cloudview.CanSetModTime
func (a *Adapter) SetModTime(ctx context.Context, id string, t time.Time) (*cloudview.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.writable(); err != nil {
		return nil, err
	}
	id, e, err := a.lookup(id)
	if err != nil {
		return nil, err
	}
	e.modTime = t
	a.modified = true
	out := a.entry(id, e)
	return &out, nil
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// Checksum implements cloudview.CanChecksum. CRC-32 comes from the archive
// directory; other algorithms read the entry.
func (a *Adapter) Checksum(ctx context.Context, id string, algorithm cloudview.ChecksumAlgorithm) (string, error) {
	if algorithm == cloudview.ChecksumCRC32 {
		e, err := a.Stat(ctx, id)
		if err != nil {
			return "", err
		}
		if e.IsDir() {
			return "", cloudview.ErrIsDir
		}
		return e.Hash, nil
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
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return fmt.Errorf("%w: archive %s is closed", cloudview.ErrNotReady, a.path)
	}
	return nil
}

// Flush writes pending changes to disk and reopens the archive.
func (a *Adapter) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flush()
}

func (a *Adapter) flush() error {
	if a.mode == ModeRead || !a.modified {
		return nil
	}
	if err := a.rewriteZip(); err != nil {
		return err
	}
	a.modified = false
	return a.load()
}

// Close closes the ZIP adapter and finalizes any writes
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	err := a.flush()
	if a.file != nil {
		if cerr := a.file.Close(); err == nil {
			err = cerr
		}
		a.file = nil
	}
	a.closed = true
	return err
}

// rewriteZip writes the current index to a temporary file that replaces
// the archive.
func (a *Adapter) rewriteZip() (err error) {
	tmpPath := a.path + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	ids := make([]string, 0, len(a.entries))
	for id := range a.entries {
		if id != rootID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	writer := zip.NewWriter(tmpFile)
	for _, id := range ids {
		if err := writeEntry(writer, strings.TrimPrefix(id, "/"), a.entries[id]); err != nil {
			writer.Close()
			return fmt.Errorf("writing %s: %w", id, err)
		}
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, a.path)
}

func writeEntry(w *zip.Writer, name string, e *zipEntry) error {
	header := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: e.modTime,
	}
	if e.isDir {
		header.Name += "/"
		header.Method = zip.Store
		header.SetMode(os.ModeDir | 0o755)
		_, err := w.CreateHeader(header)
		return err
	}
	header.SetMode(0o644)
	if e.file != nil {
		header.Method = e.file.Method
	}
	dst, err := w.CreateHeader(header)
	if err != nil {
		return err
	}
	if e.file == nil {
		_, err = dst.Write(e.content)
		return err
	}
	src, err := e.file.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(dst, src)
	return err
}

// Ensure Adapter implements required and optional interfaces
var (
	_ cloudview.Backend       = (*Adapter)(nil)
	_ cloudview.CanCreateDir  = (*Adapter)(nil)
	_ cloudview.CanUpload     = (*Adapter)(nil)
	_ cloudview.CanDelete     = (*Adapter)(nil)
	_ cloudview.CanMove       = (*Adapter)(nil)
	_ cloudview.CanRename     = (*Adapter)(nil)
	_ cloudview.CanSetModTime = (*Adapter)(nil)
	_ cloudview.CanChecksum   = (*Adapter)(nil)
	_ cloudview.CanReady      = (*Adapter)(nil)
	_ io.Closer               = (*Adapter)(nil)
)
