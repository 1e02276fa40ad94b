package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"

	"github.com/gobeaver/cloudview"
)

// node is one file or folder held in memory.
type node struct {
	id          string
	name        string
	parent      string
	isDir       bool
	content     []byte
	contentType string
	metadata    map[string]string
	modTime     time.Time
	created     time.Time
	children    map[string]string // name -> id
}

// watchEntry is a single watch subscription
type watchEntry struct {
	ctx    context.Context
	notify func(folderID string)
}

// pendingUpload collects the parts of a chunked upload
type pendingUpload struct {
	parentID string
	name     string
	parts    map[int][]byte
}

// Adapter is an in-memory cloudview backend. IDs are opaque and survive
// renames and moves, like those of a cloud drive.
// Useful for testing and as a scratch server.
type Adapter struct {
	mu      sync.RWMutex
	nodes   map[string]*node
	maxSize int64 // Maximum total storage size (0 = unlimited)
	size    int64 // Current total size
	nextID  int64

	uploads map[string]*pendingUpload

	// Watch support
	watchMu sync.RWMutex
	watches []*watchEntry
	filter  glob.Glob

	listCalls atomic.Int64
	listDelay atomic.Int64
	readyErr  atomic.Pointer[error]
	closed    atomic.Bool
}

// Config holds configuration for the memory adapter
type Config struct {
	// MaxSize is the maximum total storage size in bytes (0 = unlimited)
	MaxSize int64

	// WatchFilter limits change notifications to paths matching this glob
	// pattern, e.g. "**/*.txt". Empty notifies for every change.
	WatchFilter string
}

const rootID = "0"

// New creates a new in-memory backend
func New(cfg ...Config) (*Adapter, error) {
	var c Config
	if len(cfg) > 0 {
		c = cfg[0]
	}

	a := &Adapter{
		nodes:   make(map[string]*node),
		maxSize: c.MaxSize,
		uploads: make(map[string]*pendingUpload),
	}
	if c.WatchFilter != "" {
		g, err := glob.Compile(c.WatchFilter, '/')
		if err != nil {
			return nil, fmt.Errorf("memory: invalid watch filter %q: %w", c.WatchFilter, err)
		}
		a.filter = g
	}

	now := time.Now()
	a.nodes[rootID] = &node{
		id:       rootID,
		isDir:    true,
		modTime:  now,
		created:  now,
		children: make(map[string]string),
	}
	return a, nil
}

// ============================================================================
// Test hooks
// ============================================================================

// ListCalls returns how many times List reached the store.
func (a *Adapter) ListCalls() int64 { return a.listCalls.Load() }

// SetListDelay makes every List call wait d before answering.
func (a *Adapter) SetListDelay(d time.Duration) { a.listDelay.Store(int64(d)) }

// SetReady makes Ready report err; nil restores readiness.
func (a *Adapter) SetReady(err error) {
	if err == nil {
		a.readyErr.Store(nil)
		return
	}
	a.readyErr.Store(&err)
}

// Put stores data at p, creating missing parent folders. It returns the
// file id.
func (a *Adapter) Put(p string, data []byte) (string, error) {
	dir, name := path.Split(strings.Trim(p, "/"))
	a.mu.Lock()
	parent, err := a.mkdirAllLocked(dir)
	if err != nil {
		a.mu.Unlock()
		return "", err
	}
	n, err := a.storeLocked(parent, name, data, &cloudview.Options{})
	a.mu.Unlock()
	if err != nil {
		return "", err
	}
	a.notifyWatchers(parent.id)
	return n.id, nil
}

// Mkdir creates p and any missing parents and returns the folder id.
func (a *Adapter) Mkdir(p string) (string, error) {
	a.mu.Lock()
	n, err := a.mkdirAllLocked(p)
	a.mu.Unlock()
	if err != nil {
		return "", err
	}
	a.notifyWatchers(n.parent)
	return n.id, nil
}

// Lookup returns the id stored at p.
func (a *Adapter) Lookup(p string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cur := a.nodes[rootID]
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' }) {
		id, ok := cur.children[seg]
		if !ok {
			return "", false
		}
		cur = a.nodes[id]
	}
	return cur.id, true
}

// Size returns the total stored bytes
func (a *Adapter) Size() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.size
}

// FileCount returns the number of stored files
func (a *Adapter) FileCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	count := 0
	for _, n := range a.nodes {
		if !n.isDir {
			count++
		}
	}
	return count
}

// ============================================================================
// Backend
// ============================================================================

func (a *Adapter) entry(n *node) cloudview.Entry {
	e := cloudview.Entry{
		ID:          n.id,
		Name:        n.name,
		Type:        cloudview.File,
		ModTime:     n.modTime,
		CreatedTime: n.created,
		ContentType: n.contentType,
	}
	if n.isDir {
		e.Type = cloudview.Folder
	} else {
		e.Size = int64(len(n.content))
	}
	return e
}

func (a *Adapter) get(op, id string) (*node, error) {
	n, ok := a.nodes[id]
	if !ok {
		return nil, &cloudview.PathError{Op: op, Path: id, Err: cloudview.ErrNotExist}
	}
	return n, nil
}

// Root implements cloudview.Backend
func (a *Adapter) Root(ctx context.Context) (*cloudview.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	e := a.entry(a.nodes[rootID])
	return &e, nil
}

// List implements cloudview.Backend
func (a *Adapter) List(ctx context.Context, id string) ([]cloudview.Entry, error) {
	a.listCalls.Add(1)
	if d := time.Duration(a.listDelay.Load()); d > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	n, err := a.get("list", id)
	if err != nil {
		return nil, err
	}
	if !n.isDir {
		return nil, &cloudview.PathError{Op: "list", Path: id, Err: cloudview.ErrNotDir}
	}

	out := make([]cloudview.Entry, 0, len(n.children))
	for _, cid := range n.children {
		out = append(out, a.entry(a.nodes[cid]))
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
	n, err := a.get("stat", id)
	if err != nil {
		return nil, err
	}
	e := a.entry(n)
	return &e, nil
}

// Open implements cloudview.Backend
func (a *Adapter) Open(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	n, err := a.get("open", id)
	if err != nil {
		return nil, err
	}
	if n.isDir {
		return nil, &cloudview.PathError{Op: "open", Path: id, Err: cloudview.ErrIsDir}
	}
	size := int64(len(n.content))
	if offset < 0 || offset > size {
		return nil, &cloudview.PathError{Op: "open", Path: id, Err: cloudview.ErrInvalidOffset}
	}
	end := size
	if length >= 0 && offset+length < size {
		end = offset + length
	}
	// The slice is never mutated in place; writes replace it.
	return io.NopCloser(bytes.NewReader(n.content[offset:end])), nil
}

// Ready implements cloudview.CanReady
func (a *Adapter) Ready(ctx context.Context) error {
	if a.closed.Load() {
		return fmt.Errorf("memory: closed")
	}
	if p := a.readyErr.Load(); p != nil {
		return *p
	}
	return ctx.Err()
}

// Close implements io.Closer
func (a *Adapter) Close() error {
	a.closed.Store(true)
	a.watchMu.Lock()
	a.watches = nil
	a.watchMu.Unlock()
	return nil
}

// ============================================================================
// Mutations
// ============================================================================

func (a *Adapter) newID() string {
	a.nextID++
	return strconv.FormatInt(a.nextID, 10)
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, "/\x00")
}

func (a *Adapter) mkdirAllLocked(p string) (*node, error) {
	cur := a.nodes[rootID]
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' }) {
		if id, ok := cur.children[seg]; ok {
			next := a.nodes[id]
			if !next.isDir {
				return nil, &cloudview.PathError{Op: "mkdir", Path: p, Err: cloudview.ErrNotDir}
			}
			cur = next
			continue
		}
		n, err := a.createDirLocked(cur, seg)
		if err != nil {
			return nil, err
		}
		cur = n
	}
	return cur, nil
}

func (a *Adapter) createDirLocked(parent *node, name string) (*node, error) {
	if !validName(name) {
		return nil, &cloudview.PathError{Op: "mkdir", Path: name, Err: cloudview.ErrInvalidName}
	}
	if _, exists := parent.children[name]; exists {
		return nil, &cloudview.PathError{Op: "mkdir", Path: name, Err: cloudview.ErrExist}
	}
	now := time.Now()
	n := &node{
		id:       a.newID(),
		name:     name,
		parent:   parent.id,
		isDir:    true,
		modTime:  now,
		created:  now,
		children: make(map[string]string),
	}
	a.nodes[n.id] = n
	parent.children[name] = n.id
	parent.modTime = now
	return n, nil
}

// storeLocked writes data as name under parent, replacing an existing file.
func (a *Adapter) storeLocked(parent *node, name string, data []byte, o *cloudview.Options) (*node, error) {
	if !validName(name) {
		return nil, &cloudview.PathError{Op: "upload", Path: name, Err: cloudview.ErrInvalidName}
	}
	var old *node
	if id, exists := parent.children[name]; exists {
		old = a.nodes[id]
		if old.isDir {
			return nil, &cloudview.PathError{Op: "upload", Path: name, Err: cloudview.ErrIsDir}
		}
	}

	newSize := a.size + int64(len(data))
	if old != nil {
		newSize -= int64(len(old.content))
	}
	if a.maxSize > 0 && newSize > a.maxSize {
		return nil, &cloudview.PathError{Op: "upload", Path: name, Err: fmt.Errorf("memory: store full (%d of %d bytes)", newSize, a.maxSize)}
	}

	contentType := o.ContentType
	if contentType == "" {
		contentType = cloudview.GuessContentType(name, data)
	}
	modTime := o.ModTime
	if modTime.IsZero() {
		modTime = time.Now()
	}

	n := old
	if n == nil {
		n = &node{id: a.newID(), name: name, parent: parent.id, created: time.Now()}
		a.nodes[n.id] = n
		parent.children[name] = n.id
	}
	n.content = data
	n.contentType = contentType
	n.metadata = o.Metadata
	n.modTime = modTime
	a.size = newSize
	parent.modTime = time.Now()
	return n, nil
}

// CreateDir implements cloudview.CanCreateDir
func (a *Adapter) CreateDir(ctx context.Context, parentID, name string) (*cloudview.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	a.mu.Lock()
	parent, err := a.dir("mkdir", parentID)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	n, err := a.createDirLocked(parent, name)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	e := a.entry(n)
	a.mu.Unlock()

	a.notifyWatchers(parentID)
	return &e, nil
}

func (a *Adapter) dir(op, id string) (*node, error) {
	n, err := a.get(op, id)
	if err != nil {
		return nil, err
	}
	if !n.isDir {
		return nil, &cloudview.PathError{Op: op, Path: id, Err: cloudview.ErrNotDir}
	}
	return n, nil
}

// Upload implements cloudview.CanUpload
func (a *Adapter) Upload(ctx context.Context, parentID, name string, r io.Reader, size int64, opts ...cloudview.Option) (*cloudview.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &cloudview.PathError{Op: "upload", Path: name, Err: err}
	}
	if size >= 0 && int64(len(data)) != size {
		return nil, &cloudview.PathError{Op: "upload", Path: name, Err: fmt.Errorf("short upload: got %d bytes, want %d", len(data), size)}
	}

	a.mu.Lock()
	parent, err := a.dir("upload", parentID)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	n, err := a.storeLocked(parent, name, data, cloudview.ApplyOptions(opts...))
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	e := a.entry(n)
	a.mu.Unlock()

	a.notifyWatchers(parentID)
	return &e, nil
}

// Delete implements cloudview.CanDelete. Folders go with their contents.
func (a *Adapter) Delete(ctx context.Context, id string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if id == rootID {
		return &cloudview.PathError{Op: "delete", Path: id, Err: cloudview.ErrNotAllowed}
	}

	a.mu.Lock()
	n, err := a.get("delete", id)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	parent := a.nodes[n.parent]
	delete(parent.children, n.name)
	parent.modTime = time.Now()
	a.removeLocked(n)
	a.mu.Unlock()

	a.notifyWatchers(parent.id)
	return nil
}

func (a *Adapter) removeLocked(n *node) {
	for _, cid := range n.children {
		a.removeLocked(a.nodes[cid])
	}
	a.size -= int64(len(n.content))
	delete(a.nodes, n.id)
}

// Move implements cloudview.CanMove
func (a *Adapter) Move(ctx context.Context, id, newParentID string) (*cloudview.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	a.mu.Lock()
	n, err := a.get("move", id)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	dst, err := a.dir("move", newParentID)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	for p := dst; ; p = a.nodes[p.parent] {
		if p.id == n.id {
			a.mu.Unlock()
			return nil, &cloudview.PathError{Op: "move", Path: id, Err: cloudview.ErrNotAllowed}
		}
		if p.id == rootID {
			break
		}
	}
	if _, exists := dst.children[n.name]; exists {
		a.mu.Unlock()
		return nil, &cloudview.PathError{Op: "move", Path: n.name, Err: cloudview.ErrExist}
	}
	oldParent := a.nodes[n.parent]
	delete(oldParent.children, n.name)
	dst.children[n.name] = n.id
	n.parent = dst.id
	e := a.entry(n)
	a.mu.Unlock()

	a.notifyWatchers(oldParent.id)
	a.notifyWatchers(dst.id)
	return &e, nil
}

// Rename implements cloudview.CanRename
func (a *Adapter) Rename(ctx context.Context, id, newName string) (*cloudview.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if !validName(newName) {
		return nil, &cloudview.PathError{Op: "rename", Path: newName, Err: cloudview.ErrInvalidName}
	}

	a.mu.Lock()
	n, err := a.get("rename", id)
	if err != nil || id == rootID {
		a.mu.Unlock()
		if err == nil {
			err = &cloudview.PathError{Op: "rename", Path: id, Err: cloudview.ErrNotAllowed}
		}
		return nil, err
	}
	parent := a.nodes[n.parent]
	if _, exists := parent.children[newName]; exists {
		a.mu.Unlock()
		return nil, &cloudview.PathError{Op: "rename", Path: newName, Err: cloudview.ErrExist}
	}
	delete(parent.children, n.name)
	n.name = newName
	parent.children[newName] = n.id
	e := a.entry(n)
	a.mu.Unlock()

	a.notifyWatchers(parent.id)
	return &e, nil
}

// SetModTime implements cloudview.CanSetModTime
func (a *Adapter) SetModTime(ctx context.Context, id string, t time.Time) (*cloudview.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	a.mu.Lock()
	n, err := a.get("setmodtime", id)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	n.modTime = t
	e := a.entry(n)
	a.mu.Unlock()
	return &e, nil
}

// Checksum implements cloudview.CanChecksum
func (a *Adapter) Checksum(ctx context.Context, id string, algorithm cloudview.ChecksumAlgorithm) (string, error) {
	rc, err := a.Open(ctx, id, 0, -1)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return cloudview.CalculateChecksum(rc, algorithm)
}

// ============================================================================
// Chunked Upload
// ============================================================================

// InitiateUpload implements cloudview.CanChunkedUpload
func (a *Adapter) InitiateUpload(ctx context.Context, parentID, name string) (string, error) {
	if !validName(name) {
		return "", &cloudview.PathError{Op: "upload", Path: name, Err: cloudview.ErrInvalidName}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.dir("upload", parentID); err != nil {
		return "", err
	}
	uploadID := "upload-" + a.newID()
	a.uploads[uploadID] = &pendingUpload{parentID: parentID, name: name, parts: make(map[int][]byte)}
	return uploadID, nil
}

// UploadPart implements cloudview.CanChunkedUpload
func (a *Adapter) UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	up, ok := a.uploads[uploadID]
	if !ok {
		return &cloudview.PathError{Op: "upload", Path: uploadID, Err: cloudview.ErrNotExist}
	}
	up.parts[partNumber] = append([]byte(nil), data...)
	return nil
}

// CompleteUpload implements cloudview.CanChunkedUpload
func (a *Adapter) CompleteUpload(ctx context.Context, uploadID string) (*cloudview.Entry, error) {
	a.mu.Lock()
	up, ok := a.uploads[uploadID]
	if !ok {
		a.mu.Unlock()
		return nil, &cloudview.PathError{Op: "upload", Path: uploadID, Err: cloudview.ErrNotExist}
	}
	delete(a.uploads, uploadID)

	nums := make([]int, 0, len(up.parts))
	for k := range up.parts {
		nums = append(nums, k)
	}
	sort.Ints(nums)
	var buf bytes.Buffer
	for _, k := range nums {
		buf.Write(up.parts[k])
	}

	parent, err := a.dir("upload", up.parentID)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	n, err := a.storeLocked(parent, up.name, buf.Bytes(), &cloudview.Options{})
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	e := a.entry(n)
	a.mu.Unlock()

	a.notifyWatchers(up.parentID)
	return &e, nil
}

// AbortUpload implements cloudview.CanChunkedUpload
func (a *Adapter) AbortUpload(ctx context.Context, uploadID string) error {
	a.mu.Lock()
	delete(a.uploads, uploadID)
	a.mu.Unlock()
	return nil
}

// ============================================================================
// Search
// ============================================================================

// Search returns every item whose slash-separated path matches pattern,
// e.g. "docs/**/*.md". Paths have no leading slash.
func (a *Adapter) Search(ctx context.Context, pattern string) ([]cloudview.Entry, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("memory: invalid pattern %q: %w", pattern, err)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []cloudview.Entry
	for _, n := range a.nodes {
		if n.id == rootID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if g.Match(a.pathLocked(n)) {
			out = append(out, a.entry(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (a *Adapter) pathLocked(n *node) string {
	var segs []string
	for cur := n; cur.id != rootID; cur = a.nodes[cur.parent] {
		segs = append(segs, cur.name)
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return strings.Join(segs, "/")
}

// ============================================================================
// Watcher Implementation
// ============================================================================

// Watch implements cloudview.CanWatch. notify receives the id of every
// folder whose listing changed, filtered by Config.WatchFilter.
func (a *Adapter) Watch(ctx context.Context, notify func(folderID string)) error {
	w := &watchEntry{ctx: ctx, notify: notify}
	a.watchMu.Lock()
	a.watches = append(a.watches, w)
	a.watchMu.Unlock()

	context.AfterFunc(ctx, func() { a.removeWatch(w) })
	return nil
}

// notifyWatchers signals every live watcher that folderID changed
func (a *Adapter) notifyWatchers(folderID string) {
	if a.filter != nil {
		a.mu.RLock()
		n, ok := a.nodes[folderID]
		match := ok && a.filter.Match(a.pathLocked(n))
		a.mu.RUnlock()
		if !match {
			return
		}
	}

	a.watchMu.RLock()
	watches := append([]*watchEntry(nil), a.watches...)
	a.watchMu.RUnlock()

	for _, w := range watches {
		if w.ctx.Err() == nil {
			w.notify(folderID)
		}
	}
}

// removeWatch drops a watch entry
func (a *Adapter) removeWatch(w *watchEntry) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	for i, cur := range a.watches {
		if cur == w {
			a.watches = append(a.watches[:i], a.watches[i+1:]...)
			return
		}
	}
}

// Interface compliance checks
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
	_ io.Closer                  = (*Adapter)(nil)
)
