package azure

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobeaver/cloudview"
)

var errNotFound = errors.New("404 BlobNotFound")

// fakeContainer is an in-memory Container. Missing blobs report an error
// that mapAzureError passes through, so tests check ErrNotExist only where
// the adapter produces it itself.
type fakeContainer struct {
	mu     sync.Mutex
	blobs  map[string]*Properties
	data   map[string][]byte
	staged map[string]map[string][]byte
	gone   bool
}

func newFakeContainer() *fakeContainer {
	return &fakeContainer{
		blobs:  make(map[string]*Properties),
		data:   make(map[string][]byte),
		staged: make(map[string]map[string][]byte),
	}
}

func (f *fakeContainer) put(name, content string) {
	_, _ = f.Upload(context.Background(), name, strings.NewReader(content), "", nil)
}

func (f *fakeContainer) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blobs[name]
	return ok
}

func (f *fakeContainer) store(name string, data []byte, contentType string, meta map[string]string) *Properties {
	sum := md5.Sum(data)
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	p := &Properties{
		Name:        name,
		Size:        int64(len(data)),
		ModTime:     now,
		Created:     now,
		ContentType: contentType,
		MD5:         sum[:],
		ETag:        "etag-" + name,
		Metadata:    meta,
	}
	f.blobs[name] = p
	f.data[name] = data
	cp := *p
	return &cp
}

func (f *fakeContainer) names(prefix string) []string {
	var out []string
	for n := range f.blobs {
		if strings.HasPrefix(n, prefix) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func (f *fakeContainer) Exists(ctx context.Context) error {
	if f.gone {
		return errors.New("ContainerNotFound")
	}
	return nil
}

func (f *fakeContainer) Properties(ctx context.Context, name string) (*Properties, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.blobs[name]
	if !ok {
		return nil, errNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeContainer) ListHierarchy(ctx context.Context, prefix string) ([]Properties, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var blobs []Properties
	var prefixes []string
	seen := make(map[string]bool)
	for _, n := range f.names(prefix) {
		rest := strings.TrimPrefix(n, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			p := prefix + rest[:i+1]
			if !seen[p] {
				seen[p] = true
				prefixes = append(prefixes, p)
			}
			continue
		}
		blobs = append(blobs, *f.blobs[n])
	}
	return blobs, prefixes, nil
}

func (f *fakeContainer) ListFlat(ctx context.Context, prefix string) ([]Properties, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var blobs []Properties
	for _, n := range f.names(prefix) {
		blobs = append(blobs, *f.blobs[n])
	}
	return blobs, nil
}

func (f *fakeContainer) Download(ctx context.Context, name string, offset, count int64) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[name]
	if !ok {
		return nil, errNotFound
	}
	end := int64(len(data))
	if count > 0 && offset+count < end {
		end = offset + count
	}
	return io.NopCloser(bytes.NewReader(data[offset:end])), nil
}

func (f *fakeContainer) Upload(ctx context.Context, name string, r io.Reader, contentType string, meta map[string]string) (*Properties, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store(name, data, contentType, meta), nil
}

func (f *fakeContainer) Copy(ctx context.Context, dst, src string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.blobs[src]
	if !ok {
		return errNotFound
	}
	f.store(dst, f.data[src], p.ContentType, p.Metadata)
	return nil
}

func (f *fakeContainer) SetMetadata(ctx context.Context, name string, meta map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.blobs[name]
	if !ok {
		return errNotFound
	}
	p.Metadata = meta
	return nil
}

func (f *fakeContainer) StageBlock(ctx context.Context, name, blockID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.staged[name] == nil {
		f.staged[name] = make(map[string][]byte)
	}
	f.staged[name][blockID] = append([]byte(nil), data...)
	return nil
}

func (f *fakeContainer) CommitBlocks(ctx context.Context, name string, blockIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var buf bytes.Buffer
	for _, id := range blockIDs {
		data, ok := f.staged[name][id]
		if !ok {
			return errors.New("InvalidBlockList")
		}
		buf.Write(data)
	}
	delete(f.staged, name)
	f.store(name, buf.Bytes(), "application/octet-stream", nil)
	return nil
}

func (f *fakeContainer) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.blobs[name]; !ok {
		return errNotFound
	}
	delete(f.blobs, name)
	delete(f.data, name)
	return nil
}

func read(t *testing.T, a *Adapter, id string, offset, length int64) string {
	t.Helper()
	r, err := a.Open(context.Background(), id, offset, length)
	if err != nil {
		t.Fatalf("open %s: %v", id, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestGenerateBlockID(t *testing.T) {
	a, b := generateBlockID(1), generateBlockID(12345)
	if len(a) != len(b) {
		t.Errorf("block IDs differ in length: %q %q", a, b)
	}
	if a == b {
		t.Error("block IDs collide")
	}
}

func TestListAndStat(t *testing.T) {
	fc := newFakeContainer()
	fc.put("p/a.txt", "aaa")
	fc.put("p/dir/", "")
	fc.put("p/dir/b.txt", "b")
	fc.put("q/other", "x")
	a := New(fc, "c", WithPrefix("p"))
	ctx := context.Background()

	entries, err := a.List(ctx, rootID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("unexpected listing %+v", entries)
	}
	byID := make(map[string]cloudview.Entry)
	for _, e := range entries {
		byID[e.ID] = e
	}
	if e, ok := byID["dir/"]; !ok || !e.IsDir() || e.Name != "dir" {
		t.Errorf("missing folder: %+v", byID)
	}
	if e, ok := byID["a.txt"]; !ok || e.Size != 3 || e.Hash == "" {
		t.Errorf("missing file: %+v", byID)
	}

	sub, err := a.List(ctx, "dir/")
	if err != nil {
		t.Fatal(err)
	}
	if len(sub) != 1 || sub[0].ID != "dir/b.txt" {
		t.Errorf("unexpected sub listing %+v", sub)
	}

	if _, err := a.Stat(ctx, "missing/"); !errors.Is(err, cloudview.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
	if _, err := a.List(ctx, "a.txt"); !errors.Is(err, cloudview.ErrNotDir) {
		t.Errorf("expected ErrNotDir, got %v", err)
	}
}

func TestOpenRanges(t *testing.T) {
	fc := newFakeContainer()
	fc.put("digits", "0123456789")
	a := New(fc, "c")

	tests := []struct {
		name           string
		offset, length int64
		want           string
	}{
		{"whole", 0, -1, "0123456789"},
		{"range", 1, 4, "1234"},
		{"tail", 8, -1, "89"},
		{"zero length", 3, 0, ""},
		{"at end", 10, 5, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := read(t, a, "digits", tt.offset, tt.length); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
	if _, err := a.Open(context.Background(), "digits", 20, -1); !errors.Is(err, cloudview.ErrInvalidOffset) {
		t.Errorf("expected ErrInvalidOffset, got %v", err)
	}
}

func TestUploadAndModTime(t *testing.T) {
	fc := newFakeContainer()
	a := New(fc, "c")
	ctx := context.Background()
	mt := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)

	e, err := a.Upload(ctx, rootID, "img.png", strings.NewReader("png"), 3, cloudview.WithModTime(mt))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !e.ModTime.Equal(mt) || e.ContentType != "image/png" {
		t.Errorf("unexpected entry %+v", e)
	}
	if fc.blobs["img.png"].Metadata[mtimeKey] == "" {
		t.Error("mtime metadata not stored")
	}

	later := mt.Add(24 * time.Hour)
	e, err = a.SetModTime(ctx, "img.png", later)
	if err != nil {
		t.Fatalf("set mod time: %v", err)
	}
	if !e.ModTime.Equal(later) {
		t.Errorf("mod time %v, want %v", e.ModTime, later)
	}

	if _, err := a.Upload(ctx, rootID, "short", strings.NewReader("ab"), 5); err == nil {
		t.Error("expected size mismatch error")
	}
	if fc.has("short") {
		t.Error("short upload left a blob")
	}

	sum, err := a.Checksum(ctx, "img.png", cloudview.ChecksumMD5)
	if err != nil {
		t.Fatal(err)
	}
	if want := md5.Sum([]byte("png")); sum != hex.EncodeToString(want[:]) {
		t.Errorf("md5 %s", sum)
	}
}

func TestMoveRenameDelete(t *testing.T) {
	fc := newFakeContainer()
	fc.put("src/", "")
	fc.put("src/a.txt", "a")
	fc.put("src/deep/b.txt", "b")
	fc.put("dst/", "")
	a := New(fc, "c")
	ctx := context.Background()

	if _, err := a.Move(ctx, "src/", "dst/"); err != nil {
		t.Fatalf("move: %v", err)
	}
	for _, n := range []string{"dst/src/", "dst/src/a.txt", "dst/src/deep/b.txt"} {
		if !fc.has(n) {
			t.Errorf("missing %s after move", n)
		}
	}
	if fc.has("src/") || fc.has("src/a.txt") {
		t.Error("source left after move")
	}

	e, err := a.Rename(ctx, "dst/src/a.txt", "z.txt")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if e.ID != "dst/src/z.txt" {
		t.Errorf("unexpected id %q", e.ID)
	}
	if _, err := a.Move(ctx, "dst/", "dst/src/"); !errors.Is(err, cloudview.ErrNotAllowed) {
		t.Errorf("expected ErrNotAllowed, got %v", err)
	}

	if err := a.Delete(ctx, "dst/"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(fc.blobs) != 0 {
		t.Errorf("blobs left after delete: %d", len(fc.blobs))
	}
	if err := a.Delete(ctx, "dst/"); !errors.Is(err, cloudview.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestChunkedUpload(t *testing.T) {
	fc := newFakeContainer()
	a := New(fc, "c")
	ctx := context.Background()

	id, err := a.InitiateUpload(ctx, rootID, "big.bin")
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []struct {
		n    int
		data string
	}{{2, "world"}, {1, "hello "}} {
		if err := a.UploadPart(ctx, id, p.n, []byte(p.data)); err != nil {
			t.Fatalf("part %d: %v", p.n, err)
		}
	}
	e, err := a.CompleteUpload(ctx, id)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if e.Size != 11 {
		t.Errorf("unexpected size %d", e.Size)
	}
	if got := read(t, a, "big.bin", 0, -1); got != "hello world" {
		t.Errorf("got %q", got)
	}

	id2, _ := a.InitiateUpload(ctx, rootID, "big.bin")
	if err := a.AbortUpload(ctx, id2); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if !fc.has("big.bin") {
		t.Error("abort removed the existing blob")
	}
	if err := a.AbortUpload(ctx, id2); !errors.Is(err, cloudview.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestReady(t *testing.T) {
	fc := newFakeContainer()
	a := New(fc, "c")
	if err := a.Ready(context.Background()); err != nil {
		t.Fatal(err)
	}
	fc.gone = true
	if err := a.Ready(context.Background()); !errors.Is(err, cloudview.ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestScan(t *testing.T) {
	fc := newFakeContainer()
	fc.put("a/b.txt", "b")
	a := New(fc, "c")
	ctx := context.Background()

	before, err := a.scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	fc.put("a/c.txt", "c")
	after, err := a.scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got := cloudview.ChangedFolders(before, after)
	if len(got) != 1 || got[0] != "a/" {
		t.Errorf("changed folders %v", got)
	}
}
