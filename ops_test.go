package cloudview_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gobeaver/cloudview"
	"github.com/gobeaver/cloudview/job"
)

func resolve(t *testing.T, ns *cloudview.Namespace, url string) *cloudview.Item {
	t.Helper()
	it, err := ns.Resolve(context.Background(), url, cloudview.UseCache)
	if err != nil {
		t.Fatalf("Resolve(%s): %v", url, err)
	}
	return it
}

func await[T any](t *testing.T, j *job.Job[T], err error) T {
	t.Helper()
	if err != nil {
		t.Fatalf("job not created: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := j.Await(ctx)
	if err != nil {
		t.Fatalf("job %s: %v", j.DisplayName(), err)
	}
	j.Release()
	return v
}

func readItem(t *testing.T, it *cloudview.Item, offset, length int64) string {
	t.Helper()
	j, err := it.Server().DownloadRaw(it, offset, length)
	if err != nil {
		t.Fatalf("DownloadRaw: %v", err)
	}
	defer j.Release()
	rc, err := j.Await(context.Background())
	if err != nil {
		t.Fatalf("download %s: %v", it.FullPath(), err)
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %s: %v", it.FullPath(), err)
	}
	return string(data)
}

func upload(t *testing.T, parent *cloudview.Item, name, content string, opts ...cloudview.Option) *cloudview.Item {
	t.Helper()
	j, err := parent.Server().Upload(parent, name, int64(len(content)), cloudview.FromReader(strings.NewReader(content)), nil, opts...)
	return await(t, j, err)
}

func childNames(it *cloudview.Item) []string {
	var names []string
	for _, c := range it.ChildItems() {
		names = append(names, c.Name())
	}
	sort.Strings(names)
	return names
}

func TestMakeFolderAndUpload(t *testing.T) {
	ns := newNamespace(t)
	s, _ := addMemory(t, ns, "mem")
	root := resolve(t, ns, "mem://")

	j, err := s.MakeFolder(root, "docs")
	docs := await(t, j, err)
	if docs.FullPath() != "mem://docs" || !docs.IsDir() {
		t.Fatalf("folder = %s", docs.FullPath())
	}
	if _, err := s.MakeFolder(root, "a/b"); !errors.Is(err, cloudview.ErrInvalidName) {
		t.Errorf("invalid name: err = %v", err)
	}

	var progressed int64
	f := upload(t, docs, "note.txt", "hello world", cloudview.WithProgress(func(done, total int64) { progressed = done }))
	if f.Size() != 11 || f.ContentType() != cloudview.MIMETypeTextPlain {
		t.Errorf("uploaded = size %d type %s", f.Size(), f.ContentType())
	}
	if progressed != 11 {
		t.Errorf("progress = %d", progressed)
	}
	if got := resolve(t, ns, "mem://docs/note.txt"); got.ID() != f.ID() {
		t.Errorf("resolved id = %s, want %s", got.ID(), f.ID())
	}
	if got := readItem(t, f, 6, -1); got != "world" {
		t.Errorf("range read = %q", got)
	}
	if got := readItem(t, f, 0, 5); got != "hello" {
		t.Errorf("prefix read = %q", got)
	}
	if _, err := s.DownloadRaw(f, 12, -1); !errors.Is(err, cloudview.ErrInvalidOffset) {
		t.Errorf("offset past end: err = %v", err)
	}
	if _, err := s.DownloadRaw(docs, 0, -1); !errors.Is(err, cloudview.ErrIsDir) {
		t.Errorf("download folder: err = %v", err)
	}
}

func TestUploadConflict(t *testing.T) {
	ns := newNamespace(t)
	_, mem := addMemory(t, ns, "mem")
	put(t, mem, "a.txt", "1234")
	root := resolve(t, ns, "mem://")

	tests := []struct {
		name    string
		file    string
		content string
		policy  cloudview.ConflictPolicy
		want    string
	}{
		{"skip keeps existing", "a.txt", "zzzzzzz", cloudview.ConflictSkip, "1234"},
		{"skip ignores case", "A.TXT", "zzzzzzz", cloudview.ConflictSkip, "1234"},
		{"skip same size", "a.txt", "abcd", cloudview.ConflictSkipSameSize, "1234"},
		{"same size policy with new size", "a.txt", "abcdef", cloudview.ConflictSkipSameSize, "abcdef"},
		{"overwrite ignores case", "A.txt", "xy", cloudview.ConflictOverwrite, "xy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := upload(t, root, tt.file, tt.content, cloudview.WithConflict(tt.policy))
			if it == nil {
				t.Fatal("upload yielded no item")
			}
			if got := readItem(t, it, 0, -1); got != tt.want {
				t.Errorf("content = %q, want %q", got, tt.want)
			}
		})
	}
	if names := childNames(root); len(names) != 1 || names[0] != "A.txt" {
		t.Errorf("children = %v, want [A.txt]", names)
	}
}

func TestChunkedUploadThroughServer(t *testing.T) {
	ns := newNamespace(t)
	addMemory(t, ns, "mem")
	root := resolve(t, ns, "mem://")

	content := strings.Repeat("0123456789", 10)
	it := upload(t, root, "big.bin", content, cloudview.WithChunkSize(16))
	if it.Size() != 100 {
		t.Errorf("size = %d", it.Size())
	}
	if got := readItem(t, it, 0, -1); got != content {
		t.Errorf("content mismatch")
	}
}

func TestRenameMoveDelete(t *testing.T) {
	ns := newNamespace(t)
	s, mem := addMemory(t, ns, "mem")
	put(t, mem, "src/a.txt", "a")
	if _, err := mem.Mkdir("dst"); err != nil {
		t.Fatal(err)
	}
	a := resolve(t, ns, "mem://src/a.txt")
	dst := resolve(t, ns, "mem://dst")

	j, err := s.Rename(a, "b.txt")
	b := await(t, j, err)
	if b.FullPath() != "mem://src/b.txt" {
		t.Errorf("renamed = %s", b.FullPath())
	}
	if _, err := ns.Resolve(context.Background(), "mem://src/a.txt", cloudview.UseCache); !errors.Is(err, cloudview.ErrNotExist) {
		t.Errorf("old name still resolves: %v", err)
	}

	j, err = s.Move(b, dst)
	moved := await(t, j, err)
	if moved.FullPath() != "mem://dst/b.txt" {
		t.Errorf("moved = %s", moved.FullPath())
	}
	if names := childNames(resolve(t, ns, "mem://src")); len(names) != 0 {
		t.Errorf("src children = %v", names)
	}

	mt := time.Date(2023, 3, 4, 5, 6, 7, 0, time.UTC)
	j, err = s.SetModTime(moved, mt)
	touched := await(t, j, err)
	if !touched.ModTime().Equal(mt) {
		t.Errorf("modtime = %v", touched.ModTime())
	}

	dj, err := s.Delete(moved)
	parent := await(t, dj, err)
	if parent.FullPath() != "mem://dst" {
		t.Errorf("delete yielded %v", parent)
	}
	if _, err := ns.Resolve(context.Background(), "mem://dst/b.txt", cloudview.UseCache); !errors.Is(err, cloudview.ErrNotExist) {
		t.Errorf("deleted item resolves: %v", err)
	}
	if _, err := s.Delete(resolve(t, ns, "mem://")); !errors.Is(err, cloudview.ErrNotAllowed) {
		t.Errorf("delete root: err = %v", err)
	}
}

func TestReadOnlyServer(t *testing.T) {
	ns := newNamespace(t)
	s, mem := addMemory(t, ns, "ro", cloudview.ReadOnly())
	put(t, mem, "a.txt", "a")
	root := resolve(t, ns, "ro://")

	j, err := s.MakeFolder(root, "x")
	if err != nil {
		t.Fatalf("MakeFolder: %v", err)
	}
	if _, err := j.Await(context.Background()); !errors.Is(err, cloudview.ErrReadOnly) {
		t.Errorf("MakeFolder on read-only: err = %v", err)
	}
	if got := readItem(t, resolve(t, ns, "ro://a.txt"), 0, -1); got != "a" {
		t.Errorf("read = %q", got)
	}
}

func TestCrossServerCopyAndMove(t *testing.T) {
	ns := newNamespace(t)
	_, srcMem := addMemory(t, ns, "src")
	addMemory(t, ns, "dst")
	put(t, srcMem, "tree/a.txt", "alpha")
	put(t, srcMem, "tree/sub/b.txt", "beta")
	put(t, srcMem, "single.txt", "single")
	dstRoot := resolve(t, ns, "dst://")

	tree := resolve(t, ns, "src://tree")
	j, err := ns.Copy(tree, dstRoot)
	copied := await(t, j, err)
	if copied.FullPath() != "dst://tree" {
		t.Errorf("copied = %s", copied.FullPath())
	}
	if got := readItem(t, resolve(t, ns, "dst://tree/sub/b.txt"), 0, -1); got != "beta" {
		t.Errorf("copied content = %q", got)
	}
	if _, err := ns.Resolve(context.Background(), "src://tree/a.txt", cloudview.UseCache); err != nil {
		t.Errorf("copy removed source: %v", err)
	}

	single := resolve(t, ns, "src://single.txt")
	j, err = ns.Move(single, dstRoot)
	moved := await(t, j, err)
	if moved.FullPath() != "dst://single.txt" {
		t.Errorf("moved = %s", moved.FullPath())
	}
	if got := readItem(t, moved, 0, -1); got != "single" {
		t.Errorf("moved content = %q", got)
	}
	if _, ok := srcMem.Lookup("single.txt"); ok {
		t.Error("source still exists after move")
	}

	srv, _ := ns.Server("src")
	if _, err := srv.Move(resolve(t, ns, "src://tree/a.txt"), dstRoot); !errors.Is(err, cloudview.ErrCrossServer) {
		t.Errorf("server Move across servers: err = %v", err)
	}
}

func TestLocalTransfers(t *testing.T) {
	ns := newNamespace(t)
	addMemory(t, ns, "mem")
	root := resolve(t, ns, "mem://")

	src := filepath.Join(t.TempDir(), "photos")
	if err := os.MkdirAll(filepath.Join(src, "2024"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "a.jpg"), []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "2024", "b.jpg"), []byte("jpeg2"), 0o644); err != nil {
		t.Fatal(err)
	}

	j, err := ns.UploadFolder(src, root, nil)
	folder := await(t, j, err)
	if folder.FullPath() != "mem://photos" {
		t.Errorf("folder = %s", folder.FullPath())
	}
	b := resolve(t, ns, "mem://photos/2024/b.jpg")
	if b.Size() != 5 {
		t.Errorf("b size = %d", b.Size())
	}

	out := t.TempDir()
	sj, err := ns.DownloadFile(b, filepath.Join(out, "b.jpg"))
	await(t, sj, err)
	data, err := os.ReadFile(filepath.Join(out, "b.jpg"))
	if err != nil || string(data) != "jpeg2" {
		t.Errorf("downloaded file = %q, %v", data, err)
	}

	fj, err := ns.DownloadFolder(folder, out)
	target := await(t, fj, err)
	if target != filepath.Join(out, "photos") {
		t.Errorf("target = %s", target)
	}
	if data, err := os.ReadFile(filepath.Join(out, "photos", "2024", "b.jpg")); err != nil || string(data) != "jpeg2" {
		t.Errorf("mirrored file = %q, %v", data, err)
	}
}

func TestFind(t *testing.T) {
	ctx := context.Background()
	ns := newNamespace(t)
	_, mem := addMemory(t, ns, "mem")
	put(t, mem, "a.jpg", "1")
	put(t, mem, "b.txt", "2")
	put(t, mem, "sub/c.jpg", "3")
	put(t, mem, "sub/deep/d.jpg", "4")

	tests := []struct {
		name      string
		selector  cloudview.Selector
		recursive bool
		want      string
	}{
		{"glob flat", cloudview.Glob("*.jpg"), false, "a.jpg"},
		{"glob recursive", cloudview.Glob("*.jpg"), true, "a.jpg,c.jpg,d.jpg"},
		{"files only", cloudview.FilesOnly(), true, "a.jpg,b.txt,c.jpg,d.jpg"},
		{"not jpg files", cloudview.And(cloudview.FilesOnly(), cloudview.Not(cloudview.Glob("*.jpg"))), true, "b.txt"},
		{"depth", cloudview.And(cloudview.FilesOnly(), cloudview.Depth(2, "")), true, "a.jpg,b.txt,c.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := ns.Find(ctx, "mem://", tt.selector, tt.recursive)
			if err != nil {
				t.Fatalf("Find: %v", err)
			}
			var names []string
			for _, it := range items {
				names = append(names, it.Name())
			}
			sort.Strings(names)
			if got := strings.Join(names, ","); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
