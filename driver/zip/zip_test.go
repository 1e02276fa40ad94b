package zip

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gobeaver/cloudview"
)

// createTestZip writes an archive with the given files. Entries ending in
// "/" become directories; "stored:" names are written uncompressed.
func createTestZip(t *testing.T, zipPath string, files map[string]string) {
	t.Helper()
	f, err := os.Create(zipPath)
	if err != nil {
		t.Fatalf("failed to create zip: %v", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for name, content := range files {
		method := zip.Deflate
		if rest, ok := strings.CutPrefix(name, "stored:"); ok {
			name = rest
			method = zip.Store
		}
		fw, err := w.CreateHeader(&zip.FileHeader{Name: name, Method: method})
		if err != nil {
			t.Fatalf("failed to create entry: %v", err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write entry: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close zip writer: %v", err)
	}
}

func readAll(t *testing.T, a *Adapter, id string, offset, length int64) string {
	t.Helper()
	rc, err := a.Open(context.Background(), id, offset, length)
	if err != nil {
		t.Fatalf("Open(%s, %d, %d): %v", id, offset, length, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %s: %v", id, err)
	}
	return string(data)
}

func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()
	zipPath := filepath.Join(tmpDir, "test.zip")
	createTestZip(t, zipPath, map[string]string{
		"file1.txt":     "content1",
		"dir/file2.txt": "content2",
		"../escape.txt": "nope",
	})

	t.Run("opens existing zip file", func(t *testing.T) {
		a, err := Open(zipPath)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer a.Close()

		root, err := a.Root(context.Background())
		if err != nil {
			t.Fatalf("Root: %v", err)
		}
		if root.ID != "/" || !root.IsDir() {
			t.Errorf("root = %+v", root)
		}

		entries, err := a.List(context.Background(), "/")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		var names []string
		for _, e := range entries {
			names = append(names, e.Name)
		}
		if strings.Join(names, ",") != "dir,file1.txt" {
			t.Errorf("names = %v", names)
		}
	})

	t.Run("fails for non-existent file", func(t *testing.T) {
		_, err := Open(filepath.Join(tmpDir, "nonexistent.zip"))
		if err == nil {
			t.Error("expected error for non-existent file")
		}
	})

	t.Run("fails for invalid archive", func(t *testing.T) {
		bad := filepath.Join(tmpDir, "bad.zip")
		if err := os.WriteFile(bad, []byte("not a zip"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Open(bad); err == nil {
			t.Error("expected error for invalid archive")
		}
	})
}

func TestStat(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "test.zip")
	createTestZip(t, zipPath, map[string]string{
		"a/b/c.txt": "hello",
	})
	a, err := Open(zipPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()
	ctx := context.Background()

	e, err := a.Stat(ctx, "/a/b/c.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if e.Size != 5 || e.Type != cloudview.File || e.ContentType != cloudview.MIMETypeTextPlain {
		t.Errorf("entry = %+v", e)
	}
	// crc32 of "hello"
	if e.Hash != "3610a686" {
		t.Errorf("hash = %q", e.Hash)
	}

	dir, err := a.Stat(ctx, "/a/b")
	if err != nil {
		t.Fatalf("Stat implicit dir: %v", err)
	}
	if !dir.IsDir() || dir.Name != "b" {
		t.Errorf("dir = %+v", dir)
	}

	if _, err := a.Stat(ctx, "/missing"); !errors.Is(err, cloudview.ErrNotExist) {
		t.Errorf("missing: err = %v", err)
	}
	if _, err := a.List(ctx, "/a/b/c.txt"); !errors.Is(err, cloudview.ErrNotDir) {
		t.Errorf("List file: err = %v", err)
	}
}

func TestRead(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "test.zip")
	createTestZip(t, zipPath, map[string]string{
		"deflated.txt":      "0123456789",
		"stored:stored.txt": "abcdefghij",
		"dir/":              "",
	})
	a, err := Open(zipPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	tests := []struct {
		name           string
		id             string
		offset, length int64
		want           string
	}{
		{"deflated whole", "/deflated.txt", 0, -1, "0123456789"},
		{"deflated range", "/deflated.txt", 3, 4, "3456"},
		{"deflated tail", "/deflated.txt", 7, -1, "789"},
		{"stored whole", "/stored.txt", 0, -1, "abcdefghij"},
		{"stored range", "/stored.txt", 2, 3, "cde"},
		{"length past end", "/stored.txt", 8, 100, "ij"},
		{"offset at end", "/deflated.txt", 10, -1, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := readAll(t, a, tt.id, tt.offset, tt.length); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	ctx := context.Background()
	if _, err := a.Open(ctx, "/stored.txt", 11, -1); !errors.Is(err, cloudview.ErrInvalidOffset) {
		t.Errorf("offset past end: err = %v", err)
	}
	if _, err := a.Open(ctx, "/dir", 0, -1); !errors.Is(err, cloudview.ErrIsDir) {
		t.Errorf("open dir: err = %v", err)
	}
}

func TestReadOnlyMode(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "test.zip")
	createTestZip(t, zipPath, map[string]string{"a.txt": "a"})
	a, err := Open(zipPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()
	ctx := context.Background()

	if _, err := a.Upload(ctx, "/", "b.txt", strings.NewReader("b"), 1); !errors.Is(err, cloudview.ErrReadOnly) {
		t.Errorf("Upload: err = %v", err)
	}
	if err := a.Delete(ctx, "/a.txt"); !errors.Is(err, cloudview.ErrReadOnly) {
		t.Errorf("Delete: err = %v", err)
	}
	if _, err := a.CreateDir(ctx, "/", "d"); !errors.Is(err, cloudview.ErrReadOnly) {
		t.Errorf("CreateDir: err = %v", err)
	}
}

func TestWriteAndFlush(t *testing.T) {
	ctx := context.Background()
	zipPath := filepath.Join(t.TempDir(), "test.zip")

	a, err := OpenOrCreate(zipPath)
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	dir, err := a.CreateDir(ctx, "/", "docs")
	if err != nil {
		t.Fatalf("CreateDir: %v", err)
	}
	mt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if _, err := a.Upload(ctx, dir.ID, "readme.txt", strings.NewReader("hello world"), 11, cloudview.WithModTime(mt)); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if _, err := a.Upload(ctx, "/", "short.txt", strings.NewReader("abc"), 5); err == nil {
		t.Error("expected size mismatch error")
	}
	if _, err := a.CreateDir(ctx, "/", "docs"); !errors.Is(err, cloudview.ErrExist) {
		t.Errorf("duplicate dir: err = %v", err)
	}

	// pending content is readable before flush
	if got := readAll(t, a, "/docs/readme.txt", 6, -1); got != "world" {
		t.Errorf("pending read = %q", got)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Ready(ctx); !errors.Is(err, cloudview.ErrNotReady) {
		t.Errorf("Ready after close: err = %v", err)
	}

	b, err := Open(zipPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	if got := readAll(t, b, "/docs/readme.txt", 0, -1); got != "hello world" {
		t.Errorf("content = %q", got)
	}
	e, err := b.Stat(ctx, "/docs/readme.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !e.ModTime.Equal(mt) {
		t.Errorf("modtime = %v, want %v", e.ModTime, mt)
	}
	if _, err := os.Stat(zipPath + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestMoveRenameDelete(t *testing.T) {
	ctx := context.Background()
	zipPath := filepath.Join(t.TempDir(), "test.zip")
	createTestZip(t, zipPath, map[string]string{
		"src/a.txt":     "a",
		"src/sub/b.txt": "b",
		"dst/":          "",
	})
	a, err := OpenOrCreate(zipPath)
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}

	moved, err := a.Move(ctx, "/src", "/dst")
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if moved.ID != "/dst/src" {
		t.Errorf("moved id = %s", moved.ID)
	}
	if _, err := a.Stat(ctx, "/dst/src/sub/b.txt"); err != nil {
		t.Errorf("moved child: %v", err)
	}
	if _, err := a.Stat(ctx, "/src"); !errors.Is(err, cloudview.ErrNotExist) {
		t.Errorf("old path: err = %v", err)
	}
	if _, err := a.Move(ctx, "/dst", "/dst/src"); !errors.Is(err, cloudview.ErrNotAllowed) {
		t.Errorf("move into self: err = %v", err)
	}

	renamed, err := a.Rename(ctx, "/dst/src/a.txt", "c.txt")
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if renamed.ID != "/dst/src/c.txt" {
		t.Errorf("renamed id = %s", renamed.ID)
	}
	if _, err := a.Rename(ctx, "/dst/src/c.txt", "x/y"); !errors.Is(err, cloudview.ErrInvalidName) {
		t.Errorf("bad name: err = %v", err)
	}

	if err := a.Delete(ctx, "/dst/src/sub"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := a.Delete(ctx, "/"); !errors.Is(err, cloudview.ErrNotAllowed) {
		t.Errorf("delete root: err = %v", err)
	}
	if err := a.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	r, err := zip.OpenReader(zipPath)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()
	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	if got := strings.Join(names, ","); got != "dst/,dst/src/,dst/src/c.txt" {
		t.Errorf("archive names = %s", got)
	}
	a.Close()
}

func TestChecksum(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "test.zip")
	createTestZip(t, zipPath, map[string]string{"h.txt": "hello"})
	a, err := Open(zipPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()
	ctx := context.Background()

	crc, err := a.Checksum(ctx, "/h.txt", cloudview.ChecksumCRC32)
	if err != nil {
		t.Fatalf("crc32: %v", err)
	}
	want, _ := cloudview.CalculateChecksum(bytes.NewReader([]byte("hello")), cloudview.ChecksumCRC32)
	if crc != want {
		t.Errorf("crc32 = %s, want %s", crc, want)
	}
	md5sum, err := a.Checksum(ctx, "/h.txt", cloudview.ChecksumMD5)
	if err != nil {
		t.Fatalf("md5: %v", err)
	}
	if md5sum != "5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("md5 = %s", md5sum)
	}
}
