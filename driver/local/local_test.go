package local

import (
	"bytes"
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
)

func newAdapter(t *testing.T, watch bool) (*Adapter, string) {
	t.Helper()
	tmpDir := t.TempDir()
	a, err := New(Config{Root: tmpDir, StatWorkers: 2, Watch: watch})
	if err != nil {
		t.Fatalf("failed to create adapter: %v", err)
	}
	return a, a.RootPath()
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestRootAndStat(t *testing.T) {
	ctx := context.Background()
	a, root := newAdapter(t, false)

	e, err := a.Root(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.ID != root || !e.IsDir() {
		t.Errorf("unexpected root entry: %+v", e)
	}

	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	e, err = a.Stat(ctx, filepath.Join(root, "sub", "..", "a.txt"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.ID != filepath.Join(root, "a.txt") {
		t.Errorf("expected cleaned id, got %s", e.ID)
	}
	if e.Size != 5 || e.ContentType != "text/plain" {
		t.Errorf("unexpected entry: %+v", e)
	}

	if _, err := a.Stat(ctx, filepath.Join(root, "missing")); !cloudview.IsNotExist(err) {
		t.Errorf("expected not exist error, got %v", err)
	}
}

func TestRejectsPathsOutsideRoot(t *testing.T) {
	ctx := context.Background()
	a, root := newAdapter(t, false)

	tests := []string{
		filepath.Join(root, "..", "etc"),
		filepath.Dir(root),
		"relative/path",
	}
	for _, id := range tests {
		t.Run(id, func(t *testing.T) {
			_, err := a.Stat(ctx, id)
			if !errors.Is(err, cloudview.ErrNotAllowed) {
				t.Errorf("expected ErrNotAllowed, got %v", err)
			}
		})
	}

	if _, err := a.CreateDir(ctx, root, ".."); !errors.Is(err, cloudview.ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	a, root := newAdapter(t, false)

	for i := 0; i < 10; i++ {
		writeFile(t, filepath.Join(root, "file"+string(rune('a'+i))+".txt"), "x")
	}
	os.Mkdir(filepath.Join(root, "dir"), 0755)
	// Dangling symlinks are skipped.
	os.Symlink(filepath.Join(root, "nowhere"), filepath.Join(root, "broken"))

	entries, err := a.List(ctx, root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 11 {
		t.Fatalf("expected 11 entries, got %d", len(entries))
	}
	var dirs int
	for _, e := range entries {
		if e.IsDir() {
			dirs++
		}
		if filepath.Dir(e.ID) != root {
			t.Errorf("entry %s not under root", e.ID)
		}
	}
	if dirs != 1 {
		t.Errorf("expected 1 folder, got %d", dirs)
	}

	if _, err := a.List(ctx, filepath.Join(root, "filea.txt")); !errors.Is(err, cloudview.ErrNotDir) {
		t.Errorf("expected ErrNotDir, got %v", err)
	}
}

func TestOpenRange(t *testing.T) {
	ctx := context.Background()
	a, root := newAdapter(t, false)
	p := filepath.Join(root, "f.bin")
	writeFile(t, p, "0123456789")

	tests := []struct {
		name           string
		offset, length int64
		want           string
	}{
		{"whole", 0, -1, "0123456789"},
		{"tail", 6, -1, "6789"},
		{"window", 3, 4, "3456"},
		{"past end", 9, 5, "9"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rc, err := a.Open(ctx, p, tc.offset, tc.length)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer rc.Close()
			data, _ := io.ReadAll(rc)
			if string(data) != tc.want {
				t.Errorf("got %q, want %q", data, tc.want)
			}
		})
	}

	if _, err := a.Open(ctx, p, 11, -1); !errors.Is(err, cloudview.ErrInvalidOffset) {
		t.Errorf("expected ErrInvalidOffset, got %v", err)
	}
	if _, err := a.Open(ctx, root, 0, -1); !errors.Is(err, cloudview.ErrIsDir) {
		t.Errorf("expected ErrIsDir, got %v", err)
	}
}

func TestMutations(t *testing.T) {
	ctx := context.Background()
	a, root := newAdapter(t, false)

	dir, err := a.CreateDir(ctx, root, "docs")
	if err != nil {
		t.Fatalf("CreateDir: %v", err)
	}
	if _, err := a.CreateDir(ctx, root, "docs"); !cloudview.IsExist(err) {
		t.Errorf("expected exist error, got %v", err)
	}

	mod := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	f, err := a.Upload(ctx, dir.ID, "a.txt", strings.NewReader("hello"), 5, cloudview.WithModTime(mod))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !f.ModTime.Equal(mod) {
		t.Errorf("expected modtime %v, got %v", mod, f.ModTime)
	}
	if _, err := a.Upload(ctx, dir.ID, "short.txt", strings.NewReader("abc"), 10); err == nil {
		t.Error("expected error for short upload")
	}
	if _, err := os.Stat(filepath.Join(dir.ID, "short.txt")); !os.IsNotExist(err) {
		t.Error("short upload should leave nothing behind")
	}

	renamed, err := a.Rename(ctx, f.ID, "b.txt")
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if renamed.ID != filepath.Join(dir.ID, "b.txt") {
		t.Errorf("unexpected id after rename: %s", renamed.ID)
	}

	moved, err := a.Move(ctx, renamed.ID, root)
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if moved.ID != filepath.Join(root, "b.txt") {
		t.Errorf("unexpected id after move: %s", moved.ID)
	}
	if _, err := a.Move(ctx, dir.ID, dir.ID); !errors.Is(err, cloudview.ErrNotAllowed) {
		t.Errorf("expected ErrNotAllowed moving a folder into itself, got %v", err)
	}

	if err := a.Delete(ctx, dir.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := a.Delete(ctx, root); !errors.Is(err, cloudview.ErrNotAllowed) {
		t.Errorf("expected ErrNotAllowed deleting the root, got %v", err)
	}
	if err := a.Delete(ctx, dir.ID); !cloudview.IsNotExist(err) {
		t.Errorf("expected not exist error, got %v", err)
	}

	sum, err := a.Checksum(ctx, moved.ID, cloudview.ChecksumSHA256)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	if sum != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("unexpected sha256: %s", sum)
	}
}

func TestChunkedUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("assembles parts in order", func(t *testing.T) {
		a, root := newAdapter(t, false)
		uploadID, err := a.InitiateUpload(ctx, root, "big.bin")
		if err != nil {
			t.Fatalf("failed to initiate upload: %v", err)
		}

		parts := [][]byte{bytes.Repeat([]byte("a"), 100), bytes.Repeat([]byte("b"), 100), []byte("c")}
		for _, i := range []int{3, 1, 2} {
			if err := a.UploadPart(ctx, uploadID, i, parts[i-1]); err != nil {
				t.Fatalf("UploadPart %d: %v", i, err)
			}
		}

		e, err := a.CompleteUpload(ctx, uploadID)
		if err != nil {
			t.Fatalf("CompleteUpload: %v", err)
		}
		data, _ := os.ReadFile(e.ID)
		if !bytes.Equal(data, bytes.Join(parts, nil)) {
			t.Error("assembled content mismatch")
		}
	})

	t.Run("fails with invalid part number", func(t *testing.T) {
		a, root := newAdapter(t, false)
		uploadID, _ := a.InitiateUpload(ctx, root, "test.txt")
		defer a.AbortUpload(ctx, uploadID)

		if err := a.UploadPart(ctx, uploadID, 0, []byte("hello")); err == nil {
			t.Fatal("expected error for part number 0")
		}
	})

	t.Run("fails with invalid upload ID", func(t *testing.T) {
		a, _ := newAdapter(t, false)
		if err := a.UploadPart(ctx, "invalid-id", 1, []byte("hello")); err == nil {
			t.Fatal("expected error for invalid upload ID")
		}
	})

	t.Run("fails without parts", func(t *testing.T) {
		a, root := newAdapter(t, false)
		uploadID, _ := a.InitiateUpload(ctx, root, "empty.bin")
		if _, err := a.CompleteUpload(ctx, uploadID); err == nil {
			t.Fatal("expected error for upload without parts")
		}
	})

	t.Run("abort removes state", func(t *testing.T) {
		a, root := newAdapter(t, false)
		uploadID, _ := a.InitiateUpload(ctx, root, "x.bin")
		if err := a.AbortUpload(ctx, uploadID); err != nil {
			t.Fatalf("AbortUpload: %v", err)
		}
		if err := a.AbortUpload(ctx, uploadID); err == nil {
			t.Error("expected error aborting twice")
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		a, root := newAdapter(t, false)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := a.InitiateUpload(ctx, root, "test.txt")
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got: %v", err)
		}
	})
}

func TestWatch(t *testing.T) {
	a, root := newAdapter(t, true)
	sub := filepath.Join(root, "sub")
	os.Mkdir(sub, 0755)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan string, 64)
	if err := a.Watch(ctx, func(id string) { events <- id }); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeFile(t, filepath.Join(sub, "new.txt"), "x")

	deadline := time.After(5 * time.Second)
	var seen []string
	for {
		select {
		case id := <-events:
			seen = append(seen, id)
			if id == sub {
				return
			}
		case <-deadline:
			sort.Strings(seen)
			t.Fatalf("no notification for %s, got %v", sub, seen)
		}
	}
}

func TestWatchDisabled(t *testing.T) {
	a, root := newAdapter(t, false)
	called := make(chan string, 1)
	if err := a.Watch(context.Background(), func(id string) { called <- id }); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	writeFile(t, filepath.Join(root, "x.txt"), "x")
	select {
	case id := <-called:
		t.Errorf("unexpected notification %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}
