package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"testing"

	"github.com/pkg/sftp"

	"github.com/gobeaver/cloudview"
)

// newTestAdapter serves an in-memory SFTP filesystem over a pipe.
func newTestAdapter(t *testing.T) (*Adapter, *sftp.Client) {
	t.Helper()
	c1, c2 := net.Pipe()
	server := sftp.NewRequestServer(c1, sftp.InMemHandler())
	go server.Serve()

	client, err := sftp.NewClientPipe(c2, c2)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	a, err := NewFromClient(client, "/")
	if err != nil {
		t.Fatalf("NewFromClient: %v", err)
	}
	return a, client
}

func upload(t *testing.T, a *Adapter, parent, name, content string) *cloudview.Entry {
	t.Helper()
	e, err := a.Upload(context.Background(), parent, name, strings.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("upload %s: %v", name, err)
	}
	return e
}

func TestNewFromClient(t *testing.T) {
	a, client := newTestAdapter(t)
	if err := client.Mkdir("/data"); err != nil {
		t.Fatal(err)
	}

	root, err := a.Root(context.Background())
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if root.ID != "/" || root.Name != "" || !root.IsDir() {
		t.Errorf("unexpected root %+v", root)
	}

	sub, err := NewFromClient(client, "/data")
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	if _, err := sub.Stat(context.Background(), "/etc"); !errors.Is(err, cloudview.ErrNotAllowed) {
		t.Errorf("expected ErrNotAllowed outside base, got %v", err)
	}
	if _, err := sub.Stat(context.Background(), "/data/../etc"); !errors.Is(err, cloudview.ErrNotAllowed) {
		t.Errorf("expected ErrNotAllowed for traversal, got %v", err)
	}
	if _, err := NewFromClient(client, "/missing"); !errors.Is(err, cloudview.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestUploadListOpen(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	dir, err := a.CreateDir(ctx, "/", "docs")
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if dir.ID != "/docs" || !dir.IsDir() {
		t.Errorf("unexpected dir %+v", dir)
	}
	if _, err := a.CreateDir(ctx, "/", "docs"); !errors.Is(err, cloudview.ErrExist) {
		t.Errorf("expected ErrExist, got %v", err)
	}

	e := upload(t, a, "/docs", "readme.txt", "hello world")
	if e.ID != "/docs/readme.txt" || e.Size != 11 {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.ContentType != cloudview.MIMETypeTextPlain {
		t.Errorf("unexpected content type %q", e.ContentType)
	}

	// Overwrite replaces the content.
	upload(t, a, "/docs", "readme.txt", "bye")

	entries, err := a.List(ctx, "/docs")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "readme.txt" || entries[0].Size != 3 {
		t.Fatalf("unexpected listing %+v", entries)
	}
	if _, err := a.List(ctx, "/docs/readme.txt"); !errors.Is(err, cloudview.ErrNotDir) {
		t.Errorf("expected ErrNotDir, got %v", err)
	}

	upload(t, a, "/docs", "digits", "0123456789")
	tests := []struct {
		name           string
		offset, length int64
		want           string
	}{
		{"whole", 0, -1, "0123456789"},
		{"prefix", 0, 4, "0123"},
		{"middle", 3, 2, "34"},
		{"tail", 7, -1, "789"},
		{"past end", 8, 10, "89"},
		{"at end", 10, -1, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := a.Open(ctx, "/docs/digits", tt.offset, tt.length)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer r.Close()
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := a.Open(ctx, "/docs/digits", 11, -1); !errors.Is(err, cloudview.ErrInvalidOffset) {
		t.Errorf("expected ErrInvalidOffset, got %v", err)
	}
	if _, err := a.Open(ctx, "/docs", 0, -1); !errors.Is(err, cloudview.ErrIsDir) {
		t.Errorf("expected ErrIsDir, got %v", err)
	}
	if _, err := a.Open(ctx, "/docs/none", 0, -1); !errors.Is(err, cloudview.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestUploadSizeMismatch(t *testing.T) {
	a, client := newTestAdapter(t)
	_, err := a.Upload(context.Background(), "/", "short.txt", strings.NewReader("abc"), 10)
	if err == nil {
		t.Fatal("expected size mismatch error")
	}
	if _, err := client.Stat("/short.txt"); err == nil {
		t.Error("partial upload left a target file")
	}
	infos, _ := client.ReadDir("/")
	if len(infos) != 0 {
		t.Errorf("temporary file left behind: %d entries", len(infos))
	}
}

func TestMoveRenameDelete(t *testing.T) {
	a, client := newTestAdapter(t)
	ctx := context.Background()

	if _, err := a.CreateDir(ctx, "/", "src"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.CreateDir(ctx, "/", "dst"); err != nil {
		t.Fatal(err)
	}
	upload(t, a, "/src", "a.txt", "a")

	moved, err := a.Move(ctx, "/src/a.txt", "/dst")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.ID != "/dst/a.txt" {
		t.Errorf("unexpected id %q", moved.ID)
	}
	if _, err := client.Stat("/src/a.txt"); err == nil {
		t.Error("source still present after move")
	}

	renamed, err := a.Rename(ctx, "/dst/a.txt", "b.txt")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.ID != "/dst/b.txt" || renamed.Name != "b.txt" {
		t.Errorf("unexpected entry %+v", renamed)
	}

	upload(t, a, "/dst", "c.txt", "c")
	if _, err := a.Rename(ctx, "/dst/c.txt", "b.txt"); !errors.Is(err, cloudview.ErrExist) {
		t.Errorf("expected ErrExist, got %v", err)
	}
	if _, err := a.Move(ctx, "/dst", "/dst"); !errors.Is(err, cloudview.ErrNotAllowed) {
		t.Errorf("expected ErrNotAllowed moving into self, got %v", err)
	}
	if _, err := a.Rename(ctx, "/", "x"); !errors.Is(err, cloudview.ErrNotAllowed) {
		t.Errorf("expected ErrNotAllowed renaming root, got %v", err)
	}

	if err := a.Delete(ctx, "/"); !errors.Is(err, cloudview.ErrNotAllowed) {
		t.Errorf("expected ErrNotAllowed deleting root, got %v", err)
	}
	if err := a.Delete(ctx, "/dst"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := a.Stat(ctx, "/dst/b.txt"); !errors.Is(err, cloudview.ErrNotExist) {
		t.Errorf("expected ErrNotExist after delete, got %v", err)
	}
	if err := a.Delete(ctx, "/dst"); !errors.Is(err, cloudview.ErrNotExist) {
		t.Errorf("expected ErrNotExist deleting twice, got %v", err)
	}
}

func TestChecksum(t *testing.T) {
	a, _ := newTestAdapter(t)
	upload(t, a, "/", "hello.txt", "hello")

	sum, err := a.Checksum(context.Background(), "/hello.txt", cloudview.ChecksumSHA256)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if sum != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("unexpected checksum %s", sum)
	}
}

func TestReady(t *testing.T) {
	a, client := newTestAdapter(t)
	if err := a.Ready(context.Background()); err != nil {
		t.Fatalf("ready: %v", err)
	}
	client.Close()
	if err := a.Ready(context.Background()); !errors.Is(err, cloudview.ErrNotReady) {
		t.Errorf("expected ErrNotReady on a closed session, got %v", err)
	}
}

func TestScan(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()
	if _, err := a.CreateDir(ctx, "/", "x"); err != nil {
		t.Fatal(err)
	}
	upload(t, a, "/x", "one", "1")
	upload(t, a, "/", "two", "22")

	before, err := a.scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(before) != 3 {
		t.Fatalf("expected 3 objects, got %v", before)
	}
	if obj := before["/x/one"]; obj.Parent != "/x" || obj.Size != 1 {
		t.Errorf("unexpected object %+v", obj)
	}

	upload(t, a, "/x", "three", "333")
	after, err := a.scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	changed := cloudview.ChangedFolders(before, after)
	if len(changed) != 1 || changed[0] != "/x" {
		t.Errorf("expected [/x], got %v", changed)
	}
}

func TestMapSFTPError(t *testing.T) {
	if mapSFTPError(nil) != nil {
		t.Error("expected nil for nil")
	}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not exist", fmt.Errorf("stat: %w", os.ErrNotExist), cloudview.ErrNotExist},
		{"permission", fmt.Errorf("open: %w", os.ErrPermission), cloudview.ErrPermission},
		{"status", &sftp.StatusError{Code: uint32(sftp.ErrSSHFxNoSuchFile)}, cloudview.ErrNotExist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapSFTPError(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}

	boom := errors.New("boom")
	if got := mapSFTPError(boom); got != boom {
		t.Errorf("expected passthrough, got %v", got)
	}
}
