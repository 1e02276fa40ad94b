package cloudview_test

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/gobeaver/cloudview"
	_ "github.com/gobeaver/cloudview/driver/azure"
	_ "github.com/gobeaver/cloudview/driver/crypt"
	_ "github.com/gobeaver/cloudview/driver/gcs"
	_ "github.com/gobeaver/cloudview/driver/local"
	_ "github.com/gobeaver/cloudview/driver/s3"
	_ "github.com/gobeaver/cloudview/driver/sftp"
	_ "github.com/gobeaver/cloudview/driver/zip"
)

func TestDrivers(t *testing.T) {
	got := cloudview.Drivers()
	for _, want := range []string{"azure", "crypt", "gcs", "local", "memory", "s3", "sftp", "zip"} {
		if !slices.Contains(got, want) {
			t.Errorf("driver %q not registered (have %v)", want, got)
		}
	}
	if !slices.IsSorted(got) {
		t.Errorf("Drivers() not sorted: %v", got)
	}
}

func TestMount(t *testing.T) {
	dir := t.TempDir()
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))

	tests := []struct {
		name    string
		sc      cloudview.ServerConfig
		wantErr string
	}{
		{"memory", cloudview.ServerConfig{Name: "mem", Driver: "memory"}, ""},
		{"local", cloudview.ServerConfig{Name: "disk", Driver: "local", Options: map[string]string{"root": dir}}, ""},
		{"local without root", cloudview.ServerConfig{Name: "disk2", Driver: "local"}, "root"},
		{"zip", cloudview.ServerConfig{Name: "arc", Driver: "zip", Options: map[string]string{"path": filepath.Join(dir, "a.zip")}}, ""},
		{"zip read only missing", cloudview.ServerConfig{Name: "arc2", Driver: "zip", Options: map[string]string{"path": filepath.Join(dir, "none.zip"), "read_only": "true"}}, "zip"},
		{"crypt", cloudview.ServerConfig{Name: "vault", Driver: "crypt", DependsOn: "mem", Options: map[string]string{"key": key}}, ""},
		{"crypt without base", cloudview.ServerConfig{Name: "vault2", Driver: "crypt", Options: map[string]string{"key": key}}, "depends_on"},
		{"crypt bad key", cloudview.ServerConfig{Name: "vault3", Driver: "crypt", DependsOn: "mem", Options: map[string]string{"key": "short"}}, "key"},
		{"sftp without host", cloudview.ServerConfig{Name: "remote", Driver: "sftp"}, "host"},
		{"s3 without bucket", cloudview.ServerConfig{Name: "bucket", Driver: "s3"}, "bucket"},
		{"unknown driver", cloudview.ServerConfig{Name: "x", Driver: "ftp"}, "ftp"},
	}

	ns := newNamespace(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ns.Mount(tt.sc)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want error mentioning %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Mount: %v", err)
			}
			if s.Kind() != tt.sc.Driver {
				t.Errorf("Kind() = %q, want %q", s.Kind(), tt.sc.Driver)
			}
		})
	}
}

func TestMountAllCryptOverMemory(t *testing.T) {
	ctx := context.Background()
	ns := newNamespace(t)
	key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))

	// Listed out of order on purpose.
	err := ns.MountAll([]cloudview.ServerConfig{
		{Name: "vault", Driver: "crypt", DependsOn: "mem", Options: map[string]string{"key": key}},
		{Name: "mem", Driver: "memory"},
	})
	if err != nil {
		t.Fatalf("MountAll: %v", err)
	}

	vault, err := ns.Server("vault")
	if err != nil {
		t.Fatal(err)
	}
	root, err := vault.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	it := upload(t, root, "secret.txt", "attack at dawn")
	if got := readItem(t, it, 0, -1); got != "attack at dawn" {
		t.Errorf("read back %q", got)
	}

	base := resolve(t, ns, "mem://")
	if err := base.Server().LoadItems(ctx, base.ID(), 0, true); err != nil {
		t.Fatal(err)
	}
	names := childNames(base)
	if len(names) != 1 || strings.Contains(names[0], "secret") {
		t.Errorf("base listing = %v, want one encrypted name", names)
	}

	if err := ns.RemoveServer("mem"); !errors.Is(err, cloudview.ErrNotAllowed) {
		t.Errorf("RemoveServer(mem) = %v, want ErrNotAllowed", err)
	}
}
