package cloudview_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gobeaver/cloudview"
)

const twoServers = `
servers:
  - name: cache
    driver: memory
  - name: archive
    driver: memory
    depends_on: cache
    read_only: true
    icon: box
`

func writeServers(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     cloudview.Config
		want    []string
		wantErr string
	}{
		{
			name: "servers file",
			cfg:  cloudview.Config{ServersFile: writeServers(t, twoServers), DefaultConflict: "skip"},
			want: []string{"archive", "cache"},
		},
		{
			name: "missing servers file",
			cfg:  cloudview.Config{ServersFile: filepath.Join(t.TempDir(), "none.yaml"), DefaultConflict: "overwrite"},
		},
		{
			name:    "bad conflict policy",
			cfg:     cloudview.Config{ServersFile: writeServers(t, twoServers), DefaultConflict: "merge"},
			wantErr: "invalid config",
		},
		{
			name:    "negative workers",
			cfg:     cloudview.Config{DefaultConflict: "overwrite", Workers: -1},
			wantErr: "workers",
		},
		{
			name:    "unknown driver",
			cfg:     cloudview.Config{ServersFile: writeServers(t, "servers:\n  - {name: a, driver: tape}\n"), DefaultConflict: "overwrite"},
			wantErr: "tape",
		},
		{
			name:    "dependency cycle",
			cfg:     cloudview.Config{ServersFile: writeServers(t, "servers:\n  - {name: a, driver: memory, depends_on: b}\n  - {name: b, driver: memory, depends_on: a}\n"), DefaultConflict: "overwrite"},
			wantErr: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ns, err := cloudview.New(&tt.cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want error mentioning %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer ns.Close()

			var names []string
			for _, info := range ns.Servers() {
				names = append(names, info.Name)
			}
			if strings.Join(names, ",") != strings.Join(tt.want, ",") {
				t.Errorf("servers = %v, want %v", names, tt.want)
			}
		})
	}
}

func TestNewAppliesServerOptions(t *testing.T) {
	ns, err := cloudview.New(&cloudview.Config{ServersFile: writeServers(t, twoServers), DefaultConflict: "overwrite"})
	if err != nil {
		t.Fatal(err)
	}
	defer ns.Close()

	s, err := ns.Server("archive")
	if err != nil {
		t.Fatal(err)
	}
	if s.DependsOn() != "cache" || s.Icon() != "box" || s.Kind() != "memory" {
		t.Errorf("archive = {dependsOn:%q icon:%q kind:%q}", s.DependsOn(), s.Icon(), s.Kind())
	}
	root := resolve(t, ns, "archive://")
	if _, err := s.MakeFolder(root, "x"); err == nil {
		t.Error("read-only server accepted MakeFolder")
	}
}

func TestDefaultInstance(t *testing.T) {
	cloudview.Reset()
	t.Cleanup(cloudview.Reset)
	t.Setenv("BEAVER_CLOUDVIEW_SERVERS_FILE", writeServers(t, twoServers))

	ns, err := cloudview.Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	again, err := cloudview.Default()
	if err != nil || again != ns {
		t.Fatalf("Default returned a different instance (%v)", err)
	}
	if len(ns.Servers()) != 2 {
		t.Errorf("servers = %d, want 2", len(ns.Servers()))
	}
}

func TestBuilderPrefix(t *testing.T) {
	t.Setenv("APP_CLOUDVIEW_SERVERS_FILE", writeServers(t, "servers:\n  - {name: only, driver: memory}\n"))

	ns, err := cloudview.WithPrefix("APP_").New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ns.Close()
	if _, err := ns.Server("only"); err != nil {
		t.Errorf("server from prefixed env missing: %v", err)
	}
}
