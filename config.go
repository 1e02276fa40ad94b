package cloudview

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gobeaver/beaver-kit/config"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Servers file (YAML) listing the servers to register
	ServersFile string `env:"CLOUDVIEW_SERVERS_FILE,default:./servers.yaml"`

	// Logging
	LogLevel  string `env:"CLOUDVIEW_LOG_LEVEL,default:info"`
	LogFormat string `env:"CLOUDVIEW_LOG_FORMAT,default:console"`
	LogOutput string `env:"CLOUDVIEW_LOG_OUTPUT,default:stderr"`

	// Prefetch parallelism; 0 means 3/4 of the CPUs
	Workers int `env:"CLOUDVIEW_WORKERS,default:0"`

	// Per-class job concurrency; 0 keeps the scheduler default
	LoadLimit     int `env:"CLOUDVIEW_LOAD_LIMIT,default:0"`
	UploadLimit   int `env:"CLOUDVIEW_UPLOAD_LIMIT,default:0"`
	DownloadLimit int `env:"CLOUDVIEW_DOWNLOAD_LIMIT,default:0"`

	// Default upload options
	DefaultConflict  string `env:"CLOUDVIEW_DEFAULT_CONFLICT,default:overwrite"`
	DefaultChunkSize int64  `env:"CLOUDVIEW_DEFAULT_CHUNK_SIZE,default:0"`

	// Tree snapshots
	SnapshotDir         string `env:"CLOUDVIEW_SNAPSHOT_DIR"`
	SnapshotCompression string `env:"CLOUDVIEW_SNAPSHOT_COMPRESSION,default:zstd"`

	// Prometheus endpoint for the CLI, e.g. ":9090"
	MetricsAddr string `env:"CLOUDVIEW_METRICS_ADDR"`
}

// GetConfig returns config loaded from environment
func GetConfig() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ServerConfig describes one server in the servers file.
//
//	servers:
//	  - name: disk
//	    driver: local
//	    options:
//	      root: /srv/data
//	  - name: vault
//	    driver: crypt
//	    depends_on: disk
//	    options:
//	      key: base64-master-key
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Driver    string            `yaml:"driver"`
	DependsOn string            `yaml:"depends_on,omitempty"`
	ReadOnly  bool              `yaml:"read_only,omitempty"`
	Icon      string            `yaml:"icon,omitempty"`
	Options   map[string]string `yaml:"options,omitempty"`
}

// Option returns the named driver option, or def when unset.
func (sc ServerConfig) Option(key, def string) string {
	if v, ok := sc.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// RequireOption returns the named driver option or an error naming it.
func (sc ServerConfig) RequireOption(key string) (string, error) {
	v := sc.Option(key, "")
	if v == "" {
		return "", fmt.Errorf("server %s: option %q is required for driver %s", sc.Name, key, sc.Driver)
	}
	return v, nil
}

type serversFile struct {
	Servers []ServerConfig `yaml:"servers"`
}

// LoadServers reads a servers file. A missing file yields no servers.
func LoadServers(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseServers(data)
}

// ParseServers decodes the YAML servers document and validates it.
func ParseServers(data []byte) ([]ServerConfig, error) {
	var f serversFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("servers file: %w", err)
	}
	seen := make(map[string]bool, len(f.Servers))
	for i, sc := range f.Servers {
		if err := validServerName(sc.Name); err != nil {
			return nil, fmt.Errorf("servers[%d]: %w", i, err)
		}
		if strings.TrimSpace(sc.Driver) == "" {
			return nil, fmt.Errorf("servers[%d] %s: driver is required", i, sc.Name)
		}
		if seen[sc.Name] {
			return nil, fmt.Errorf("servers[%d]: %w: %s", i, ErrServerExists, sc.Name)
		}
		seen[sc.Name] = true
	}
	return f.Servers, nil
}

// MarshalServers encodes servers as a servers file.
func MarshalServers(servers []ServerConfig) ([]byte, error) {
	return yaml.Marshal(serversFile{Servers: servers})
}

// dependencyOrder sorts servers so every server follows the one it depends on.
func dependencyOrder(servers []ServerConfig) ([]ServerConfig, error) {
	placed := make(map[string]bool, len(servers))
	out := make([]ServerConfig, 0, len(servers))
	rest := servers
	for len(rest) > 0 {
		var next []ServerConfig
		for _, sc := range rest {
			if sc.DependsOn == "" || placed[sc.DependsOn] {
				out = append(out, sc)
				placed[sc.Name] = true
			} else {
				next = append(next, sc)
			}
		}
		if len(next) == len(rest) {
			names := make([]string, len(next))
			for i, sc := range next {
				names[i] = sc.Name + "->" + sc.DependsOn
			}
			return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(names, ", "))
		}
		rest = next
	}
	return out, nil
}
