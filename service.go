package cloudview

import (
	"fmt"
	"sync"

	"github.com/gobeaver/beaver-kit/config"

	"github.com/gobeaver/cloudview/job"
	"github.com/gobeaver/cloudview/logging"
)

// Global instance
var (
	defaultNS   *Namespace
	defaultOnce sync.Once
	defaultErr  error
)

// Builder provides a way to create namespaces with custom env prefixes
type Builder struct {
	prefix string
}

// WithPrefix creates a new Builder with the specified prefix
func WithPrefix(prefix string) *Builder {
	return &Builder{prefix: prefix}
}

// Init initializes the global namespace using the builder's prefix
func (b *Builder) Init() error {
	cfg := &Config{}
	if err := config.Load(cfg, config.LoadOptions{Prefix: b.prefix}); err != nil {
		return err
	}
	return Init(cfg)
}

// New creates a new namespace using the builder's prefix
func (b *Builder) New() (*Namespace, error) {
	cfg := &Config{}
	if err := config.Load(cfg, config.LoadOptions{Prefix: b.prefix}); err != nil {
		return nil, err
	}
	return New(cfg)
}

// Init initializes the global namespace
func Init(configs ...*Config) error {
	defaultOnce.Do(func() {
		var cfg *Config
		if len(configs) > 0 {
			cfg = configs[0]
		} else {
			cfg, defaultErr = GetConfig()
			if defaultErr != nil {
				return
			}
		}

		defaultNS, defaultErr = New(cfg)
	})

	return defaultErr
}

// New builds a namespace from cfg and mounts every server of its servers file.
func New(cfg *Config, opts ...NamespaceOption) (*Namespace, error) {
	nsOpts, err := namespaceOptions(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	ns := NewNamespace(append(nsOpts, opts...)...)

	servers, err := LoadServers(cfg.ServersFile)
	if err != nil {
		_ = ns.Close()
		return nil, fmt.Errorf("failed to load servers: %w", err)
	}
	if err := ns.MountAll(servers); err != nil {
		_ = ns.Close()
		return nil, err
	}
	return ns, nil
}

// MountAll mounts servers in dependency order.
func (ns *Namespace) MountAll(servers []ServerConfig) error {
	ordered, err := dependencyOrder(servers)
	if err != nil {
		return err
	}
	for _, sc := range ordered {
		if _, err := ns.Mount(sc); err != nil {
			return fmt.Errorf("failed to create driver: %w", err)
		}
	}
	return nil
}

func namespaceOptions(cfg *Config) ([]NamespaceOption, error) {
	policy, err := ParseConflictPolicy(cfg.DefaultConflict)
	if err != nil {
		return nil, err
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("workers must not be negative (got %d)", cfg.Workers)
	}

	var jobOpts []job.SchedulerOption
	if cfg.LoadLimit > 0 {
		jobOpts = append(jobOpts, job.WithClassLimit(job.ClassLoadItem, cfg.LoadLimit))
	}
	if cfg.UploadLimit > 0 {
		jobOpts = append(jobOpts, job.WithClassLimit(job.ClassUpload, cfg.UploadLimit))
	}
	if cfg.DownloadLimit > 0 {
		jobOpts = append(jobOpts, job.WithClassLimit(job.ClassDownload, cfg.DownloadLimit))
	}

	defaults := []Option{WithConflict(policy)}
	if cfg.DefaultChunkSize > 0 {
		defaults = append(defaults, WithChunkSize(cfg.DefaultChunkSize))
	}

	return []NamespaceOption{
		WithLogger(logging.Named("cloudview")),
		WithWorkers(cfg.Workers),
		WithSchedulerOptions(jobOpts...),
		WithDefaultOptions(defaults...),
	}, nil
}

// Default returns the global instance, initializing if needed with error handling
func Default() (*Namespace, error) {
	if defaultNS == nil {
		if err := Init(); err != nil {
			return nil, err
		}
	}
	return defaultNS, nil
}

// Reset clears the global instance (for testing)
func Reset() {
	if defaultNS != nil {
		_ = defaultNS.Close()
	}
	defaultNS = nil
	defaultOnce = sync.Once{}
	defaultErr = nil
}
