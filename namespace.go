package cloudview

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/gobeaver/cloudview/job"
	"github.com/gobeaver/cloudview/logging"
)

// NamespaceOption configures a Namespace.
type NamespaceOption func(*Namespace)

// WithLogger sets the namespace logger. Servers derive theirs from it.
func WithLogger(l *zap.Logger) NamespaceOption {
	return func(ns *Namespace) {
		if l != nil {
			ns.log = l
		}
	}
}

// WithWorkers bounds recursive prefetch fan-out.
func WithWorkers(n int) NamespaceOption {
	return func(ns *Namespace) {
		if n > 0 {
			ns.workers = n
		}
	}
}

// WithScheduler runs jobs on an externally owned scheduler. The namespace
// does not close it.
func WithScheduler(s *job.Scheduler) NamespaceOption {
	return func(ns *Namespace) {
		ns.jobs = s
		ns.ownsJobs = false
	}
}

// WithSchedulerOptions configures the scheduler the namespace creates.
func WithSchedulerOptions(opts ...job.SchedulerOption) NamespaceOption {
	return func(ns *Namespace) {
		ns.jobOpts = append(ns.jobOpts, opts...)
	}
}

// WithDefaultOptions sets upload options applied before per-call options.
func WithDefaultOptions(opts ...Option) NamespaceOption {
	return func(ns *Namespace) {
		ns.defaults = append(ns.defaults, opts...)
	}
}

// Namespace presents several servers as one tree addressed by
// "server://path" URLs. It owns the resolution memo, the invalidation
// marks and the job scheduler every load and mutation runs on.
//
// Example:
//
//	ns := cloudview.NewNamespace()
//	ns.AddServer("disk", "local", localBackend)
//	ns.AddServer("vault", "crypt", cryptBackend, cloudview.DependsOn("disk"))
//	it, err := ns.Resolve(ctx, "vault://docs/a.txt", cloudview.UseCache)
type Namespace struct {
	log      *zap.Logger
	jobs     *job.Scheduler
	jobOpts  []job.SchedulerOption
	ownsJobs bool
	workers  int
	defaults []Option

	memo  *memo
	marks *marks

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	servers  map[string]*Server
	watchers map[string]context.CancelFunc
	closed   bool
}

// NewNamespace creates an empty namespace.
func NewNamespace(opts ...NamespaceOption) *Namespace {
	ns := &Namespace{
		log:      logging.Named("cloudview"),
		ownsJobs: true,
		workers:  job.DefaultWorkers(),
		memo:     newMemo(),
		marks:    newMarks(),
		servers:  make(map[string]*Server),
		watchers: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(ns)
	}
	if ns.jobs == nil {
		jopts := append([]job.SchedulerOption{job.WithLogger(ns.log.Named("jobs"))}, ns.jobOpts...)
		ns.jobs = job.NewScheduler(jopts...)
		ns.ownsJobs = true
	}
	ns.ctx, ns.cancel = context.WithCancel(context.Background())
	return ns
}

// Jobs returns the scheduler that runs loads and mutations.
func (ns *Namespace) Jobs() *job.Scheduler { return ns.jobs }

// Workers returns the prefetch parallelism bound.
func (ns *Namespace) Workers() int { return ns.workers }

// Logger returns the namespace logger.
func (ns *Namespace) Logger() *zap.Logger { return ns.log }

// ============================================================================
// Server Registry
// ============================================================================

// AddServer registers b under name. kind is the driver name reported by
// Servers. A server may depend on one already registered server; a
// registration that would close a dependency loop fails with
// ErrDependencyCycle.
func (ns *Namespace) AddServer(name, kind string, b Backend, opts ...ServerOption) (*Server, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil backend for %q", ErrNotSupported, name)
	}
	if err := validServerName(name); err != nil {
		return nil, err
	}

	s := newServer(ns, name, kind, b, opts...)

	ns.mu.Lock()
	if ns.closed {
		ns.mu.Unlock()
		return nil, job.ErrSchedulerClosed
	}
	if _, exists := ns.servers[name]; exists {
		ns.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrServerExists, name)
	}
	if s.dependsOn != "" {
		if _, ok := ns.servers[s.dependsOn]; !ok {
			ns.mu.Unlock()
			return nil, fmt.Errorf("%w: %s depends on %s", ErrServerNotFound, name, s.dependsOn)
		}
		if ns.reachesLocked(s.dependsOn, name) {
			ns.mu.Unlock()
			return nil, fmt.Errorf("%w: %s -> %s", ErrDependencyCycle, name, s.dependsOn)
		}
	}
	ns.servers[name] = s
	ns.mu.Unlock()

	if a, ok := b.(Attachable); ok {
		a.Attach(s)
	}
	if err := ns.watch(s); err != nil {
		s.log.Warn("watch not started", zap.Error(err))
	}

	ns.log.Info("server added",
		zap.String("server", name),
		zap.String("kind", kind),
		zap.String("depends_on", s.dependsOn),
	)
	return s, nil
}

// reachesLocked reports whether following dependsOn from start arrives at target.
func (ns *Namespace) reachesLocked(start, target string) bool {
	seen := make(map[string]bool)
	for cur := start; cur != ""; {
		if cur == target {
			return true
		}
		if seen[cur] {
			return true
		}
		seen[cur] = true
		s, ok := ns.servers[cur]
		if !ok {
			return false
		}
		cur = s.dependsOn
	}
	return false
}

func validServerName(name string) error {
	if name == "" || strings.ContainsAny(name, ":/\\") {
		return fmt.Errorf("%w: server name %q", ErrInvalidName, name)
	}
	return nil
}

// RemoveServer unregisters name, stops its watcher and closes its backend.
// Servers that still depend on it must be removed first.
func (ns *Namespace) RemoveServer(name string) error {
	ns.mu.Lock()
	s, ok := ns.servers[name]
	if !ok {
		ns.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	for _, other := range ns.servers {
		if other.dependsOn == name {
			ns.mu.Unlock()
			return fmt.Errorf("%w: %s is required by %s", ErrNotAllowed, name, other.name)
		}
	}
	delete(ns.servers, name)
	stop := ns.watchers[name]
	delete(ns.watchers, name)
	ns.mu.Unlock()

	if stop != nil {
		stop()
	}
	ns.forgetServer(name)
	ns.log.Info("server removed", zap.String("server", name))
	return closeBackend(s.backend)
}

func closeBackend(b Backend) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Server returns the server registered under name.
func (ns *Namespace) Server(name string) (*Server, error) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	s, ok := ns.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	return s, nil
}

// ServerInfo describes a registered server.
type ServerInfo struct {
	Name      string
	Kind      string
	Icon      string
	DependsOn string
	ReadOnly  bool
	Items     int
}

// Servers lists the registered servers sorted by name.
func (ns *Namespace) Servers() []ServerInfo {
	ns.mu.RLock()
	list := make([]*Server, 0, len(ns.servers))
	for _, s := range ns.servers {
		list = append(list, s)
	}
	ns.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].name < list[j].name })
	out := make([]ServerInfo, 0, len(list))
	for _, s := range list {
		out = append(out, ServerInfo{
			Name:      s.name,
			Kind:      s.kind,
			Icon:      s.icon,
			DependsOn: s.dependsOn,
			ReadOnly:  IsReadOnly(s.backend),
			Items:     s.Len(),
		})
	}
	return out
}

// IsReady reports whether the server named in url can serve requests.
func (ns *Namespace) IsReady(ctx context.Context, url string) bool {
	name, _, err := parseURL(url)
	if err != nil {
		return false
	}
	s, err := ns.Server(name)
	if err != nil {
		return false
	}
	return s.IsReady(ctx)
}

// watch subscribes to backend change notifications and turns them into
// invalidation marks on the affected folder.
func (ns *Namespace) watch(s *Server) error {
	w, ok := s.backend.(CanWatch)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithCancel(ns.ctx)
	err := w.Watch(ctx, func(folderID string) {
		it, ok := s.Item(folderID)
		if !ok {
			return
		}
		ns.SetUpdate(it)
		s.log.Debug("change notification", zap.String("path", it.FullPath()))
	})
	if err != nil {
		cancel()
		return err
	}
	ns.mu.Lock()
	ns.watchers[s.name] = cancel
	ns.mu.Unlock()
	return nil
}

// ============================================================================
// Invalidation Marks
// ============================================================================

// SetUpdate records that it changed on the backend. The next resolution
// that visits it reloads it once.
func (ns *Namespace) SetUpdate(it *Item) {
	if it == nil {
		return
	}
	ns.marks.add(it.FullPath())
}

// SetUpdatePath marks fullPath ("server://path") for reload.
func (ns *Namespace) SetUpdatePath(fullPath string) {
	ns.marks.add(fullPath)
}

// PendingUpdate reports whether fullPath has an unconsumed mark.
func (ns *Namespace) PendingUpdate(fullPath string) bool {
	return ns.marks.has(fullPath)
}

// ConsumeUpdate clears the mark on fullPath and reports whether there was one.
func (ns *Namespace) ConsumeUpdate(fullPath string) bool {
	return ns.marks.consume(fullPath)
}

// PendingUpdates lists every marked path, sorted.
func (ns *Namespace) PendingUpdates() []string {
	return ns.marks.list()
}

// forgetServer drops memo entries and marks that point into server.
func (ns *Namespace) forgetServer(server string) {
	ns.memo.dropServer(server)
	ns.marks.dropServer(server)
}

// MemoStats returns resolution memo counters.
func (ns *Namespace) MemoStats() MemoStatistics {
	return ns.memo.stats()
}

// Close stops watchers, cancels outstanding jobs and closes every backend.
func (ns *Namespace) Close() error {
	ns.mu.Lock()
	if ns.closed {
		ns.mu.Unlock()
		return nil
	}
	ns.closed = true
	servers := make([]*Server, 0, len(ns.servers))
	for _, s := range ns.servers {
		servers = append(servers, s)
	}
	ns.mu.Unlock()

	ns.cancel()
	if ns.ownsJobs {
		_ = ns.jobs.Close()
	}

	var firstErr error
	for _, s := range servers {
		if err := closeBackend(s.backend); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", s.name, err)
		}
	}
	return firstErr
}
