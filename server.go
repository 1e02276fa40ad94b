package cloudview

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/gobeaver/cloudview/job"
	"github.com/gobeaver/cloudview/metrics"
)

// ServerOption configures a server at registration.
type ServerOption func(*Server)

// DependsOn names the server that must be ready before this one.
func DependsOn(name string) ServerOption {
	return func(s *Server) { s.dependsOn = name }
}

// WithIcon sets the display icon hint reported by Namespace.Servers.
func WithIcon(icon string) ServerOption {
	return func(s *Server) { s.icon = icon }
}

// ReadOnly rejects every mutation with ErrReadOnly.
func ReadOnly() ServerOption {
	return func(s *Server) { s.backend = NewReadOnly(s.backend) }
}

// Server is one backend instance together with its materialized tree.
type Server struct {
	name      string
	kind      string
	icon      string
	dependsOn string
	backend   Backend
	ns        *Namespace
	log       *zap.Logger

	mu     sync.RWMutex
	items  map[string]*Item
	root   string
	flight *singleflight.Group
}

func newServer(ns *Namespace, name, kind string, b Backend, opts ...ServerOption) *Server {
	s := &Server{
		name:    name,
		kind:    kind,
		backend: b,
		ns:      ns,
		log:     ns.log.With(zap.String("server", name)),
		items:   make(map[string]*Item),
		flight:  &singleflight.Group{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the registered server name.
func (s *Server) Name() string { return s.name }

// Kind returns the driver kind, e.g. "local" or "crypt".
func (s *Server) Kind() string { return s.kind }

// Icon returns the display icon hint.
func (s *Server) Icon() string { return s.icon }

// DependsOn returns the name of the server this one depends on, or "".
func (s *Server) DependsOn() string { return s.dependsOn }

// Backend returns the storage driver.
func (s *Server) Backend() Backend { return s.backend }

// Namespace returns the namespace the server is registered in.
func (s *Server) Namespace() *Namespace { return s.ns }

func (s *Server) rootID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

func (s *Server) flightGroup() *singleflight.Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flight
}

// Item returns the cached item with id.
func (s *Server) Item(id string) (*Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	return it, ok
}

// Len returns the number of cached items.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Root returns the root item, fetching it from the backend on first use.
func (s *Server) Root(ctx context.Context) (*Item, error) {
	s.mu.RLock()
	it, ok := s.items[s.root]
	s.mu.RUnlock()
	if ok {
		return it, nil
	}
	return s.loadRoot(ctx)
}

func (s *Server) loadRoot(ctx context.Context) (*Item, error) {
	v, err, _ := s.flightGroup().Do("\x00root", func() (any, error) {
		e, err := s.backend.Root(ctx)
		if err != nil {
			return nil, NewPathError("root", s.name+"://", err)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.items[e.ID]; ok {
			cur.update(*e, "", []string{e.ID})
			s.root = e.ID
			return cur, nil
		}
		it := newItem(s, *e, "", []string{e.ID})
		s.items[e.ID] = it
		s.root = e.ID
		return it, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Item), nil
}

// IsReady reports whether the server and the server it depends on can serve.
func (s *Server) IsReady(ctx context.Context) bool {
	if s.dependsOn != "" {
		dep, err := s.ns.Server(s.dependsOn)
		if err != nil || !dep.IsReady(ctx) {
			return false
		}
	}
	if r, ok := s.backend.(CanReady); ok {
		if err := r.Ready(ctx); err != nil {
			s.log.Debug("backend not ready", zap.Error(err))
			return false
		}
	}
	_, err := s.Root(ctx)
	return err == nil
}

// LoadItems makes sure the children of id are materialized.
//
// Concurrent calls for the same id share one backend fetch; a call arriving
// after that fetch finished starts a new one. Without forceDeep, an already
// loaded child set is reused. depth > 0 prefetches folder children
// recursively with bounded parallelism.
func (s *Server) LoadItems(ctx context.Context, id string, depth int, forceDeep bool) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	it, ok := s.Item(id)
	if !ok {
		if id != "" && id != s.rootID() {
			return NewPathError("load", s.name+"://"+id, ErrNotExist)
		}
		var err error
		if it, err = s.Root(ctx); err != nil {
			return err
		}
	}

	if !forceDeep {
		if _, loaded := it.Children(); loaded {
			metrics.RecordLoad(s.name, "cached")
			return s.prefetch(ctx, it, depth, forceDeep)
		}
		if !it.IsDir() {
			return nil
		}
	}

	if err := s.fetch(ctx, it); err != nil {
		return err
	}
	return s.prefetch(ctx, it, depth, forceDeep)
}

// Reload re-fetches id from the backend: a folder is re-listed, a file is
// re-stat'ed. "" names the root.
func (s *Server) Reload(ctx context.Context, id string) (*Item, error) {
	if id == "" {
		root, err := s.Root(ctx)
		if err != nil {
			return nil, err
		}
		id = root.id
	}
	if err := s.LoadItems(ctx, id, 0, true); err != nil {
		return nil, err
	}
	it, ok := s.Item(id)
	if !ok {
		return nil, NewPathError("reload", s.name+"://"+id, ErrNotExist)
	}
	return it, nil
}

func (s *Server) fetch(ctx context.Context, it *Item) error {
	g := s.flightGroup()
	for {
		ch := g.DoChan(it.id, func() (any, error) {
			if it.IsDir() {
				return nil, s.fetchChildren(ctx, it)
			}
			return nil, s.refresh(ctx, it)
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-ch:
			if res.Shared {
				metrics.RecordLoad(s.name, "shared")
			}
			// The master gave up; retry as long as this caller is still live.
			if res.Err != nil && IsCanceled(res.Err) && ctx.Err() == nil {
				continue
			}
			return res.Err
		}
	}
}

func (s *Server) fetchChildren(ctx context.Context, parent *Item) error {
	began := time.Now()
	entries, err := s.backend.List(ctx, parent.id)
	metrics.RecordLoadDuration(s.name, time.Since(began))
	if err != nil {
		metrics.RecordLoad(s.name, "error")
		return NewPathError("list", parent.FullPath(), err)
	}

	s.applyListing(parent, entries)
	metrics.RecordLoad(s.name, "fetched")
	metrics.SetCachedItems(s.name, s.Len())
	s.log.Debug("children loaded",
		zap.String("path", parent.FullPath()),
		zap.Int("count", len(entries)),
		zap.Duration("took", time.Since(began)),
	)
	return nil
}

func (s *Server) refresh(ctx context.Context, it *Item) error {
	e, err := s.backend.Stat(ctx, it.id)
	if err != nil {
		return NewPathError("stat", it.FullPath(), err)
	}
	it.update(*e, it.Path(), nil)
	return nil
}

func (s *Server) applyListing(parent *Item, entries []Entry) {
	ppath := parent.Path()
	ids := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))

	moved := false
	s.mu.Lock()
	for _, e := range entries {
		if e.ID == parent.id || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		p := childPath(ppath, e.Name)
		if cur, ok := s.items[e.ID]; ok {
			was := cur.Path()
			cur.update(e, p, withParent(cur.Parents(), parent.id))
			if was != p {
				s.repathLocked(cur)
				moved = true
			}
		} else {
			s.items[e.ID] = newItem(s, e, p, []string{parent.id})
		}
		ids = append(ids, e.ID)
	}
	old, _ := parent.Children()
	for _, id := range old {
		if !seen[id] {
			s.dropLocked(id, parent.id)
		}
	}
	s.mu.Unlock()

	parent.setChildren(ids)
	if moved {
		s.ns.memo.dropServer(s.name)
	}
}

// repathLocked rewrites the paths of the cached descendants of it after it
// was renamed or moved under the same ID. s.mu must be held.
func (s *Server) repathLocked(it *Item) {
	ids, _ := it.Children()
	base := it.Path()
	for _, id := range ids {
		c, ok := s.items[id]
		if !ok || id == it.id {
			continue
		}
		p := childPath(base, c.Name())
		if c.Path() == p {
			continue
		}
		c.setPath(p)
		s.repathLocked(c)
	}
}

func withParent(parents []string, id string) []string {
	for _, p := range parents {
		if p == id {
			return parents
		}
	}
	return append(parents, id)
}

// dropLocked detaches id from parentID and forgets it once orphaned.
func (s *Server) dropLocked(id, parentID string) {
	it, ok := s.items[id]
	if !ok || id == s.root {
		return
	}
	it.mu.Lock()
	kept := it.parents[:0:0]
	for _, p := range it.parents {
		if p != parentID {
			kept = append(kept, p)
		}
	}
	it.parents = kept
	it.mu.Unlock()
	if len(kept) > 0 {
		return
	}

	delete(s.items, id)
	children, _ := it.Children()
	for _, c := range children {
		s.dropLocked(c, id)
	}
}

// insert records a freshly created or modified entry under parent.
func (s *Server) insert(parent *Item, e Entry) *Item {
	p := childPath(parent.Path(), e.Name)
	s.mu.Lock()
	it, ok := s.items[e.ID]
	if ok {
		was := it.Path()
		it.update(e, p, withParent(it.Parents(), parent.id))
		if was != p {
			s.repathLocked(it)
		}
	} else {
		it = newItem(s, e, p, []string{parent.id})
		s.items[e.ID] = it
	}
	s.mu.Unlock()
	parent.addChild(e.ID)
	return it
}

// forget removes id from parent and from the cache.
func (s *Server) forget(parent *Item, id string) {
	s.mu.Lock()
	s.dropLocked(id, parent.id)
	s.mu.Unlock()
	parent.removeChild(id)
}

func (s *Server) prefetch(ctx context.Context, it *Item, depth int, forceDeep bool) error {
	if depth <= 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.ns.Workers())
	for _, c := range it.ChildItems() {
		if !c.IsDir() {
			continue
		}
		g.Go(func() error {
			return s.LoadItems(gctx, c.id, depth-1, forceDeep)
		})
	}
	return g.Wait()
}

// LoadItemsJob runs LoadItems as a load job and yields the loaded children.
func (s *Server) LoadItemsJob(id string, depth int, forceDeep bool, deps ...job.Dep) (*job.Job[[]*Item], error) {
	return job.Go(s.ns.jobs, job.ClassLoadItem, deps, func(ctx context.Context, j *job.Job[[]*Item]) ([]*Item, error) {
		j.SetProgress(job.Indeterminate)
		if err := s.LoadItems(ctx, id, depth, forceDeep); err != nil {
			return nil, err
		}
		it, ok := s.Item(id)
		if !ok {
			if it, ok = s.Item(s.rootID()); !ok {
				return nil, NewPathError("load", s.name+"://"+id, ErrNotExist)
			}
		}
		j.SetProgress(1)
		return it.ChildItems(), nil
	}, job.Named(fmt.Sprintf("load %s://%s", s.name, id)), job.Hidden())
}

// ClearCache drops every cached item, re-fetches the root and loads one level.
func (s *Server) ClearCache(ctx context.Context) error {
	s.mu.Lock()
	s.items = make(map[string]*Item)
	s.root = ""
	s.flight = &singleflight.Group{}
	s.mu.Unlock()

	s.ns.forgetServer(s.name)
	metrics.SetCachedItems(s.name, 0)

	root, err := s.Root(ctx)
	if err != nil {
		return err
	}
	return s.LoadItems(ctx, root.id, 0, true)
}

// Records returns the root id and every cached item in serializable form.
func (s *Server) Records() (string, []ItemRecord) {
	s.mu.RLock()
	items := make([]*Item, 0, len(s.items))
	for _, it := range s.items {
		items = append(items, it)
	}
	root := s.root
	s.mu.RUnlock()

	recs := make([]ItemRecord, 0, len(items))
	for _, it := range items {
		recs = append(recs, it.record())
	}
	return root, recs
}

// Restore replaces the cache with recs. Every item is re-attached to s and
// in-flight load bookkeeping starts out empty.
func (s *Server) Restore(rootID string, recs []ItemRecord) error {
	items := make(map[string]*Item, len(recs))
	for _, r := range recs {
		if r.Entry.ID == "" && r.Path != "" {
			return fmt.Errorf("restore %s: record %q has no id", s.name, r.Path)
		}
		it := newItem(s, r.Entry, r.Path, r.Parents)
		if r.Loaded {
			it.setChildren(r.Children)
		}
		if !r.Age.IsZero() {
			it.age.Store(r.Age.UnixNano())
		}
		items[it.id] = it
	}
	if _, ok := items[rootID]; !ok {
		return fmt.Errorf("restore %s: root %q missing: %w", s.name, rootID, ErrNotExist)
	}

	s.mu.Lock()
	s.items = items
	s.root = rootID
	s.flight = &singleflight.Group{}
	s.mu.Unlock()

	s.ns.forgetServer(s.name)
	metrics.SetCachedItems(s.name, len(items))
	return nil
}
