package cloudview

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/gobeaver/cloudview/metrics"
)

// ReloadPolicy selects between cached and fresh data during resolution.
type ReloadPolicy int

const (
	// UseCache answers from the tree cache and fetches only what is missing
	// or marked for reload.
	UseCache ReloadPolicy = iota
	// ForceReload re-fetches every visited item and one level below the target.
	ForceReload
)

func (p ReloadPolicy) String() string {
	if p == ForceReload {
		return "reload"
	}
	return "cache"
}

var urlPattern = regexp.MustCompile(`^([^:]+)://(.*)$`)

// parseURL splits "server://path" into its parts.
func parseURL(url string) (server, path string, err error) {
	m := urlPattern.FindStringSubmatch(url)
	if m == nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURL, url)
	}
	return m[1], m[2], nil
}

// JoinURL builds "server://path".
func JoinURL(server, path string) string {
	return server + "://" + strings.TrimLeft(path, "/\\")
}

// ============================================================================
// Resolution
// ============================================================================

// Resolve maps url to an item, loading whatever the walk needs.
//
// Path segments are separated by "/" or "\" and compared against each
// child's escaped name. "." is ignored and ".." moves to the first parent,
// staying put at the root. Items marked with SetUpdate are reloaded once
// when the walk visits them.
func (ns *Namespace) Resolve(ctx context.Context, url string, policy ReloadPolicy) (*Item, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	name, rel, err := parseURL(url)
	if err != nil {
		return nil, err
	}
	s, err := ns.Server(name)
	if err != nil {
		return nil, err
	}

	if it, ok, err := ns.fromMemo(ctx, s, url, policy); ok || err != nil {
		if err != nil {
			ns.memo.delete(url)
		}
		return it, err
	}
	metrics.RecordResolve(false)

	root, err := ns.startRoot(ctx, s, policy)
	if err != nil {
		ns.memo.delete(url)
		return nil, err
	}
	it, err := ns.walk(ctx, s, root, rel, policy, nil)
	if err != nil {
		ns.memo.delete(url)
		return nil, err
	}
	ns.memo.set(url, memoRef{server: s.name, id: it.id})
	return it, nil
}

// fromMemo answers url from the memo. ok is false when the walk must run.
func (ns *Namespace) fromMemo(ctx context.Context, s *Server, url string, policy ReloadPolicy) (*Item, bool, error) {
	ref, hit := ns.memo.get(url)
	if !hit || ref.server != s.name {
		return nil, false, nil
	}
	it, ok := s.Item(ref.id)
	if !ok {
		return nil, false, nil
	}
	marked := ns.marks.consume(it.FullPath())
	if policy == UseCache && !marked {
		ns.memo.set(url, ref)
		metrics.RecordResolve(true)
		return it, true, nil
	}
	fresh, err := s.Reload(ctx, it.id)
	if err != nil {
		if IsNotExist(err) {
			return nil, false, nil
		}
		return nil, true, err
	}
	ns.memo.set(url, ref)
	metrics.RecordResolve(true)
	return fresh, true, nil
}

func (ns *Namespace) startRoot(ctx context.Context, s *Server, policy ReloadPolicy) (*Item, error) {
	if ns.marks.consume(s.name+"://") || policy == ForceReload {
		return s.Reload(ctx, "")
	}
	return s.Root(ctx)
}

// ResolveRelative walks rel starting at base. A leading "/" restarts at
// the root of base's server.
func (ns *Namespace) ResolveRelative(ctx context.Context, base *Item, rel string, policy ReloadPolicy) (*Item, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if base == nil {
		return nil, fmt.Errorf("%w: nil base item", ErrNotExist)
	}
	s := base.server
	cur := base
	if strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, "\\") {
		root, err := ns.startRoot(ctx, s, policy)
		if err != nil {
			return nil, err
		}
		cur = root
	}
	return ns.walk(ctx, s, cur, rel, policy, nil)
}

// ResolveChain resolves url and returns every item from the root to the
// target, both included.
func (ns *Namespace) ResolveChain(ctx context.Context, url string, policy ReloadPolicy) ([]*Item, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	name, rel, err := parseURL(url)
	if err != nil {
		return nil, err
	}
	s, err := ns.Server(name)
	if err != nil {
		return nil, err
	}
	root, err := ns.startRoot(ctx, s, policy)
	if err != nil {
		return nil, err
	}
	chain := []*Item{root}
	it, err := ns.walk(ctx, s, root, rel, policy, &chain)
	if err != nil {
		ns.memo.delete(url)
		return nil, err
	}
	ns.memo.set(url, memoRef{server: s.name, id: it.id})
	return chain, nil
}

// walk follows rel from cur. When chain is non-nil every step is recorded.
func (ns *Namespace) walk(ctx context.Context, s *Server, cur *Item, rel string, policy ReloadPolicy, chain *[]*Item) (*Item, error) {
	segs := splitSegments(rel)
	for i, seg := range segs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		switch seg {
		case ".":
			continue
		case "..":
			cur = s.parentOf(cur)
			if chain != nil && len(*chain) > 1 {
				*chain = (*chain)[:len(*chain)-1]
			}
			continue
		}

		next, err := ns.step(ctx, s, cur, seg, policy, i < len(segs)-1)
		if err != nil {
			return nil, err
		}
		cur = next
		if chain != nil {
			*chain = append(*chain, cur)
		}
	}

	if policy == ForceReload && cur.IsDir() {
		if err := ns.reloadChildren(ctx, s, cur); err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// step moves from cur to its child named seg.
func (ns *Namespace) step(ctx context.Context, s *Server, cur *Item, seg string, policy ReloadPolicy, more bool) (*Item, error) {
	if _, loaded := cur.Children(); !loaded {
		if err := s.LoadItems(ctx, cur.id, 0, false); err != nil {
			return nil, err
		}
	}

	child := findChild(cur, seg)
	if child == nil {
		fresh, err := s.Reload(ctx, cur.id)
		if err != nil {
			return nil, err
		}
		cur = fresh
		if child = findChild(cur, seg); child == nil {
			return nil, NewPathError("resolve", cur.FullPath()+pathSep(cur)+seg, ErrNotExist)
		}
	}

	if ns.marks.consume(child.FullPath()) || policy == ForceReload {
		return s.Reload(ctx, child.id)
	}
	if more && child.IsDir() {
		if _, loaded := child.Children(); !loaded {
			if err := s.LoadItems(ctx, child.id, 0, false); err != nil {
				return nil, err
			}
		}
	}
	return child, nil
}

func pathSep(it *Item) string {
	if it.Path() == "" {
		return ""
	}
	return "/"
}

func findChild(parent *Item, segment string) *Item {
	for _, c := range parent.ChildItems() {
		if c.PathName() == segment {
			return c
		}
	}
	return nil
}

// parentOf returns the first parent of it, or the root when it has none.
func (s *Server) parentOf(it *Item) *Item {
	if it.IsRoot() {
		return it
	}
	for _, p := range it.Parents() {
		if parent, ok := s.Item(p); ok {
			return parent
		}
	}
	if root, ok := s.Item(s.rootID()); ok {
		return root
	}
	return it
}

func (ns *Namespace) reloadChildren(ctx context.Context, s *Server, it *Item) error {
	children := it.ChildItems()
	if len(children) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ns.workers)
	for _, c := range children {
		g.Go(func() error {
			_, err := s.Reload(gctx, c.id)
			if IsNotExist(err) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
