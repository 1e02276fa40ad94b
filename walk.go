package cloudview

import (
	"context"
	"strings"

	"github.com/gobwas/glob"
)

// ============================================================================
// Selector Interface
// ============================================================================

// Selector filters items during Find.
//
// Selectors compose with And, Or and Not:
//
//	sel := cloudview.And(
//	    cloudview.Glob("*.jpg"),
//	    cloudview.FuncSelector(func(it *cloudview.Item) bool {
//	        return it.Size() < 10*1024*1024
//	    }),
//	)
//	items, err := ns.Find(ctx, "disk://photos", sel, true)
type Selector interface {
	// Match returns true if the item should be included in results.
	Match(it *Item) bool

	// TraverseDescendants returns true if the folder's children should be
	// visited. Only called for folders.
	TraverseDescendants(it *Item) bool
}

// ============================================================================
// Find
// ============================================================================

// Find resolves url and returns the items below it accepted by selector.
// Folders and files are both matched. With recursive set, sub-folders are
// loaded and visited when the selector allows it.
func (ns *Namespace) Find(ctx context.Context, url string, selector Selector, recursive bool) ([]*Item, error) {
	if selector == nil {
		selector = All()
	}
	base, err := ns.Resolve(ctx, url, UseCache)
	if err != nil {
		return nil, err
	}
	var results []*Item
	if err := findRecursive(ctx, base, selector, recursive, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func findRecursive(ctx context.Context, dir *Item, selector Selector, recursive bool, results *[]*Item) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := dir.server.LoadItems(ctx, dir.id, 0, false); err != nil {
		return err
	}

	for _, it := range dir.ChildItems() {
		if selector.Match(it) {
			*results = append(*results, it)
		}
		if it.IsDir() && recursive && selector.TraverseDescendants(it) {
			if err := findRecursive(ctx, it, selector, recursive, results); err != nil {
				return err
			}
		}
	}
	return nil
}

// ============================================================================
// Built-in Selectors
// ============================================================================

// AllSelector matches all items and traverses all folders.
type AllSelector struct{}

func (s AllSelector) Match(*Item) bool               { return true }
func (s AllSelector) TraverseDescendants(*Item) bool { return true }

// All returns a selector that matches everything.
func All() Selector {
	return AllSelector{}
}

// FilesOnly matches files and traverses every folder.
func FilesOnly() Selector {
	return FuncSelector(func(it *Item) bool { return !it.IsDir() })
}

type globSelector struct {
	g   glob.Glob
	err error
}

// Glob matches item names against a shell pattern. Supports *, ?, [abc],
// [a-z] and {alt1,alt2}. An invalid pattern matches nothing.
//
// Examples:
//
//	Glob("*.txt")
//	Glob("image_????.jpg")
//	Glob("*.{jpg,png}")
func Glob(pattern string) Selector {
	g, err := glob.Compile(pattern)
	return &globSelector{g: g, err: err}
}

func (s *globSelector) Match(it *Item) bool {
	if s.err != nil {
		return false
	}
	return s.g.Match(it.Name())
}

func (s *globSelector) TraverseDescendants(*Item) bool { return true }

type depthSelector struct {
	maxDepth int
	basePath string
}

// Depth limits matching and traversal to maxDepth levels below basePath,
// an item path as returned by Item.Path. Depth 1 = immediate children only.
func Depth(maxDepth int, basePath string) Selector {
	return &depthSelector{
		maxDepth: maxDepth,
		basePath: strings.Trim(basePath, "/"),
	}
}

func (s *depthSelector) depth(it *Item) int {
	rel := strings.TrimPrefix(it.Path(), s.basePath)
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return 0
	}
	return strings.Count(rel, "/") + 1
}

func (s *depthSelector) Match(it *Item) bool {
	return s.depth(it) <= s.maxDepth
}

func (s *depthSelector) TraverseDescendants(it *Item) bool {
	return s.depth(it) < s.maxDepth
}

// ============================================================================
// Composable Selectors
// ============================================================================

type andSelector struct {
	selectors []Selector
}

// And matches only if all selectors match.
func And(selectors ...Selector) Selector {
	return &andSelector{selectors: selectors}
}

func (s *andSelector) Match(it *Item) bool {
	for _, sel := range s.selectors {
		if !sel.Match(it) {
			return false
		}
	}
	return true
}

func (s *andSelector) TraverseDescendants(it *Item) bool {
	for _, sel := range s.selectors {
		if !sel.TraverseDescendants(it) {
			return false
		}
	}
	return true
}

type orSelector struct {
	selectors []Selector
}

// Or matches if any selector matches.
func Or(selectors ...Selector) Selector {
	return &orSelector{selectors: selectors}
}

func (s *orSelector) Match(it *Item) bool {
	for _, sel := range s.selectors {
		if sel.Match(it) {
			return true
		}
	}
	return false
}

func (s *orSelector) TraverseDescendants(it *Item) bool {
	for _, sel := range s.selectors {
		if sel.TraverseDescendants(it) {
			return true
		}
	}
	return false
}

type notSelector struct {
	selector Selector
}

// Not inverts a selector's match result. Traversal is unaffected.
func Not(selector Selector) Selector {
	return &notSelector{selector: selector}
}

func (s *notSelector) Match(it *Item) bool {
	return !s.selector.Match(it)
}

func (s *notSelector) TraverseDescendants(*Item) bool {
	return true
}

type funcSelector struct {
	matchFn    func(*Item) bool
	traverseFn func(*Item) bool
}

// FuncSelector creates a selector from a match function. Every folder is
// traversed.
func FuncSelector(fn func(*Item) bool) Selector {
	return &funcSelector{
		matchFn:    fn,
		traverseFn: func(*Item) bool { return true },
	}
}

// FuncSelectorFull creates a selector with custom match and traverse functions.
func FuncSelectorFull(matchFn, traverseFn func(*Item) bool) Selector {
	return &funcSelector{
		matchFn:    matchFn,
		traverseFn: traverseFn,
	}
}

func (s *funcSelector) Match(it *Item) bool               { return s.matchFn(it) }
func (s *funcSelector) TraverseDescendants(it *Item) bool { return s.traverseFn(it) }
