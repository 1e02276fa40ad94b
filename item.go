package cloudview

import (
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// EscapeName encodes a display name as one path segment.
func EscapeName(name string) string {
	return url.PathEscape(name)
}

// UnescapeName decodes a path segment back to a display name. Segments that
// are not valid escapes are returned unchanged.
func UnescapeName(segment string) string {
	name, err := url.PathUnescape(segment)
	if err != nil {
		return segment
	}
	return name
}

// Item is one node of a server's materialized tree.
//
// Children distinguishes "not loaded" from "loaded and empty": Children
// returns loaded=false until the first successful enumeration. The child
// set is replaced atomically, so readers see either the old or the new set.
type Item struct {
	server *Server
	id     string

	mu      sync.RWMutex
	entry   Entry
	path    string
	parents []string

	children atomic.Pointer[[]string]
	age      atomic.Int64
}

func newItem(s *Server, e Entry, path string, parents []string) *Item {
	it := &Item{
		server:  s,
		id:      e.ID,
		entry:   e,
		path:    path,
		parents: parents,
	}
	it.touch()
	return it
}

func (it *Item) touch() {
	it.age.Store(time.Now().UnixNano())
}

// ID returns the server-unique identifier.
func (it *Item) ID() string { return it.id }

// Server returns the owning server.
func (it *Item) Server() *Server { return it.server }

// Type returns File or Folder.
func (it *Item) Type() ItemType {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.entry.Type
}

// IsDir reports whether the item is a folder.
func (it *Item) IsDir() bool { return it.Type() == Folder }

// Name returns the decoded display name.
func (it *Item) Name() string {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.entry.Name
}

// PathName returns the name encoded as a path segment.
func (it *Item) PathName() string {
	return EscapeName(it.Name())
}

// Path returns the encoded path relative to the server root; "" for the root.
func (it *Item) Path() string {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.path
}

// FullPath returns "<server>://<path>".
func (it *Item) FullPath() string {
	return it.server.name + "://" + it.Path()
}

// Size returns the content length in bytes.
func (it *Item) Size() int64 {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.entry.Size
}

// ModTime returns the last modification time.
func (it *Item) ModTime() time.Time {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.entry.ModTime
}

// CreatedTime returns the creation time when the backend knows it.
func (it *Item) CreatedTime() time.Time {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.entry.CreatedTime
}

// AccessTime returns the last access time when the backend knows it.
func (it *Item) AccessTime() time.Time {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.entry.AccessTime
}

// Hash returns the backend-reported content hash, if any.
func (it *Item) Hash() string {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.entry.Hash
}

// ContentType returns the MIME type.
func (it *Item) ContentType() string {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.entry.ContentType
}

// Entry returns a copy of the item metadata.
func (it *Item) Entry() Entry {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.entry
}

// Parents returns the parent IDs. The root is its own parent.
func (it *Item) Parents() []string {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return append([]string(nil), it.parents...)
}

// IsRoot reports whether the item is its server's root.
func (it *Item) IsRoot() bool {
	return it.id == it.server.rootID()
}

// Children returns the child IDs and whether they have been loaded.
func (it *Item) Children() (ids []string, loaded bool) {
	p := it.children.Load()
	if p == nil {
		return nil, false
	}
	return append([]string(nil), (*p)...), true
}

// ChildItems returns the loaded children that are still in the cache.
func (it *Item) ChildItems() []*Item {
	ids, _ := it.Children()
	out := make([]*Item, 0, len(ids))
	for _, id := range ids {
		if c, ok := it.server.Item(id); ok {
			out = append(out, c)
		}
	}
	return out
}

// Age returns the time of the last mutation of this item.
func (it *Item) Age() time.Time {
	return time.Unix(0, it.age.Load())
}

func (it *Item) setChildren(ids []string) {
	cp := append(make([]string, 0, len(ids)), ids...)
	it.children.Store(&cp)
	it.touch()
}

func (it *Item) addChild(id string) {
	for {
		old := it.children.Load()
		if old == nil {
			return
		}
		for _, c := range *old {
			if c == id {
				return
			}
		}
		next := append(append(make([]string, 0, len(*old)+1), (*old)...), id)
		if it.children.CompareAndSwap(old, &next) {
			it.touch()
			return
		}
	}
}

func (it *Item) removeChild(id string) {
	for {
		old := it.children.Load()
		if old == nil {
			return
		}
		next := make([]string, 0, len(*old))
		for _, c := range *old {
			if c != id {
				next = append(next, c)
			}
		}
		if len(next) == len(*old) {
			return
		}
		if it.children.CompareAndSwap(old, &next) {
			it.touch()
			return
		}
	}
}

func (it *Item) unload() {
	it.children.Store(nil)
	it.touch()
}

func (it *Item) update(e Entry, path string, parents []string) {
	it.mu.Lock()
	it.entry = e
	it.entry.ID = it.id
	it.path = path
	if parents != nil {
		it.parents = parents
	}
	it.mu.Unlock()
	it.touch()
}

func (it *Item) setPath(path string) {
	it.mu.Lock()
	it.path = path
	it.mu.Unlock()
	it.touch()
}

func childPath(parent, name string) string {
	if parent == "" {
		return EscapeName(name)
	}
	return parent + "/" + EscapeName(name)
}

// ItemRecord is the serializable form of an item used by tree persistence.
type ItemRecord struct {
	Entry    Entry     `cbor:"1,keyasint"`
	Path     string    `cbor:"2,keyasint"`
	Parents  []string  `cbor:"3,keyasint"`
	Children []string  `cbor:"4,keyasint"`
	Loaded   bool      `cbor:"5,keyasint"`
	Age      time.Time `cbor:"6,keyasint"`
}

func (it *Item) record() ItemRecord {
	ids, loaded := it.Children()
	return ItemRecord{
		Entry:    it.Entry(),
		Path:     it.Path(),
		Parents:  it.Parents(),
		Children: ids,
		Loaded:   loaded,
		Age:      it.Age(),
	}
}

func splitSegments(p string) []string {
	fields := strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' })
	return fields
}
