package cloudview

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// ============================================================================
// Resolution Memo
// ============================================================================

// memoRef is what a resolved URL points at.
type memoRef struct {
	server string
	id     string
}

const memoShards = 16

type memoShard struct {
	mu      sync.RWMutex
	entries map[string]memoRef
}

// memo maps full item URLs to (server, id). It is sharded by key hash so
// concurrent resolutions of unrelated paths do not contend.
type memo struct {
	shards [memoShards]memoShard
	hits   atomic.Int64
	misses atomic.Int64
}

// MemoStatistics contains resolution memo counters.
type MemoStatistics struct {
	Hits    int64
	Misses  int64
	Size    int64
	HitRate float64
}

func newMemo() *memo {
	m := &memo{}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]memoRef)
	}
	return m
}

func (m *memo) shard(key string) *memoShard {
	return &m.shards[xxhash.Sum64String(key)%memoShards]
}

func (m *memo) get(key string) (memoRef, bool) {
	sh := m.shard(key)
	sh.mu.RLock()
	ref, ok := sh.entries[key]
	sh.mu.RUnlock()
	if ok {
		m.hits.Add(1)
	} else {
		m.misses.Add(1)
	}
	return ref, ok
}

func (m *memo) set(key string, ref memoRef) {
	sh := m.shard(key)
	sh.mu.Lock()
	sh.entries[key] = ref
	sh.mu.Unlock()
}

func (m *memo) delete(key string) {
	sh := m.shard(key)
	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()
}

// dropServer removes every entry resolving into server.
func (m *memo) dropServer(server string) {
	prefix := server + "://"
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for k, ref := range sh.entries {
			if ref.server == server || strings.HasPrefix(k, prefix) {
				delete(sh.entries, k)
			}
		}
		sh.mu.Unlock()
	}
}

func (m *memo) clear() {
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		sh.entries = make(map[string]memoRef)
		sh.mu.Unlock()
	}
}

func (m *memo) stats() MemoStatistics {
	var size int64
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.RLock()
		size += int64(len(sh.entries))
		sh.mu.RUnlock()
	}
	hits, misses := m.hits.Load(), m.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return MemoStatistics{Hits: hits, Misses: misses, Size: size, HitRate: rate}
}
