package cloudview

import (
	"sort"
	"strings"
	"sync"

	"github.com/gobeaver/cloudview/metrics"
)

// marks is the invalidation set: FullPath -> pending count.
type marks struct {
	mu      sync.Mutex
	pending map[string]int
}

func newMarks() *marks {
	return &marks{pending: make(map[string]int)}
}

func (m *marks) add(fullPath string) {
	m.mu.Lock()
	m.pending[fullPath]++
	m.mu.Unlock()
	metrics.RecordMark("set")
}

func (m *marks) has(fullPath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[fullPath] > 0
}

// consume clears every pending mark for fullPath; one reload answers all
// mutations recorded so far.
func (m *marks) consume(fullPath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[fullPath] <= 0 {
		return false
	}
	delete(m.pending, fullPath)
	metrics.RecordMark("consumed")
	return true
}

func (m *marks) count(fullPath string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[fullPath]
}

func (m *marks) dropServer(server string) {
	prefix := server + "://"
	m.mu.Lock()
	for k := range m.pending {
		if strings.HasPrefix(k, prefix) {
			delete(m.pending, k)
		}
	}
	m.mu.Unlock()
}

func (m *marks) clear() {
	m.mu.Lock()
	m.pending = make(map[string]int)
	m.mu.Unlock()
}

func (m *marks) list() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.pending))
	for k := range m.pending {
		out = append(out, k)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}
