package job

import "sync"

// Ref is a non-owning reference to a job result. The owning job may release
// the value at any time after completion; holders must check Get's ok flag
// on every access instead of caching the value.
type Ref[T any] struct {
	s *slot[T]
}

// Get returns the value and whether it is still alive.
func (r Ref[T]) Get() (T, bool) {
	if r.s == nil {
		var zero T
		return zero, false
	}
	return r.s.get()
}

// Alive reports whether Get would currently succeed.
func (r Ref[T]) Alive() bool {
	_, ok := r.Get()
	return ok
}

type slot[T any] struct {
	mu        sync.RWMutex
	val       T
	set       bool
	dead      bool
	liveness  func(T) bool
	finalizer func(T)
}

func (s *slot[T]) store(v T) {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		if s.finalizer != nil {
			s.finalizer(v)
		}
		return
	}
	s.val = v
	s.set = true
	s.mu.Unlock()
}

func (s *slot[T]) get() (T, bool) {
	s.mu.RLock()
	v, ok := s.val, s.set && !s.dead
	s.mu.RUnlock()
	if !ok {
		var zero T
		return zero, false
	}
	if s.liveness != nil && !s.liveness(v) {
		var zero T
		return zero, false
	}
	return v, true
}

func (s *slot[T]) release() {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return
	}
	s.dead = true
	v, set := s.val, s.set
	var zero T
	s.val = zero
	s.mu.Unlock()

	if set && s.finalizer != nil {
		s.finalizer(v)
	}
}
