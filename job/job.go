// Package job implements a dependency-graph job scheduler.
//
// A job is created with a class and a set of dependencies, then started with
// Run. Its body executes once every dependency has reached a terminal state.
// A strong dependency that ends canceled or faulted cancels the job before it
// starts; a weak dependency only orders the job after its predecessor.
//
// Results are handed to dependents as non-owning Refs. A result is released,
// and its finalizer run, once every dependent registered on the job has
// terminated, on an explicit Release, or when the scheduler closes.
package job

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// Indeterminate is the progress value of a job that cannot estimate completion.
const Indeterminate = -1.0

// Handle is anything that wraps a scheduled task: *Task and *Job[T].
type Handle interface {
	task() *Task
}

// Dep is one dependency edge.
type Dep struct {
	t    *Task
	weak bool
}

// After declares a strong dependency on h. A nil handle is ignored.
func After(h Handle) Dep {
	if h == nil {
		return Dep{}
	}
	return Dep{t: h.task()}
}

// AfterWeak declares a weak dependency on h: the job waits for h to finish,
// but h being canceled or faulted neither cancels the job nor cascades to it.
func AfterWeak(h Handle) Dep {
	if h == nil {
		return Dep{}
	}
	return Dep{t: h.task(), weak: true}
}

// Deps builds strong dependencies on every non-nil handle.
func Deps(hs ...Handle) []Dep {
	out := make([]Dep, 0, len(hs))
	for _, h := range hs {
		if d := After(h); d.t != nil {
			out = append(out, d)
		}
	}
	return out
}

// AnyCanceled reports whether any handle has been canceled or faulted.
// Callers use it to bail out before building a job chain.
func AnyCanceled(hs ...Handle) bool {
	for _, h := range hs {
		if h == nil {
			continue
		}
		if t := h.task(); t != nil && t.failed() {
			return true
		}
	}
	return false
}

// Option configures a job at creation.
type Option func(*settings)

type settings struct {
	name      string
	hidden    bool
	always    bool
	finalizer any
	liveness  any
}

// Named sets the job's display name.
func Named(name string) Option {
	return func(s *settings) { s.name = name }
}

// Hidden keeps the job out of Scheduler.Snapshot.
func Hidden() Option {
	return func(s *settings) { s.hidden = true }
}

// AlwaysRun makes the job execute its body even when upstream work was
// canceled or failed. The body still observes the job's own cancellation.
func AlwaysRun() Option {
	return func(s *settings) { s.always = true }
}

// WithFinalizer registers fn to run when the job's result is released.
func WithFinalizer[T any](fn func(T)) Option {
	return func(s *settings) { s.finalizer = fn }
}

// WithLiveness registers a liveness check consulted by Ref.Get.
func WithLiveness[T any](fn func(T) bool) Option {
	return func(s *settings) { s.liveness = fn }
}

// Task is the untyped part of a job: identity, state, progress, cancellation.
type Task struct {
	id     uint64
	s      *Scheduler
	class  Class
	hidden bool
	always bool
	deps   []Dep

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	progress  atomic.Uint64
	started   atomic.Bool
	requested atomic.Bool
	done      chan struct{}

	mu          sync.Mutex
	name        string
	progressStr string
	err         error
	dependents  []Dep
	holds       int
	consumed    int
	released    bool
	release     func()
	finalizes   bool
}

func (t *Task) task() *Task { return t }

// ID returns the scheduler-unique job id.
func (t *Task) ID() uint64 { return t.id }

// Class returns the job category.
func (t *Task) Class() Class { return t.class }

// AlwaysRuns reports whether the job was created with AlwaysRun.
func (t *Task) AlwaysRuns() bool { return t.always }

// State returns the current lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

// Done is closed once the job is terminal.
func (t *Task) Done() <-chan struct{} { return t.done }

// DisplayName returns the human readable job name.
func (t *Task) DisplayName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// SetDisplayName changes the human readable job name.
func (t *Task) SetDisplayName(name string) {
	t.mu.Lock()
	t.name = name
	t.mu.Unlock()
}

// Progress returns the fraction done, or Indeterminate.
func (t *Task) Progress() float64 {
	return math.Float64frombits(t.progress.Load())
}

// SetProgress records the fraction done; values outside 0..1 other than
// Indeterminate are clamped.
func (t *Task) SetProgress(p float64) {
	if p != Indeterminate {
		p = math.Max(0, math.Min(1, p))
	}
	t.progress.Store(math.Float64bits(p))
}

// ProgressStr returns the human readable status line.
func (t *Task) ProgressStr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progressStr
}

// SetProgressStr updates the human readable status line.
func (t *Task) SetProgressStr(format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	t.mu.Lock()
	t.progressStr = msg
	t.mu.Unlock()
}

// Err returns the terminal error: nil for completed jobs.
func (t *Task) Err() error {
	if !t.State().Terminal() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil && t.State() == StateCanceled {
		return ErrCanceled
	}
	return t.err
}

// IsCanceled reports whether cancellation was requested or the job ended canceled.
func (t *Task) IsCanceled() bool {
	return t.requested.Load() || t.State() == StateCanceled
}

func (t *Task) failed() bool {
	return t.IsCanceled() || t.State() == StateFaulted
}

// Deps returns the tasks this job depends on.
func (t *Task) Deps() []*Task {
	out := make([]*Task, len(t.deps))
	for i, d := range t.deps {
		out[i] = d.t
	}
	return out
}

// Cancel requests cancellation of the job and, transitively, of every job
// strongly depending on it. AlwaysRun dependents are left to run.
func (t *Task) Cancel() {
	if t.State().Terminal() {
		return
	}
	if t.requested.Swap(true) {
		return
	}
	t.cancel()

	t.mu.Lock()
	dependents := append([]Dep(nil), t.dependents...)
	t.mu.Unlock()

	for _, d := range dependents {
		if d.weak || d.t.always {
			continue
		}
		d.t.Cancel()
	}
}

// Wait blocks until the job is terminal or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release drops the job's result now, running its finalizer.
func (t *Task) Release() {
	t.releaseResult()
}

func (t *Task) addDependent(d *Task, weak bool) {
	t.mu.Lock()
	t.dependents = append(t.dependents, Dep{t: d, weak: weak})
	t.holds++
	t.mu.Unlock()
}

// dropHold is called when a dependent terminates. Only dependents ending
// after t did count as having consumed the result; one canceled earlier
// leaves the result to the owner.
func (t *Task) dropHold() {
	t.mu.Lock()
	t.holds--
	terminal := t.State().Terminal()
	if terminal {
		t.consumed++
	}
	rel := terminal && t.consumed > 0 && t.holds <= 0
	t.mu.Unlock()
	if rel {
		t.releaseResult()
	}
}

func (t *Task) releaseResult() {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return
	}
	t.released = true
	rel := t.release
	t.mu.Unlock()

	if rel != nil {
		rel()
	}
	t.cancel()
	t.s.unretain(t)
}

// Job is a task carrying a typed result.
type Job[T any] struct {
	*Task
	slot *slot[T]
}

func (j *Job[T]) task() *Task {
	if j == nil {
		return nil
	}
	return j.Task
}

// New creates a job in class that starts after deps. It fails with
// ErrDependencyCanceled or ErrDependencyFailed when a strong dependency has
// already been canceled or has faulted, unless the job is AlwaysRun.
func New[T any](s *Scheduler, class Class, deps []Dep, opts ...Option) (*Job[T], error) {
	var cfg settings
	for _, opt := range opts {
		opt(&cfg)
	}

	live := make([]Dep, 0, len(deps))
	for _, d := range deps {
		if d.t == nil {
			continue
		}
		if !d.weak && !cfg.always {
			if d.t.State() == StateFaulted {
				return nil, ErrDependencyFailed
			}
			if d.t.IsCanceled() {
				return nil, ErrDependencyCanceled
			}
		}
		live = append(live, d)
	}

	t, err := s.newTask(class, live, cfg)
	if err != nil {
		return nil, err
	}

	sl := &slot[T]{}
	if fn, ok := cfg.finalizer.(func(T)); ok {
		sl.finalizer = fn
	}
	if fn, ok := cfg.liveness.(func(T) bool); ok {
		sl.liveness = fn
	}
	t.release = sl.release
	t.finalizes = sl.finalizer != nil

	for _, d := range live {
		d.t.addDependent(t, d.weak)
	}
	return &Job[T]{Task: t, slot: sl}, nil
}

// Go creates a job and runs fn in it.
func Go[T any](s *Scheduler, class Class, deps []Dep, fn func(context.Context, *Job[T]) (T, error), opts ...Option) (*Job[T], error) {
	j, err := New[T](s, class, deps, opts...)
	if err != nil {
		return nil, err
	}
	if err := j.Run(fn); err != nil {
		return nil, err
	}
	return j, nil
}

// Run schedules fn. It returns immediately; fn runs on its own goroutine once
// dependencies allow. The value fn returns becomes the result when err is nil.
func (j *Job[T]) Run(fn func(context.Context, *Job[T]) (T, error)) error {
	return j.s.start(j.Task, func(ctx context.Context) error {
		v, err := fn(ctx, j)
		if err != nil {
			return err
		}
		j.slot.store(v)
		return nil
	})
}

// Result returns the non-owning reference to the job's value.
func (j *Job[T]) Result() Ref[T] {
	return Ref[T]{s: j.slot}
}

// Await waits for the job and returns its value while it is still alive.
func (j *Job[T]) Await(ctx context.Context) (T, error) {
	var zero T
	if err := j.Wait(ctx); err != nil {
		return zero, err
	}
	v, ok := j.Result().Get()
	if !ok {
		return zero, fmt.Errorf("job %d: result released", j.id)
	}
	return v, nil
}

// Discard ends a job that will never be run, releasing its dependency holds.
func (j *Job[T]) Discard() {
	if !j.started.CompareAndSwap(false, true) {
		return
	}
	j.requested.Store(true)
	j.s.finish(j.Task, StateCanceled, ErrCanceled)
}
