package job

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gobeaver/cloudview/logging"
	"github.com/gobeaver/cloudview/metrics"
)

// DefaultWorkers is three quarters of the available CPUs, at least one.
func DefaultWorkers() int {
	n := runtime.NumCPU() * 3 / 4
	if n < 1 {
		n = 1
	}
	return n
}

// Info is a point-in-time view of a job for display.
type Info struct {
	ID          uint64
	Class       Class
	DisplayName string
	State       State
	Progress    float64
	ProgressStr string
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *zap.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = l }
}

// WithClassLimit caps the number of concurrently running bodies of class c.
// Zero or negative means unlimited.
func WithClassLimit(c Class, n int) SchedulerOption {
	return func(s *Scheduler) { s.limits[c] = n }
}

// WithContext cancels every job when ctx is done.
func WithContext(ctx context.Context) SchedulerOption {
	return func(s *Scheduler) { s.parent = ctx }
}

// Scheduler runs jobs once their dependencies allow, throttled per class.
type Scheduler struct {
	log    *zap.Logger
	parent context.Context
	ctx    context.Context
	stop   context.CancelFunc
	nextID atomic.Uint64

	limits map[Class]int
	sems   map[Class]chan struct{}

	mu     sync.Mutex
	live   map[uint64]*Task
	held   map[uint64]*Task
	closed bool
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. Load jobs are limited to DefaultWorkers
// unless overridden.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		limits: map[Class]int{ClassLoadItem: DefaultWorkers()},
		sems:   make(map[Class]chan struct{}),
		live:   make(map[uint64]*Task),
		held:   make(map[uint64]*Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Named("job")
	}
	for c, n := range s.limits {
		if n > 0 {
			s.sems[c] = make(chan struct{}, n)
		}
	}

	s.ctx, s.stop = context.WithCancel(context.Background())
	if s.parent != nil {
		context.AfterFunc(s.parent, func() { s.CancelAll() })
	}
	return s
}

func (s *Scheduler) newTask(class Class, deps []Dep, cfg settings) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		id:     s.nextID.Add(1),
		s:      s,
		class:  class,
		hidden: cfg.hidden,
		always: cfg.always,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		name:   cfg.name,
	}
	t.progress.Store(0)
	s.live[t.id] = t
	return t, nil
}

func (s *Scheduler) start(t *Task, body func(context.Context) error) error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.finish(t, StateCanceled, ErrSchedulerClosed)
		return ErrSchedulerClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	t.state.Store(int32(StateWaiting))
	go s.run(t, body)
	return nil
}

func (s *Scheduler) run(t *Task, body func(context.Context) error) {
	defer s.wg.Done()

	if err := s.awaitDeps(t); err != nil {
		s.finish(t, StateCanceled, err)
		return
	}

	release, err := s.acquire(t)
	if err != nil {
		s.finish(t, StateCanceled, err)
		return
	}
	defer release()

	if !t.always && t.ctx.Err() != nil {
		s.finish(t, StateCanceled, ErrCanceled)
		return
	}

	t.state.Store(int32(StateRunning))
	class := t.class.String()
	metrics.JobStarted(class)
	began := time.Now()
	err = invoke(t, body)
	metrics.JobFinished(class, time.Since(began))

	switch {
	case err == nil:
		s.finish(t, StateCompleted, nil)
	case IsCancellation(err) || t.ctx.Err() != nil:
		s.finish(t, StateCanceled, err)
	default:
		s.finish(t, StateFaulted, err)
	}
}

func invoke(t *Task, body func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %d panicked: %v", t.id, r)
		}
	}()
	return body(t.ctx)
}

// awaitDeps blocks until every dependency is terminal. AlwaysRun jobs only
// give up when the scheduler itself closes.
func (s *Scheduler) awaitDeps(t *Task) error {
	wait := t.ctx
	if t.always {
		wait = s.ctx
	}
	for _, d := range t.deps {
		select {
		case <-d.t.done:
		case <-wait.Done():
			return ErrCanceled
		}
	}
	if t.always {
		return nil
	}
	for _, d := range t.deps {
		if d.weak {
			continue
		}
		switch d.t.State() {
		case StateCanceled:
			return ErrDependencyCanceled
		case StateFaulted:
			return fmt.Errorf("%w: %v", ErrDependencyFailed, d.t.Err())
		}
	}
	return nil
}

func (s *Scheduler) acquire(t *Task) (func(), error) {
	sem := s.sems[t.class]
	if sem == nil {
		return func() {}, nil
	}
	wait := t.ctx
	if t.always {
		wait = s.ctx
	}
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-wait.Done():
		return nil, ErrCanceled
	}
}

func (s *Scheduler) finish(t *Task, state State, err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.state.Store(int32(state))
	for _, d := range t.deps {
		d.t.dropHold()
	}
	close(t.done)

	s.mu.Lock()
	delete(s.live, t.id)
	s.mu.Unlock()

	class := t.class.String()
	metrics.RecordJob(class, state.String())
	fields := []zap.Field{
		zap.Uint64("job", t.id),
		zap.String("class", class),
		zap.String("name", t.DisplayName()),
	}
	switch state {
	case StateFaulted:
		s.log.Error("job faulted", append(fields, zap.Error(err))...)
	case StateCanceled:
		s.log.Debug("job canceled", append(fields, zap.NamedError("reason", err))...)
	default:
		s.log.Debug("job completed", fields...)
	}

	if state != StateCompleted {
		t.releaseResult()
		return
	}

	t.mu.Lock()
	drained := t.consumed > 0 && t.holds <= 0
	t.mu.Unlock()
	switch {
	case drained:
		t.releaseResult()
	case t.finalizes:
		t.mu.Lock()
		released := t.released
		t.mu.Unlock()
		if !released {
			s.mu.Lock()
			s.held[t.id] = t
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) unretain(t *Task) {
	s.mu.Lock()
	delete(s.held, t.id)
	s.mu.Unlock()
}

// CancelClass cancels every queued or running job of the given classes and
// their strong dependents. It returns the number of jobs canceled directly.
func (s *Scheduler) CancelClass(classes ...Class) int {
	want := make(map[Class]bool, len(classes))
	for _, c := range classes {
		want[c] = true
	}

	s.mu.Lock()
	var targets []*Task
	for _, t := range s.live {
		if want[t.class] {
			targets = append(targets, t)
		}
	}
	s.mu.Unlock()

	for _, t := range targets {
		t.Cancel()
	}
	return len(targets)
}

// CancelAll cancels every queued or running job.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	targets := make([]*Task, 0, len(s.live))
	for _, t := range s.live {
		targets = append(targets, t)
	}
	s.mu.Unlock()

	for _, t := range targets {
		t.Cancel()
	}
}

// Snapshot lists live, non-hidden jobs ordered by id.
func (s *Scheduler) Snapshot() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.live))
	for _, t := range s.live {
		if t.hidden {
			continue
		}
		out = append(out, Info{
			ID:          t.id,
			Class:       t.class,
			DisplayName: t.DisplayName(),
			State:       t.State(),
			Progress:    t.Progress(),
			ProgressStr: t.ProgressStr(),
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Close cancels all jobs, waits for running bodies to return and releases
// every result still held.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.CancelAll()
	s.stop()
	s.wg.Wait()

	s.mu.Lock()
	held := make([]*Task, 0, len(s.held))
	for _, t := range s.held {
		held = append(held, t)
	}
	s.mu.Unlock()

	for _, t := range held {
		t.releaseResult()
	}
	return nil
}
