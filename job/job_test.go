package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T, opts ...SchedulerOption) *Scheduler {
	t.Helper()
	s := NewScheduler(append([]SchedulerOption{WithLogger(zap.NewNop())}, opts...)...)
	t.Cleanup(func() { s.Close() })
	return s
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestJobRunsAndReturnsResult(t *testing.T) {
	s := newTestScheduler(t)

	j, err := Go(s, ClassRemoteOperation, nil, func(ctx context.Context, j *Job[int]) (int, error) {
		j.SetProgress(0.5)
		j.SetProgressStr("half %d", 50)
		return 42, nil
	}, Named("answer"))
	if err != nil {
		t.Fatalf("Go() error = %v", err)
	}

	v, err := j.Await(waitCtx(t))
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if v != 42 {
		t.Errorf("result = %d, want 42", v)
	}
	if j.State() != StateCompleted {
		t.Errorf("state = %v, want completed", j.State())
	}
	if j.ProgressStr() != "half 50" {
		t.Errorf("ProgressStr = %q", j.ProgressStr())
	}
	if j.DisplayName() != "answer" {
		t.Errorf("DisplayName = %q", j.DisplayName())
	}
}

func TestJobWaitsForDependencies(t *testing.T) {
	s := newTestScheduler(t)

	gate := make(chan struct{})
	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	first, _ := Go(s, ClassRemoteOperation, nil, func(ctx context.Context, j *Job[string]) (string, error) {
		<-gate
		record("first")
		return "payload", nil
	})
	second, err := Go(s, ClassRemoteOperation, Deps(first), func(ctx context.Context, j *Job[string]) (string, error) {
		record("second")
		v, ok := first.Result().Get()
		if !ok {
			return "", errors.New("dependency result not alive")
		}
		return v + "!", nil
	})
	if err != nil {
		t.Fatalf("Go() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if second.State() != StateWaiting {
		t.Errorf("second state = %v, want waiting", second.State())
	}
	close(gate)

	v, err := second.Await(waitCtx(t))
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if v != "payload!" {
		t.Errorf("result = %q", v)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v", order)
	}
}

func TestStrongDependencyFailure(t *testing.T) {
	tests := []struct {
		name   string
		body   func(ctx context.Context, j *Job[int]) (int, error)
		cancel bool
		check  func(error) bool
	}{
		{
			name: "faulted dependency",
			body: func(ctx context.Context, j *Job[int]) (int, error) {
				return 0, errors.New("backend exploded")
			},
			check: func(err error) bool { return errors.Is(err, ErrDependencyFailed) },
		},
		{
			name: "canceled dependency",
			body: func(ctx context.Context, j *Job[int]) (int, error) {
				<-ctx.Done()
				return 0, ctx.Err()
			},
			cancel: true,
			check:  IsCancellation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(t)
			up, _ := Go(s, ClassDownload, nil, tt.body)

			var ran atomic.Bool
			down, err := Go(s, ClassUpload, Deps(up), func(ctx context.Context, j *Job[int]) (int, error) {
				ran.Store(true)
				return 1, nil
			})
			if err != nil {
				t.Fatalf("Go() error = %v", err)
			}
			if tt.cancel {
				up.Cancel()
			}

			err = down.Wait(waitCtx(t))
			if !tt.check(err) {
				t.Errorf("Wait() error = %v", err)
			}
			if down.State() != StateCanceled {
				t.Errorf("state = %v, want canceled", down.State())
			}
			if ran.Load() {
				t.Error("dependent body ran after strong dependency failure")
			}
		})
	}
}

func TestNewRejectsCanceledDependency(t *testing.T) {
	s := newTestScheduler(t)
	up, _ := New[int](s, ClassDownload, nil)
	up.Cancel()

	if !AnyCanceled(up) {
		t.Fatal("AnyCanceled() = false after Cancel")
	}
	if _, err := New[int](s, ClassUpload, Deps(up)); !errors.Is(err, ErrDependencyCanceled) {
		t.Errorf("New() error = %v, want ErrDependencyCanceled", err)
	}
	if _, err := New[int](s, ClassUpload, []Dep{AfterWeak(up)}); err != nil {
		t.Errorf("New() with weak dependency error = %v", err)
	}
	if _, err := New[int](s, ClassClean, Deps(up), AlwaysRun()); err != nil {
		t.Errorf("New() AlwaysRun error = %v", err)
	}
}

func TestWeakDependencyDoesNotCascade(t *testing.T) {
	s := newTestScheduler(t)

	up, _ := Go(s, ClassDownload, nil, func(ctx context.Context, j *Job[int]) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	down, _ := Go(s, ClassUpload, []Dep{AfterWeak(up)}, func(ctx context.Context, j *Job[int]) (int, error) {
		return 7, nil
	})

	up.Cancel()
	if down.IsCanceled() {
		t.Error("weak dependent was canceled by predecessor cancel")
	}
	v, err := down.Await(waitCtx(t))
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if v != 7 {
		t.Errorf("result = %d, want 7", v)
	}
}

func TestAlwaysRunAfterCanceledUpstream(t *testing.T) {
	s := newTestScheduler(t)

	up, _ := Go(s, ClassUpload, nil, func(ctx context.Context, j *Job[int]) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	var sawLiveCtx atomic.Bool
	clean, err := Go(s, ClassClean, Deps(up), func(ctx context.Context, j *Job[struct{}]) (struct{}, error) {
		sawLiveCtx.Store(ctx.Err() == nil)
		return struct{}{}, nil
	}, AlwaysRun())
	if err != nil {
		t.Fatalf("Go() error = %v", err)
	}

	up.Cancel()
	if err := clean.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if clean.State() != StateCompleted {
		t.Errorf("state = %v, want completed", clean.State())
	}
	if !sawLiveCtx.Load() {
		t.Error("AlwaysRun body saw a canceled context from upstream cancel")
	}
}

func TestCancelClassReachesRunningAndQueued(t *testing.T) {
	s := newTestScheduler(t)

	started := make(chan struct{})
	running, _ := Go(s, ClassPlayback, nil, func(ctx context.Context, j *Job[int]) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})
	<-started

	queued, _ := Go(s, ClassRemoteOperation, Deps(running), func(ctx context.Context, j *Job[int]) (int, error) {
		return 1, nil
	})
	other, _ := Go(s, ClassUpload, nil, func(ctx context.Context, j *Job[int]) (int, error) {
		return 2, nil
	})

	if n := s.CancelClass(ClassPlayback); n != 1 {
		t.Errorf("CancelClass() = %d, want 1", n)
	}

	ctx := waitCtx(t)
	if err := running.Wait(ctx); !IsCancellation(err) {
		t.Errorf("running Wait() error = %v", err)
	}
	if err := queued.Wait(ctx); !IsCancellation(err) {
		t.Errorf("queued Wait() error = %v", err)
	}
	if !queued.IsCanceled() {
		t.Error("strong dependent was not canceled transitively")
	}
	if err := other.Wait(ctx); err != nil {
		t.Errorf("unrelated job error = %v", err)
	}
}

func TestFaultAndPanic(t *testing.T) {
	s := newTestScheduler(t)

	boom := errors.New("boom")
	faulted, _ := Go(s, ClassRemoteOperation, nil, func(ctx context.Context, j *Job[int]) (int, error) {
		return 0, boom
	})
	panicked, _ := Go(s, ClassRemoteOperation, nil, func(ctx context.Context, j *Job[int]) (int, error) {
		panic("unexpected")
	})

	ctx := waitCtx(t)
	if err := faulted.Wait(ctx); !errors.Is(err, boom) {
		t.Errorf("Wait() error = %v, want boom", err)
	}
	if faulted.State() != StateFaulted {
		t.Errorf("state = %v, want faulted", faulted.State())
	}
	if err := panicked.Wait(ctx); err == nil {
		t.Error("panicking body did not fault")
	}
	if panicked.State() != StateFaulted {
		t.Errorf("state = %v, want faulted", panicked.State())
	}
}

func TestResultReleasedAfterDependents(t *testing.T) {
	s := newTestScheduler(t)

	var finalized atomic.Int32
	producer, _ := Go(s, ClassRemoteDownload, nil, func(ctx context.Context, j *Job[string]) (string, error) {
		return "stream", nil
	}, WithFinalizer(func(string) { finalized.Add(1) }))

	gate := make(chan struct{})
	consumer, _ := Go(s, ClassDownload, Deps(producer), func(ctx context.Context, j *Job[bool]) (bool, error) {
		<-gate
		_, ok := producer.Result().Get()
		return ok, nil
	})

	ctx := waitCtx(t)
	if err := producer.Wait(ctx); err != nil {
		t.Fatalf("producer Wait() error = %v", err)
	}
	if !producer.Result().Alive() {
		t.Fatal("result released while a dependent is pending")
	}
	close(gate)

	ok, err := consumer.Await(ctx)
	if err != nil {
		t.Fatalf("consumer Await() error = %v", err)
	}
	if !ok {
		t.Error("dependent saw a dead result")
	}
	if producer.Result().Alive() {
		t.Error("result still alive after last dependent finished")
	}
	if finalized.Load() != 1 {
		t.Errorf("finalizer ran %d times, want 1", finalized.Load())
	}
}

func TestResultKeptWhenDependentCanceledEarly(t *testing.T) {
	s := newTestScheduler(t)

	gate := make(chan struct{})
	producer, _ := Go(s, ClassRemoteDownload, nil, func(ctx context.Context, j *Job[int]) (int, error) {
		<-gate
		return 42, nil
	})
	consumer, _ := Go(s, ClassDownload, Deps(producer), func(ctx context.Context, j *Job[int]) (int, error) {
		v, _ := producer.Result().Get()
		return v, nil
	})

	ctx := waitCtx(t)
	consumer.Cancel()
	if err := consumer.Wait(ctx); !IsCancellation(err) {
		t.Fatalf("consumer Wait() error = %v, want cancellation", err)
	}
	close(gate)

	v, err := producer.Await(ctx)
	if err != nil {
		t.Fatalf("producer Await() error = %v", err)
	}
	if v != 42 {
		t.Errorf("producer result = %d, want 42", v)
	}

	// A dependent created after completion still sees the value.
	late, err := Go(s, ClassDownload, Deps(producer), func(ctx context.Context, j *Job[int]) (int, error) {
		v, ok := producer.Result().Get()
		if !ok {
			return 0, errors.New("result released")
		}
		return v, nil
	})
	if err != nil {
		t.Fatalf("Go(late) error = %v", err)
	}
	if v, err := late.Await(ctx); err != nil || v != 42 {
		t.Errorf("late Await() = %d, %v; want 42, nil", v, err)
	}

	producer.Release()
	if producer.Result().Alive() {
		t.Error("result alive after Release")
	}
}

func TestResultLivenessAndRelease(t *testing.T) {
	s := newTestScheduler(t)

	var closed atomic.Bool
	j, _ := Go(s, ClassRemoteDownload, nil, func(ctx context.Context, j *Job[int]) (int, error) {
		return 5, nil
	}, WithLiveness(func(int) bool { return !closed.Load() }))

	if _, err := j.Await(waitCtx(t)); err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if !j.Result().Alive() {
		t.Fatal("result dead without dependents or release")
	}
	closed.Store(true)
	if j.Result().Alive() {
		t.Error("liveness check reported dead but Ref is alive")
	}
	closed.Store(false)
	j.Release()
	if j.Result().Alive() {
		t.Error("Ref alive after Release")
	}
}

func TestClassLimit(t *testing.T) {
	s := newTestScheduler(t, WithClassLimit(ClassUpload, 2))

	var current, peak atomic.Int32
	jobs := make([]*Job[int], 0, 6)
	for i := 0; i < 6; i++ {
		j, _ := Go(s, ClassUpload, nil, func(ctx context.Context, j *Job[int]) (int, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return 0, nil
		})
		jobs = append(jobs, j)
	}

	ctx := waitCtx(t)
	for _, j := range jobs {
		if err := j.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestSnapshotAndClose(t *testing.T) {
	s := NewScheduler(WithLogger(zap.NewNop()))

	block := make(chan struct{})
	visible, _ := Go(s, ClassDownload, nil, func(ctx context.Context, j *Job[int]) (int, error) {
		<-block
		return 0, nil
	}, Named("visible"))
	_, _ = Go(s, ClassLoadItem, nil, func(ctx context.Context, j *Job[int]) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, Hidden())

	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].ID != visible.ID() || snap[0].DisplayName != "visible" {
		t.Errorf("Snapshot() = %+v", snap)
	}

	close(block)
	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d after Close", s.Len())
	}
	if _, err := New[int](s, ClassDownload, nil); !errors.Is(err, ErrSchedulerClosed) {
		t.Errorf("New() after Close error = %v", err)
	}
}
