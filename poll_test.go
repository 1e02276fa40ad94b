package cloudview

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestChangedFolders(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	base := map[string]PolledObject{
		"a/x": {Parent: "a/", Size: 1, ModTime: t0},
		"a/y": {Parent: "a/", Size: 2, ModTime: t0},
		"b/z": {Parent: "b/", Size: 3, ModTime: t0},
	}
	clone := func() map[string]PolledObject {
		m := make(map[string]PolledObject, len(base))
		for k, v := range base {
			m[k] = v
		}
		return m
	}

	tests := []struct {
		name   string
		mutate func(m map[string]PolledObject)
		want   []string
	}{
		{"unchanged", func(map[string]PolledObject) {}, nil},
		{"added", func(m map[string]PolledObject) { m["c/w"] = PolledObject{Parent: "c/"} }, []string{"c/"}},
		{"removed", func(m map[string]PolledObject) { delete(m, "b/z") }, []string{"b/"}},
		{"resized", func(m map[string]PolledObject) {
			o := m["a/x"]
			o.Size = 10
			m["a/x"] = o
		}, []string{"a/"}},
		{"touched", func(m map[string]PolledObject) {
			o := m["a/y"]
			o.ModTime = t0.Add(time.Second)
			m["a/y"] = o
		}, []string{"a/"}},
		{"reparented", func(m map[string]PolledObject) {
			o := m["b/z"]
			o.Parent = "a/"
			m["b/z"] = o
		}, []string{"a/", "b/"}},
		{"two in one folder", func(m map[string]PolledObject) {
			delete(m, "a/x")
			delete(m, "a/y")
		}, []string{"a/"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := clone()
			tt.mutate(cur)
			got := ChangedFolders(base, cur)
			sort.Strings(got)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestPoll(t *testing.T) {
	t.Run("first scan error is returned", func(t *testing.T) {
		boom := errors.New("boom")
		err := Poll(context.Background(), PollConfig{Scan: func(context.Context) (map[string]PolledObject, error) {
			return nil, boom
		}}, func(string) {})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	})

	t.Run("notifies changed folders", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var scans atomic.Int32
		scan := func(context.Context) (map[string]PolledObject, error) {
			n := scans.Add(1)
			m := map[string]PolledObject{"f": {Parent: "/"}}
			if n > 1 {
				m["g"] = PolledObject{Parent: "/"}
			}
			return m, nil
		}

		var mu sync.Mutex
		var got []string
		done := make(chan struct{}, 1)
		err := Poll(ctx, PollConfig{Interval: 10 * time.Millisecond, Scan: scan}, func(id string) {
			mu.Lock()
			got = append(got, id)
			mu.Unlock()
			select {
			case done <- struct{}{}:
			default:
			}
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for notification")
		}
		cancel()

		mu.Lock()
		defer mu.Unlock()
		if got[0] != "/" {
			t.Errorf("expected notification for /, got %v", got)
		}
	})
}
