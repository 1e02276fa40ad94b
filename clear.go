package cloudview

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/gobeaver/cloudview/job"
)

// ClearReport lists the outcome of ClearCache per server, in clearing order.
type ClearReport struct {
	// Cleared servers were reset and are ready.
	Cleared []string
	// Dead servers failed to clear, are not ready, or depend on a dead server.
	Dead []string
	// Errors holds the reason for each dead server.
	Errors map[string]error
}

// OK reports whether every server was cleared.
func (r *ClearReport) OK() bool { return len(r.Dead) == 0 }

// ClearCache resets the tree cache of the named servers, or of every server
// when names is empty. The servers they depend on are cleared as well.
//
// Servers are cleared one dependency level at a time: servers without a
// dependency first, then the servers depending on them. A server whose
// dependency is dead is not cleared and is itself reported dead.
func (ns *Namespace) ClearCache(ctx context.Context, names ...string) (*ClearReport, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	order, err := ns.clearOrder(names)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		ns.memo.clear()
		ns.marks.clear()
	}

	jobs := make(map[string]*job.Job[struct{}], len(order))
	rejected := make(map[string]error)
	for _, s := range order {
		var deps []job.Dep
		if s.dependsOn != "" {
			master, ok := jobs[s.dependsOn]
			if !ok {
				rejected[s.name] = fmt.Errorf("%w: dependency %s is dead", ErrNotReady, s.dependsOn)
				continue
			}
			deps = append(deps, job.After(master))
		}
		j, err := job.Go(ns.jobs, job.ClassClean, deps, clearBody(s),
			job.Named("clear "+s.name), job.Hidden())
		if err != nil {
			rejected[s.name] = fmt.Errorf("%w: dependency %s is dead", ErrNotReady, s.dependsOn)
			continue
		}
		jobs[s.name] = j
	}

	// Only this call's jobs; a concurrent ClearCache keeps running.
	stop := context.AfterFunc(ctx, func() {
		for _, j := range jobs {
			j.Cancel()
		}
	})
	defer stop()

	report := &ClearReport{Errors: make(map[string]error)}
	for _, s := range order {
		if err, ok := rejected[s.name]; ok {
			report.Dead = append(report.Dead, s.name)
			report.Errors[s.name] = err
			continue
		}
		err := jobs[s.name].Wait(ctx)
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			if errors.Is(err, job.ErrDependencyFailed) || errors.Is(err, job.ErrDependencyCanceled) {
				err = fmt.Errorf("%w: dependency %s is dead", ErrNotReady, s.dependsOn)
			}
			report.Dead = append(report.Dead, s.name)
			report.Errors[s.name] = err
			continue
		}
		report.Cleared = append(report.Cleared, s.name)
	}
	for _, j := range jobs {
		j.Release()
	}

	if len(report.Dead) > 0 {
		ns.log.Warn("cache clear left dead servers",
			zap.Strings("cleared", report.Cleared),
			zap.Strings("dead", report.Dead),
		)
	} else {
		ns.log.Info("cache cleared", zap.Strings("servers", report.Cleared))
	}
	return report, nil
}

func clearBody(s *Server) func(context.Context, *job.Job[struct{}]) (struct{}, error) {
	return func(ctx context.Context, j *job.Job[struct{}]) (struct{}, error) {
		j.SetProgress(job.Indeterminate)
		if err := s.ClearCache(ctx); err != nil {
			return struct{}{}, err
		}
		if !s.IsReady(ctx) {
			return struct{}{}, fmt.Errorf("%w: %s", ErrNotReady, s.name)
		}
		j.SetProgress(1)
		return struct{}{}, nil
	}
}

// clearOrder expands names with their transitive dependencies and returns
// the servers breadth-first from the dependency roots.
func (ns *Namespace) clearOrder(names []string) ([]*Server, error) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	selected := make(map[string]*Server)
	if len(names) == 0 {
		for n, s := range ns.servers {
			selected[n] = s
		}
	} else {
		for _, n := range names {
			for cur := n; cur != ""; {
				s, ok := ns.servers[cur]
				if !ok {
					return nil, fmt.Errorf("%w: %s", ErrServerNotFound, cur)
				}
				if _, done := selected[cur]; done {
					break
				}
				selected[cur] = s
				cur = s.dependsOn
			}
		}
	}

	dependents := make(map[string][]*Server)
	for _, s := range selected {
		dependents[s.dependsOn] = append(dependents[s.dependsOn], s)
	}
	for _, list := range dependents {
		sort.Slice(list, func(i, j int) bool { return list[i].name < list[j].name })
	}

	order := make([]*Server, 0, len(selected))
	queue := append([]*Server(nil), dependents[""]...)
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		order = append(order, s)
		queue = append(queue, dependents[s.name]...)
	}
	return order, nil
}
