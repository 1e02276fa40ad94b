package cloudview

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Polling Watcher
// ============================================================================
// Object stores have no change events. Drivers for them implement CanWatch
// by scanning their tree periodically and diffing the result with Poll.

// DefaultPollInterval is used when PollConfig.Interval is zero.
const DefaultPollInterval = 30 * time.Second

// PolledObject is one scanned item and the folder listing it.
type PolledObject struct {
	Parent  string
	Size    int64
	ModTime time.Time
	ETag    string
}

// ScanFunc returns every item below the watched root keyed by ID.
type ScanFunc func(ctx context.Context) (map[string]PolledObject, error)

// PollConfig configures Poll.
type PollConfig struct {
	Interval time.Duration
	Scan     ScanFunc
	Logger   *zap.Logger
}

// Poll takes a first scan and then rescans every interval until ctx is done,
// calling notify once per folder whose listing changed between two scans.
// It returns after the first scan; a failing first scan is returned.
func Poll(ctx context.Context, cfg PollConfig, notify func(folderID string)) error {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	prev, err := cfg.Scan(ctx)
	if err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			cur, err := cfg.Scan(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("poll scan failed", zap.Error(err))
				}
				continue
			}
			for _, folder := range ChangedFolders(prev, cur) {
				notify(folder)
			}
			prev = cur
		}
	}()
	return nil
}

// ChangedFolders returns the parents of items that were added, removed or
// modified between two scans, in no particular order and without repeats.
func ChangedFolders(prev, cur map[string]PolledObject) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for id, c := range cur {
		p, ok := prev[id]
		switch {
		case !ok:
			add(c.Parent)
		case p.Parent != c.Parent:
			add(p.Parent)
			add(c.Parent)
		case p.Size != c.Size || !p.ModTime.Equal(c.ModTime) || p.ETag != c.ETag:
			add(c.Parent)
		}
	}
	for id, p := range prev {
		if _, ok := cur[id]; !ok {
			add(p.Parent)
		}
	}
	return out
}
