package memory

import (
	"fmt"
	"strconv"

	"github.com/gobeaver/cloudview"
)

func init() {
	cloudview.RegisterDriver("memory", func(_ *cloudview.Namespace, sc cloudview.ServerConfig) (cloudview.Backend, error) {
		var cfg Config
		if v := sc.Option("max_size", ""); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("memory: max_size: %w", err)
			}
			cfg.MaxSize = n
		}
		cfg.WatchFilter = sc.Option("watch_filter", "")
		return New(cfg)
	})
}
