package local

import (
	"fmt"
	"strconv"

	"github.com/gobeaver/cloudview"
)

func init() {
	cloudview.RegisterDriver("local", func(_ *cloudview.Namespace, sc cloudview.ServerConfig) (cloudview.Backend, error) {
		root, err := sc.RequireOption("root")
		if err != nil {
			return nil, err
		}
		cfg := Config{Root: root}
		if v := sc.Option("stat_workers", ""); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("local: stat_workers: %w", err)
			}
			cfg.StatWorkers = n
		}
		if v := sc.Option("watch", "false"); v != "" {
			watch, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("local: watch: %w", err)
			}
			cfg.Watch = watch
		}
		return New(cfg)
	})
}
