package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/gobeaver/cloudview"
	"github.com/gobeaver/cloudview/logging"
	"github.com/gobeaver/cloudview/metrics"
	"github.com/gobeaver/cloudview/snapshot"

	_ "github.com/gobeaver/cloudview/driver/azure"
	_ "github.com/gobeaver/cloudview/driver/crypt"
	_ "github.com/gobeaver/cloudview/driver/gcs"
	_ "github.com/gobeaver/cloudview/driver/local"
	_ "github.com/gobeaver/cloudview/driver/memory"
	_ "github.com/gobeaver/cloudview/driver/s3"
	_ "github.com/gobeaver/cloudview/driver/sftp"
	_ "github.com/gobeaver/cloudview/driver/zip"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Commands:
// servers, drivers
//   show the mounted servers and the available drivers
//
// ls, tree, find, cat, sum [url]
//   browse a server through the tree cache
//
// get, put, cp, mv, rm, mkdir, rename, touch
//   transfers and mutations, each run as a job
//
// clear [server...]
//   reset tree caches in dependency order
//
// watch [url]
//   print invalidation marks as backends report changes
//
// snapshot save|restore|inspect
//   persist and reload materialized trees
//
// keygen
//   print a master key for the crypt driver

func execute(ctx context.Context, args []string) error {
	app := &cli.Command{
		Name:    "cloudview",
		Usage:   "one tree over local disks, cloud buckets and encrypted overlays",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "servers",
				Aliases: []string{"s"},
				Usage:   "servers file (overrides BEAVER_CLOUDVIEW_SERVERS_FILE)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "serve Prometheus metrics on this address, e.g. :9090",
			},
			&cli.StringFlag{
				Name:  "snapshot-dir",
				Usage: "directory holding tree snapshots",
			},
			&cli.BoolFlag{
				Name:  "warm",
				Usage: "restore tree snapshots before running the command",
			},
		},
		Commands: []*cli.Command{
			serversCommand(),
			driversCommand(),
			lsCommand(),
			treeCommand(),
			findCommand(),
			catCommand(),
			sumCommand(),
			getCommand(),
			putCommand(),
			cpCommand(),
			mvCommand(),
			rmCommand(),
			mkdirCommand(),
			renameCommand(),
			touchCommand(),
			clearCommand(),
			watchCommand(),
			snapshotCommand(),
			keygenCommand(),
		},
	}

	return app.Run(ctx, args)
}

// session is the namespace and side services one command runs against.
type session struct {
	cfg     *cloudview.Config
	ns      *cloudview.Namespace
	log     *zap.Logger
	metrics *http.Server
}

func openSession(cmd *cli.Command) (*session, error) {
	cfg, err := cloudview.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	root := cmd.Root()
	if v := root.String("servers"); v != "" {
		cfg.ServersFile = v
	}
	if v := root.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := root.String("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := root.String("snapshot-dir"); v != "" {
		cfg.SnapshotDir = v
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogOutput,
	}); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	ns, err := cloudview.New(cfg)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, ns: ns, log: logging.Named("cli")}

	if root.Bool("warm") && cfg.SnapshotDir != "" {
		if _, err := snapshot.RestoreAll(cfg.SnapshotDir, ns); err != nil {
			s.log.Warn("some snapshots were not restored", zap.Error(err))
		}
	}
	if cfg.MetricsAddr != "" {
		s.serveMetrics(cfg.MetricsAddr)
	}
	return s, nil
}

func (s *session) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	s.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	s.log.Info("serving metrics", zap.String("addr", addr))
}

func (s *session) close() error {
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.metrics.Shutdown(ctx)
		cancel()
	}
	err := s.ns.Close()
	_ = logging.Sync()
	return err
}

// withSession opens a session around fn.
func withSession(fn func(ctx context.Context, cmd *cli.Command, s *session) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		runErr := fn(ctx, cmd, s)
		return errors.Join(runErr, s.close())
	}
}

func (s *session) resolve(ctx context.Context, url string) (*cloudview.Item, error) {
	return s.ns.Resolve(ctx, url, cloudview.UseCache)
}

// requireArgs checks the positional argument count.
func requireArgs(cmd *cli.Command, min, max int) ([]string, error) {
	args := cmd.Args().Slice()
	if len(args) < min || (max >= 0 && len(args) > max) {
		return nil, fmt.Errorf("%s: usage: %s %s", cmd.Name, cmd.Name, cmd.ArgsUsage)
	}
	return args, nil
}
