package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/gobeaver/cloudview/blockcrypt"
	"github.com/gobeaver/cloudview/snapshot"
)

func clearCommand() *cli.Command {
	return &cli.Command{
		Name:      "clear",
		Usage:     "reset tree caches and report dead servers",
		ArgsUsage: "[server...]",
		Action:    withSession(clearAction),
	}
}

func clearAction(ctx context.Context, cmd *cli.Command, s *session) error {
	report, err := s.ns.ClearCache(ctx, cmd.Args().Slice()...)
	if err != nil {
		return err
	}
	for _, name := range report.Cleared {
		fmt.Printf("%s %s\n", okStyle.Render("cleared"), name)
	}
	for _, name := range report.Dead {
		fmt.Printf("%s %s: %v\n", badStyle.Render("dead   "), name, report.Errors[name])
	}
	if !report.OK() {
		return fmt.Errorf("%d server(s) not ready", len(report.Dead))
	}
	return nil
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "print items marked for reload as backends report changes",
		ArgsUsage: "<server://path>",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "interval", Value: time.Second, Usage: "how often marks are collected"},
		},
		Action: withSession(watchAction),
	}
}

func watchAction(ctx context.Context, cmd *cli.Command, s *session) error {
	args, err := requireArgs(cmd, 1, 1)
	if err != nil {
		return err
	}
	base, err := s.resolve(ctx, args[0])
	if err != nil {
		return err
	}
	prefix := base.FullPath()
	fmt.Fprintf(os.Stderr, "watching %s\n", prefix)

	ticker := time.NewTicker(cmd.Duration("interval"))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, p := range s.ns.PendingUpdates() {
			if !strings.HasPrefix(p, prefix) {
				continue
			}
			fmt.Printf("%s %s\n", dimStyle.Render(time.Now().Format(time.TimeOnly)), p)
			// Resolving consumes the mark and reloads the item.
			if _, err := s.resolve(ctx, p); err != nil && ctx.Err() == nil {
				s.ns.ConsumeUpdate(p)
				s.log.Warn("reload failed", zap.String("path", p), zap.Error(err))
			}
		}
	}
}

func snapshotCommand() *cli.Command {
	dirFlag := func() cli.Flag {
		return &cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Usage: "snapshot directory (default from config)"}
	}
	return &cli.Command{
		Name:  "snapshot",
		Usage: "persist and reload tree caches",
		Commands: []*cli.Command{
			{
				Name:  "save",
				Usage: "load every server and write its tree",
				Flags: []cli.Flag{
					dirFlag(),
					&cli.StringFlag{Name: "compression", Usage: "none, lz4 or zstd (default from config)"},
					&cli.IntFlag{Name: "depth", Value: 1, Usage: "levels to load before saving"},
				},
				Action: withSession(snapshotSaveAction),
			},
			{
				Name:   "restore",
				Usage:  "restore every server that has a snapshot",
				Flags:  []cli.Flag{dirFlag()},
				Action: withSession(snapshotRestoreAction),
			},
			{
				Name:      "inspect",
				Usage:     "print snapshot headers",
				ArgsUsage: "[file...]",
				Flags:     []cli.Flag{dirFlag()},
				Action:    withSession(snapshotInspectAction),
			},
		},
	}
}

func snapshotDir(cmd *cli.Command, s *session) (string, error) {
	dir := cmd.String("dir")
	if dir == "" {
		dir = s.cfg.SnapshotDir
	}
	if dir == "" {
		return "", errors.New("no snapshot directory: use --dir or BEAVER_CLOUDVIEW_SNAPSHOT_DIR")
	}
	return dir, nil
}

func snapshotSaveAction(ctx context.Context, cmd *cli.Command, s *session) error {
	dir, err := snapshotDir(cmd, s)
	if err != nil {
		return err
	}
	name := cmd.String("compression")
	if name == "" {
		name = s.cfg.SnapshotCompression
	}
	c, err := snapshot.ParseCompression(name)
	if err != nil {
		return err
	}
	depth := int(cmd.Int("depth"))
	for _, info := range s.ns.Servers() {
		srv, err := s.ns.Server(info.Name)
		if err != nil {
			continue
		}
		root, err := srv.Root(ctx)
		if err != nil {
			fmt.Printf("%s %s: %v\n", badStyle.Render("skipped"), info.Name, err)
			continue
		}
		if err := srv.LoadItems(ctx, root.ID(), depth, false); err != nil {
			return err
		}
	}
	if err := snapshot.SaveAll(dir, s.ns, c); err != nil {
		return err
	}
	fmt.Println(dir)
	return nil
}

func snapshotRestoreAction(ctx context.Context, cmd *cli.Command, s *session) error {
	dir, err := snapshotDir(cmd, s)
	if err != nil {
		return err
	}
	infos, err := snapshot.RestoreAll(dir, s.ns)
	for _, info := range infos {
		fmt.Printf("%s %s  %d items, saved %s\n", okStyle.Render("restored"), info.Server, info.Items, humanize.Time(info.Saved))
	}
	return err
}

func snapshotInspectAction(ctx context.Context, cmd *cli.Command, s *session) error {
	files := cmd.Args().Slice()
	if len(files) == 0 {
		dir, err := snapshotDir(cmd, s)
		if err != nil {
			return err
		}
		files, err = filepath.Glob(filepath.Join(dir, "*"+snapshot.Ext))
		if err != nil {
			return err
		}
	}
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		info, err := snapshot.Inspect(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Printf("%-16s %-8s %8d items  %-5s %s\n",
			info.Server, info.Kind, info.Items, info.Compression, humanize.Time(info.Saved))
	}
	return nil
}

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "print a base64 master key for the crypt driver",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "password", Usage: "derive the key from a password instead of random bytes"},
			&cli.StringFlag{Name: "salt", Usage: "salt mixed into the password derivation"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			var (
				key []byte
				err error
			)
			if pw := cmd.String("password"); pw != "" {
				key, err = blockcrypt.KeyFromPassword(pw, cmd.String("salt"))
			} else {
				key, err = blockcrypt.NewMasterKey()
			}
			if err != nil {
				return err
			}
			fmt.Println(base64.StdEncoding.EncodeToString(key))
			return nil
		},
	}
}
