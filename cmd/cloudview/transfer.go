package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/gobeaver/cloudview"
	"github.com/gobeaver/cloudview/job"
)

// pending is a submitted job, or the error that kept it from starting.
type pending[T any] struct {
	j   *job.Job[T]
	err error
}

func started[T any](j *job.Job[T], err error) pending[T] {
	return pending[T]{j: j, err: err}
}

// wait blocks until the job finishes and releases it.
func (p pending[T]) wait(ctx context.Context) (T, error) {
	var zero T
	if p.err != nil {
		return zero, p.err
	}
	defer p.j.Release()
	return p.j.Await(ctx)
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "download a file or folder",
		ArgsUsage: "<server://path> [local destination]",
		Action:    withSession(getAction),
	}
}

func getAction(ctx context.Context, cmd *cli.Command, s *session) error {
	args, err := requireArgs(cmd, 1, 2)
	if err != nil {
		return err
	}
	it, err := s.resolve(ctx, args[0])
	if err != nil {
		return err
	}
	dst := it.Name()
	if len(args) == 2 {
		dst = args[1]
		if fi, err := os.Stat(dst); err == nil && fi.IsDir() && !it.IsDir() {
			dst = filepath.Join(dst, it.Name())
		}
	}

	start := time.Now()
	var out string
	if it.IsDir() {
		out, err = started(s.ns.DownloadFolder(it, dst)).wait(ctx)
	} else {
		out, err = started(s.ns.DownloadFile(it, dst)).wait(ctx)
	}
	if err != nil {
		return err
	}
	s.log.Info("downloaded",
		zap.String("src", it.FullPath()),
		zap.String("dst", out),
		zap.Duration("took", time.Since(start)),
	)
	fmt.Println(out)
	return nil
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "upload a local file or folder into a folder",
		ArgsUsage: "<local path> <server://folder>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "conflict", Usage: "overwrite, skip or skip-same-size"},
			&cli.StringFlag{Name: "chunk-size", Usage: "chunk size for large uploads, e.g. 8MiB"},
			&cli.BoolFlag{Name: "progress", Aliases: []string{"p"}, Usage: "print transfer progress"},
		},
		Action: withSession(putAction),
	}
}

func uploadOptions(cmd *cli.Command) ([]cloudview.Option, error) {
	var opts []cloudview.Option
	if v := cmd.String("conflict"); v != "" {
		p, err := cloudview.ParseConflictPolicy(v)
		if err != nil {
			return nil, err
		}
		opts = append(opts, cloudview.WithConflict(p))
	}
	if v := cmd.String("chunk-size"); v != "" {
		n, err := humanize.ParseBytes(v)
		if err != nil {
			return nil, fmt.Errorf("chunk-size: %w", err)
		}
		opts = append(opts, cloudview.WithChunkSize(int64(n)))
	}
	if cmd.Bool("progress") {
		opts = append(opts, cloudview.WithProgress(func(done, total int64) {
			fmt.Fprintf(os.Stderr, "\r%s / %s", humanize.IBytes(uint64(done)), humanize.IBytes(uint64(max(total, 0))))
			if done == total {
				fmt.Fprintln(os.Stderr)
			}
		}))
	}
	return opts, nil
}

func putAction(ctx context.Context, cmd *cli.Command, s *session) error {
	args, err := requireArgs(cmd, 2, 2)
	if err != nil {
		return err
	}
	opts, err := uploadOptions(cmd)
	if err != nil {
		return err
	}
	parent, err := s.resolve(ctx, args[1])
	if err != nil {
		return err
	}
	fi, err := os.Stat(args[0])
	if err != nil {
		return err
	}

	var it *cloudview.Item
	if fi.IsDir() {
		it, err = started(s.ns.UploadFolder(args[0], parent, nil, opts...)).wait(ctx)
	} else {
		name := filepath.Base(args[0])
		it, err = started(parent.Server().Upload(parent, name, fi.Size(), cloudview.FromFile(args[0]), nil, opts...)).wait(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Println(it.FullPath())
	return nil
}

func cpCommand() *cli.Command {
	return &cli.Command{
		Name:      "cp",
		Usage:     "copy an item into a folder, across servers if needed",
		ArgsUsage: "<server://src> <server://folder>",
		Action:    withSession(transferAction(false)),
	}
}

func mvCommand() *cli.Command {
	return &cli.Command{
		Name:      "mv",
		Usage:     "move an item into a folder, across servers if needed",
		ArgsUsage: "<server://src> <server://folder>",
		Action:    withSession(transferAction(true)),
	}
}

func transferAction(move bool) func(context.Context, *cli.Command, *session) error {
	return func(ctx context.Context, cmd *cli.Command, s *session) error {
		args, err := requireArgs(cmd, 2, 2)
		if err != nil {
			return err
		}
		src, err := s.resolve(ctx, args[0])
		if err != nil {
			return err
		}
		dst, err := s.resolve(ctx, args[1])
		if err != nil {
			return err
		}
		var it *cloudview.Item
		if move {
			it, err = started(s.ns.Move(src, dst)).wait(ctx)
		} else {
			it, err = started(s.ns.Copy(src, dst)).wait(ctx)
		}
		if err != nil {
			return err
		}
		fmt.Println(it.FullPath())
		return nil
	}
}

func rmCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "delete items",
		ArgsUsage: "<server://path>...",
		Action:    withSession(rmAction),
	}
}

func rmAction(ctx context.Context, cmd *cli.Command, s *session) error {
	args, err := requireArgs(cmd, 1, -1)
	if err != nil {
		return err
	}
	for _, url := range args {
		it, err := s.resolve(ctx, url)
		if err != nil {
			return err
		}
		if _, err := started(it.Server().Delete(it)).wait(ctx); err != nil {
			return err
		}
		s.log.Debug("deleted", zap.String("path", it.FullPath()))
	}
	return nil
}

func mkdirCommand() *cli.Command {
	return &cli.Command{
		Name:      "mkdir",
		Usage:     "create a folder",
		ArgsUsage: "<server://path/name>",
		Action:    withSession(mkdirAction),
	}
}

func mkdirAction(ctx context.Context, cmd *cli.Command, s *session) error {
	args, err := requireArgs(cmd, 1, 1)
	if err != nil {
		return err
	}
	parentURL, name, err := splitURL(args[0])
	if err != nil {
		return err
	}
	parent, err := s.resolve(ctx, parentURL)
	if err != nil {
		return err
	}
	it, err := started(parent.Server().MakeFolder(parent, name)).wait(ctx)
	if err != nil {
		return err
	}
	fmt.Println(it.FullPath())
	return nil
}

func renameCommand() *cli.Command {
	return &cli.Command{
		Name:      "rename",
		Usage:     "rename an item in place",
		ArgsUsage: "<server://path> <new name>",
		Action:    withSession(renameAction),
	}
}

func renameAction(ctx context.Context, cmd *cli.Command, s *session) error {
	args, err := requireArgs(cmd, 2, 2)
	if err != nil {
		return err
	}
	it, err := s.resolve(ctx, args[0])
	if err != nil {
		return err
	}
	renamed, err := started(it.Server().Rename(it, args[1])).wait(ctx)
	if err != nil {
		return err
	}
	fmt.Println(renamed.FullPath())
	return nil
}

func touchCommand() *cli.Command {
	return &cli.Command{
		Name:      "touch",
		Usage:     "set the modification time of an item",
		ArgsUsage: "<server://path>",
		Flags: []cli.Flag{
			&cli.TimestampFlag{
				Name:  "time",
				Usage: "RFC 3339 time to set (default now)",
				Config: cli.TimestampConfig{
					Layouts: []string{time.RFC3339},
				},
			},
		},
		Action: withSession(touchAction),
	}
}

func touchAction(ctx context.Context, cmd *cli.Command, s *session) error {
	args, err := requireArgs(cmd, 1, 1)
	if err != nil {
		return err
	}
	t := cmd.Timestamp("time")
	if t.IsZero() {
		t = time.Now()
	}
	it, err := s.resolve(ctx, args[0])
	if err != nil {
		return err
	}
	touched, err := started(it.Server().SetModTime(it, t)).wait(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s  %s\n", touched.FullPath(), touched.ModTime().Format(time.RFC3339))
	return nil
}
