package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/urfave/cli/v3"

	"github.com/gobeaver/cloudview"
)

func serversCommand() *cli.Command {
	return &cli.Command{
		Name:   "servers",
		Usage:  "list mounted servers",
		Action: withSession(serversAction),
	}
}

func serversAction(ctx context.Context, _ *cli.Command, s *session) error {
	list := s.ns.Servers()
	if len(list) == 0 {
		fmt.Printf("no servers in %s\n", s.cfg.ServersFile)
		return nil
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-16s %-8s %-16s %-5s %s", "NAME", "KIND", "DEPENDS ON", "MODE", "STATE")))
	for _, info := range list {
		mode := "rw"
		if info.ReadOnly {
			mode = "ro"
		}
		state := okStyle.Render("ready")
		if !s.ns.IsReady(ctx, cloudview.JoinURL(info.Name, "")) {
			state = badStyle.Render("not ready")
		}
		dep := info.DependsOn
		if dep == "" {
			dep = "-"
		}
		fmt.Printf("%-16s %-8s %-16s %-5s %s\n", info.Name, info.Kind, dep, mode, state)
	}
	return nil
}

func driversCommand() *cli.Command {
	return &cli.Command{
		Name:  "drivers",
		Usage: "list available drivers",
		Action: func(context.Context, *cli.Command) error {
			for _, d := range cloudview.Drivers() {
				fmt.Println(d)
			}
			return nil
		},
	}
}

func lsCommand() *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "list a folder",
		ArgsUsage: "<server://path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "long", Aliases: []string{"l"}, Usage: "show size and age"},
			&cli.BoolFlag{Name: "reload", Aliases: []string{"r"}, Usage: "bypass the tree cache"},
		},
		Action: withSession(lsAction),
	}
}

func lsAction(ctx context.Context, cmd *cli.Command, s *session) error {
	args, err := requireArgs(cmd, 1, 1)
	if err != nil {
		return err
	}
	policy := cloudview.UseCache
	if cmd.Bool("reload") {
		policy = cloudview.ForceReload
	}
	it, err := s.ns.Resolve(ctx, args[0], policy)
	if err != nil {
		return err
	}
	if !it.IsDir() {
		writeListing(os.Stdout, []*cloudview.Item{it}, cmd.Bool("long"))
		return nil
	}
	if err := it.Server().LoadItems(ctx, it.ID(), 0, false); err != nil {
		return err
	}
	children := it.ChildItems()
	sort.Slice(children, func(i, j int) bool {
		if children[i].IsDir() != children[j].IsDir() {
			return children[i].IsDir()
		}
		return children[i].Name() < children[j].Name()
	})
	writeListing(os.Stdout, children, cmd.Bool("long"))
	return nil
}

func treeCommand() *cli.Command {
	return &cli.Command{
		Name:      "tree",
		Usage:     "print a folder tree",
		ArgsUsage: "<server://path>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "depth", Aliases: []string{"d"}, Value: 2, Usage: "levels to load and print"},
		},
		Action: withSession(treeAction),
	}
}

func treeAction(ctx context.Context, cmd *cli.Command, s *session) error {
	args, err := requireArgs(cmd, 1, 1)
	if err != nil {
		return err
	}
	depth := int(cmd.Int("depth"))
	it, err := s.resolve(ctx, args[0])
	if err != nil {
		return err
	}
	if it.IsDir() && depth > 0 {
		if err := it.Server().LoadItems(ctx, it.ID(), depth-1, false); err != nil {
			return err
		}
	}
	fmt.Println(buildTree(it, depth))
	return nil
}

func findCommand() *cli.Command {
	return &cli.Command{
		Name:      "find",
		Usage:     "find items by name pattern",
		ArgsUsage: "<server://path> <pattern>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}, Value: true, Usage: "descend into sub-folders"},
			&cli.BoolFlag{Name: "files", Aliases: []string{"f"}, Usage: "match files only"},
			&cli.IntFlag{Name: "max-depth", Usage: "stop below this many levels (0 = unlimited)"},
		},
		Action: withSession(findAction),
	}
}

func findAction(ctx context.Context, cmd *cli.Command, s *session) error {
	args, err := requireArgs(cmd, 2, 2)
	if err != nil {
		return err
	}
	selectors := []cloudview.Selector{cloudview.Glob(args[1])}
	if cmd.Bool("files") {
		selectors = append(selectors, cloudview.FilesOnly())
	}
	if d := int(cmd.Int("max-depth")); d > 0 {
		base, err := s.resolve(ctx, args[0])
		if err != nil {
			return err
		}
		selectors = append(selectors, cloudview.Depth(d, base.Path()))
	}
	items, err := s.ns.Find(ctx, args[0], cloudview.And(selectors...), cmd.Bool("recursive"))
	if err != nil {
		return err
	}
	for _, it := range items {
		fmt.Println(it.FullPath())
	}
	return nil
}

func catCommand() *cli.Command {
	return &cli.Command{
		Name:      "cat",
		Usage:     "write a file to stdout",
		ArgsUsage: "<server://path>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "offset", Usage: "start at this byte"},
			&cli.IntFlag{Name: "length", Value: -1, Usage: "bytes to read (-1 = to the end)"},
		},
		Action: withSession(catAction),
	}
}

func catAction(ctx context.Context, cmd *cli.Command, s *session) error {
	args, err := requireArgs(cmd, 1, 1)
	if err != nil {
		return err
	}
	it, err := s.resolve(ctx, args[0])
	if err != nil {
		return err
	}
	dl, err := it.Server().DownloadRaw(it, int64(cmd.Int("offset")), int64(cmd.Int("length")))
	if err != nil {
		return err
	}
	defer dl.Release()
	rc, err := dl.Await(ctx)
	if err != nil {
		return err
	}
	_, err = io.Copy(os.Stdout, rc)
	return err
}

func sumCommand() *cli.Command {
	return &cli.Command{
		Name:      "sum",
		Usage:     "print the checksum of a file",
		ArgsUsage: "<server://path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "algorithm", Aliases: []string{"a"}, Value: "sha256", Usage: "md5, sha1, sha256, sha512, crc32, xxhash or blake3"},
		},
		Action: withSession(sumAction),
	}
}

func sumAction(ctx context.Context, cmd *cli.Command, s *session) error {
	args, err := requireArgs(cmd, 1, 1)
	if err != nil {
		return err
	}
	alg, err := cloudview.ParseChecksumAlgorithm(cmd.String("algorithm"))
	if err != nil {
		return err
	}
	it, err := s.resolve(ctx, args[0])
	if err != nil {
		return err
	}
	sum, err := it.Server().Checksum(ctx, it, alg)
	if err != nil {
		return err
	}
	fmt.Printf("%s  %s\n", sum, it.FullPath())
	return nil
}
