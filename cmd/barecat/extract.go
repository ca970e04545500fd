package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/barecat-go/barecat/archive"
	"github.com/barecat-go/barecat/index"
)

func newCmdExtract() *cli.Command {
	return &cli.Command{
		Name:      "extract",
		Usage:     "extract every file from an archive onto the filesystem",
		ArgsUsage: "<archive-path> <dest-dir>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 2 {
				return cli.Exit("expected <archive-path> <dest-dir>", 1)
			}
			a, err := archive.Open(c.Args().Get(0), archive.WithReadOnly())
			if err != nil {
				return err
			}
			defer a.Close()

			destDir := c.Args().Get(1)
			iter, err := a.Iter(c.Context, index.OrderAny)
			if err != nil {
				return err
			}
			defer iter.Close()

			for iter.Next() {
				f, err := iter.File()
				if err != nil {
					return err
				}
				if err := extractOne(c.Context, a, f, destDir); err != nil {
					return err
				}
			}
			return iter.Err()
		},
	}
}

func extractOne(ctx context.Context, a *archive.Archive, f index.FileInfo, destDir string) error {
	dest := filepath.Join(destDir, filepath.FromSlash(f.Path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	data, err := a.Get(ctx, f.Path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", f.Path, err)
	}
	return os.WriteFile(dest, data, os.FileMode(f.Mode))
}

func newCmdExtractSingle() *cli.Command {
	return &cli.Command{
		Name:      "extract-single",
		Usage:     "extract one file from an archive to stdout or a destination path",
		ArgsUsage: "<archive-path> <logical-path> [dest-path]",
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 2 {
				return cli.Exit("expected <archive-path> <logical-path> [dest-path]", 1)
			}
			a, err := archive.Open(c.Args().Get(0), archive.WithReadOnly())
			if err != nil {
				return err
			}
			defer a.Close()

			data, err := a.Get(c.Context, c.Args().Get(1))
			if err != nil {
				return err
			}
			if c.Args().Len() < 3 {
				_, err := os.Stdout.Write(data)
				return err
			}
			return os.WriteFile(c.Args().Get(2), data, 0o644)
		},
	}
}
