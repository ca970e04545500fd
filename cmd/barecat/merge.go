package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/barecat-go/barecat/archive"
)

var ignoreDuplicatesFlag = &cli.BoolFlag{
	Name:  "ignore-duplicates",
	Usage: "skip files whose logical path already exists in the destination instead of failing",
}

var outputFlag = &cli.StringFlag{
	Name:     "output",
	Aliases:  []string{"o"},
	Usage:    "destination archive path",
	Required: true,
}

func newCmdMerge() *cli.Command {
	return &cli.Command{
		Name:      "merge",
		Usage:     "byte-copy every file from one or more source archives into a destination archive",
		ArgsUsage: "<src-archive>...",
		Flags:     []cli.Flag{outputFlag, ignoreDuplicatesFlag, shardSizeFlag, overwriteFlag},
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 1 {
				return cli.Exit("expected at least one source archive", 1)
			}
			dst, err := openForWrite(c, c.String("output"))
			if err != nil {
				return err
			}
			defer dst.Close()

			for _, srcPath := range c.Args().Slice() {
				src, err := archive.Open(srcPath, archive.WithReadOnly())
				if err != nil {
					return err
				}
				err = dst.Merge(c.Context, src, c.Bool("ignore-duplicates"))
				src.Close()
				if err != nil {
					return fmt.Errorf("merging %s: %w", srcPath, err)
				}
			}
			return nil
		},
	}
}

func newCmdMergeSymlink() *cli.Command {
	return &cli.Command{
		Name:      "merge-symlink",
		Usage:     "merge source archives' metadata into a destination archive by symlinking their shard files instead of copying bytes",
		ArgsUsage: "<src-archive>...",
		Flags:     []cli.Flag{outputFlag, ignoreDuplicatesFlag, overwriteFlag},
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 1 {
				return cli.Exit("expected at least one source archive", 1)
			}
			destPath := c.String("output")
			dst, err := openForWrite(c, destPath)
			if err != nil {
				return err
			}
			defer dst.Close()

			for _, srcPath := range c.Args().Slice() {
				if err := mergeSymlinkOne(c, dst, destPath, srcPath); err != nil {
					return fmt.Errorf("merging %s: %w", srcPath, err)
				}
			}
			return nil
		},
	}
}

func mergeSymlinkOne(c *cli.Context, dst *archive.Archive, destPath, srcPath string) error {
	src, err := archive.Open(srcPath, archive.WithReadOnly())
	if err != nil {
		return err
	}
	defer src.Close()

	shardShift := uint32(countExistingShards(destPath))
	n := countExistingShards(srcPath)
	for i := 0; i < n; i++ {
		srcName := fmt.Sprintf("%s-shard-%05d", srcPath, i)
		linkName := fmt.Sprintf("%s-shard-%05d", destPath, int(shardShift)+i)
		abs, err := filepath.Abs(srcName)
		if err != nil {
			return err
		}
		// Create at a random scratch name, then rename over the canonical
		// one: the rename replaces any symlink left over from a previous
		// failed merge at the same index, and the shard only ever appears
		// under the 5-digit name shard discovery looks for.
		tmpName := linkName + ".tmp." + uuid.NewString()
		if err := os.Symlink(abs, tmpName); err != nil {
			return fmt.Errorf("symlinking shard %d: %w", i, err)
		}
		if err := os.Rename(tmpName, linkName); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("placing shard %d symlink: %w", i, err)
		}
	}

	return dst.MergeSymlink(c.Context, src, shardShift, c.Bool("ignore-duplicates"))
}

func countExistingShards(basePath string) int {
	for i := 0; ; i++ {
		name := fmt.Sprintf("%s-shard-%05d", basePath, i)
		if _, err := os.Stat(name); err != nil {
			return i
		}
	}
}
