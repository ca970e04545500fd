package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/barecat-go/barecat/archive"
	"github.com/barecat-go/barecat/ingest"
)

var shardSizeFlag = &cli.StringFlag{
	Name:  "shard-size-limit",
	Usage: "maximum size of a single shard file (e.g. 4GiB); 0 means unlimited",
	Value: "0",
}

var overwriteFlag = &cli.BoolFlag{
	Name:  "overwrite",
	Usage: "delete any existing archive at the destination path first",
}

var workersFlag = &cli.IntFlag{
	Name:  "workers",
	Usage: "number of concurrent ingest workers (default: NumCPU)",
}

func parseShardSize(c *cli.Context) (int64, error) {
	s := c.String("shard-size-limit")
	if s == "0" || s == "" {
		return 0, nil
	}
	// A bare K/M/G/T suffix is a power of 1024; humanize reads it as a
	// power of 1000 unless it carries the IEC "i".
	spec := s
	if strings.ContainsAny(spec[len(spec)-1:], "KMGTkmgt") {
		spec += "i"
	}
	n, err := humanize.ParseBytes(spec)
	if err != nil {
		return 0, fmt.Errorf("invalid --shard-size-limit %q: %w", s, err)
	}
	return int64(n), nil
}

func openForWrite(c *cli.Context, path string) (*archive.Archive, error) {
	if c.Bool("overwrite") {
		if err := removeExistingArchive(path); err != nil {
			return nil, err
		}
	}
	var opts []archive.Option
	limit, err := parseShardSize(c)
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		opts = append(opts, archive.WithShardSizeLimit(limit))
	}
	if c.Bool("allow-symlinked-shards") {
		opts = append(opts, archive.WithAllowSymlinkedShards())
	}
	return archive.Open(path, opts...)
}

// removeExistingArchive deletes the index database and every contiguously
// numbered shard file of a previous archive at path, if present.
func removeExistingArchive(path string) error {
	names := []string{path + "-sqlite-index"}
	for i := 0; ; i++ {
		name := fmt.Sprintf("%s-shard-%05d", path, i)
		if _, err := os.Lstat(name); err != nil {
			break
		}
		names = append(names, name)
	}
	for _, name := range names {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func newCmdCreate() *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "create an archive and add files listed on stdin (or --file)",
		ArgsUsage: "<archive-path>",
		Flags: []cli.Flag{
			shardSizeFlag,
			overwriteFlag,
			workersFlag,
			&cli.BoolFlag{Name: "allow-symlinked-shards"},
			&cli.StringFlag{Name: "file", Aliases: []string{"from-file"}, Usage: "read source paths from this file instead of stdin"},
			&cli.BoolFlag{Name: "null", Usage: "paths are NUL-delimited (as produced by find -print0); otherwise newline-delimited unless a NUL byte is detected"},
			&cli.StringFlag{Name: "base-dir", Usage: "filesystem directory each listed path is relative to"},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return cli.Exit("expected exactly one archive path", 1)
			}
			a, err := openForWrite(c, c.Args().First())
			if err != nil {
				return err
			}
			defer a.Close()

			paths, err := readPathList(c.String("file"), c.Bool("null"))
			if err != nil {
				return err
			}
			src := ingest.NewListSource(c.String("base-dir"), paths)
			return ingest.Run(c.Context, a, src, ingest.Options{Workers: c.Int("workers")})
		},
	}
}

func newCmdCreateRecursive() *cli.Command {
	return &cli.Command{
		Name:      "create-recursive",
		Usage:     "create an archive from every file and directory under one or more roots",
		ArgsUsage: "<archive-path> <root-dir>...",
		Flags: []cli.Flag{
			shardSizeFlag,
			overwriteFlag,
			workersFlag,
			&cli.BoolFlag{Name: "allow-symlinked-shards"},
			&cli.BoolFlag{Name: "strip-root", Usage: "store paths relative to each root instead of prefixed with the root's name"},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 2 {
				return cli.Exit("expected <archive-path> <root-dir>...", 1)
			}
			a, err := openForWrite(c, c.Args().Get(0))
			if err != nil {
				return err
			}
			defer a.Close()

			src, err := ingest.NewDirWalkSource(c.Args().Slice()[1:], c.Bool("strip-root"))
			if err != nil {
				return err
			}
			return ingest.Run(c.Context, a, src, ingest.Options{Workers: c.Int("workers")})
		},
	}
}

// readPathList reads delimited paths from path, or from stdin if path is
// empty. Unless forceNull is set, a NUL-delimited list is detected by the
// presence of a NUL byte in the first chunk read.
func readPathList(path string, forceNull bool) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	br := bufio.NewReader(r)
	sep := byte('\n')
	if forceNull {
		sep = 0
	} else {
		peek, _ := br.Peek(4096)
		for _, b := range peek {
			if b == 0 {
				sep = 0
				break
			}
		}
	}

	var out []string
	scanner := bufio.NewScanner(br)
	scanner.Split(splitOn(sep))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			out = append(out, line)
		}
	}
	return out, scanner.Err()
}

func splitOn(sep byte) func(data []byte, atEOF bool) (int, []byte, error) {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		for i, b := range data {
			if b == sep {
				return i + 1, data[:i], nil
			}
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}
