package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/barecat-go/barecat/archive"
)

func newCmdVerify() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "check an archive's integrity",
		ArgsUsage: "<archive-path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "quick", Usage: "only re-checksum the most recent write instead of every file"},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return cli.Exit("expected exactly one archive path", 1)
			}
			a, err := archive.Open(c.Args().First(), archive.WithReadOnly())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Verify(c.Context, !c.Bool("quick"))
			if err != nil {
				return err
			}
			fmt.Printf("checked %d file(s)\n", report.FilesChecked)
			for _, p := range report.CorruptedFiles {
				fmt.Printf("CORRUPT: %s\n", p)
			}
			for _, m := range report.Stats.StatMismatches {
				fmt.Printf("STAT MISMATCH: %s\n", m.Path)
			}
			for _, e := range report.Stats.SQLiteErrors {
				fmt.Printf("INDEX ERROR: %s\n", e)
			}
			if !report.OK() {
				return cli.Exit("archive failed verification", 1)
			}
			return nil
		},
	}
}

func newCmdDefrag() *cli.Command {
	return &cli.Command{
		Name:      "defrag",
		Usage:     "compact an archive's shard files, reclaiming space left by deletes",
		ArgsUsage: "<archive-path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "quick", Usage: "run a bounded-time incremental pass instead of a full compaction"},
			&cli.DurationFlag{Name: "time-limit", Usage: "wall-clock budget for --quick", Value: 30 * time.Second},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return cli.Exit("expected exactly one archive path", 1)
			}
			a, err := archive.Open(c.Args().First())
			if err != nil {
				return err
			}
			defer a.Close()

			if c.Bool("quick") {
				return a.DefragQuick(c.Context, c.Duration("time-limit"))
			}
			return a.Defrag(c.Context)
		},
	}
}
