package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
)

var log = logging.Logger("barecat/cli")

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)

		select {
		case <-interrupt:
			fmt.Println()
			log.Info("received interrupt signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(interrupt)
	}()

	app := &cli.App{
		Name:        "barecat",
		Description: "Create, inspect, and maintain barecat archives: append-friendly archive files for huge datasets of small files.",
		Commands: []*cli.Command{
			newCmdCreate(),
			newCmdCreateRecursive(),
			newCmdExtract(),
			newCmdExtractSingle(),
			newCmdMerge(),
			newCmdMergeSymlink(),
			newCmdVerify(),
			newCmdDefrag(),
			newCmdArchive2Barecat(),
			newCmdBarecat2Archive(),
		},
	}
	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
