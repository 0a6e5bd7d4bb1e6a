package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"
	"github.com/web3tea/dvm-relay/pkg/log"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "path to a .toml, .json or .yaml config file; defaults apply when empty",
}

func main() {
	cmd := &cli.Command{
		Name:  "dvm-relay",
		Usage: "Relay the console of a container to chat channels",
		Commands: []*cli.Command{
			runCmd,
			sinksCmd,
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatalf("%v", err)
	}
}
