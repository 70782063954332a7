package main

import (
	"os"

	"github.com/basalt-os/basaltctl/internal/cmd"
	"github.com/basalt-os/basaltctl/internal/version"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "basaltctl"
	app.Usage = "install and update a verified-boot A/B image system"
	app.Version = version.GetVersion()
	app.Authors = []*cli.Author{{Name: "Basalt authors"}}
	app.Commands = cmd.Commands

	if err := app.Run(os.Args); err != nil {
		cmd.Exit(err)
	}
}
