package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/basalt-os/basaltctl/internal/utils"
	"github.com/basalt-os/basaltctl/internal/version"
	"github.com/basalt-os/basaltctl/pkg/install"
	"github.com/basalt-os/basaltctl/pkg/update"
	"github.com/spectrocloud-labs/herd"
	"github.com/urfave/cli/v2"
)

var Commands = []*cli.Command{
	{
		Name:  "update",
		Usage: "fetch the latest release and write it to the inactive slot",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "reboot",
				Usage: "reboot into the new slot once the update is committed",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path of the update configuration file",
			},
			&cli.BoolFlag{
				Name:    "debug",
				EnvVars: []string{"BASALT_DEBUG"},
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "print the step graph without running it",
			},
		},
		Action: func(c *cli.Context) error {
			utils.SetLogger(c.Bool("debug"))
			if c.NArg() != 0 {
				return fmt.Errorf("update takes no arguments")
			}
			if err := utils.CheckRoot(); err != nil {
				return err
			}

			cfg, err := update.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}

			s := update.NewState(cfg)
			s.Reboot = c.Bool("reboot")
			// the scratch directory must go away on every outcome
			defer s.Close()

			g := herd.DAG()
			if err := s.Register(g); err != nil {
				return err
			}
			utils.Log.Debug().Msg(s.WriteDAG(g))

			if c.Bool("dry-run") {
				fmt.Print(s.WriteDAG(g))
				return nil
			}

			// SIGINT/SIGTERM cancel the context so in-flight downloads
			// stop and the scratch directory is released
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = g.Run(ctx)
			utils.Log.Debug().Msg(s.WriteDAG(g))
			return err
		},
	},
	{
		Name:      "install",
		Usage:     "provision a bare disk with the A/B partition layout",
		ArgsUsage: "<disk>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "artifacts",
				Usage:    "directory holding the release artifacts",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "encrypt-data",
				Usage: "format the data partition as a TPM-sealed LUKS2 volume",
			},
			&cli.StringFlag{
				Name:  "password",
				Usage: "operator password for the encrypted data partition",
			},
			&cli.BoolFlag{
				Name:    "debug",
				EnvVars: []string{"BASALT_DEBUG"},
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "print the step graph without running it",
			},
		},
		Action: func(c *cli.Context) error {
			utils.SetLogger(c.Bool("debug"))
			if c.NArg() != 1 {
				return fmt.Errorf("install takes exactly one argument, the target disk")
			}
			if err := utils.CheckRoot(); err != nil {
				return err
			}
			if c.Bool("encrypt-data") && c.String("password") == "" {
				return fmt.Errorf("--encrypt-data requires --password")
			}

			s := install.NewState(install.Options{
				Disk:         c.Args().First(),
				ArtifactDir:  c.String("artifacts"),
				EncryptData:  c.Bool("encrypt-data"),
				DataPassword: c.String("password"),
			})

			g := herd.DAG()
			if err := s.Register(g); err != nil {
				return err
			}

			if c.Bool("dry-run") {
				fmt.Print(install.WriteDAG(g))
				return nil
			}

			utils.Log.Warn().Str("disk", c.Args().First()).Msg("All data on the target disk will be destroyed")
			err := g.Run(context.Background())
			utils.Log.Debug().Msg(install.WriteDAG(g))
			return err
		},
	},
	{
		Name:  "status",
		Usage: "print the current slot topology",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				EnvVars: []string{"BASALT_DEBUG"},
			},
		},
		Action: func(c *cli.Context) error {
			utils.SetLogger(c.Bool("debug"))
			if err := utils.CheckRoot(); err != nil {
				return err
			}
			st, err := update.CollectStatus()
			if err != nil {
				return err
			}
			out, err := st.Render()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	},
	{
		Name:  "version",
		Usage: "print version information",
		Action: func(_ *cli.Context) error {
			utils.SetLogger(false)
			v := version.Get()
			utils.Log.Info().Str("commit", v.GitCommit).Str("compiled with", v.GoVersion).Str("version", v.Version).Msg("basaltctl")
			return nil
		},
	},
}

// Exit logs the error and terminates with a non-zero code.
func Exit(err error) {
	if err == nil {
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "basaltctl: %v\n", err)
	os.Exit(1)
}
