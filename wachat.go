package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/srobinb803/whatsapp-clone/cmd"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "wachat",
		Usage:   "WhatsApp webhook ingest and live chat backend",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (default: ./wachat.toml, ~/.wachat.toml)",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from `FILE` if it exists",
				Value: ".env",
			},
		},
		Before: func(c *cli.Context) error {
			err := cmd.LoadEnvFile(c.String("env-file"))
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to load env file: %w", err)
			}
			return nil
		},
		Commands: []*cli.Command{
			cmd.APICommand(),
			cmd.ConfigCommand(),
			cmd.IngestCommand(),
			cmd.EnvCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
