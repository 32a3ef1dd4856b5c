package main

import (
	"context"
	"os"

	"github.com/rubiojr/tavern/cmd"
	"github.com/rubiojr/tavern/pkg/config"
	"github.com/rubiojr/tavern/pkg/log"
	"github.com/urfave/cli/v3"
)

var logger = log.ForService("tavern")

func main() {
	app := &cli.Command{
		Name:  "tavern",
		Usage: "Realtime updates and message ordering for chat spaces",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
				Value: false,
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path",
				Value: getDefaultConfigPathOrExit(),
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			log.SetGlobalDebug(c.Bool("debug"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			cmd.InitCommand(),
			cmd.ServeCommand(),
			cmd.MigrateCommand(),
			cmd.TailCommand(),
			cmd.VersionCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func getDefaultConfigPathOrExit() string {
	path, err := config.GetDefaultConfigPath()
	if err != nil {
		logger.Errorf("Failed to get default config path: %v", err)
		os.Exit(1)
	}
	return path
}
