package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/allisson/txpipeline/cmd/app/commands"
	"github.com/allisson/txpipeline/internal/app"
	"github.com/allisson/txpipeline/internal/config"
)

func getSystemCommands(version string) []*cli.Command {
	return []*cli.Command{
		{
			Name:  "server",
			Usage: "Start the HTTP server",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:    "with-workers",
					Aliases: []string{"w"},
					Value:   false,
					Usage:   "Also run the queue consumers and background loops in this process",
				},
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return commands.RunServer(ctx, version, cmd.Bool("with-workers"))
			},
		},
		{
			Name:  "worker",
			Usage: "Consume the job queues and run the DLQ sweep, retry sweep, outbox relay and event consumers",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return commands.RunWorker(ctx, version)
			},
		},
		{
			Name:  "migrate",
			Usage: "Run database migrations",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				cfg := config.Load()
				container := app.NewContainer(cfg)
				defer func() { _ = container.Shutdown(ctx) }()

				return commands.RunMigrations(container.Logger(), cfg.DBDriver, cfg.DBConnectionString)
			},
		},
		{
			Name:  "replay-events",
			Usage: "Re-deliver stored events created within a time range",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "from",
					Required: true,
					Usage:    "Start date in YYYY-MM-DD or YYYY-MM-DD HH:MM:SS format",
				},
				&cli.StringFlag{
					Name:     "to",
					Required: true,
					Usage:    "End date in YYYY-MM-DD or YYYY-MM-DD HH:MM:SS format",
				},
				&cli.StringSliceFlag{
					Name:    "event-type",
					Aliases: []string{"t"},
					Usage:   "Event type to replay (repeatable, default all)",
				},
				formatFlag(),
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				cfg := config.Load()
				container := app.NewContainer(cfg)
				defer func() { _ = container.Shutdown(ctx) }()

				bus, err := container.EventBus()
				if err != nil {
					return err
				}

				return commands.RunReplayEvents(
					ctx,
					bus,
					container.Logger(),
					commands.DefaultIO().Writer,
					cmd.String("from"),
					cmd.String("to"),
					cmd.StringSlice("event-type"),
					cmd.String("format"),
				)
			},
		},
	}
}
