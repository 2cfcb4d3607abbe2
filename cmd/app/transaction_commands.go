package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/allisson/txpipeline/cmd/app/commands"
	"github.com/allisson/txpipeline/internal/app"
	"github.com/allisson/txpipeline/internal/config"
)

func getTransactionCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "retry-failed",
			Usage: "Move FAILED transactions with retries left back to processing",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:    "limit",
					Aliases: []string{"l"},
					Value:   100,
					Usage:   "Maximum number of failed transactions to consider",
				},
				formatFlag(),
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				cfg := config.Load()
				container := app.NewContainer(cfg)
				defer func() { _ = container.Shutdown(ctx) }()

				transactions, err := container.TransactionUseCase()
				if err != nil {
					return err
				}

				return commands.RunRetryFailed(
					ctx,
					transactions,
					container.Logger(),
					commands.DefaultIO().Writer,
					int(cmd.Int("limit")),
					cmd.String("format"),
				)
			},
		},
		{
			Name:  "statistics",
			Usage: "Show transaction counts and amounts per status",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "from",
					Usage: "Start date in YYYY-MM-DD or YYYY-MM-DD HH:MM:SS format",
				},
				&cli.StringFlag{
					Name:  "to",
					Usage: "End date in YYYY-MM-DD or YYYY-MM-DD HH:MM:SS format",
				},
				formatFlag(),
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				cfg := config.Load()
				container := app.NewContainer(cfg)
				defer func() { _ = container.Shutdown(ctx) }()

				transactions, err := container.TransactionUseCase()
				if err != nil {
					return err
				}

				return commands.RunStatistics(
					ctx,
					transactions,
					container.Logger(),
					commands.DefaultIO().Writer,
					cmd.String("from"),
					cmd.String("to"),
					cmd.String("format"),
				)
			},
		},
	}
}
