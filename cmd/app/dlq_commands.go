package main

import (
	"context"
	"errors"

	"github.com/urfave/cli/v3"

	"github.com/allisson/txpipeline/cmd/app/commands"
	"github.com/allisson/txpipeline/internal/app"
	"github.com/allisson/txpipeline/internal/config"
	dlqUseCase "github.com/allisson/txpipeline/internal/dlq/usecase"
	transactionUseCase "github.com/allisson/txpipeline/internal/transaction/usecase"
)

var errDLQDisabled = errors.New("dead letter queue is disabled (DLQ_ENABLED=false)")

// withDLQ runs fn with the dead-letter queue of a fresh container.
func withDLQ(
	ctx context.Context,
	fn func(dlq dlqUseCase.UseCase, container *app.Container) error,
) error {
	cfg := config.Load()
	container := app.NewContainer(cfg)
	defer func() { _ = container.Shutdown(ctx) }()

	dlq, err := container.DeadLetterQueue()
	if err != nil {
		return err
	}
	if dlq == nil {
		return errDLQDisabled
	}
	return fn(dlq, container)
}

func getDLQCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "dlq-stats",
			Usage: "Show dead-letter queue statistics",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "queue",
					Aliases: []string{"q"},
					Usage:   "Queue name (default all queues)",
				},
				formatFlag(),
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return withDLQ(ctx, func(dlq dlqUseCase.UseCase, container *app.Container) error {
					return commands.RunDLQStats(
						ctx,
						dlq,
						container.Logger(),
						commands.DefaultIO().Writer,
						cmd.String("queue"),
						cmd.String("format"),
					)
				})
			},
		},
		{
			Name:  "dlq-process",
			Usage: "Retry due dead-letter messages, drop expired ones and mark exhausted ones permanent",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{
					Name:    "queue",
					Aliases: []string{"q"},
					Value: []string{
						transactionUseCase.QueueFraudCheck,
						transactionUseCase.QueueTransactionProcessing,
					},
					Usage: "Queue to process (repeatable)",
				},
				formatFlag(),
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return withDLQ(ctx, func(dlq dlqUseCase.UseCase, container *app.Container) error {
					return commands.RunDLQProcess(
						ctx,
						dlq,
						container.Logger(),
						commands.DefaultIO().Writer,
						cmd.StringSlice("queue"),
						cmd.String("format"),
					)
				})
			},
		},
		{
			Name:  "dlq-replay",
			Usage: "Re-enqueue one dead-letter message on its origin queue",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "queue",
					Aliases:  []string{"q"},
					Required: true,
					Usage:    "Queue name",
				},
				&cli.StringFlag{
					Name:     "id",
					Aliases:  []string{"i"},
					Required: true,
					Usage:    "Dead-letter message ID (UUID)",
				},
				formatFlag(),
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return withDLQ(ctx, func(dlq dlqUseCase.UseCase, container *app.Container) error {
					return commands.RunDLQReplay(
						ctx,
						dlq,
						container.Logger(),
						commands.DefaultIO().Writer,
						cmd.String("queue"),
						cmd.String("id"),
						cmd.String("format"),
					)
				})
			},
		},
	}
}
