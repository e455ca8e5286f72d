package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "walletscope",
		Usage: "Solana wallet activity lookup CLI",
		Description: `A command-line tool for looking up Solana wallets and operating the walletscope service.

Run lookups in-process or against a running server, manage Temporal refresh
schedules, and watch snapshot events on NATS.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// jq filters routinely contain commas.
		DisableSliceFlagSeparator: true,
		Commands: []*cli.Command{
			lookupCommand(),
			clientCommands(),
			{
				Name:  "schedule",
				Usage: "Temporal refresh schedule commands",
				Subcommands: []*cli.Command{
					createScheduleCommand(),
					deleteScheduleCommand(),
					listSchedulesCommand(),
				},
			},
			{
				Name:  "nats",
				Usage: "NATS snapshot event commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					inspectStreamCommand(),
				},
			},
			{
				Name:  "cache",
				Usage: "Cache maintenance commands",
				Subcommands: []*cli.Command{
					purgeCacheCommand(),
				},
			},
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "task-queue",
				Usage:   "Temporal task queue of the refresh worker",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "walletscope-refresh",
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "walletscope server URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log debug output to stderr",
			},
		},
	}
}

// cliLogger logs errors only, or everything with --verbose.
func cliLogger(c *cli.Context) *slog.Logger {
	level := slog.LevelError
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
