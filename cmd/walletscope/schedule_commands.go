package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/walletscope/service/temporal"
	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"
)

const defaultEndpoint = "https://api.mainnet-beta.solana.com"

// scheduleClient is a Scheduler that holds a connection.
type scheduleClient interface {
	temporal.Scheduler
	Close()
}

// newScheduleClient is replaced in tests.
var newScheduleClient = func(c *cli.Context) (scheduleClient, error) {
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("task-queue"),
		cliLogger(c),
	)
}

func scheduleTargetFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "endpoint",
			Aliases: []string{"e"},
			Usage:   "Solana RPC endpoint the refresh uses",
			EnvVars: []string{"SOLANA_RPC_URL"},
			Value:   defaultEndpoint,
		},
		&cli.IntFlag{
			Name:    "limit",
			Aliases: []string{"l"},
			Usage:   "Number of recent transactions to refresh",
			Value:   20,
		},
	}
}

func createScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "Refresh a wallet's cached lookup on an interval",
		ArgsUsage: "WALLET_ADDRESS INTERVAL",
		Flags: append(scheduleTargetFlags(),
			&cli.IntFlag{
				Name:    "concurrency",
				Aliases: []string{"c"},
				Usage:   "Parallel transaction fetches (0 uses the worker default)",
			},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: wallet-address interval")
			}

			address := c.Args().Get(0)
			interval, err := time.ParseDuration(c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("invalid interval: %w", err)
			}

			sc, err := newScheduleClient(c)
			if err != nil {
				return err
			}
			defer sc.Close()

			input := temporal.RefreshWalletInput{
				Address:     address,
				Endpoint:    c.String("endpoint"),
				Limit:       c.Int("limit"),
				Concurrency: c.Int("concurrency"),
			}
			if err := sc.CreateRefreshSchedule(c.Context, input, interval); err != nil {
				return err
			}

			fmt.Fprintf(c.App.Writer, "✓ Schedule created\n")
			fmt.Fprintf(c.App.Writer, "  Wallet:   %s\n", address)
			fmt.Fprintf(c.App.Writer, "  Limit:    %d\n", input.Limit)
			fmt.Fprintf(c.App.Writer, "  Interval: %v\n", interval)
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Stop refreshing a wallet",
		ArgsUsage: "WALLET_ADDRESS",
		Flags:     scheduleTargetFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("wallet address is required")
			}

			sc, err := newScheduleClient(c)
			if err != nil {
				return err
			}
			defer sc.Close()

			address := c.Args().First()
			if err := sc.DeleteRefreshSchedule(c.Context, address, c.String("endpoint"), c.Int("limit")); err != nil {
				return err
			}

			fmt.Fprintf(c.App.Writer, "✓ Schedule deleted for %s\n", address)
			return nil
		},
	}
}

func listSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List refresh schedules",
		Aliases: []string{"ls"},
		Action: func(c *cli.Context) error {
			temporalClient, err := client.Dial(client.Options{
				HostPort:  c.String("temporal-host"),
				Namespace: c.String("temporal-namespace"),
			})
			if err != nil {
				return fmt.Errorf("failed to connect to Temporal: %w", err)
			}
			defer temporalClient.Close()

			iter, err := temporalClient.ScheduleClient().List(c.Context, client.ScheduleListOptions{
				PageSize: 100,
			})
			if err != nil {
				return fmt.Errorf("failed to list schedules: %w", err)
			}

			type scheduleRow struct {
				ID     string        `json:"id"`
				Every  time.Duration `json:"every"`
				Paused bool          `json:"paused"`
			}
			var rows []scheduleRow
			for iter.HasNext() {
				entry, err := iter.Next()
				if err != nil {
					return fmt.Errorf("failed to iterate schedules: %w", err)
				}
				if !strings.HasPrefix(entry.ID, temporal.ScheduleIDPrefix) {
					continue
				}
				row := scheduleRow{ID: entry.ID, Paused: entry.Paused}
				if entry.Spec != nil && len(entry.Spec.Intervals) > 0 {
					row.Every = entry.Spec.Intervals[0].Every
				}
				rows = append(rows, row)
			}

			if c.Bool("json") {
				return json.NewEncoder(c.App.Writer).Encode(rows)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCHEDULE ID\tEVERY\tPAUSED")
			for _, row := range rows {
				fmt.Fprintf(w, "%s\t%v\t%v\n", row.ID, row.Every, row.Paused)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d schedules\n", len(rows))
			return nil
		},
	}
}
