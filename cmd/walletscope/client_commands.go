package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/walletscope/client"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with the walletscope server",
		Subcommands: []*cli.Command{
			clientLookupCommand(),
		},
	}
}

func clientLookupCommand() *cli.Command {
	return &cli.Command{
		Name:      "lookup",
		Usage:     "Look up a wallet through a running server",
		ArgsUsage: "WALLET_ADDRESS",
		Flags: append(lookupFlags(),
			&cli.StringFlag{
				Name:    "client-id",
				Usage:   "Session id; a newer lookup with the same id cancels this one",
				EnvVars: []string{"WALLETSCOPE_CLIENT_ID"},
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   2 * time.Minute,
				Usage:   "How long to wait for the lookup",
			},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("wallet address is required")
			}

			filters, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			cl := client.NewClient(
				c.String("server-url"),
				&http.Client{Timeout: c.Duration("timeout")},
				cliLogger(c),
			).WithClientID(c.String("client-id"))

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			snap, err := cl.Lookup(ctx, c.Args().First(), client.LookupOptions{
				Endpoint:    c.String("endpoint"),
				Limit:       c.Int("limit"),
				Concurrency: c.Int("concurrency"),
				Refresh:     c.Bool("refresh"),
			})
			if err != nil {
				return describeClientError(err)
			}
			return render(c.App.Writer, snap, filters, c.Bool("json"))
		},
	}
}

func describeClientError(err error) error {
	switch {
	case client.IsSuperseded(err):
		return fmt.Errorf("lookup was replaced by a newer lookup with the same client id")
	case client.IsRateLimited(err):
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			return fmt.Errorf("rate limited by the RPC endpoint, retry after %s", apiErr.RetryAfter)
		}
		return fmt.Errorf("rate limited by the RPC endpoint: %w", err)
	}
	return fmt.Errorf("lookup failed: %w", err)
}
