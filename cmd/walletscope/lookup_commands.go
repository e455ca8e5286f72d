package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/brojonat/walletscope/client"
	"github.com/brojonat/walletscope/service/app"
	"github.com/brojonat/walletscope/service/config"
	"github.com/brojonat/walletscope/service/inference"
	"github.com/brojonat/walletscope/service/lookup"
	"github.com/itchyny/gojq"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

// lookupFlags are shared by the in-process and HTTP lookup commands.
func lookupFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "endpoint",
			Aliases: []string{"e"},
			Usage:   "Solana RPC endpoint (defaults to SOLANA_RPC_URL)",
		},
		&cli.IntFlag{
			Name:    "limit",
			Aliases: []string{"l"},
			Usage:   "Number of recent transactions to fetch (default from config)",
		},
		&cli.IntFlag{
			Name:    "concurrency",
			Aliases: []string{"c"},
			Usage:   "Parallel transaction fetches (default from config)",
		},
		&cli.BoolFlag{
			Name:    "refresh",
			Aliases: []string{"r"},
			Usage:   "Bypass the cache",
		},
		&cli.StringSliceFlag{
			Name:  "jq",
			Usage: "jq filter each row must evaluate to true for (can be repeated, all must match)",
		},
	}
}

func lookupCommand() *cli.Command {
	return &cli.Command{
		Name:      "lookup",
		Usage:     "Look up a wallet's balance, tokens and recent transactions",
		ArgsUsage: "WALLET_ADDRESS",
		Description: `Runs the lookup in this process against the configured RPC endpoint and cache.

Examples:
  walletscope lookup 9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM --limit 50
  walletscope lookup 9WzD... --jq '.direction == "incoming"' --json`,
		Flags: append(lookupFlags(),
			&cli.BoolFlag{
				Name:  "progress",
				Usage: "Print rows to stderr as they resolve",
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

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			req, err := buildRequest(cfg, c.Args().First(), requestOptions{
				endpoint:    c.String("endpoint"),
				limit:       c.Int("limit"),
				concurrency: c.Int("concurrency"),
				refresh:     c.Bool("refresh"),
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			deps, err := app.Build(ctx, cfg, nil, cliLogger(c), app.Options{})
			if err != nil {
				return err
			}
			defer deps.Close()

			var sink lookup.ProgressSink = lookup.NopSink{}
			if c.Bool("progress") {
				sink = &progressPrinter{w: os.Stderr}
			}

			snap, err := deps.Service.Lookup(ctx, req, sink)
			if err != nil {
				return fmt.Errorf("lookup failed: %s", lookup.UserMessage(err))
			}

			view, err := toClientSnapshot(snap)
			if err != nil {
				return err
			}
			return render(c.App.Writer, view, filters, c.Bool("json"))
		},
	}
}

type requestOptions struct {
	endpoint    string
	limit       int
	concurrency int
	refresh     bool
}

// buildRequest fills unset options from cfg and enforces the same allowed
// limit and concurrency values as the server.
func buildRequest(cfg *config.Config, address string, opts requestOptions) (lookup.Request, error) {
	req := lookup.Request{
		Address:     address,
		Endpoint:    cfg.SolanaRPCURL,
		Limit:       cfg.DefaultLimit,
		Concurrency: cfg.DefaultConcurrency,
		Refresh:     opts.refresh,
	}
	if opts.endpoint != "" {
		req.Endpoint = opts.endpoint
	}
	if opts.limit != 0 {
		if !cfg.AllowsLimit(opts.limit) {
			return req, fmt.Errorf("--limit must be one of %v", cfg.AllowedLimits)
		}
		req.Limit = opts.limit
	}
	if opts.concurrency != 0 {
		if !cfg.AllowsConcurrency(opts.concurrency) {
			return req, fmt.Errorf("--concurrency must be one of %v", cfg.AllowedConcurrency)
		}
		req.Concurrency = opts.concurrency
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

// progressPrinter writes lookup progress as it arrives.
type progressPrinter struct {
	w io.Writer
}

func (p *progressPrinter) Balance(balance decimal.Decimal) {
	fmt.Fprintf(p.w, "balance: %s SOL\n", balance.String())
}

func (p *progressPrinter) Started(total int) {
	fmt.Fprintf(p.w, "resolving %d transactions...\n", total)
}

func (p *progressPrinter) RowResolved(index int, row inference.Row, loaded, total int) {
	fmt.Fprintf(p.w, "[%d/%d] #%d %s %s\n", loaded, total, index+1, shortSignature(row.Signature), row.Direction)
}

// toClientSnapshot converts through the wire form so both lookup commands
// share one renderer.
func toClientSnapshot(snap *lookup.Snapshot) (*client.Snapshot, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	var out client.Snapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &out, nil
}

func compileFilters(exprs []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, 0, len(exprs))
	for _, expr := range exprs {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
		}
		code, err := gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// filterRows keeps the rows for which every filter yields a truthy first
// result. A filter that errors or yields nothing rejects the row.
func filterRows(rows []client.Row, filters []*gojq.Code) ([]client.Row, error) {
	if len(filters) == 0 {
		return rows, nil
	}

	kept := make([]client.Row, 0, len(rows))
	for _, row := range rows {
		// gojq only understands plain JSON values.
		data, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("failed to encode row %s: %w", row.Signature, err)
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("failed to decode row %s: %w", row.Signature, err)
		}

		match := true
		for _, code := range filters {
			result, ok := code.Run(v).Next()
			if !ok {
				match = false
				break
			}
			if _, isErr := result.(error); isErr || !isTruthy(result) {
				match = false
				break
			}
		}
		if match {
			kept = append(kept, row)
		}
	}
	return kept, nil
}

func isTruthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func render(w io.Writer, snap *client.Snapshot, filters []*gojq.Code, asJSON bool) error {
	rows, err := filterRows(snap.Rows, filters)
	if err != nil {
		return err
	}
	out := *snap
	out.Rows = rows

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	printSnapshot(w, &out)
	return nil
}

func printSnapshot(w io.Writer, snap *client.Snapshot) {
	fmt.Fprintf(w, "Wallet:       %s\n", snap.Address)
	if snap.Balance != nil {
		fmt.Fprintf(w, "Balance:      %s SOL\n", snap.Balance.String())
	} else {
		fmt.Fprintf(w, "Balance:      unavailable\n")
	}
	fmt.Fprintf(w, "Transactions: %d of %d loaded", snap.Loaded, snap.Total)
	if snap.Failures > 0 {
		fmt.Fprintf(w, ", %d failed", snap.Failures)
	}
	if snap.Unavailable > 0 {
		fmt.Fprintf(w, ", %d unavailable", snap.Unavailable)
	}
	fmt.Fprintln(w)
	if snap.FromCache && snap.CachedAt != nil {
		fmt.Fprintf(w, "Cached:       %s\n", snap.CachedAt.Format(time.RFC3339))
	}

	if len(snap.Tokens) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "MINT\tAMOUNT\tACCOUNTS")
		for _, t := range snap.Tokens {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", t.Mint, t.Amount.String(), t.AccountCount)
		}
		tw.Flush()
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SIGNATURE\tTIME\tSTATUS\tDIRECTION\tDELTA (SOL)\tFEE (SOL)")
	for _, row := range snap.Rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortSignature(row.Signature),
			formatTime(row.Timestamp),
			row.Status,
			row.Direction,
			formatDecimal(row.BalanceDelta),
			formatDecimal(row.Fee),
		)
	}
	tw.Flush()
}

func shortSignature(sig string) string {
	if len(sig) <= 16 {
		return sig
	}
	return sig[:8] + "..." + sig[len(sig)-8:]
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func formatDecimal(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.String()
}
