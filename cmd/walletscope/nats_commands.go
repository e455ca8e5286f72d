package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/walletscope/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand streams snapshot events for one wallet or all wallets.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Stream snapshot events published after each fresh lookup",
		ArgsUsage: "[wallet_address]",
		Description: `Subscribe to snapshot events published to NATS JetStream.

Events are published to the subject wallets.{wallet_address}. Without an
address every wallet's events are shown.

Example:
  walletscope nats subscribe 9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "walletscope-cli",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() > 1 {
				return fmt.Errorf("at most one wallet address is allowed")
			}

			subject := natspkg.StreamSubjects
			if c.NArg() == 1 {
				subject = natspkg.SubjectPrefix + c.Args().First()
			}

			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			consumerConfig := jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
				DeliverPolicy: jetstream.DeliverNewPolicy,
			}
			if c.Bool("durable") {
				consumerConfig.Durable = c.String("consumer-name")
				consumerConfig.Name = c.String("consumer-name")
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumerConfig)
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			jsonOutput := c.Bool("json")
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "📡 Subscribing to: %s\n", subject)
				fmt.Fprintf(os.Stderr, "\nWaiting for snapshots... (Ctrl-C to exit)\n\n")
			}

			msgChan := make(chan jetstream.Msg, 10)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				msgChan <- msg
			})
			if err != nil {
				return fmt.Errorf("failed to start consuming: %w", err)
			}
			defer cc.Stop()

			count := 0
			for {
				select {
				case msg := <-msgChan:
					var event natspkg.SnapshotEvent
					if err := json.Unmarshal(msg.Data(), &event); err != nil {
						fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
						msg.Ack()
						continue
					}
					count++
					printEvent(c.App.Writer, &event, count, jsonOutput)
					msg.Ack()

				case <-ctx.Done():
					if !jsonOutput {
						fmt.Fprintf(os.Stderr, "\n✅ Received %d snapshots\n", count)
					}
					return nil
				}
			}
		},
	}
}

func printEvent(w io.Writer, event *natspkg.SnapshotEvent, n int, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.Marshal(event)
		fmt.Fprintln(w, string(data))
		return
	}

	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Snapshot #%d\n", n)
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Wallet:       %s\n", event.Address)
	fmt.Fprintf(w, "Endpoint:     %s\n", event.Endpoint)
	if event.Balance != nil {
		fmt.Fprintf(w, "Balance:      %s SOL\n", *event.Balance)
	}
	fmt.Fprintf(w, "Rows:         %d (limit %d)\n", event.RowCount, event.Limit)
	fmt.Fprintf(w, "Tokens:       %d\n", event.TokenCount)
	if event.Failures > 0 || event.Unavailable > 0 {
		fmt.Fprintf(w, "Incomplete:   %d failed, %d unavailable\n", event.Failures, event.Unavailable)
	}
	if event.NewestSignature != "" {
		fmt.Fprintf(w, "Newest:       %s\n", event.NewestSignature)
	}
	fmt.Fprintf(w, "Fetched:      %s\n", event.FetchedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "\n")
}

// inspectStreamCommand shows information about the snapshot stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the WALLETS JetStream stream",
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
			defer cancel()

			stream, err := js.Stream(ctx, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}
			info, err := stream.Info(ctx)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if c.Bool("json") {
				data, _ := json.MarshalIndent(info, "", "  ")
				fmt.Fprintln(c.App.Writer, string(data))
				return nil
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Stream: %s\n", info.Config.Name)
			fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
			fmt.Fprintf(w, "Subjects:     %v\n", info.Config.Subjects)
			fmt.Fprintf(w, "Messages:     %d\n", info.State.Msgs)
			fmt.Fprintf(w, "Bytes:        %d\n", info.State.Bytes)
			fmt.Fprintf(w, "Consumers:    %d\n", info.State.Consumers)
			fmt.Fprintf(w, "Max Age:      %s\n", info.Config.MaxAge)
			fmt.Fprintf(w, "Storage:      %s\n", info.Config.Storage)
			return nil
		},
	}
}
