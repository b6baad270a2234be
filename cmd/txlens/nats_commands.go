package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/txlens/service/etherscan"
	natspkg "github.com/brojonat/txlens/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand streams transaction events published for an address.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to transaction events for an address",
		ArgsUsage: "<address>",
		Description: `Stream the transactions that enrichment sessions publish to NATS JetStream.

Events are published to the subject txns.{address}.{kind}.

Example:
  txlens nats subscribe 0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae --kind erc20 --json`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "kind",
				Usage: "Only stream one listing kind (erc20, internal, normal)",
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "txlens-cli",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("address is required")
			}
			address, err := etherscan.NormalizeAddress(c.Args().First())
			if err != nil {
				return err
			}
			subject := "txns." + address + ".>"
			if raw := c.String("kind"); raw != "" {
				kind, err := etherscan.ParseKind(raw)
				if err != nil {
					return err
				}
				subject = "txns." + address + "." + string(kind)
			}

			consumerConfig := jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
			}
			if c.Bool("durable") {
				consumerConfig.Durable = c.String("consumer-name")
				consumerConfig.Name = c.String("consumer-name")
			}
			return streamTransactions(c, subject, consumerConfig)
		},
	}
}

// streamTransactions prints events matching the consumer until interrupted.
func streamTransactions(c *cli.Context, subject string, consumerConfig jetstream.ConsumerConfig) error {
	natsURL := c.String("nats-url")
	jsonOutput := wantsJSON(c)

	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if !jsonOutput {
		fmt.Fprintf(os.Stderr, "📡 Subscribing to: %s\n", subject)
		fmt.Fprintf(os.Stderr, "   NATS: %s\n", natsURL)
		if consumerConfig.Durable != "" {
			fmt.Fprintf(os.Stderr, "   Consumer: %s (durable)\n", consumerConfig.Durable)
		}
		fmt.Fprintf(os.Stderr, "\nWaiting for transactions... (Ctrl-C to exit)\n\n")
	}

	cons, err := js.CreateOrUpdateConsumer(c.Context, natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	msgChan := make(chan jetstream.Msg, 10)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			var event natspkg.TransactionEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				_ = msg.Ack()
				continue
			}
			count++

			if jsonOutput {
				if err := outputJSON(c, event); err != nil {
					return err
				}
			} else {
				printEvent(c, count, &event)
			}
			_ = msg.Ack()

		case <-sigChan:
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "\n✅ Received %d transactions\n", count)
			}
			return nil
		}
	}
}

func printEvent(c *cli.Context, n int, event *natspkg.TransactionEvent) {
	w := c.App.Writer
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Transaction #%d (%s)\n", n, event.Kind)
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Hash:         %s\n", event.Hash)
	fmt.Fprintf(w, "Block:        %d\n", event.BlockNumber)
	if !event.BlockTime.IsZero() {
		fmt.Fprintf(w, "Block Time:   %s\n", event.BlockTime.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "From:         %s\n", event.From)
	fmt.Fprintf(w, "To:           %s\n", event.To)
	fmt.Fprintf(w, "Amount:       %s %s\n", event.Amount, event.TokenSymbol)
	fmt.Fprintf(w, "Published:    %s\n\n", event.PublishedAt.Format(time.RFC3339))
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the transactions JetStream stream",
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

			if wantsJSON(c) {
				return outputJSON(c, info)
			}
			w := c.App.Writer
			fmt.Fprintf(w, "Stream: %s\n", info.Config.Name)
			fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
			fmt.Fprintf(w, "Description:  %s\n", info.Config.Description)
			fmt.Fprintf(w, "Subjects:     %v\n", info.Config.Subjects)
			fmt.Fprintf(w, "Messages:     %d\n", info.State.Msgs)
			fmt.Fprintf(w, "Bytes:        %d\n", info.State.Bytes)
			fmt.Fprintf(w, "First Seq:    %d\n", info.State.FirstSeq)
			fmt.Fprintf(w, "Last Seq:     %d\n", info.State.LastSeq)
			fmt.Fprintf(w, "Consumers:    %d\n", info.State.Consumers)
			fmt.Fprintf(w, "Max Age:      %s\n", info.Config.MaxAge)
			fmt.Fprintf(w, "Storage:      %s\n", info.Config.Storage)
			return nil
		},
	}
}
