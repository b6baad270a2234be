package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/txlens/client"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with a txlens server",
		Subcommands: []*cli.Command{
			clientPriceCommand(),
			clientNameCommand(),
			clientNamesCommand(),
			clientTransactionsCommand(),
			{
				Name:  "session",
				Usage: "Enrichment session commands",
				Subcommands: []*cli.Command{
					sessionStartCommand(),
					sessionStatusCommand(),
					sessionWaitCommand(),
				},
			},
		},
	}
}

func newAPIClient(c *cli.Context, timeout time.Duration) *client.Client {
	var httpClient *http.Client
	if timeout > 0 {
		httpClient = &http.Client{Timeout: timeout}
	}
	return client.NewClient(c.String("server-url"), httpClient, newLogger(c))
}

func clientPriceCommand() *cli.Command {
	return &cli.Command{
		Name:      "price",
		Usage:     "Resolve a price through the server",
		ArgsUsage: "<symbol> [YYYY-MM-DD|today]",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 || c.NArg() > 2 {
				return fmt.Errorf("requires a symbol and an optional date")
			}
			date := c.Args().Get(1)
			if date == "" {
				date = "today"
			}
			p, err := newAPIClient(c, 0).GetPrice(c.Context, c.Args().First(), date)
			if err != nil {
				return fmt.Errorf("failed to get price: %w", err)
			}
			return printPrice(c, p)
		},
	}
}

func clientNameCommand() *cli.Command {
	return &cli.Command{
		Name:      "name",
		Usage:     "Resolve one address label through the server",
		ArgsUsage: "<address>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address")
			}
			n, err := newAPIClient(c, 0).GetName(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get name: %w", err)
			}
			return printNames(c, []client.Name{*n})
		},
	}
}

func clientNamesCommand() *cli.Command {
	return &cli.Command{
		Name:      "names",
		Usage:     "Resolve a batch of address labels through the server",
		ArgsUsage: "<address> [address...]",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("at least one address is required")
			}
			names, err := newAPIClient(c, 0).ResolveNames(c.Context, c.Args().Slice())
			if len(names) > 0 {
				if printErr := printNames(c, names); printErr != nil {
					return printErr
				}
			}
			if err != nil {
				return fmt.Errorf("resolved %d of %d addresses: %w", len(names), c.NArg(), err)
			}
			return nil
		},
	}
}

func clientTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "transactions",
		Usage:     "Fetch a transaction listing through the server",
		Aliases:   []string{"txs"},
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "kind",
				Aliases: []string{"k"},
				Usage:   "Listing kind: erc20, internal or normal",
				Value:   "normal",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address")
			}
			txns, err := newAPIClient(c, 0).ListTransactions(c.Context, c.Args().First(), c.String("kind"))
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}
			if wantsJSON(c) {
				return outputJSON(c, txns)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BLOCK\tTIME\tHASH\tFROM\tTO\tAMOUNT\tSYMBOL")
			for _, txn := range txns {
				ts := "-"
				if txn.BlockTime != nil {
					ts = txn.BlockTime.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					txn.BlockNumber, ts, txn.Hash, txn.From, txn.To, txn.Amount, txn.Symbol)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(txns))
			return nil
		},
	}
}

func sessionStartCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Start (or join) the enrichment session for an address",
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "kind",
				Aliases: []string{"k"},
				Usage:   "Listing kind to fetch (repeatable, default all)",
			},
			&cli.BoolFlag{
				Name:  "historical-prices",
				Usage: "Price each transaction on its own day (false prices everything today)",
				Value: true,
			},
			&cli.BoolFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Usage:   "Block until the session finishes",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "How often to poll while waiting",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address")
			}
			cl := newAPIClient(c, 0)
			session, err := cl.StartSession(c.Context, c.Args().First(), c.StringSlice("kind"), c.Bool("historical-prices"))
			if err != nil {
				return fmt.Errorf("failed to start session: %w", err)
			}
			if c.Bool("wait") {
				session, err = cl.WaitSession(c.Context, session.ID, c.Duration("poll-interval"))
				if err != nil {
					return fmt.Errorf("failed waiting for session: %w", err)
				}
			}
			return printSession(c, session)
		},
	}
}

func sessionStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show an enrichment session",
		ArgsUsage: "<session-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: session ID")
			}
			session, err := newAPIClient(c, 0).GetSession(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get session: %w", err)
			}
			return printSession(c, session)
		},
	}
}

func sessionWaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "wait",
		Usage:     "Block until an enrichment session finishes",
		ArgsUsage: "<session-id>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "Give up after this long (0 waits forever)",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "How often to poll",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: session ID")
			}
			ctx := c.Context
			if timeout := c.Duration("timeout"); timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			session, err := newAPIClient(c, 0).WaitSession(ctx, c.Args().First(), c.Duration("poll-interval"))
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("session still running after %s", c.Duration("timeout"))
			}
			if err != nil {
				return fmt.Errorf("failed waiting for session: %w", err)
			}
			return printSession(c, session)
		},
	}
}

func printSession(c *cli.Context, s *client.Session) error {
	if wantsJSON(c) {
		return outputJSON(c, s)
	}
	w := c.App.Writer
	fmt.Fprintf(w, "Session:   %s\n", s.ID)
	fmt.Fprintf(w, "Status:    %s\n", s.Status)
	if s.StartedAt != nil {
		fmt.Fprintf(w, "Started:   %s\n", s.StartedAt.Format(time.RFC3339))
	}
	if s.ClosedAt != nil {
		fmt.Fprintf(w, "Closed:    %s\n", s.ClosedAt.Format(time.RFC3339))
	}
	if s.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", s.Error)
	}
	if r := s.Result; r != nil {
		fmt.Fprintf(w, "\nAddress:   %s\n", r.Address)
		for kind, n := range r.Transactions {
			fmt.Fprintf(w, "  %-9s %d rows\n", kind+":", n)
		}
		fmt.Fprintf(w, "Names:     %d tagged, %d untagged of %d counter-parties\n", r.Tagged, r.Untagged, r.Counterparties)
		fmt.Fprintf(w, "Prices:    %d priced, %d fixed, %d no coin, %d no price of %d keys\n",
			r.Priced, r.Fixed, r.NoCoin, r.NoPrice, r.PriceKeys)
		fmt.Fprintf(w, "Published: %d\n", r.Published)
	}
	return nil
}
