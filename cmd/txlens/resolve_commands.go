package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/txlens/client"
	"github.com/brojonat/txlens/service/app"
	"github.com/brojonat/txlens/service/config"
	"github.com/brojonat/txlens/service/etherscan"
	"github.com/brojonat/txlens/service/price"
	"github.com/urfave/cli/v2"
)

// withResolvers builds the resolvers from the environment, runs fn and
// flushes the caches afterwards, even when fn fails.
func withResolvers(c *cli.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if dbURL := c.String("database-url"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}

	ctx := c.Context
	a, err := app.Build(ctx, cfg, nil, newLogger(c))
	if err != nil {
		return err
	}

	runErr := fn(ctx, a)

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// parseDay accepts YYYY-MM-DD or "today".
func parseDay(raw string) (time.Time, error) {
	if raw == "" || raw == "today" {
		return time.Now(), nil
	}
	day, err := time.Parse(price.DayLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("date must be YYYY-MM-DD or today: %w", err)
	}
	return day, nil
}

func priceCommand() *cli.Command {
	return &cli.Command{
		Name:      "price",
		Usage:     "Resolve the USD price of a symbol on a day",
		ArgsUsage: "<symbol> [YYYY-MM-DD|today]",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 || c.NArg() > 2 {
				return fmt.Errorf("requires a symbol and an optional date")
			}
			symbol := strings.ToUpper(c.Args().Get(0))
			rawDate := c.Args().Get(1)
			if rawDate == "" {
				rawDate = "today"
			}
			day, err := parseDay(rawDate)
			if err != nil {
				return err
			}

			return withResolvers(c, func(ctx context.Context, a *app.App) error {
				out := client.Price{
					Symbol: symbol,
					Date:   rawDate,
					Day:    a.Prices.EffectiveDay(day).Format(price.DayLayout),
				}
				if res, ok := a.FixedPrices.Lookup(symbol); ok {
					out.Status = res.Status.String()
					out.PriceUSD = &res.USD
					out.Fixed = true
				} else {
					res, err := a.Prices.GetPrice(ctx, symbol, day)
					if err != nil && res.Status == 0 {
						return fmt.Errorf("failed to resolve price: %w", err)
					}
					out.Status = res.Status.String()
					if res.IsPriced() {
						out.PriceUSD = &res.USD
					}
				}
				return printPrice(c, &out)
			})
		},
	}
}

func printPrice(c *cli.Context, p *client.Price) error {
	if wantsJSON(c) {
		return outputJSON(c, p)
	}
	usd := "-"
	if p.PriceUSD != nil {
		usd = p.PriceUSD.String()
	}
	if p.Fixed {
		usd += " (fixed)"
	}
	fmt.Fprintf(c.App.Writer, "Symbol:  %s\n", p.Symbol)
	fmt.Fprintf(c.App.Writer, "Day:     %s\n", p.Day)
	fmt.Fprintf(c.App.Writer, "Status:  %s\n", p.Status)
	fmt.Fprintf(c.App.Writer, "USD:     %s\n", usd)
	return nil
}

func nameCommand() *cli.Command {
	return &cli.Command{
		Name:      "name",
		Usage:     "Resolve name tags for one or more addresses",
		ArgsUsage: "<address> [address...]",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("at least one address is required")
			}
			addresses := make([]string, 0, c.NArg())
			for _, raw := range c.Args().Slice() {
				addr, err := etherscan.NormalizeAddress(raw)
				if err != nil {
					return err
				}
				addresses = append(addresses, addr)
			}

			return withResolvers(c, func(ctx context.Context, a *app.App) error {
				labels, err := a.Names.GetNames(ctx, addresses, func(done, total int) {
					if total > 1 && !wantsJSON(c) {
						fmt.Fprintf(os.Stderr, "\rresolved %d/%d", done, total)
					}
				})
				if len(addresses) > 1 && !wantsJSON(c) {
					fmt.Fprintln(os.Stderr)
				}

				names := make([]client.Name, 0, len(labels))
				for _, addr := range addresses {
					label, ok := labels[addr]
					if !ok {
						continue
					}
					names = append(names, client.Name{
						Address: addr,
						Label:   label,
						Display: a.Names.Display(addr, label),
						Tagged:  label != a.Names.UntaggedLabel(),
					})
				}
				if printErr := printNames(c, names); printErr != nil {
					return printErr
				}
				if err != nil {
					return fmt.Errorf("resolved %d of %d addresses: %w", len(names), len(addresses), err)
				}
				return nil
			})
		},
	}
}

func printNames(c *cli.Context, names []client.Name) error {
	if wantsJSON(c) {
		return outputJSON(c, names)
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tLABEL\tDISPLAY")
	for _, n := range names {
		fmt.Fprintf(w, "%s\t%s\t%s\n", n.Address, n.Label, n.Display)
	}
	return w.Flush()
}

func fetchCommand() *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "Fetch the complete transaction listing for an address",
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "kind",
				Aliases: []string{"k"},
				Usage:   "Listing kind: erc20, internal or normal (repeatable, default all)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address")
			}
			var kinds []etherscan.Kind
			for _, raw := range c.StringSlice("kind") {
				kind, err := etherscan.ParseKind(raw)
				if err != nil {
					return err
				}
				kinds = append(kinds, kind)
			}

			return withResolvers(c, func(ctx context.Context, a *app.App) error {
				listings, err := a.Fetcher.FetchAll(ctx, c.Args().First(), kinds...)
				if err != nil {
					return err
				}
				if wantsJSON(c) {
					out := make(map[string][]client.Transaction, len(listings))
					for kind, rows := range listings {
						out[string(kind)] = toClientTransactions(rows)
					}
					return outputJSON(c, out)
				}

				w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "KIND\tBLOCK\tTIME\tHASH\tFROM\tTO\tAMOUNT\tSYMBOL")
				total := 0
				for _, kind := range etherscan.AllKinds {
					for _, row := range toClientTransactions(listings[kind]) {
						ts := "-"
						if row.BlockTime != nil {
							ts = row.BlockTime.Format(time.RFC3339)
						}
						fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
							kind, row.BlockNumber, ts, row.Hash, row.From, row.To, row.Amount, row.Symbol)
						total++
					}
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", total)
				return nil
			})
		},
	}
}

// toClientTransactions converts provider rows to the API's transaction shape.
func toClientTransactions(rows []etherscan.Transaction) []client.Transaction {
	out := make([]client.Transaction, 0, len(rows))
	for _, row := range rows {
		txn := client.Transaction{
			Hash:            row.Hash,
			BlockNumber:     row.BlockNumber,
			From:            row.From,
			To:              row.To,
			ContractAddress: row.ContractAddress,
			Symbol:          row.Symbol(),
			Value:           row.Value,
			IsError:         row.IsError == "1",
		}
		if ts, err := row.Time(); err == nil {
			txn.BlockTime = &ts
		}
		if amount, err := row.Amount(); err == nil {
			txn.Amount = amount.String()
		}
		out = append(out, txn)
	}
	return out
}

func coinsRefreshCommand() *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "Fetch a fresh coin list and replace today's snapshot",
		Action: func(c *cli.Context) error {
			return withResolvers(c, func(ctx context.Context, a *app.App) error {
				day := time.Now().UTC().Format(price.DayLayout)
				n, err := a.Directory.Refresh(ctx, day)
				if err != nil {
					return fmt.Errorf("failed to refresh coin list: %w", err)
				}
				if wantsJSON(c) {
					return outputJSON(c, map[string]interface{}{"day": day, "coins": n})
				}
				fmt.Fprintf(c.App.Writer, "✓ Coin list refreshed for %s (%d coins)\n", day, n)
				return nil
			})
		},
	}
}
