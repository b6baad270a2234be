package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/brojonat/txlens/service/db"
	"github.com/brojonat/txlens/service/nametag"
	"github.com/urfave/cli/v2"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the cache tables if they do not exist",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(c.Context); err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, "✓ Cache tables are up to date")
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Count cached prices, names and coins",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "untagged-label",
				Usage:   "Sentinel stored for addresses without a name tag",
				EnvVars: []string{"UNTAGGED_LABEL"},
				Value:   nametag.DefaultUntaggedLabel,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			stats, err := store.Stats(c.Context, c.String("untagged-label"))
			if err != nil {
				return err
			}
			if wantsJSON(c) {
				return outputJSON(c, stats)
			}
			return printStats(c, stats)
		},
	}
}

func printStats(c *cli.Context, stats *db.Stats) error {
	statuses := make([]string, 0, len(stats.PricesByStatus))
	for status := range stats.PricesByStatus {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)

	w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CACHE\tKIND\tROWS")
	for _, status := range statuses {
		fmt.Fprintf(w, "price\t%s\t%d\n", status, stats.PricesByStatus[status])
	}
	fmt.Fprintf(w, "name\ttagged\t%d\n", stats.Names-stats.UntaggedNames)
	fmt.Fprintf(w, "name\tuntagged\t%d\n", stats.UntaggedNames)
	snapshot := "none"
	if stats.SnapshotDate != nil {
		snapshot = stats.SnapshotDate.Format(time.DateOnly)
	}
	fmt.Fprintf(w, "coin\t%s\t%d\n", snapshot, stats.Coins)
	return w.Flush()
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()
	pool, err := db.Connect(ctx, dbURL)
	if err != nil {
		return nil, nil, err
	}
	return db.NewStore(pool), pool.Close, nil
}
