package main

import (
	"fmt"

	"github.com/brojonat/walletscope/service/db"
	"github.com/urfave/cli/v2"
)

func purgeCacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "Delete expired entries from the Postgres cache",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL",
				EnvVars:  []string{"DATABASE_URL"},
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			pool, err := db.Connect(c.Context, c.String("database-url"))
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := db.NewStore(pool).PurgeExpired(c.Context)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "✓ Purged %d expired entries\n", n)
			return nil
		},
	}
}
