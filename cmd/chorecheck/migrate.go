package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/dukerupert/chorecheck/internal/database"
)

func cmdMigrate() *cli.Command {
	var dbPath string

	return &cli.Command{
		Name:      "migrate",
		Aliases:   []string{"m"},
		Usage:     "Run a goose command (up, down, status, version, redo) against the database",
		ArgsUsage: "[command]",
		Flags:     []cli.Flag{dbPathFlag(&dbPath)},
		Action: func(ctx context.Context, c *cli.Command) error {
			command := c.Args().First()
			if command == "" {
				command = "up"
			}
			return database.Migrate(ctx, dbPath, command)
		},
	}
}
