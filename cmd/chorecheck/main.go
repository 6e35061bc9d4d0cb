package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/dukerupert/chorecheck/internal/logging"
)

func main() {
	// A missing .env is fine; flags and the environment still apply.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "chorecheck:", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	var logLevel, logFormat string

	return &cli.Command{
		Name:  "chorecheck",
		Usage: "Household chore assignments with photo evidence and admin verification",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "debug, info, warn or error",
				Value:       "info",
				Sources:     cli.EnvVars("CHORECHECK_LOG_LEVEL"),
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "text or json",
				Value:       "text",
				Sources:     cli.EnvVars("CHORECHECK_LOG_FORMAT"),
				Destination: &logFormat,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			logging.Setup(os.Stderr, logLevel, logFormat)
			return ctx, nil
		},
		Commands: []*cli.Command{
			cmdServe(),
			cmdMigrate(),
			cmdHousehold(),
			cmdSession(),
			cmdVAPID(),
		},
	}
}

func dbPathFlag(dst *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "db-path",
		Usage:       "SQLite database file",
		Value:       "chorecheck.db",
		Sources:     cli.EnvVars("CHORECHECK_DB_PATH"),
		Destination: dst,
	}
}
