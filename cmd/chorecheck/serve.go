package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/dukerupert/chorecheck/internal/database"
	"github.com/dukerupert/chorecheck/internal/media"
	"github.com/dukerupert/chorecheck/internal/server"
)

func cmdServe() *cli.Command {
	var (
		addr, dbPath, timezone, baseURL string
		cfg                             server.Config
		s3                              media.S3Config
	)

	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "HTTP listen address",
				Value:       ":8080",
				Sources:     cli.EnvVars("CHORECHECK_ADDR"),
				Destination: &addr,
			},
			dbPathFlag(&dbPath),
			&cli.StringFlag{
				Name:        "timezone",
				Usage:       "IANA zone due dates and time slots are interpreted in",
				Value:       "Local",
				Sources:     cli.EnvVars("CHORECHECK_TIMEZONE"),
				Destination: &timezone,
			},
			&cli.StringFlag{
				Name:        "base-url",
				Usage:       "Public URL of the app, used in notification links",
				Sources:     cli.EnvVars("CHORECHECK_BASE_URL"),
				Destination: &baseURL,
			},
			&cli.BoolFlag{
				Name:        "allow-resubmit",
				Usage:       "Let admins reopen rejected assignments for another submission",
				Sources:     cli.EnvVars("CHORECHECK_ALLOW_RESUBMIT"),
				Destination: &cfg.AllowResubmit,
			},
			&cli.StringSliceFlag{
				Name:        "origin-pattern",
				Usage:       "Allowed websocket origin host patterns",
				Sources:     cli.EnvVars("CHORECHECK_ORIGIN_PATTERNS"),
				Destination: &cfg.OriginPatterns,
			},
			&cli.StringFlag{
				Name:        "s3-endpoint",
				Category:    "Evidence storage",
				Sources:     cli.EnvVars("CHORECHECK_S3_ENDPOINT"),
				Destination: &s3.Endpoint,
			},
			&cli.StringFlag{
				Name:        "s3-bucket",
				Category:    "Evidence storage",
				Sources:     cli.EnvVars("CHORECHECK_S3_BUCKET"),
				Destination: &s3.Bucket,
			},
			&cli.StringFlag{
				Name:        "s3-region",
				Category:    "Evidence storage",
				Value:       "auto",
				Sources:     cli.EnvVars("CHORECHECK_S3_REGION"),
				Destination: &s3.Region,
			},
			&cli.StringFlag{
				Name:        "s3-access-key",
				Category:    "Evidence storage",
				Sources:     cli.EnvVars("CHORECHECK_S3_ACCESS_KEY"),
				Destination: &s3.AccessKey,
			},
			&cli.StringFlag{
				Name:        "s3-secret-key",
				Category:    "Evidence storage",
				Sources:     cli.EnvVars("CHORECHECK_S3_SECRET_KEY"),
				Destination: &s3.SecretKey,
			},
			&cli.StringFlag{
				Name:        "media-base-url",
				Usage:       "Public URL prefix for stored photos",
				Category:    "Evidence storage",
				Sources:     cli.EnvVars("CHORECHECK_MEDIA_BASE_URL"),
				Destination: &s3.PublicBaseURL,
			},
			&cli.StringFlag{
				Name:        "vapid-public-key",
				Category:    "Notifications",
				Sources:     cli.EnvVars("CHORECHECK_VAPID_PUBLIC_KEY"),
				Destination: &cfg.VAPIDPublic,
			},
			&cli.StringFlag{
				Name:        "vapid-private-key",
				Category:    "Notifications",
				Sources:     cli.EnvVars("CHORECHECK_VAPID_PRIVATE_KEY"),
				Destination: &cfg.VAPIDPrivate,
			},
			&cli.StringFlag{
				Name:        "vapid-subject",
				Category:    "Notifications",
				Sources:     cli.EnvVars("CHORECHECK_VAPID_SUBJECT"),
				Destination: &cfg.VAPIDSubject,
			},
			&cli.StringFlag{
				Name:        "slack-webhook-url",
				Usage:       "Incoming webhook that receives new-submission alerts",
				Category:    "Notifications",
				Sources:     cli.EnvVars("CHORECHECK_SLACK_WEBHOOK_URL"),
				Destination: &cfg.SlackWebhook,
			},
			&cli.StringFlag{
				Name:        "postmark-token",
				Usage:       "Postmark server token; enables email notifications",
				Category:    "Notifications",
				Sources:     cli.EnvVars("CHORECHECK_POSTMARK_TOKEN"),
				Destination: &cfg.PostmarkToken,
			},
			&cli.StringFlag{
				Name:        "email-from",
				Usage:       "Sender address for notification emails",
				Category:    "Notifications",
				Value:       "chores@localhost",
				Sources:     cli.EnvVars("CHORECHECK_EMAIL_FROM"),
				Destination: &cfg.EmailFrom,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			logger := slog.Default()

			loc, err := time.LoadLocation(timezone)
			if err != nil {
				return goerr.Wrap(err, "invalid timezone", goerr.V("timezone", timezone))
			}
			cfg.Location = loc
			cfg.BaseURL = baseURL
			cfg.S3 = s3

			db, err := database.Open(dbPath)
			if err != nil {
				return goerr.Wrap(err, "failed to open database", goerr.V("path", dbPath))
			}
			defer db.Close()

			srv := server.New(db, cfg, logger)
			srv.Start(ctx)
			defer srv.Stop()

			httpServer := &http.Server{
				Addr:         addr,
				Handler:      srv.Router(),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("chorecheck listening", "addr", addr, "timezone", loc.String(),
					"allow_resubmit", cfg.AllowResubmit, "evidence_storage", s3.Bucket != "",
					"web_push", cfg.VAPIDPublic != "", "slack", cfg.SlackWebhook != "", "email", cfg.PostmarkToken != "")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return goerr.Wrap(err, "server error")
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return goerr.Wrap(err, "shutdown error")
			}
			return nil
		},
	}
}
