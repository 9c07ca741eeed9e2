package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"teamsbridge/internal/handlers"
)

// ServeCommand returns the CLI command that runs the HTTP API.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on, overrides PORT",
			},
		},
		Action: func(c *cli.Context) error {
			a, err := bootstrap(c, true)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := handlers.NewServer(handlers.Deps{
				Auth:       a.auth,
				Tokens:     a.tokens,
				Identity:   a.identity,
				Documents:  a.documents,
				Chats:      a.chats,
				Meetings:   a.meetings,
				Messages:   a.messages,
				Stats:      a.stats,
				Events:     a.events,
				AppBaseURL: a.cfg.AppBaseURL,
				APIKey:     a.cfg.APIKey,
			})
			if err != nil {
				return err
			}

			port := c.String("port")
			if port == "" {
				port = a.cfg.Port
			}
			httpServer := &http.Server{
				Addr:              ":" + port,
				Handler:           srv.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			go runRetention(ctx, a)

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("port", port).Msgf("Server starting on port %s...", port)
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			log.Info().Msg("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}
}

// runRetention deletes messages past the retention window once a day.
func runRetention(ctx context.Context, a *app) {
	days := a.cfg.MessageRetentionDays
	if days < 1 {
		log.Info().Msg("Message retention disabled")
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		if _, err := a.stats.Cleanup(ctx, days); err != nil {
			log.Error().Err(err).Int("days", days).Msg("Scheduled cleanup failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
