package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/omochice/listing-chat/internal/config"
	"github.com/omochice/listing-chat/internal/log"
	"github.com/omochice/listing-chat/internal/relay"
	"github.com/omochice/listing-chat/internal/transport/ws"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "chat-relay",
		Short: "Development relay speaking the listing chat protocol",
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default is ./config.yaml)")

	root.AddCommand(newServeCmd(&configPath), newTokenCmd(&configPath))
	return root
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.Relay.Secret == "" {
		return nil, errors.New("relay.secret is required (set CHAT_RELAY_SECRET)")
	}
	return cfg, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the websocket endpoint and the history API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Relay.Listen = listen
			}

			log.Init(cfg.Log)
			logger := log.L()

			r := relay.New(relay.Options{
				Secret:       cfg.Relay.Secret,
				WriteTimeout: cfg.Transport.WriteTimeout,
				Logger:       &logger,
			})
			srv := ws.New(cfg.Relay.Listen, r.Handler(), logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errChan := make(chan error, 1)
			go func() {
				errChan <- srv.Start()
			}()

			select {
			case err := <-errChan:
				if err != nil {
					return fmt.Errorf("relay stopped: %w", err)
				}
			case <-ctx.Done():
				logger.Info().Msg("shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			r.Close()
			if err := srv.Stop(shutdownCtx); err != nil {
				return fmt.Errorf("failed to stop relay: %w", err)
			}
			logger.Info().Msg("relay stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (overrides relay.listen)")
	return cmd
}

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		userID int64
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a token the relay accepts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID <= 0 {
				return errors.New("--user must be a positive id")
			}
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			tok, err := relay.NewAuthenticator(cfg.Relay.Secret).Issue(userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id to put in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
