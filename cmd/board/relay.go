package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fullscreen/board/internal/relay"
)

func newRelayCmd(a *app) *cobra.Command {
	var (
		addr   string
		origin string
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the websocket relay that connects board participants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.RelayAddr
			}
			srv := relay.New(relay.Options{
				LogCap:        a.cfg.RelayLogCap,
				AllowedOrigin: origin,
				Logger:        a.logger,
			})
			httpServer := &http.Server{
				Addr:              addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("relay: listening", "addr", addr, "log_cap", a.cfg.RelayLogCap)
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			}

			a.logger.Info("relay: shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := httpServer.Shutdown(shutdownCtx)
			// Shutdown leaves upgraded connections alone.
			srv.Close()
			if err != nil {
				return err
			}
			a.logger.Info("relay: stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default relay.addr)")
	cmd.Flags().StringVar(&origin, "allowed-origin", "", "origin allowed to connect, empty allows any")
	return cmd
}
