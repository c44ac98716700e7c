package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/groblegark/pqbus/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the queue inspection API over HTTP",
	Long: `Serve read-only inspection endpoints for the configured queue. The
daemon never claims or dispatches events; consumers run inside the
application that registered the handlers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		cfg, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		queueServer := server.NewQueueServer(st, logger)
		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           queueServer.NewHTTPHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("inspection API listening", "addr", cfg.HTTPAddr, "table", cfg.Queue.TableName)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			logger.Info("shutting down", "signal", sig.String())
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	},
}
