package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/guthubrx/rekall-sub000/internal/api"
	"github.com/guthubrx/rekall-sub000/internal/mcp"
)

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the REST API on the configured port.

Examples:
  rekall serve
  rekall serve --port 9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			logger := a.Logger
			if port > 0 {
				a.Config.Port = port
			}
			a.Start(ctx)

			addr := fmt.Sprintf(":%d", a.Config.Port)
			srv := &http.Server{
				Addr:         addr,
				Handler:      api.NewRouter(a, a.Config.APIKey, logger),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 60 * time.Second,
				IdleTimeout:  120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("rekall server starting", "addr", addr, "db", a.Config.DBPath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
			case serveErr = <-errCh:
			}
			logger.Info("shutting down...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown error", "error", err)
			}
			if err := a.Shutdown(shutdownCtx); err != nil {
				logger.Error("app shutdown error", "error", err)
			}
			logger.Info("server stopped")
			return serveErr
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override the configured port")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the knowledge base as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Shutdown(context.Background())
			a.Start(ctx)

			return mcp.NewServer(a.Memory, a.Logger).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
