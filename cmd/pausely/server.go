package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/pausely/pausely/internal/api"
	"github.com/pausely/pausely/internal/auth"
	"github.com/pausely/pausely/internal/config"
	"github.com/pausely/pausely/internal/ghostcard"
	"github.com/pausely/pausely/internal/learning"
	"github.com/pausely/pausely/internal/reflection"
	"github.com/pausely/pausely/internal/skillbook"
	"github.com/pausely/pausely/internal/storage"
	"github.com/pausely/pausely/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pausely server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "pausely version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.LogLevel, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	sessions, err := auth.NewSessions(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		return fmt.Errorf("initializing sessions: %w", err)
	}

	// Telemetry is optional; unconfigured backends drop everything.
	var scores api.ScoreSink = telemetry.Nop{}
	var traces learning.TraceSink = telemetry.Nop{}
	if cfg.TelemetryURL != "" {
		client := telemetry.NewClient(cfg.TelemetryURL, cfg.TelemetryAPIKey)
		scores, traces = client, client
		logger.Info("telemetry enabled", "url", cfg.TelemetryURL)
	}

	// Build the learning pipeline.
	adapter := skillbook.NewAdapter(store)
	curator := skillbook.NewCurator(adapter)
	reflector := reflection.NewGenerator(cfg.ReflectionURL, cfg.ReflectionModel)
	pipeline := learning.NewPipeline(reflector, curator, traces, store, logger)

	runner := api.NewRunner(logger)
	handler := api.NewAppHandler(api.AppDeps{
		Store:      store,
		Sessions:   sessions,
		Telemetry:  scores,
		Learning:   pipeline,
		GhostCards: ghostcard.NewDispatcher(store),
		Runner:     runner,
		Logger:     logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server for the intervention layer (stdio transport).
	if cfg.MCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:     store,
			Skillbook: adapter,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "pausely listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout, then let in-flight background work settle.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	runner.Wait()
	return nil
}
