// Package main is the entry point for the mpuledger multipart upload server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bleepstore/mpuledger/internal/backend"
	"github.com/bleepstore/mpuledger/internal/config"
	"github.com/bleepstore/mpuledger/internal/ledger"
	"github.com/bleepstore/mpuledger/internal/lifecycle"
	"github.com/bleepstore/mpuledger/internal/listing"
	"github.com/bleepstore/mpuledger/internal/logging"
	"github.com/bleepstore/mpuledger/internal/metrics"
	"github.com/bleepstore/mpuledger/internal/server"
)

func main() {
	configPath := flag.String("config", "mpuledger.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		if _, err := logging.ParseLevel(*logLevel); err != nil {
			fmt.Fprintf(os.Stderr, "invalid -log-level: %v\n", err)
			os.Exit(2)
		}
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if cfg.Metrics.Enabled {
		metrics.Register()
	}

	if err := run(cfg); err != nil {
		slog.Error("mpuledger exited", "error", err)
		os.Exit(1)
	}
}

// run opens the ledger and backends, recovers in-flight uploads and serves
// until SIGINT or SIGTERM.
func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l, err := ledger.Open(ctx, cfg.Ledger)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer l.Close()

	backends, err := backend.OpenAll(ctx, cfg.Backends, cfg.Server.MaxPartSize)
	if err != nil {
		return fmt.Errorf("opening backends: %w", err)
	}

	lister := listing.NewEngine(l, cfg.Listing.DefaultMaxParts, cfg.Listing.MaxMaxParts)
	mgr := lifecycle.New(l, backends, lister, lifecycle.OptionsFromConfig(cfg))

	// Every startup is recovery: uploads begun before a crash are adopted
	// and stale or half-aborted ones are handled by the first cleanup pass.
	if _, err := mgr.Recover(ctx); err != nil {
		return err
	}
	if err := mgr.RunCleanup(ctx); err != nil {
		slog.Warn("Initial cleanup incomplete", "error", err)
	}
	mgr.Start(ctx)
	defer mgr.Stop()

	srv, err := server.New(cfg, mgr)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("mpuledger listening", "addr", addr, "default_backend", backends.Default(), "backends", backends.Names())
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped", "pending_cleanups", mgr.Pending())
		return nil
	case err := <-errCh:
		return err
	}
}
