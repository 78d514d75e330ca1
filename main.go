package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/errgroup"
)

// Build variables, set by ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "optional YAML config file")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("kontent-relay %s (%s)\n", version, commit)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, flushLogs := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	err = run(cfg, logger)
	flushLogs()
	if err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// run serves until SIGINT/SIGTERM, then shuts down.
func run(cfg Config, logger *slog.Logger) error {
	recordBuildInfo(cfg.Environment)

	var db *badger.DB
	if cfg.storeNeeded() {
		var err error
		db, err = openStore(cfg.Store.Path, logger)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	if cfg.Sender.APIKey == "" {
		logger.Warn("sender.api-key is empty; forwards will be rejected downstream")
	}
	if !cfg.StrictSignatures {
		logger.Warn("strict-signatures disabled; unsigned or mis-signed webhooks will be accepted")
	}

	srv := newServer(cfg, nil, db, logger)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Sender.Timeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	listener, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", httpServer.Addr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("webhook server started",
		"addr", listener.Addr().String(),
		"environment", cfg.Environment,
		"strict_signatures", cfg.StrictSignatures,
		"rate_limit", cfg.RateLimit.Enabled,
		"dedup_ttl", cfg.Dedup.TTL.String(),
		"detailed_logging", cfg.DetailedLogging,
		"config_file", cfg.ConfigPath,
		"version", version,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
