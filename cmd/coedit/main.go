// Package main runs the coedit coordination server.
// Clients communicate via REST plus a per-session WebSocket channel.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/coedit/cmd/coedit/handlers"
	"github.com/kimhsiao/coedit/internal/clock"
	"github.com/kimhsiao/coedit/internal/db"
	"github.com/kimhsiao/coedit/internal/editing"
	"github.com/kimhsiao/coedit/internal/logging"
	"github.com/kimhsiao/coedit/internal/ws"
)

// Version is set at build time.
var Version = "0.1.0"

type options struct {
	addr            string
	dataDir         string
	logLevel        string
	heartbeat       time.Duration
	staleAfter      time.Duration
	handshakeWindow time.Duration
	sweepInterval   time.Duration
	draftRetention  time.Duration
}

func main() {
	opts := options{}

	root := &cobra.Command{
		Use:     "coedit",
		Short:   "Collaborative editing coordinator",
		Long:    "coedit coordinates exclusive resource editing: lease-based locks, takeover handshakes and draft recovery.",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	flags := root.Flags()
	flags.StringVar(&opts.addr, "addr", envOr("COEDIT_ADDR", ":8090"), "listen address")
	flags.StringVar(&opts.dataDir, "data-dir", envOr("COEDIT_DATA_DIR", "./data"), "database directory")
	flags.StringVar(&opts.logLevel, "log-level", envOr("COEDIT_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flags.DurationVar(&opts.heartbeat, "heartbeat-interval", 5*time.Second, "expected client heartbeat interval")
	flags.DurationVar(&opts.staleAfter, "stale-after", 60*time.Second, "lock staleness threshold")
	flags.DurationVar(&opts.handshakeWindow, "handshake-window", 30*time.Second, "takeover response window")
	flags.DurationVar(&opts.sweepInterval, "sweep-interval", time.Second, "background sweep interval")
	flags.DurationVar(&opts.draftRetention, "draft-retention", 7*24*time.Hour, "how long inactive drafts are kept")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts options) error {
	log := logging.New(os.Stdout, opts.logLevel)

	cfg := editing.DefaultConfig()
	cfg.HeartbeatInterval = opts.heartbeat
	cfg.StaleAfter = opts.staleAfter
	cfg.HandshakeWindow = opts.handshakeWindow
	cfg.SweepInterval = opts.sweepInterval
	cfg.DraftRetention = opts.draftRetention
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(opts.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	database, err := db.Open(opts.dataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		return err
	}
	if err := migrator.Migrate(); err != nil {
		return err
	}

	clk := clock.Real{}
	repo := db.NewRepository(database.DB, clk)
	hub := ws.NewHub(log)
	svc := editing.NewService(repo, hub, clk, cfg, log)
	sweeper := editing.NewSweeper(svc, clk, cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sweeper.Run(ctx)

	srv := &http.Server{
		Addr:         opts.addr,
		Handler:      handlers.NewRouter(svc, hub, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", opts.addr).Info("coedit server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
