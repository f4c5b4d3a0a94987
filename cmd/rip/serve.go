package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rip-run/rip/internal/authority"
	"github.com/rip-run/rip/internal/config"
	"github.com/rip-run/rip/internal/httpapi"
	"github.com/rip-run/rip/internal/ripd"
)

// serveCommand runs the authority daemon in the foreground: it binds the
// HTTP/SSE adapter, publishes authority/meta.json once listening (bind
// first, then write meta), and tears the lock down in reverse order on
// shutdown.
func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the rip authority daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("rip serve: load config: %w", err)
	}

	logger := ripd.NewLogger()

	guard, err := authority.TryAcquire(cfg.DataDir, cfg.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("rip serve: %w", err)
	}
	defer guard.Release()

	engine, err := ripd.NewSessionEngine(cfg.DataDir, cfg.WorkspaceRoot, logger)
	if err != nil {
		return fmt.Errorf("rip serve: build engine: %w", err)
	}
	defer engine.Close()

	listener, err := net.Listen("tcp", cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("rip serve: listen on %s: %w", cfg.ServerAddr, err)
	}

	endpoint := "http://" + listener.Addr().String()
	if err := guard.WriteMeta(authority.Meta{
		Endpoint:      endpoint,
		PID:           os.Getpid(),
		StartedAtMs:   time.Now().UnixMilli(),
		WorkspaceRoot: cfg.WorkspaceRoot,
	}); err != nil {
		return fmt.Errorf("rip serve: publish meta: %w", err)
	}

	retention := ripd.DefaultRetention
	if cfg.Tuning.JanitorRetentionHours > 0 {
		retention = time.Duration(cfg.Tuning.JanitorRetentionHours) * time.Hour
	}
	janitor := ripd.NewJanitor(engine.SnapshotDir(), cfg.WorkspaceRoot, retention, logger)
	janitor.Start()
	defer janitor.Stop()

	server := httpapi.NewServer(engine, logger)
	httpServer := &http.Server{Handler: server}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(listener) }()

	logger.Info("rip: authority listening", "endpoint", endpoint, "data_dir", cfg.DataDir, "workspace_root", cfg.WorkspaceRoot)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("rip serve: shutdown error", "error", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("rip serve: %w", err)
	}
}
