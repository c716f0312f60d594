package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/benaskins/warden/internal/api"
	"github.com/benaskins/warden/internal/audit"
	"github.com/benaskins/warden/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the warden daemon",
	Long:  "Start the process supervisor daemon. Loads runner specs and manages their lifecycle.",
	RunE:  runDaemon,
}

var apiAddr string

func init() {
	daemonCmd.Flags().StringVar(&apiAddr, "api-addr", "", "Optional TCP address for API (e.g. 127.0.0.1:9090); overrides api_addr in the config")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if apiAddr == "" {
		apiAddr = cfg.APIAddr
	}

	// Ensure spec directory exists
	if err := os.MkdirAll(cfg.SpecDir, 0755); err != nil {
		return fmt.Errorf("creating spec dir: %w", err)
	}

	slog.Info("warden daemon starting", "spec_dir", cfg.SpecDir, "platform", cfg.Platform)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	socketPath := defaultSocketPath()
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}

	// Audit log lives beside the socket
	auditLog, err := audit.NewLogger(filepath.Join(filepath.Dir(socketPath), "audit.log"))
	if err != nil {
		return err
	}
	defer auditLog.Close()

	// Create and start daemon
	opts := append(daemon.OptionsFromConfig(cfg), daemon.WithAudit(auditLog))
	d, err := daemon.NewDaemon(cfg.SpecDir, opts...)
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	// Start API server, removing any stale socket first
	os.Remove(socketPath)
	srv := api.NewServer(d, ctx, api.WithAudit(auditLog))

	// Start API in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenUnix(socketPath)
	}()

	// Optionally start TCP API
	if apiAddr != "" {
		go func() {
			if err := srv.ListenTCP(apiAddr); err != nil {
				slog.Error("TCP API error", "error", err)
			}
		}()
	}

	slog.Info("warden daemon ready")

	// Wait for signal or error
	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("API server error", "error", err)
		}
	}

	// Graceful shutdown
	cancel()
	d.Stop(cfg.StopTimeout.Duration)
	srv.Shutdown(context.Background())
	os.Remove(socketPath)

	slog.Info("warden daemon stopped")
	return nil
}
