package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the retry scheduler and crash logger until stopped",
	RunE:  runDevice,
}

func runDevice(cmd *cobra.Command, args []string) error {
	cfg, console, err := loadConfig()
	if err != nil {
		return err
	}

	d, err := newDevice(cfg, console)
	if err != nil {
		return err
	}
	// 主goroutine上未恢复的panic先记为崩溃
	defer d.crash.CrashGuard()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := d.start(ctx); err != nil {
		_ = d.stop(context.Background(), "startup failed")
		return err
	}
	d.log.Info("Device started", "config", cfgPath, "tasks", d.sched.ActiveTasks())

	var (
		reason  string
		restart bool
	)
	select {
	case sig := <-sigChan:
		reason = "signal " + sig.String()
		d.log.Info("Received signal, shutting down...", "signal", sig)
	case reason = <-d.restart:
		restart = true
		d.log.Warn("Restart requested", "reason", reason)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := d.stop(shutdownCtx, reason); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}
	if restart {
		return &exitError{code: exitRestart, reason: reason}
	}
	return nil
}
