package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/chhz0/allsky/config"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:           "allsky",
	Short:         "AllSky frame reliability core",
	Long:          `allsky runs the frame's retry task scheduler and crash-resilient logger, and inspects the logs they leave behind.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError 携带进程退出码，供外部守护进程区分重启原因
type exitError struct {
	code   int
	reason string
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit %d: %s", e.code, e.reason)
}

const (
	exitRestart  = 3
	exitWatchdog = 4
)

func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		slog.Info("Exiting for restart", "reason", exit.reason, "code", exit.code)
		os.Exit(exit.code)
	}
	slog.Error("Command failed", "error", err)
	os.Exit(1)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (built-in defaults when empty)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(runCmd, logsCmd, clearCmd)
}

// loadConfig 加载 .env 与配置文件，并初始化控制台日志
func loadConfig() (*config.AppConfig, slog.Handler, error) {
	_ = godotenv.Load()

	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}

	level := parseLevel(cfg.Logging.Level, slog.LevelInfo)
	if isDebug {
		level = slog.LevelDebug
	}
	console := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	})
	slog.SetDefault(slog.New(console))
	return cfg, console, nil
}

func parseLevel(s string, fallback slog.Level) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return fallback
	}
	return level
}
