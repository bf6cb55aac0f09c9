package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/chhz0/allsky/config"
	"github.com/chhz0/allsky/crashlog"
)

var logsTier string

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the retained and durable crash logs without booting",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		return withOfflineLogs(cfg, true, func(ctx context.Context, opts crashlog.Options) error {
			snap, err := crashlog.Inspect(ctx, opts)
			if err != nil {
				return err
			}
			return printSnapshot(cmd.OutOrStdout(), snap, logsTier)
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Erase the retained and durable crash logs, keeping the boot counter",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		return withOfflineLogs(cfg, false, func(ctx context.Context, opts crashlog.Options) error {
			if err := crashlog.Clear(ctx, opts); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "crash logs cleared")
			return nil
		})
	},
}

func init() {
	logsCmd.Flags().StringVar(&logsTier, "tier", "all", "tier to print: all, rtc, nvs")
}

// withOfflineLogs 打开配置中的保留区和持久存储；只读时存储不可用不算错误
func withOfflineLogs(cfg *config.AppConfig, readOnly bool, fn func(ctx context.Context, opts crashlog.Options) error) error {
	region, closer, err := openRegion(cfg.Retained)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		if !readOnly {
			return err
		}
		store = nil
	}
	if store != nil {
		defer store.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, crashLogOptions(cfg, region, store))
}

func printSnapshot(w io.Writer, snap crashlog.Snapshot, tier string) error {
	switch tier {
	case "all", "rtc", "nvs":
	default:
		return fmt.Errorf("unknown tier %q", tier)
	}

	if tier == "all" {
		if snap.Valid {
			fmt.Fprintf(w, "=== Boot #%d | Crash pending: %t ===\n", snap.BootCount, snap.CrashPending)
		} else {
			fmt.Fprintln(w, "=== No retained image (cold start pending) ===")
		}
	}
	if tier == "all" || tier == "nvs" {
		fmt.Fprintln(w, "--- NVS (last flush) ---")
		if snap.Durable == nil {
			fmt.Fprintln(w, "(no durable log saved)")
		} else {
			fmt.Fprintf(w, "[saved at boot #%d, %s]\n%s\n", snap.Durable.BootCount,
				snap.Durable.FlushedAt.UTC().Format(time.RFC3339), snap.Durable.Content)
		}
	}
	if tier == "all" || tier == "rtc" {
		fmt.Fprintln(w, "--- RTC (retained) ---")
		fmt.Fprintln(w, snap.Retained)
	}
	return nil
}
