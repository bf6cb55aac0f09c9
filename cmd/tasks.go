package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/chhz0/allsky/config"
	"github.com/chhz0/allsky/core"
	"github.com/chhz0/allsky/storage"
	"github.com/chhz0/allsky/types"
)

// errorReporter 把回调失败原因写回任务，lock在回调期间已释放
type errorReporter func(taskType types.TaskType, err error)

func schedulerReporter(s *core.Scheduler) errorReporter {
	return func(taskType types.TaskType, err error) {
		s.SetTaskError(taskType, err.Error())
	}
}

func taskOptions(cfg config.TaskConfig) []core.TaskOption {
	opts := []core.TaskOption{core.WithExponentialBackoff(cfg.Backoff())}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, core.WithMaxAttempts(cfg.MaxAttempts))
	}
	if cfg.RetryInterval > 0 {
		opts = append(opts, core.WithRetryInterval(cfg.RetryInterval))
	}
	return opts
}

// networkProbe 能建立TCP连接即视为网络可用
func networkProbe(address string, timeout time.Duration, report errorReporter) types.Callback {
	return func() bool {
		conn, err := net.DialTimeout("tcp", address, timeout)
		if err != nil {
			report(types.TaskNetworkConnect, err)
			return false
		}
		conn.Close()
		return true
	}
}

func brokerConnect(cfg config.RedisConfig, timeout time.Duration, report errorReporter) types.Callback {
	return func() bool {
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: timeout,
		})
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			report(types.TaskMQTTConnect, err)
			return false
		}
		return true
	}
}

// imageDownload 下载完整后才替换目标文件
func imageDownload(url, output string, timeout time.Duration, report errorReporter) types.Callback {
	client := &http.Client{Timeout: timeout}
	return func() bool {
		if err := download(client, url, output); err != nil {
			report(types.TaskImageDownload, err)
			return false
		}
		return true
	}
}

func download(client *http.Client, url, output string) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(output), ".frame-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), output)
}

// systemInit 检查持久存储可读写
func systemInit(store *storage.Store, now func() time.Time, report errorReporter) types.Callback {
	return func() bool {
		if err := checkStore(store, now()); err != nil {
			report(types.TaskSystemInit, err)
			return false
		}
		return true
	}
}

func checkStore(store *storage.Store, now time.Time) error {
	if store == nil {
		return storage.ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ns, err := store.Open(ctx, "system", false)
	if err != nil {
		return err
	}
	defer ns.Close()

	want := now.UnixMilli()
	if err := ns.PutInt(ctx, "last_check", want); err != nil {
		return err
	}
	got, err := ns.GetInt(ctx, "last_check")
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("store read back %d, wrote %d", got, want)
	}
	return nil
}

// registerTasks 按配置注册内置任务
func registerTasks(s *core.Scheduler, cfg *config.AppConfig, store *storage.Store, log *slog.Logger) error {
	report := schedulerReporter(s)
	tasks := cfg.Tasks

	add := func(enabled bool, taskType types.TaskType, cb types.Callback, name string, tc config.TaskConfig) error {
		if !enabled {
			return nil
		}
		if err := s.AddTask(taskType, cb, name, taskOptions(tc)...); err != nil {
			return fmt.Errorf("add %s task: %w", name, err)
		}
		log.Info("Built-in task scheduled", "task", name)
		return nil
	}

	if err := add(tasks.System.Enabled, types.TaskSystemInit,
		systemInit(store, time.Now, report), "store check", tasks.System); err != nil {
		return err
	}
	if err := add(tasks.Network.Enabled, types.TaskNetworkConnect,
		networkProbe(tasks.Network.Address, tasks.Network.Timeout, report), "network probe", tasks.Network.TaskConfig); err != nil {
		return err
	}
	if err := add(tasks.Broker.Enabled, types.TaskMQTTConnect,
		brokerConnect(cfg.Transport.Redis, 5*time.Second, report), "broker connect", tasks.Broker); err != nil {
		return err
	}
	return add(tasks.Image.Enabled, types.TaskImageDownload,
		imageDownload(tasks.Image.URL, tasks.Image.Output, tasks.Image.Timeout, report), "image download", tasks.Image.TaskConfig)
}
