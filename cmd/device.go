package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/chhz0/allsky/config"
	"github.com/chhz0/allsky/core"
	"github.com/chhz0/allsky/crashlog"
	"github.com/chhz0/allsky/middleware"
	"github.com/chhz0/allsky/server"
	"github.com/chhz0/allsky/storage"
	"github.com/chhz0/allsky/transport"
	"github.com/chhz0/allsky/types"
)

// device 组装一次运行所需的全部组件
type device struct {
	cfg *config.AppConfig
	log *slog.Logger

	store  *storage.Store
	region storage.Region
	closer io.Closer

	crash     *crashlog.Logger
	sched     *core.Scheduler
	watchdog  *core.SoftWatchdog
	loop      *core.Loop
	server    *server.Server
	transport *transport.RedisPubSub
	router    *transport.Router

	restart chan string
	// exit 看门狗超时时调用，测试中替换
	exit func(code int)
}

// newDevice 尽早启动崩溃日志；存储失败只降级不中断启动
func newDevice(cfg *config.AppConfig, console slog.Handler) (*device, error) {
	d := &device{
		cfg:     cfg,
		restart: make(chan string, 1),
		exit:    os.Exit,
	}

	region, closer, err := openRegion(cfg.Retained)
	if err != nil {
		return nil, err
	}
	d.region, d.closer = region, closer

	store, err := openStore(cfg.Storage)
	if err != nil {
		slog.Warn("Durable store unavailable, continuing without it", "backend", cfg.Storage.Backend, "error", err)
	}
	d.store = store

	d.crash = crashlog.New(crashLogOptions(cfg, d.region, d.store))
	if err := d.crash.Begin(); err != nil {
		slog.Warn("Crash logger degraded", "error", err)
	}

	crashLevel := parseLevel(cfg.Logging.CrashLogLevel, slog.LevelInfo)
	d.log = slog.New(crashlog.Tee(console, crashlog.NewTextHandler(d.crash, crashLevel))).
		With("device", cfg.Device.ID)
	slog.SetDefault(d.log)

	if d.crash.WasLastBootCrash() {
		d.log.Warn("Previous run ended abnormally, crash logs saved", "boot", d.crash.BootCount())
	} else {
		d.log.Info("Boot", "boot", d.crash.BootCount())
	}

	var wd core.Watchdog = core.NopWatchdog{}
	if cfg.Watchdog.Enabled {
		d.watchdog = core.NewSoftWatchdog(cfg.Watchdog.Timeout, d.onWatchdogExpired)
		wd = d.watchdog
	}

	d.sched = core.NewScheduler(core.SchedulerConfig{
		MaxTasks: cfg.Scheduler.MaxTasks,
		Watchdog: wd,
		Logger:   d.log,
		Middleware: []middleware.Middleware{
			middleware.Logger(d.log),
			middleware.Metrics(),
		},
	})

	var hooks []core.Hook
	if cfg.Scheduler.RestartOnCriticalFailure {
		hooks = append(hooks, core.RestartOnCriticalFailure(d.sched, func() {
			d.requestRestart("critical task failed")
		}))
	}
	d.loop = core.NewLoop(d.sched, wd, cfg.Scheduler.TickInterval, hooks...)
	d.loop.SetPanicHandler(d.crash.MarkPanic)

	d.router = transport.NewRouter(d.log)
	d.router.SetPanicHandler(d.crash.MarkPanic)
	d.router.Handle(transport.CommandReboot, func(ctx context.Context) error {
		d.requestRestart("remote command")
		return nil
	})
	d.router.Handle(transport.CommandFlushLogs, func(ctx context.Context) error {
		return d.crash.SaveToNVS()
	})
	d.router.Handle(transport.CommandClearLogs, func(ctx context.Context) error {
		return d.crash.ClearAll()
	})

	if cfg.Server.Enabled {
		d.server = server.NewServer(server.Config{
			Addr:   fmt.Sprintf(":%d", cfg.Server.Port),
			Tasks:  d.sched,
			Logs:   d.crash,
			Reboot: d.requestRestart,
			Logger: d.log,
		})
	}
	return d, nil
}

// requestRestart 非阻塞；已有待处理的重启请求时忽略
func (d *device) requestRestart(reason string) {
	select {
	case d.restart <- reason:
	default:
	}
}

// onWatchdogExpired 模拟硬件看门狗复位：标记崩溃后立即退出，不做清理
func (d *device) onWatchdogExpired() {
	d.crash.MarkCrash("watchdog timeout")
	d.exit(exitWatchdog)
}

func (d *device) status() *types.DeviceStatus {
	return &types.DeviceStatus{
		DeviceID:      d.cfg.Device.ID,
		BootCount:     d.crash.BootCount(),
		LastBootCrash: d.crash.WasLastBootCrash(),
		Uptime:        d.crash.Uptime(),
		RTCUsage:      d.crash.RTCUsage(),
		RAMUsage:      d.crash.RAMUsage(),
		Tasks:         d.sched.Tasks(),
		Timestamp:     time.Now(),
	}
}

// start 启动主循环和外围服务；transport连接失败时离线运行
func (d *device) start(ctx context.Context) error {
	if err := registerTasks(d.sched, d.cfg, d.store, d.log); err != nil {
		return err
	}

	d.loop.Start(ctx)
	if d.watchdog != nil {
		d.watchdog.Start()
	}

	if d.cfg.Transport.Enabled {
		t := d.cfg.Transport
		rs, err := transport.NewRedisTransport(transport.Config{
			Addr:              t.Redis.Addr,
			Password:          t.Redis.Password,
			DB:                t.Redis.DB,
			ChannelPrefix:     t.ChannelPrefix,
			NodeID:            d.cfg.Device.ID,
			HeartbeatInterval: t.HeartbeatInterval,
			OnPanic:           d.crash.MarkPanic,
		}, d.status, d.log)
		if err != nil {
			d.log.Warn("Transport unavailable, running offline", "addr", t.Redis.Addr, "error", err)
		} else {
			d.transport = rs
			cmds, err := rs.SubscribeCommands(ctx)
			if err != nil {
				d.log.Warn("Command subscription failed", "error", err)
			} else {
				go d.router.Serve(ctx, cmds)
			}
		}
	}

	if d.server != nil {
		go func() {
			if err := d.server.Start(); err != nil {
				d.log.Error("Diagnostics server stopped", "error", err)
			}
		}()
	}
	return nil
}

// stop 按启动的逆序关闭；reason 写入持久层作为有意重启记录
func (d *device) stop(ctx context.Context, reason string) error {
	var errs []error
	if d.server != nil {
		if err := d.server.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop server: %w", err))
		}
	}
	if d.transport != nil {
		if err := d.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	if d.watchdog != nil {
		d.watchdog.Stop()
	}
	d.loop.Stop()

	if err := d.crash.SaveBeforeReboot(reason); err != nil && !errors.Is(err, crashlog.ErrNoDurableStore) {
		errs = append(errs, fmt.Errorf("save logs: %w", err))
	}
	if err := d.crash.Close(); err != nil {
		errs = append(errs, err)
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if d.closer != nil {
		if err := d.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close region: %w", err))
		}
	}
	return errors.Join(errs...)
}
