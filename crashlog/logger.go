// crashlog/logger.go
package crashlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chhz0/allsky/metrics"
	"github.com/chhz0/allsky/storage"
)

const (
	DefaultRAMCapacity     = 8192
	DefaultRTCCapacity     = 4096
	DefaultDurableCapacity = 3584
	DefaultNamespace       = "crashlog"
	DefaultTimeout         = 2 * time.Second

	// printf格式化缓冲大小（含结尾0），超出部分截断
	formatBufferSize = 256

	keyContent = "log"
	keyBoot    = "boot"
	keyTime    = "time"
)

var (
	ErrNotInitialized    = errors.New("crash logger not initialized")
	ErrNoDurableStore    = errors.New("durable log tier unavailable")
	ErrRAMTierAllocFail  = errors.New("RAM log tier allocation failed")
	// ErrRegionUnavailable 保留区读取失败，本次运行不写回保留区
	ErrRegionUnavailable = errors.New("retained region unavailable")
)

type State int

const (
	StateUninitialized State = iota
	StateInitialized
	// 上次异常结束，本次启动已转存保留层
	StateCrashRecovered
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateInitialized:
		return "INITIALIZED"
	case StateCrashRecovered:
		return "CRASH_DETECTED_AND_FLUSHED"
	default:
		return "UNKNOWN"
	}
}

type Options struct {
	RAMCapacity     int
	RTCCapacity     int
	DurableCapacity int

	// Region 保留层与启动计数所在区域，必填
	Region storage.Region
	// Store 为nil时持久层不可用
	Store     *storage.Store
	Namespace string

	Now     func() time.Time
	Timeout time.Duration
	// Alloc 分配RAM层缓冲，返回错误时仅禁用RAM层
	Alloc func(n int) ([]byte, error)
}

// DurableRecord 持久层中最近一次转存的内容
type DurableRecord struct {
	Content   string
	BootCount int64
	FlushedAt time.Time
}

// Logger 三层崩溃日志：RAM（本次运行）、RTC保留层（软复位保留）、NVS持久层（断电保留）
// 所有方法共用一把锁，可从多个goroutine调用
type Logger struct {
	opts Options

	mu            sync.Mutex
	state         State
	ram           *Ring
	retained      *retainedState
	lastBootCrash bool
	// regionLocked 为true时保留区中可能仍是上次的有效镜像，不能覆盖
	regionLocked  bool
	sessionStart  time.Time
	ns            *storage.Namespace
}

func New(opts Options) *Logger {
	if opts.RAMCapacity < 0 {
		opts.RAMCapacity = 0
	} else if opts.RAMCapacity == 0 {
		opts.RAMCapacity = DefaultRAMCapacity
	}
	if opts.RTCCapacity <= 0 {
		opts.RTCCapacity = DefaultRTCCapacity
	}
	if opts.DurableCapacity <= 0 {
		opts.DurableCapacity = DefaultDurableCapacity
	}
	if opts.Region == nil {
		opts.Region = storage.NewMemoryRegion()
	}
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Alloc == nil {
		opts.Alloc = func(n int) ([]byte, error) { return make([]byte, n), nil }
	}
	return &Logger{
		opts:  opts,
		state: StateUninitialized,
		ram:   NewRing(0),
	}
}

func (l *Logger) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), l.opts.Timeout)
}

// Begin 每次启动调用一次：分配RAM层、加载保留区、启动计数加一、检查崩溃标记
// 返回的错误均为降级提示，Logger 仍可使用
func (l *Logger) Begin() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, cancel := l.opCtx()
	defer cancel()

	var errs []error

	l.ram = NewRing(0)
	if l.opts.RAMCapacity > 0 {
		buf, err := l.opts.Alloc(l.opts.RAMCapacity)
		if err == nil && len(buf) == 0 {
			err = errors.New("empty buffer")
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrRAMTierAllocFail, err))
		} else {
			l.ram = newRingFrom(buf)
		}
	}

	retained, err := l.loadRetainedLocked(ctx)
	l.retained = retained
	l.regionLocked = err != nil
	if err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrRegionUnavailable, err))
	}
	l.retained.bootCount++
	l.sessionStart = l.opts.Now()
	l.lastBootCrash = l.retained.crashMarker != 0

	l.ns = nil
	if l.opts.Store != nil {
		ns, err := l.opts.Store.Open(ctx, l.opts.Namespace, false)
		if err != nil {
			errs = append(errs, fmt.Errorf("open durable namespace: %w", err))
		} else {
			l.ns = ns
		}
	}

	l.state = StateInitialized
	if !l.ram.Enabled() && l.opts.RAMCapacity > 0 {
		l.logLocked("WARNING: RAM log buffer allocation failed, RAM tier disabled")
	}
	if l.ns == nil {
		l.logLocked("WARNING: durable log tier unavailable")
	}
	if l.regionLocked {
		l.logLocked("WARNING: retained region unreadable, retained tier not persisted this session")
	}

	if l.lastBootCrash {
		l.logLocked(fmt.Sprintf("*** CRASH DETECTED: boot #%d follows an abnormal reset ***", l.retained.bootCount))
		if err := l.flushLocked(ctx, "crash_recovery"); err != nil {
			errs = append(errs, err)
		}
		l.retained.crashMarker = 0
		l.state = StateCrashRecovered
	} else {
		l.logLocked(fmt.Sprintf("=== Normal boot #%d ===", l.retained.bootCount))
	}
	l.persistLocked(ctx)

	metrics.BootCount.Set(float64(l.retained.bootCount))
	if l.lastBootCrash {
		metrics.LastBootCrash.Set(1)
	} else {
		metrics.LastBootCrash.Set(0)
	}

	return errors.Join(errs...)
}

// loadRetainedLocked 区域为空或镜像无效即为断电后的冷启动；
// 读取出错时同样返回空状态，并返回错误
func (l *Logger) loadRetainedLocked(ctx context.Context) (*retainedState, error) {
	data, err := l.opts.Region.Load(ctx)
	if err != nil {
		return &retainedState{ring: NewRing(l.opts.RTCCapacity)}, err
	}
	if data != nil {
		if st, err := decodeRetained(data, l.opts.RTCCapacity); err == nil {
			return st, nil
		}
	}
	return &retainedState{ring: NewRing(l.opts.RTCCapacity)}, nil
}

// persistLocked 保留区写入尽力而为，失败不影响RAM层
func (l *Logger) persistLocked(ctx context.Context) {
	if l.regionLocked {
		return
	}
	_ = l.opts.Region.Store(ctx, l.retained.encode())
}

func (l *Logger) uptimeLocked() time.Duration {
	return l.opts.Now().Sub(l.sessionStart)
}

// logLocked 加运行时间前缀写入RAM层和保留层，不落盘保留区
func (l *Logger) logLocked(msg string) {
	line := fmt.Sprintf("[%d] %s", l.uptimeLocked().Milliseconds(), msg)
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	l.appendLocked([]byte(line))
}

func (l *Logger) appendLocked(p []byte) {
	if n := l.ram.Append(p); n > 0 {
		metrics.LogBytes.WithLabelValues("ram").Add(float64(n))
	}
	if n := l.retained.ring.Append(p); n > 0 {
		metrics.LogBytes.WithLabelValues("rtc").Add(float64(n))
	}
}

// Log 写入一条消息；未初始化时丢弃
func (l *Logger) Log(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateUninitialized {
		return
	}
	l.logLocked(msg)

	ctx, cancel := l.opCtx()
	defer cancel()
	l.persistLocked(ctx)
}

// Logf 格式化结果超过 formatBufferSize-1 字节时截断
func (l *Logger) Logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if len(msg) > formatBufferSize-1 {
		// 退到字符边界，不截断多字节UTF-8
		cut := formatBufferSize - 1
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	l.Log(msg)
}

// Write 原样追加到RAM层和保留层
func (l *Logger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateUninitialized {
		return 0, ErrNotInitialized
	}
	l.appendLocked(p)

	ctx, cancel := l.opCtx()
	defer cancel()
	l.persistLocked(ctx)
	return len(p), nil
}

// MarkCrash 由panic/故障处理路径调用：置崩溃标记、记录时间并立即转存持久层
func (l *Logger) MarkCrash(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateUninitialized {
		return
	}

	ctx, cancel := l.opCtx()
	defer cancel()

	l.retained.crashMarker = CrashMarker
	l.logLocked(fmt.Sprintf("!!! CRASH at %s (uptime %dms, boot #%d): %s",
		l.opts.Now().UTC().Format(time.RFC3339), l.uptimeLocked().Milliseconds(), l.retained.bootCount, reason))
	l.persistLocked(ctx)
	_ = l.flushLocked(ctx, "crash")
}

// CrashGuard 须直接 defer 调用：捕获panic后记录崩溃并继续panic
func (l *Logger) CrashGuard() {
	if r := recover(); r != nil {
		l.MarkPanic(r)
		panic(r)
	}
}

// MarkPanic 供其他goroutine的panic恢复路径调用
func (l *Logger) MarkPanic(v any) {
	l.MarkCrash(fmt.Sprintf("panic: %v", v))
}

// SaveBeforeReboot 主动重启前调用，留下与崩溃可区分的记录
func (l *Logger) SaveBeforeReboot(reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateUninitialized {
		return ErrNotInitialized
	}

	ctx, cancel := l.opCtx()
	defer cancel()

	l.logLocked("Intentional reboot: " + reason)
	l.persistLocked(ctx)
	return l.flushLocked(ctx, "reboot")
}

// SaveToNVS 手动转存保留层到持久层
func (l *Logger) SaveToNVS() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateUninitialized {
		return ErrNotInitialized
	}

	ctx, cancel := l.opCtx()
	defer cancel()
	return l.flushLocked(ctx, "manual")
}

// flushLocked 覆盖写入，超出持久层容量时保留最新部分
func (l *Logger) flushLocked(ctx context.Context, reason string) error {
	if l.ns == nil {
		return ErrNoDurableStore
	}

	content := l.retained.ring.Bytes()
	if len(content) > l.opts.DurableCapacity {
		content = content[len(content)-l.opts.DurableCapacity:]
	}

	// 内容与元数据同一事务写入，避免新内容配旧启动号
	batch := storage.Batch{}
	batch.PutBytes(keyContent, content)
	batch.PutInt(keyBoot, int64(l.retained.bootCount))
	batch.PutInt(keyTime, l.opts.Now().UnixMilli())
	if err := l.ns.Commit(ctx, batch); err != nil {
		return fmt.Errorf("write durable log: %w", err)
	}
	metrics.DurableFlushes.WithLabelValues(reason).Inc()
	return nil
}

func (l *Logger) WasLastBootCrash() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastBootCrash
}

func (l *Logger) BootCount() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retained == nil {
		return 0
	}
	return l.retained.bootCount
}

func (l *Logger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Logger) Uptime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateUninitialized {
		return 0
	}
	return l.uptimeLocked()
}

func (l *Logger) RTCUsage() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retained == nil {
		return 0
	}
	return l.retained.ring.Len()
}

func (l *Logger) RAMUsage() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ram.Len()
}

func (l *Logger) RTCLogs() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retained == nil {
		return ""
	}
	return l.retained.ring.String()
}

func (l *Logger) RAMLogs() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ram.String()
}

func (l *Logger) DurableRecord() (DurableRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, cancel := l.opCtx()
	defer cancel()
	return l.durableRecordLocked(ctx)
}

func (l *Logger) durableRecordLocked(ctx context.Context) (DurableRecord, error) {
	if l.ns == nil {
		return DurableRecord{}, ErrNoDurableStore
	}
	content, err := l.ns.GetBytes(ctx, keyContent)
	if err != nil {
		return DurableRecord{}, err
	}
	rec := DurableRecord{Content: string(content)}
	// 元数据缺失不影响内容读取
	if boot, err := l.ns.GetInt(ctx, keyBoot); err == nil {
		rec.BootCount = boot
	}
	if ts, err := l.ns.GetInt(ctx, keyTime); err == nil {
		rec.FlushedAt = time.UnixMilli(ts)
	}
	return rec, nil
}

func (l *Logger) NVSLogs() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, cancel := l.opCtx()
	defer cancel()
	return l.nvsLogsLocked(ctx)
}

func (l *Logger) nvsLogsLocked(ctx context.Context) string {
	rec, err := l.durableRecordLocked(ctx)
	switch {
	case errors.Is(err, ErrNoDurableStore):
		return "(durable log tier unavailable)\n"
	case errors.Is(err, storage.ErrKeyNotFound):
		return "(no durable log saved)\n"
	case err != nil:
		return fmt.Sprintf("(durable log read failed: %v)\n", err)
	}
	return fmt.Sprintf("[saved at boot #%d, %s]\n%s", rec.BootCount,
		rec.FlushedAt.UTC().Format(time.RFC3339), rec.Content)
}

// RecentLogs 汇总启动信息和三层内容；maxBytes>0 时保留头部并截取最新内容
func (l *Logger) RecentLogs(maxBytes int) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateUninitialized {
		return "(crash logger not initialized)\n"
	}

	ctx, cancel := l.opCtx()
	defer cancel()

	crashed := "no"
	if l.lastBootCrash {
		crashed = "yes"
	}

	var header strings.Builder
	fmt.Fprintf(&header, "=== Boot #%d | Uptime %s | Last boot crash: %s ===\n",
		l.retained.bootCount, l.uptimeLocked().Round(time.Millisecond), crashed)
	fmt.Fprintf(&header, "RTC %d/%d bytes, RAM %d/%d bytes\n",
		l.retained.ring.Len(), l.retained.ring.Cap(), l.ram.Len(), l.ram.Cap())

	var body strings.Builder
	body.WriteString("--- NVS (last flush) ---\n")
	body.WriteString(l.nvsLogsLocked(ctx))
	body.WriteString("\n--- RTC (retained) ---\n")
	body.WriteString(l.retained.ring.String())
	body.WriteString("\n--- RAM (this session) ---\n")
	body.WriteString(l.ram.String())

	out := body.String()
	if maxBytes > 0 {
		room := maxBytes - header.Len()
		if room <= 0 {
			h := header.String()
			return h[:min(len(h), maxBytes)]
		}
		if len(out) > room {
			out = out[len(out)-room:]
		}
	}
	return header.String() + out
}

// ClearAll 清空三层内容和崩溃标记，启动计数保留
func (l *Logger) ClearAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateUninitialized {
		return ErrNotInitialized
	}

	ctx, cancel := l.opCtx()
	defer cancel()

	l.ram.Reset()
	l.retained.ring.Reset()
	l.retained.crashMarker = 0
	l.persistLocked(ctx)

	if l.ns == nil {
		return nil
	}
	for _, key := range []string{keyContent, keyBoot, keyTime} {
		if err := l.ns.Remove(ctx, key); err != nil {
			return fmt.Errorf("clear durable log: %w", err)
		}
	}
	return nil
}

// Close 释放RAM层；保留区内容不受影响
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ram = NewRing(0)
	l.state = StateUninitialized
	if l.ns != nil {
		err := l.ns.Close()
		l.ns = nil
		return err
	}
	return nil
}
