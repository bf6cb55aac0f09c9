// core/loop.go
package core

import (
	"context"
	"sync"
	"time"
)

const DefaultTickInterval = 10 * time.Millisecond

// Processor 主循环每次迭代调用
type Processor interface {
	Process()
}

// Hook 每次迭代在 Process 之后调用
type Hook func(ctx context.Context)

// Loop 单线程协作式主循环
type Loop struct {
	processor Processor
	watchdog  Watchdog
	tick      time.Duration
	hooks     []Hook

	onPanic func(v any)

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

func NewLoop(processor Processor, watchdog Watchdog, tick time.Duration, hooks ...Hook) *Loop {
	if watchdog == nil {
		watchdog = NopWatchdog{}
	}
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	return &Loop{
		processor: processor,
		watchdog:  watchdog,
		tick:      tick,
		hooks:     hooks,
	}
}

func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true

	l.wg.Add(1)
	go l.run(ctx, l.onPanic)
}

// SetPanicHandler 在 Start 之前调用；循环goroutine panic时先调用 fn，再继续panic
func (l *Loop) SetPanicHandler(fn func(v any)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onPanic = fn
}

// Stop 等待当前迭代结束
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}

	l.cancel()
	l.wg.Wait()
	l.running = false
}

func (l *Loop) run(ctx context.Context, onPanic func(v any)) {
	defer l.wg.Done()
	defer recoverPanic(onPanic)

	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.iterate(ctx)
		}
	}
}

// recoverPanic 不取 l.mu：Stop 持锁等待本goroutine退出
func recoverPanic(fn func(v any)) {
	r := recover()
	if r == nil {
		return
	}
	if fn != nil {
		fn(r)
	}
	panic(r)
}

func (l *Loop) iterate(ctx context.Context) {
	l.watchdog.Reset()
	l.processor.Process()
	for _, hook := range l.hooks {
		hook(ctx)
	}
}

// RestartOnCriticalFailure 关键任务失败时调用一次 restart，由调用方决定如何重启
func RestartOnCriticalFailure(s *Scheduler, restart func()) Hook {
	var once sync.Once
	return func(ctx context.Context) {
		if s.HasCriticalFailures() {
			once.Do(restart)
		}
	}
}
