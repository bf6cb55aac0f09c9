// core/watchdog.go
package core

import (
	"sync"
	"time"
)

// Watchdog 看门狗喂狗钩子，需廉价且幂等
type Watchdog interface {
	Reset()
}

type WatchdogFunc func()

func (f WatchdogFunc) Reset() { f() }

type NopWatchdog struct{}

func (NopWatchdog) Reset() {}

// SoftWatchdog 软件看门狗：超时未喂狗则调用 onExpire
type SoftWatchdog struct {
	timeout  time.Duration
	onExpire func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func NewSoftWatchdog(timeout time.Duration, onExpire func()) *SoftWatchdog {
	return &SoftWatchdog{timeout: timeout, onExpire: onExpire}
}

// Start 启动计时，重复调用等同于 Reset
func (w *SoftWatchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = false
	w.arm()
}

func (w *SoftWatchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.timer == nil {
		return
	}
	w.timer.Reset(w.timeout)
}

func (w *SoftWatchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *SoftWatchdog) arm() {
	if w.timer != nil {
		w.timer.Reset(w.timeout)
		return
	}
	w.timer = time.AfterFunc(w.timeout, w.expire)
}

func (w *SoftWatchdog) expire() {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped || w.onExpire == nil {
		return
	}
	w.onExpire()
}
