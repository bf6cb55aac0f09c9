// core/scheduler.go
package core

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chhz0/allsky/metrics"
	"github.com/chhz0/allsky/middleware"
	"github.com/chhz0/allsky/retry"
	"github.com/chhz0/allsky/types"
)

const (
	DefaultMaxTasks      = 10
	DefaultMaxAttempts   = 5
	DefaultRetryInterval = 5 * time.Second

	// 两次扫描之间的最小间隔
	ProcessInterval = 100 * time.Millisecond
)

var (
	ErrTaskTableFull = errors.New("retry task table is full")
)

type SchedulerConfig struct {
	MaxTasks   int
	Clock      Clock
	Watchdog   Watchdog
	Registry   *TaskRegistry
	Middleware []middleware.Middleware
	Logger     *slog.Logger
}

// Scheduler 固定容量的重试任务表，由主循环调用 Process 驱动
type Scheduler struct {
	tasks    []*types.Task
	maxTasks int

	clock    Clock
	watchdog Watchdog
	registry *TaskRegistry
	retry    *retry.RetryManager
	handler  middleware.Handler
	log      *slog.Logger

	lastScan time.Time
	scanned  bool
	mu       sync.Mutex
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = DefaultMaxTasks
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Watchdog == nil {
		cfg.Watchdog = NopWatchdog{}
	}
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// panic恢复放在最外层
	chain := middleware.Chain(append(
		[]middleware.Middleware{middleware.Recover(middleware.PanicLogger(cfg.Logger))},
		cfg.Middleware...,
	)...)

	return &Scheduler{
		tasks:    make([]*types.Task, 0, cfg.MaxTasks),
		maxTasks: cfg.MaxTasks,
		clock:    cfg.Clock,
		watchdog: cfg.Watchdog,
		registry: cfg.Registry,
		retry:    retry.NewRetryManager(),
		handler:  chain(invokeCallback),
		log:      cfg.Logger,
	}
}

func invokeCallback(task *types.Task) bool {
	if task.Callback == nil {
		return false
	}
	return task.Callback()
}

type TaskOption func(*types.Task)

func WithMaxAttempts(n int) TaskOption {
	return func(t *types.Task) { t.MaxAttempts = n }
}

func WithRetryInterval(d time.Duration) TaskOption {
	return func(t *types.Task) { t.BaseRetryInterval = d }
}

func WithExponentialBackoff(enabled bool) TaskOption {
	return func(t *types.Task) { t.ExponentialBackoff = enabled }
}

func WithErrorMessage(msg string) TaskOption {
	return func(t *types.Task) { t.ErrorMessage = msg }
}

// AddTask 注册任务；同类型已存在时先移除（后注册者覆盖）
func (s *Scheduler) AddTask(taskType types.TaskType, cb types.Callback, name string, opts ...TaskOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(taskType)

	if name == "" {
		name = s.registry.Name(taskType)
	}
	if len(s.tasks) >= s.maxTasks {
		s.log.Warn("Retry task table full, task dropped", "task", name, "type", taskType, "capacity", s.maxTasks)
		return ErrTaskTableFull
	}

	task := &types.Task{
		Type:               taskType,
		Name:               name,
		Callback:           cb,
		Status:             types.StatusPending,
		MaxAttempts:        DefaultMaxAttempts,
		BaseRetryInterval:  DefaultRetryInterval,
		ExponentialBackoff: true,
		NextRetry:          s.clock.Now(),
	}
	for _, opt := range opts {
		opt(task)
	}
	s.tasks = append(s.tasks, task)
	metrics.TaskStatus.WithLabelValues(taskType.String()).Set(float64(task.Status))

	s.log.Debug("Retry task added", "task", name, "type", taskType, "max_attempts", task.MaxAttempts)
	return nil
}

// Process 每次主循环调用；内部节流，至多每 ProcessInterval 扫描一次
func (s *Scheduler) Process() {
	now := s.clock.Now()

	s.mu.Lock()
	if s.scanned && now.Sub(s.lastScan) < ProcessInterval {
		s.mu.Unlock()
		return
	}
	s.scanned = true
	s.lastScan = now

	due := make([]*types.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if s.retry.Due(task, now) {
			due = append(due, task)
		}
	}
	s.mu.Unlock()

	// 按表顺序执行
	for _, task := range due {
		s.runTask(task, now)
	}
}

func (s *Scheduler) runTask(task *types.Task, now time.Time) {
	s.mu.Lock()
	// 前一个回调可能已移除或取消该任务
	if !slices.Contains(s.tasks, task) || !s.retry.Due(task, now) {
		s.mu.Unlock()
		return
	}
	if s.retry.Exhausted(task) {
		task.Status = types.StatusFailed
		s.setStatusMetric(task)
		s.mu.Unlock()
		return
	}
	s.retry.BeginAttempt(task, now)
	attempt := *task
	s.mu.Unlock()

	s.watchdog.Reset()
	ok := s.handler(&attempt)
	s.watchdog.Reset()

	s.mu.Lock()
	defer s.mu.Unlock()

	// 回调期间被同类型新任务替换或被移除，结果作废
	if !slices.Contains(s.tasks, task) {
		return
	}
	// 回调期间被取消则保持取消
	if task.Status != types.StatusRunning {
		return
	}
	s.retry.ApplyResult(task, ok, s.clock.Now())
	s.setStatusMetric(task)

	switch task.Status {
	case types.StatusFailed:
		s.log.Error("Retry task failed permanently", "task", task.Name, "type", task.Type,
			"attempts", task.Attempts, "error", task.ErrorMessage)
	case types.StatusRetrying:
		s.log.Debug("Retry task rescheduled", "task", task.Name, "attempt", task.Attempts,
			"next_retry", task.NextRetry, "error", task.ErrorMessage)
	}
}

func (s *Scheduler) setStatusMetric(task *types.Task) {
	metrics.TaskStatus.WithLabelValues(task.Type.String()).Set(float64(task.Status))
}

// TaskStatus 未注册的类型视为失败
func (s *Scheduler) TaskStatus(taskType types.TaskType) types.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task := s.findLocked(taskType); task != nil {
		return task.Status
	}
	return types.StatusFailed
}

// CancelTask 只阻止后续调度，不会中断正在执行的回调
func (s *Scheduler) CancelTask(taskType types.TaskType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := s.findLocked(taskType)
	if task == nil {
		return false
	}
	task.Status = types.StatusCancelled
	s.setStatusMetric(task)
	return true
}

// SetTaskError 回调可借此记录失败原因
func (s *Scheduler) SetTaskError(taskType types.TaskType, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task := s.findLocked(taskType); task != nil {
		task.ErrorMessage = msg
	}
}

func (s *Scheduler) RemoveTask(taskType types.TaskType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(taskType)
}

// ClearCompletedTasks 移除所有终态任务，保留其余任务的相对顺序
func (s *Scheduler) ClearCompletedTasks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = slices.DeleteFunc(s.tasks, func(task *types.Task) bool {
		return task.Status.Terminal()
	})
}

func (s *Scheduler) HasCriticalFailures() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		if task.Status == types.StatusFailed && s.registry.IsCritical(task.Type) {
			return true
		}
	}
	return false
}

// ActiveTasks 非终态任务数
func (s *Scheduler) ActiveTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, task := range s.tasks {
		if !task.Status.Terminal() {
			n++
		}
	}
	return n
}

func (s *Scheduler) Tasks() []types.TaskSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.TaskSnapshot, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.Snapshot())
	}
	return out
}

func (s *Scheduler) TaskStatusString(taskType types.TaskType) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := s.findLocked(taskType)
	if task == nil {
		return fmt.Sprintf("%s: not registered", s.registry.Name(taskType))
	}
	return s.describeLocked(task, s.clock.Now())
}

func (s *Scheduler) AllTasksStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return "No retry tasks"
	}
	now := s.clock.Now()
	var b strings.Builder
	for i, task := range s.tasks {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s.describeLocked(task, now))
	}
	return b.String()
}

func (s *Scheduler) describeLocked(task *types.Task, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]: %s (attempt %d/%d)", task.Name, s.registry.Name(task.Type),
		task.Status, task.Attempts, task.MaxAttempts)
	if task.Status == types.StatusRetrying || task.Status == types.StatusPending {
		wait := task.NextRetry.Sub(now)
		if wait < 0 {
			wait = 0
		}
		fmt.Fprintf(&b, ", next retry in %s", wait.Round(time.Millisecond))
	}
	if task.ErrorMessage != "" {
		fmt.Fprintf(&b, ", error: %s", task.ErrorMessage)
	}
	return b.String()
}

func (s *Scheduler) findLocked(taskType types.TaskType) *types.Task {
	for _, task := range s.tasks {
		if task.Type == taskType {
			return task
		}
	}
	return nil
}

func (s *Scheduler) removeLocked(taskType types.TaskType) {
	s.tasks = slices.DeleteFunc(s.tasks, func(task *types.Task) bool {
		return task.Type == taskType
	})
}
