package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chhz0/allsky/metrics"
	"github.com/chhz0/allsky/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Unix(0, 0).Add(d)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestScheduler(clock Clock, maxTasks int) *Scheduler {
	return NewScheduler(SchedulerConfig{MaxTasks: maxTasks, Clock: clock})
}

func TestImageDownloadExhaustsRetries(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := newTestScheduler(clock, 0)

	calls := 0
	alwaysFails := func() bool { calls++; return false }
	require.NoError(t, s.AddTask(types.TaskImageDownload, alwaysFails, "dl",
		WithMaxAttempts(3), WithRetryInterval(time.Second), WithExponentialBackoff(true)))

	s.Process()
	assert.Equal(t, types.StatusRetrying, s.TaskStatus(types.TaskImageDownload))
	assert.Equal(t, 1, calls)

	clock.Set(1000 * time.Millisecond)
	s.Process()
	assert.Equal(t, types.StatusRetrying, s.TaskStatus(types.TaskImageDownload))
	assert.Equal(t, 2, calls)

	clock.Set(3000 * time.Millisecond)
	s.Process()
	assert.Equal(t, types.StatusFailed, s.TaskStatus(types.TaskImageDownload))
	assert.Equal(t, 3, calls)

	clock.Set(10 * time.Second)
	s.Process()
	assert.Equal(t, 3, calls, "failed task must not be invoked again")
	assert.Equal(t, types.StatusFailed, s.TaskStatus(types.TaskImageDownload))
}

func TestBackoffSchedulesNextRetry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := newTestScheduler(clock, 0)
	calls := 0
	require.NoError(t, s.AddTask(types.TaskCustom, func() bool { calls++; return false }, "c",
		WithMaxAttempts(4), WithRetryInterval(time.Second)))

	s.Process()
	require.Equal(t, 1, calls)

	// 退避1s内不会重试
	clock.Set(900 * time.Millisecond)
	s.Process()
	assert.Equal(t, 1, calls)

	clock.Set(1000 * time.Millisecond)
	s.Process()
	assert.Equal(t, 2, calls)

	// 第二次失败后退避2s
	clock.Set(2900 * time.Millisecond)
	s.Process()
	assert.Equal(t, 2, calls)
	clock.Set(3000 * time.Millisecond)
	s.Process()
	assert.Equal(t, 3, calls)
}

func TestFixedIntervalRetries(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := newTestScheduler(clock, 0)
	calls := 0
	require.NoError(t, s.AddTask(types.TaskCustom, func() bool { calls++; return false }, "fixed",
		WithMaxAttempts(3), WithRetryInterval(500*time.Millisecond), WithExponentialBackoff(false)))

	for i := 0; i < 3; i++ {
		s.Process()
		clock.Advance(500 * time.Millisecond)
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, types.StatusFailed, s.TaskStatus(types.TaskCustom))
}

func TestProcessIsThrottled(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := newTestScheduler(clock, 0)
	var calls int
	require.NoError(t, s.AddTask(types.TaskCustom, func() bool { calls++; return false }, "t",
		WithRetryInterval(0), WithExponentialBackoff(false)))

	s.Process()
	clock.Advance(50 * time.Millisecond)
	s.Process()
	assert.Equal(t, 1, calls, "second scan within 100ms is skipped")

	clock.Advance(50 * time.Millisecond)
	s.Process()
	assert.Equal(t, 2, calls)
}

func TestSuccessIsTerminal(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := newTestScheduler(clock, 0)
	calls := 0
	require.NoError(t, s.AddTask(types.TaskNetworkConnect, func() bool { calls++; return calls == 2 }, "net",
		WithRetryInterval(100*time.Millisecond)))

	for i := 0; i < 10; i++ {
		s.Process()
		clock.Advance(time.Second)
	}
	assert.Equal(t, 2, calls)
	assert.Equal(t, types.StatusSuccess, s.TaskStatus(types.TaskNetworkConnect))
	assert.Equal(t, 0, s.ActiveTasks())
}

func TestAddTaskOverwritesSameType(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := newTestScheduler(clock, 0)
	require.NoError(t, s.AddTask(types.TaskMQTTConnect, func() bool { return false }, "first"))
	require.NoError(t, s.AddTask(types.TaskImageDownload, func() bool { return false }, "other"))
	s.Process()

	require.NoError(t, s.AddTask(types.TaskMQTTConnect, func() bool { return true }, "second"))

	tasks := s.Tasks()
	require.Len(t, tasks, 2)
	var mqtt []types.TaskSnapshot
	for _, task := range tasks {
		if task.Type == types.TaskMQTTConnect {
			mqtt = append(mqtt, task)
		}
	}
	require.Len(t, mqtt, 1)
	assert.Equal(t, "second", mqtt[0].Name)
	assert.Equal(t, 0, mqtt[0].Attempts)
	assert.Equal(t, types.StatusPending, mqtt[0].Status)
	// 重新注册的任务排在末尾
	assert.Equal(t, types.TaskMQTTConnect, tasks[1].Type)
}

func TestAddTaskRestartsFailedTask(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := newTestScheduler(clock, 0)
	require.NoError(t, s.AddTask(types.TaskImageDownload, func() bool { return false }, "dl", WithMaxAttempts(1)))
	s.Process()
	require.Equal(t, types.StatusFailed, s.TaskStatus(types.TaskImageDownload))

	require.NoError(t, s.AddTask(types.TaskImageDownload, func() bool { return true }, "dl", WithMaxAttempts(1)))
	clock.Advance(ProcessInterval)
	s.Process()
	assert.Equal(t, types.StatusSuccess, s.TaskStatus(types.TaskImageDownload))
}

func TestTableCapacity(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := newTestScheduler(clock, 2)
	require.NoError(t, s.AddTask(types.TaskNetworkConnect, func() bool { return false }, "net"))
	require.NoError(t, s.AddTask(types.TaskMQTTConnect, func() bool { return false }, "mqtt"))

	err := s.AddTask(types.TaskImageDownload, func() bool { return true }, "dl")
	assert.ErrorIs(t, err, ErrTaskTableFull)

	tasks := s.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "net", tasks[0].Name)
	assert.Equal(t, "mqtt", tasks[1].Name)
	assert.Equal(t, types.StatusFailed, s.TaskStatus(types.TaskImageDownload), "rejected task is unknown")

	// 同类型替换在满表时依然可用
	require.NoError(t, s.AddTask(types.TaskMQTTConnect, func() bool { return true }, "mqtt2"))
	assert.Len(t, s.Tasks(), 2)
}

func TestUnknownTaskReportsFailed(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(newFakeClock(), 0)
	assert.Equal(t, types.StatusFailed, s.TaskStatus(types.TaskSystemInit))
	assert.False(t, s.CancelTask(types.TaskSystemInit))
	assert.Contains(t, s.TaskStatusString(types.TaskSystemInit), "not registered")
}

func TestCancelTask(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := newTestScheduler(clock, 0)
	calls := 0
	require.NoError(t, s.AddTask(types.TaskCustom, func() bool { calls++; return false }, "c", WithRetryInterval(0)))
	s.Process()
	require.True(t, s.CancelTask(types.TaskCustom))

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		s.Process()
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, types.StatusCancelled, s.TaskStatus(types.TaskCustom))
}

func TestCancelDuringCallbackSticks(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(newFakeClock(), 0)
	require.NoError(t, s.AddTask(types.TaskCustom, func() bool {
		s.CancelTask(types.TaskCustom)
		return false
	}, "self-cancel"))
	s.Process()
	assert.Equal(t, types.StatusCancelled, s.TaskStatus(types.TaskCustom))
}

func statusGauge(t *testing.T, taskType types.TaskType) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.TaskStatus.WithLabelValues(taskType.String()).Write(&m))
	return m.GetGauge().GetValue()
}

// 不并行：状态指标按任务类型全局共享
func TestReplacedDuringCallbackDiscardsResult(t *testing.T) {
	clock := newFakeClock()
	s := newTestScheduler(clock, 0)

	replaced := false
	require.NoError(t, s.AddTask(types.TaskCustom, func() bool {
		if !replaced {
			replaced = true
			require.NoError(t, s.AddTask(types.TaskCustom, func() bool { return true }, "fresh"))
		}
		return false
	}, "stale", WithMaxAttempts(1)))

	s.Process()

	assert.Equal(t, types.StatusPending, s.TaskStatus(types.TaskCustom))
	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "fresh", tasks[0].Name)
	assert.Zero(t, tasks[0].Attempts)
	assert.Equal(t, float64(types.StatusPending), statusGauge(t, types.TaskCustom))
}

func TestRemovedDuringCallbackLeavesTable(t *testing.T) {
	clock := newFakeClock()
	s := newTestScheduler(clock, 0)

	require.NoError(t, s.AddTask(types.TaskCustom, func() bool {
		s.RemoveTask(types.TaskCustom)
		return true
	}, "gone"))
	s.Process()

	assert.Empty(t, s.Tasks())
	assert.Equal(t, types.StatusFailed, s.TaskStatus(types.TaskCustom))
}

func TestClearCompletedTasksKeepsOrder(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := newTestScheduler(clock, 0)
	require.NoError(t, s.AddTask(types.TaskNetworkConnect, func() bool { return true }, "ok"))
	require.NoError(t, s.AddTask(types.TaskMQTTConnect, func() bool { return false }, "retrying"))
	require.NoError(t, s.AddTask(types.TaskImageDownload, func() bool { return false }, "failed", WithMaxAttempts(1)))
	require.NoError(t, s.AddTask(types.TaskSystemInit, func() bool { return false }, "pending-cancel"))
	require.NoError(t, s.AddTask(types.TaskCustom, func() bool { return false }, "idle"))
	s.CancelTask(types.TaskSystemInit)
	s.Process()

	s.ClearCompletedTasks()
	tasks := s.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "retrying", tasks[0].Name)
	assert.Equal(t, "idle", tasks[1].Name)
}

func TestRemoveTask(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(newFakeClock(), 0)
	require.NoError(t, s.AddTask(types.TaskCustom, func() bool { return false }, "c"))
	s.Process()
	s.RemoveTask(types.TaskCustom)
	assert.Empty(t, s.Tasks())
	assert.Equal(t, "No retry tasks", s.AllTasksStatus())
}

func TestHasCriticalFailures(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(newFakeClock(), 0)
	require.NoError(t, s.AddTask(types.TaskImageDownload, func() bool { return false }, "dl", WithMaxAttempts(1)))
	s.Process()
	assert.False(t, s.HasCriticalFailures(), "image download is not critical")

	s2 := newTestScheduler(newFakeClock(), 0)
	require.NoError(t, s2.AddTask(types.TaskSystemInit, func() bool { return false }, "init", WithMaxAttempts(1)))
	s2.Process()
	assert.True(t, s2.HasCriticalFailures())
}

func TestWatchdogResetAroundCallback(t *testing.T) {
	t.Parallel()

	var resets int
	var during int
	s := NewScheduler(SchedulerConfig{
		Clock:    newFakeClock(),
		Watchdog: WatchdogFunc(func() { resets++ }),
	})
	require.NoError(t, s.AddTask(types.TaskCustom, func() bool { during = resets; return true }, "wd"))
	s.Process()

	assert.Equal(t, 1, during, "reset before callback")
	assert.Equal(t, 2, resets, "reset after callback")
}

func TestPanickingCallbackCountsAsFailure(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(newFakeClock(), 0)
	require.NoError(t, s.AddTask(types.TaskCustom, func() bool { panic("bad callback") }, "panic", WithMaxAttempts(1)))
	assert.NotPanics(t, s.Process)
	assert.Equal(t, types.StatusFailed, s.TaskStatus(types.TaskCustom))
}

func TestStatusStrings(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := newTestScheduler(clock, 0)
	require.NoError(t, s.AddTask(types.TaskImageDownload, func() bool {
		return false
	}, "dl", WithMaxAttempts(3), WithRetryInterval(time.Second)))
	s.Process()
	s.SetTaskError(types.TaskImageDownload, "http 503")

	str := s.TaskStatusString(types.TaskImageDownload)
	assert.Contains(t, str, "dl [Image Download]: RETRYING (attempt 1/3)")
	assert.Contains(t, str, "next retry in 1s")
	assert.Contains(t, str, "error: http 503")
	assert.Equal(t, str, s.AllTasksStatus())
}

func TestLoopDrivesScheduler(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	s := NewScheduler(SchedulerConfig{})
	require.NoError(t, s.AddTask(types.TaskSystemInit, func() bool {
		calls.Add(1)
		return false
	}, "init", WithMaxAttempts(1)))

	restarted := make(chan struct{})
	loop := NewLoop(s, nil, time.Millisecond, RestartOnCriticalFailure(s, func() { close(restarted) }))
	loop.Start(context.Background())
	defer loop.Stop()

	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("critical failure hook not invoked")
	}
	assert.Equal(t, int32(1), calls.Load())
}
