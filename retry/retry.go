// retry/retry.go
package retry

import (
	"time"

	"github.com/chhz0/allsky/types"
)

// RetryManager 负责任务尝试前后的状态转换
type RetryManager struct{}

func NewRetryManager() *RetryManager {
	return &RetryManager{}
}

// Exhausted 尝试次数已用尽
func (rm *RetryManager) Exhausted(task *types.Task) bool {
	return task.Attempts >= task.MaxAttempts
}

// Due 非成功/取消状态且到达重试时间
func (rm *RetryManager) Due(task *types.Task, now time.Time) bool {
	if task.Status == types.StatusSuccess || task.Status == types.StatusCancelled {
		return false
	}
	return !now.Before(task.NextRetry)
}

// BeginAttempt 计数并标记为运行中
func (rm *RetryManager) BeginAttempt(task *types.Task, now time.Time) {
	task.Attempts++
	task.Status = types.StatusRunning
	task.LastAttempt = now
}

// ApplyResult 根据回调结果推进状态
func (rm *RetryManager) ApplyResult(task *types.Task, ok bool, now time.Time) {
	switch {
	case ok:
		task.Status = types.StatusSuccess
	case rm.Exhausted(task):
		task.Status = types.StatusFailed
	default:
		task.Status = types.StatusRetrying
		task.NextRetry = now.Add(ComputeBackoff(task.BaseRetryInterval, task.Attempts, task.ExponentialBackoff))
	}
}
