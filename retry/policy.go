// retry/policy.go
package retry

import (
	"time"
)

// 退避上限
const MaxBackoff = 60 * time.Second

// 重试策略接口，attempt为已执行的次数（从1开始）
type RetryPolicy interface {
	NextRetry(attempt int) time.Duration
}

// 指数退避策略：InitialDelay * 2^(attempt-1)，不超过MaxDelay
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (p *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	limit := p.MaxDelay
	if limit <= 0 {
		limit = MaxBackoff
	}

	delay := p.InitialDelay
	if delay <= 0 {
		return 0
	}
	if delay >= limit {
		return limit
	}
	// 逐次翻倍，超过一半即饱和，避免溢出
	for i := 1; i < attempt; i++ {
		if delay > limit/2 {
			return limit
		}
		delay *= 2
	}
	return delay
}

// 固定间隔策略
type FixedInterval struct {
	Interval time.Duration
}

func (p *FixedInterval) NextRetry(attempt int) time.Duration {
	return p.Interval
}

// ComputeBackoff 根据任务策略计算下次重试的等待时间
func ComputeBackoff(base time.Duration, attempt int, exponential bool) time.Duration {
	if !exponential {
		return (&FixedInterval{Interval: base}).NextRetry(attempt)
	}
	return (&ExponentialBackoff{InitialDelay: base, MaxDelay: MaxBackoff}).NextRetry(attempt)
}
