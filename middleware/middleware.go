// middleware/middleware.go
package middleware

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/chhz0/allsky/metrics"
	"github.com/chhz0/allsky/types"
)

// Handler 执行一次任务尝试，task 为当前尝试的只读副本
type Handler func(task *types.Task) bool
type Middleware func(next Handler) Handler

// 中间件链
func Chain(middlewares ...Middleware) Middleware {
	return func(final Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// 日志中间件
func Logger(log *slog.Logger) Middleware {
	if log == nil {
		log = slog.Default()
	}
	return func(next Handler) Handler {
		return func(task *types.Task) bool {
			start := time.Now()
			log.Debug("Task attempt started", "task", task.Name, "type", task.Type, "attempt", task.Attempts)

			ok := next(task)

			duration := time.Since(start)
			if ok {
				log.Info("Task attempt succeeded", "task", task.Name, "attempt", task.Attempts, "duration", duration)
			} else {
				log.Warn("Task attempt failed", "task", task.Name, "attempt", task.Attempts,
					"max_attempts", task.MaxAttempts, "duration", duration)
			}
			return ok
		}
	}
}

// 指标收集中间件
func Metrics() Middleware {
	return func(next Handler) Handler {
		return func(task *types.Task) bool {
			start := time.Now()
			ok := next(task)
			metrics.ObserveAttempt(task.Type.String(), ok, time.Since(start))
			return ok
		}
	}
}

// Recover 回调panic视为一次失败，onPanic 可为nil
func Recover(onPanic func(task *types.Task, v any)) Middleware {
	return func(next Handler) Handler {
		return func(task *types.Task) (ok bool) {
			defer func() {
				if r := recover(); r != nil {
					if onPanic != nil {
						onPanic(task, r)
					}
					ok = false
				}
			}()
			return next(task)
		}
	}
}

// PanicLogger 把panic写入日志，配合Recover使用
func PanicLogger(log *slog.Logger) func(task *types.Task, v any) {
	if log == nil {
		log = slog.Default()
	}
	return func(task *types.Task, v any) {
		log.Error("Task callback panicked", "task", task.Name, "panic", fmt.Sprint(v))
	}
}
