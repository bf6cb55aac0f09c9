// metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TaskAttempts 每种任务的尝试次数，按结果区分
	TaskAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allsky_task_attempts_total",
			Help: "Total number of retry task attempts",
		},
		[]string{"type", "result"},
	)

	// TaskAttemptDuration 单次回调耗时
	TaskAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "allsky_task_attempt_duration_seconds",
			Help:    "Retry task callback duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// TaskStatus 任务当前状态（枚举值）
	TaskStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "allsky_task_status",
			Help: "Current status of each registered retry task",
		},
		[]string{"type"},
	)

	// LogBytes 各层写入字节数
	LogBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allsky_log_bytes_total",
			Help: "Bytes appended to each log tier",
		},
		[]string{"tier"},
	)

	// DurableFlushes 持久层写入次数
	DurableFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allsky_log_durable_flushes_total",
			Help: "Flushes of the retained log tier into durable storage",
		},
		[]string{"reason"},
	)

	BootCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "allsky_boot_count",
			Help: "Boot counter kept in the retained region",
		},
	)

	LastBootCrash = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "allsky_last_boot_crash",
			Help: "1 if the previous boot ended abnormally",
		},
	)
)

func ObserveAttempt(taskType string, ok bool, d time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	TaskAttempts.WithLabelValues(taskType, result).Inc()
	TaskAttemptDuration.WithLabelValues(taskType).Observe(d.Seconds())
}
