// types/types.go
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// 任务类型枚举，用于查找和取消；同类型任务同时只保留一个
type TaskType int

const (
	TaskNetworkConnect TaskType = iota
	TaskMQTTConnect
	TaskImageDownload
	TaskSystemInit
	TaskCustom
)

func (t TaskType) String() string {
	switch t {
	case TaskNetworkConnect:
		return "Network Connect"
	case TaskMQTTConnect:
		return "MQTT Connect"
	case TaskImageDownload:
		return "Image Download"
	case TaskSystemInit:
		return "System Init"
	case TaskCustom:
		return "Custom"
	default:
		return "Unknown"
	}
}

func (t TaskType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TaskType) UnmarshalText(text []byte) error {
	for c := TaskNetworkConnect; c <= TaskCustom; c++ {
		if c.String() == string(text) {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("unknown task type %q", text)
}

// 任务状态枚举
type TaskStatus int

const (
	StatusPending TaskStatus = iota
	StatusRunning
	StatusSuccess
	StatusFailed
	StatusRetrying
	StatusCancelled
)

func (s TaskStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRunning:
		return "RUNNING"
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailed:
		return "FAILED"
	case StatusRetrying:
		return "RETRYING"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

func (s TaskStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TaskStatus) UnmarshalText(text []byte) error {
	for c := StatusPending; c <= StatusCancelled; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown task status %q", text)
}

// Terminal 终态：成功、失败、取消
func (s TaskStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Callback 可重试操作，返回是否成功。调用方持有其生命周期
type Callback func() bool

// 重试任务
type Task struct {
	Type               TaskType
	Name               string
	Callback           Callback
	Status             TaskStatus
	Attempts           int
	MaxAttempts        int
	BaseRetryInterval  time.Duration
	ExponentialBackoff bool
	NextRetry          time.Time
	LastAttempt        time.Time
	ErrorMessage       string
}

// Snapshot 去掉回调后的只读副本
func (t *Task) Snapshot() TaskSnapshot {
	return TaskSnapshot{
		Type:               t.Type,
		Name:               t.Name,
		Status:             t.Status,
		Attempts:           t.Attempts,
		MaxAttempts:        t.MaxAttempts,
		BaseRetryInterval:  t.BaseRetryInterval,
		ExponentialBackoff: t.ExponentialBackoff,
		NextRetry:          t.NextRetry,
		LastAttempt:        t.LastAttempt,
		ErrorMessage:       t.ErrorMessage,
	}
}

type TaskSnapshot struct {
	Type               TaskType      `json:"type"`
	Name               string        `json:"name"`
	Status             TaskStatus    `json:"status"`
	Attempts           int           `json:"attempts"`
	MaxAttempts        int           `json:"max_attempts"`
	BaseRetryInterval  time.Duration `json:"base_retry_interval"`
	ExponentialBackoff bool          `json:"exponential_backoff"`
	NextRetry          time.Time     `json:"next_retry"`
	LastAttempt        time.Time     `json:"last_attempt"`
	ErrorMessage       string        `json:"error_message,omitempty"`
}

// 设备状态，供HTTP和发布通道使用
type DeviceStatus struct {
	DeviceID      string         `json:"device_id"`
	BootCount     uint32         `json:"boot_count"`
	LastBootCrash bool           `json:"last_boot_crash"`
	Uptime        time.Duration  `json:"uptime"`
	RTCUsage      int            `json:"rtc_usage"`
	RAMUsage      int            `json:"ram_usage"`
	Tasks         []TaskSnapshot `json:"tasks"`
	Timestamp     time.Time      `json:"timestamp"`
}

// 序列化设备状态
func (s *DeviceStatus) Serialize() ([]byte, error) {
	return json.Marshal(s)
}

// 反序列化设备状态
func DeserializeStatus(data []byte) (*DeviceStatus, error) {
	var status DeviceStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
