package config

import (
	"time"

	"github.com/chhz0/allsky/storage"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Device    DeviceConfig    `yaml:"device"`
	Logging   LoggingConfig   `yaml:"logging"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	CrashLog  CrashLogConfig  `yaml:"crashlog"`
	Storage   StorageConfig   `yaml:"storage"`
	Retained  RetainedConfig  `yaml:"retained"`
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Tasks     TasksConfig     `yaml:"tasks"`
}

// DeviceConfig identifies the frame. An empty ID is replaced by a random UUID.
type DeviceConfig struct {
	ID string `yaml:"id"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	// CrashLogLevel is the minimum level teed into the crash logger.
	CrashLogLevel string `yaml:"crashlog_level"`
}

type SchedulerConfig struct {
	MaxTasks     int           `yaml:"max_tasks"`
	TickInterval time.Duration `yaml:"tick_interval"`
	// RestartOnCriticalFailure exits the process when a critical task fails.
	RestartOnCriticalFailure bool `yaml:"restart_on_critical_failure"`
}

type WatchdogConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

type CrashLogConfig struct {
	RAMCapacity     int           `yaml:"ram_capacity"`
	RTCCapacity     int           `yaml:"rtc_capacity"`
	DurableCapacity int           `yaml:"durable_capacity"`
	Namespace       string        `yaml:"namespace"`
	Timeout         time.Duration `yaml:"timeout"`
}

// StorageConfig selects the durable tier backend.
type StorageConfig struct {
	Backend string      `yaml:"backend"` // bolt, sqlite, redis, memory
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
}

// RetainedConfig selects the region that survives a process restart.
type RetainedConfig struct {
	Backend string      `yaml:"backend"` // file, redis, memory
	Path    string      `yaml:"path"`
	Key     string      `yaml:"key"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

func (c RedisConfig) Storage() storage.RedisConfig {
	return storage.RedisConfig{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		Prefix:   c.Prefix,
	}
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type TransportConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Redis             RedisConfig   `yaml:"redis"`
	ChannelPrefix     string        `yaml:"channel_prefix"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// TasksConfig configures the built-in device tasks.
type TasksConfig struct {
	Network NetworkTaskConfig `yaml:"network"`
	Broker  TaskConfig        `yaml:"broker"`
	Image   ImageTaskConfig   `yaml:"image"`
	System  TaskConfig        `yaml:"system"`
}

// TaskConfig holds the retry settings shared by all built-in tasks.
type TaskConfig struct {
	Enabled            bool          `yaml:"enabled"`
	MaxAttempts        int           `yaml:"max_attempts"`
	RetryInterval      time.Duration `yaml:"retry_interval"`
	ExponentialBackoff *bool         `yaml:"exponential_backoff"`
}

// Backoff reports whether exponential backoff is on; unset means on.
func (c TaskConfig) Backoff() bool {
	return c.ExponentialBackoff == nil || *c.ExponentialBackoff
}

type NetworkTaskConfig struct {
	TaskConfig `yaml:",inline"`
	Address    string        `yaml:"address"`
	Timeout    time.Duration `yaml:"timeout"`
}

type ImageTaskConfig struct {
	TaskConfig `yaml:",inline"`
	URL        string        `yaml:"url"`
	Output     string        `yaml:"output"`
	Timeout    time.Duration `yaml:"timeout"`
}
