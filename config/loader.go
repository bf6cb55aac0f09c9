package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables, decodes YAML and fills defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *AppConfig {
	var cfg AppConfig
	cfg.setDefaults()
	return &cfg
}

func (c *AppConfig) setDefaults() {
	if c.Device.ID == "" {
		c.Device.ID = uuid.New().String()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.CrashLogLevel == "" {
		c.Logging.CrashLogLevel = "info"
	}

	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = 10 * time.Millisecond
	}
	if c.Watchdog.Timeout == 0 {
		c.Watchdog.Timeout = 60 * time.Second
	}

	if c.CrashLog.Namespace == "" {
		c.CrashLog.Namespace = "crashlog"
	}
	if c.CrashLog.Timeout == 0 {
		c.CrashLog.Timeout = 2 * time.Second
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "bolt"
	}
	if c.Storage.Path == "" {
		switch c.Storage.Backend {
		case "sqlite":
			c.Storage.Path = "allsky.db"
		default:
			c.Storage.Path = "allsky.bolt"
		}
	}

	if c.Retained.Backend == "" {
		c.Retained.Backend = "file"
	}
	if c.Retained.Path == "" {
		c.Retained.Path = "/dev/shm/allsky.rtc"
	}
	if c.Retained.Key == "" {
		c.Retained.Key = "allsky:" + c.Device.ID + ":rtc"
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Transport.ChannelPrefix == "" {
		c.Transport.ChannelPrefix = "allsky"
	}
	if c.Transport.HeartbeatInterval == 0 {
		c.Transport.HeartbeatInterval = 30 * time.Second
	}

	if c.Tasks.Network.Timeout == 0 {
		c.Tasks.Network.Timeout = 5 * time.Second
	}
	if c.Tasks.Image.Timeout == 0 {
		c.Tasks.Image.Timeout = 30 * time.Second
	}
	if c.Tasks.Image.Output == "" {
		c.Tasks.Image.Output = "frame.jpg"
	}
}

// Validate rejects combinations the runtime cannot build.
func (c *AppConfig) Validate() error {
	switch c.Storage.Backend {
	case "bolt", "sqlite", "memory":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Retained.Backend {
	case "file", "memory":
	case "redis":
		if c.Retained.Redis.Addr == "" {
			return fmt.Errorf("retained.redis.addr is required for the redis region")
		}
	default:
		return fmt.Errorf("unknown retained backend %q", c.Retained.Backend)
	}

	if c.Transport.Enabled && c.Transport.Redis.Addr == "" {
		return fmt.Errorf("transport.redis.addr is required when transport is enabled")
	}
	if c.Tasks.Network.Enabled && c.Tasks.Network.Address == "" {
		return fmt.Errorf("tasks.network.address is required")
	}
	if c.Tasks.Image.Enabled && !strings.HasPrefix(c.Tasks.Image.URL, "http") {
		return fmt.Errorf("tasks.image.url must be an http(s) URL")
	}
	if c.Tasks.Broker.Enabled && c.Transport.Redis.Addr == "" {
		return fmt.Errorf("tasks.broker requires transport.redis.addr")
	}
	return nil
}
