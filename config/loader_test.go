package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_EnvSubstitution(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "redis.local:6380")

	cfg, err := Load(writeConfig(t, `
device:
  id: frame-42
transport:
  enabled: true
  redis:
    addr: ${TEST_REDIS_ADDR}
`))
	require.NoError(t, err)
	assert.Equal(t, "frame-42", cfg.Device.ID)
	assert.Equal(t, "redis.local:6380", cfg.Transport.Redis.Addr)
	assert.Equal(t, "allsky:frame-42:rtc", cfg.Retained.Key)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Device.ID)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 10*time.Millisecond, cfg.Scheduler.TickInterval)
	assert.Equal(t, "bolt", cfg.Storage.Backend)
	assert.Equal(t, "allsky.bolt", cfg.Storage.Path)
	assert.Equal(t, "file", cfg.Retained.Backend)
	assert.Equal(t, "/dev/shm/allsky.rtc", cfg.Retained.Path)
	assert.Equal(t, "crashlog", cfg.CrashLog.Namespace)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Transport.HeartbeatInterval)
	assert.True(t, cfg.Tasks.System.Backoff())
}

func TestLoad_Tasks(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
storage:
  backend: sqlite
tasks:
  network:
    enabled: true
    address: 192.168.1.1:53
    max_attempts: 3
    retry_interval: 2s
    exponential_backoff: false
  image:
    enabled: true
    url: http://frames.local/latest.jpg
    timeout: 10s
`))
	require.NoError(t, err)
	assert.Equal(t, "allsky.db", cfg.Storage.Path)

	net := cfg.Tasks.Network
	assert.True(t, net.Enabled)
	assert.Equal(t, "192.168.1.1:53", net.Address)
	assert.Equal(t, 3, net.MaxAttempts)
	assert.Equal(t, 2*time.Second, net.RetryInterval)
	assert.False(t, net.Backoff())
	assert.Equal(t, 5*time.Second, net.Timeout)

	assert.Equal(t, 10*time.Second, cfg.Tasks.Image.Timeout)
	assert.Equal(t, "frame.jpg", cfg.Tasks.Image.Output)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown storage", "storage:\n  backend: etcd\n"},
		{"redis storage without addr", "storage:\n  backend: redis\n"},
		{"unknown region", "retained:\n  backend: flash\n"},
		{"transport without addr", "transport:\n  enabled: true\n"},
		{"network task without address", "tasks:\n  network:\n    enabled: true\n"},
		{"image task with bad url", "tasks:\n  image:\n    enabled: true\n    url: ftp://x\n"},
		{"malformed yaml", "device: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.NotEqual(t, Default().Device.ID, cfg.Device.ID)
}
