package main

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chhz0/allsky/config"
	"github.com/chhz0/allsky/storage"
	"github.com/chhz0/allsky/types"
)

type recordedErrors map[types.TaskType]error

func (r recordedErrors) report(taskType types.TaskType, err error) { r[taskType] = err }

func TestNetworkProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	errs := recordedErrors{}
	probe := networkProbe(addr, time.Second, errs.report)
	assert.True(t, probe())

	ln.Close()
	assert.False(t, probe())
	assert.Error(t, errs[types.TaskNetworkConnect])
}

func TestImageDownload(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "frames", "latest.jpg")
	errs := recordedErrors{}
	dl := imageDownload(srv.URL, out, time.Second, errs.report)

	require.True(t, dl())
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))

	healthy.Store(false)
	assert.False(t, dl())
	assert.ErrorContains(t, errs[types.TaskImageDownload], "503")
	data, err = os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data), "failed download keeps previous frame")
}

func TestSystemInit(t *testing.T) {
	errs := recordedErrors{}
	now := func() time.Time { return time.UnixMilli(1700000000000) }

	store := storage.NewStore(storage.NewMemoryBackend())
	assert.True(t, systemInit(store, now, errs.report)())

	assert.False(t, systemInit(nil, now, errs.report)())
	assert.True(t, errors.Is(errs[types.TaskSystemInit], storage.ErrClosed))
}

func TestBrokerConnectUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	errs := recordedErrors{}
	assert.False(t, brokerConnect(config.RedisConfig{Addr: addr}, 200*time.Millisecond, errs.report)())
	assert.Error(t, errs[types.TaskMQTTConnect])
}

func TestTaskOptions(t *testing.T) {
	off := false
	task := &types.Task{MaxAttempts: 5, BaseRetryInterval: 5 * time.Second, ExponentialBackoff: true}
	for _, opt := range taskOptions(config.TaskConfig{MaxAttempts: 2, RetryInterval: time.Second, ExponentialBackoff: &off}) {
		opt(task)
	}
	assert.Equal(t, 2, task.MaxAttempts)
	assert.Equal(t, time.Second, task.BaseRetryInterval)
	assert.False(t, task.ExponentialBackoff)

	task = &types.Task{MaxAttempts: 5}
	for _, opt := range taskOptions(config.TaskConfig{}) {
		opt(task)
	}
	assert.Equal(t, 5, task.MaxAttempts)
	assert.True(t, task.ExponentialBackoff)
}
