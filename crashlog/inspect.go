// crashlog/inspect.go
package crashlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/chhz0/allsky/storage"
)

// Snapshot 离线读取的保留层和持久层内容
type Snapshot struct {
	// Valid 为false表示保留区为空或镜像无效
	Valid        bool
	BootCount    uint32
	CrashPending bool
	Retained     string
	// Durable 为nil表示没有转存记录或持久层不可用
	Durable *DurableRecord
}

// Inspect 只读检查保留区和持久层，不增加启动计数也不清除崩溃标记
func Inspect(ctx context.Context, opts Options) (Snapshot, error) {
	l := New(opts)
	var snap Snapshot

	data, err := l.opts.Region.Load(ctx)
	if err != nil {
		return snap, fmt.Errorf("load retained region: %w", err)
	}
	if data != nil {
		if st, err := decodeRetained(data, l.opts.RTCCapacity); err == nil {
			snap.Valid = true
			snap.BootCount = st.bootCount
			snap.CrashPending = st.crashMarker != 0
			snap.Retained = st.ring.String()
		}
	}

	if l.opts.Store == nil {
		return snap, nil
	}
	ns, err := l.opts.Store.Open(ctx, l.opts.Namespace, true)
	if err != nil {
		return snap, err
	}
	defer ns.Close()
	l.ns = ns

	rec, err := l.durableRecordLocked(ctx)
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		return snap, nil
	case err != nil:
		return snap, err
	}
	snap.Durable = &rec
	return snap, nil
}

// Clear 离线清空保留层和持久层，保留启动计数；设备运行时应使用 Logger.ClearAll
func Clear(ctx context.Context, opts Options) error {
	l := New(opts)
	retained, err := l.loadRetainedLocked(ctx)
	if err != nil {
		return fmt.Errorf("load retained region: %w", err)
	}
	l.retained = retained
	if l.opts.Store != nil {
		ns, err := l.opts.Store.Open(ctx, l.opts.Namespace, false)
		if err != nil {
			return err
		}
		l.ns = ns
	}
	l.state = StateInitialized
	defer l.Close()
	return l.ClearAll()
}
