// crashlog/state.go
package crashlog

import (
	"encoding/binary"
	"errors"
)

const (
	retainedMagic = 0x52544331 // "RTC1"
	headerSize    = 6 * 4

	// CrashMarker 非零表示上次启动异常结束
	CrashMarker uint32 = 0xDEADBEEF
)

var errInvalidImage = errors.New("invalid retained image")

// retainedState 保留区镜像：启动计数、崩溃标记和保留层环形缓冲
type retainedState struct {
	bootCount   uint32
	crashMarker uint32
	ring        *Ring
}

// 布局（大端）：magic | capacity | bootCount | crashMarker | writePos | length | buf
func (s *retainedState) encode() []byte {
	capacity := s.ring.Cap()
	out := make([]byte, headerSize+capacity)
	binary.BigEndian.PutUint32(out[0:], retainedMagic)
	binary.BigEndian.PutUint32(out[4:], uint32(capacity))
	binary.BigEndian.PutUint32(out[8:], s.bootCount)
	binary.BigEndian.PutUint32(out[12:], s.crashMarker)
	binary.BigEndian.PutUint32(out[16:], uint32(s.ring.pos))
	binary.BigEndian.PutUint32(out[20:], uint32(s.ring.length))
	copy(out[headerSize:], s.ring.buf)
	return out
}

// decodeRetained 镜像缺失或与当前容量不符时返回错误，调用方按冷启动处理
func decodeRetained(data []byte, capacity int) (*retainedState, error) {
	if len(data) != headerSize+capacity {
		return nil, errInvalidImage
	}
	if binary.BigEndian.Uint32(data[0:]) != retainedMagic ||
		int(binary.BigEndian.Uint32(data[4:])) != capacity {
		return nil, errInvalidImage
	}

	buf := make([]byte, capacity)
	copy(buf, data[headerSize:])
	return &retainedState{
		bootCount:   binary.BigEndian.Uint32(data[8:]),
		crashMarker: binary.BigEndian.Uint32(data[12:]),
		ring: restoreRing(buf,
			int(binary.BigEndian.Uint32(data[16:])),
			int(binary.BigEndian.Uint32(data[20:]))),
	}, nil
}
