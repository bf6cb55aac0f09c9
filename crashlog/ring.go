// crashlog/ring.go
package crashlog

// Ring 固定容量的环形字节缓冲，写满后覆盖最旧数据
// capacity 为0时为禁用状态，写入为空操作
type Ring struct {
	buf    []byte
	pos    int // 下一个写入位置
	length int // 有效字节数，不超过容量
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		return &Ring{}
	}
	return &Ring{buf: make([]byte, capacity)}
}

// newRingFrom 使用已分配的缓冲
func newRingFrom(buf []byte) *Ring {
	return &Ring{buf: buf}
}

// restoreRing 从保留区恢复；游标或长度越界时视为空
func restoreRing(buf []byte, pos, length int) *Ring {
	r := &Ring{buf: buf}
	if pos < 0 || pos >= len(buf) || length < 0 || length > len(buf) {
		return r
	}
	// 未回绕时游标必然等于长度
	if length < len(buf) && pos != length {
		return r
	}
	r.pos = pos
	r.length = length
	return r
}

func (r *Ring) Cap() int { return len(r.buf) }

func (r *Ring) Len() int { return r.length }

func (r *Ring) Enabled() bool { return len(r.buf) > 0 }

// Append 写入p；单条超过容量时只保留末尾 capacity-1 字节
func (r *Ring) Append(p []byte) int {
	capacity := len(r.buf)
	if capacity == 0 {
		return 0
	}
	if len(p) > capacity-1 {
		p = p[len(p)-(capacity-1):]
	}

	n := len(p)
	for len(p) > 0 {
		c := copy(r.buf[r.pos:], p)
		p = p[c:]
		r.pos = (r.pos + c) % capacity
	}
	r.length += n
	if r.length > capacity {
		r.length = capacity
	}
	return n
}

// Bytes 按时间顺序返回内容的拷贝
func (r *Ring) Bytes() []byte {
	out := make([]byte, 0, r.length)
	if r.length < len(r.buf) {
		return append(out, r.buf[:r.length]...)
	}
	out = append(out, r.buf[r.pos:]...)
	return append(out, r.buf[:r.pos]...)
}

func (r *Ring) String() string {
	return string(r.Bytes())
}

func (r *Ring) Reset() {
	clear(r.buf)
	r.pos = 0
	r.length = 0
}
