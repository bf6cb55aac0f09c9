// core/clock.go
package core

import "time"

// Clock 单调时钟
type Clock interface {
	Now() time.Time
}

// SystemClock 基于time.Now，自带单调时间读数
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
