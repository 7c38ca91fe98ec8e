package clock

import (
	"time"
)

// Clock 可注入时钟（定时转换全部经由此接口，测试中用虚拟时钟替换）
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer 可取消定时器
type Timer interface {
	// Stop 取消定时器；定时器已触发或已取消时返回 false
	Stop() bool
}

// realClock 基于标准库的真实时钟
type realClock struct{}

// New 创建真实时钟
func New() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool {
	return r.t.Stop()
}
