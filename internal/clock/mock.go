package clock

import (
	"sync"
	"time"
)

// Mock 虚拟时钟（仅用于测试，Advance 手动推进时间并触发到期定时器）
type Mock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*mockTimer
	nextID int
}

// NewMock 创建虚拟时钟
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

// Now 当前虚拟时间
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc 注册到期回调
func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	t := &mockTimer{
		mock:     m,
		id:       m.nextID,
		deadline: m.now.Add(d),
		fn:       f,
	}
	m.timers = append(m.timers, t)
	return t
}

// Advance 推进虚拟时间，按到期顺序同步触发定时器
// 回调在持锁之外执行，允许回调里继续注册或取消定时器
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		// 找到 target 之前最早到期的定时器
		var due *mockTimer
		for _, t := range m.timers {
			if t.deadline.After(target) {
				continue
			}
			if due == nil || t.deadline.Before(due.deadline) ||
				(t.deadline.Equal(due.deadline) && t.id < due.id) {
				due = t
			}
		}
		if due == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = due.deadline
		m.remove(due)
		m.mu.Unlock()

		due.fn()
	}
}

// remove 摘除定时器（须持锁调用）
func (m *Mock) remove(t *mockTimer) {
	for i, cand := range m.timers {
		if cand == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

// PendingTimers 未触发定时器数量（测试断言用）
func (m *Mock) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

type mockTimer struct {
	mock     *Mock
	id       int
	deadline time.Time
	fn       func()
}

func (t *mockTimer) Stop() bool {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()

	for _, cand := range t.mock.timers {
		if cand == t {
			t.mock.remove(t)
			return true
		}
	}
	return false
}
