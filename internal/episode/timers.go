package episode

import (
	"sync"
	"time"

	"pulsenet-engine/internal/clock"
)

// TimerScheduler 按 episodeID 索引的可取消定时器
// 同一情节同时只保留一个定时器（阶段推进时新定时器替换旧的）；
// 外部信号到达时立即取消。取消与触发竞态由状态机按先写者胜处理。
type TimerScheduler struct {
	clk    clock.Clock
	mu     sync.Mutex
	timers map[string]clock.Timer
}

// NewTimerScheduler 创建定时器调度器
func NewTimerScheduler(clk clock.Clock) *TimerScheduler {
	return &TimerScheduler{
		clk:    clk,
		timers: make(map[string]clock.Timer),
	}
}

// Schedule 为情节调度定时回调，替换已有定时器
func (s *TimerScheduler) Schedule(episodeID string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[episodeID]; ok {
		old.Stop()
	}
	var t clock.Timer
	t = s.clk.AfterFunc(d, func() {
		s.mu.Lock()
		// 只摘除仍属于本次调度的定时器（期间可能已被替换）
		if cur, ok := s.timers[episodeID]; ok && cur == t {
			delete(s.timers, episodeID)
		}
		s.mu.Unlock()
		fn()
	})
	s.timers[episodeID] = t
}

// Cancel 取消情节的定时器；无定时器时为无操作
func (s *TimerScheduler) Cancel(episodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[episodeID]
	if !ok {
		return false
	}
	delete(s.timers, episodeID)
	return t.Stop()
}

// CancelAll 取消全部定时器（引擎关停时、通道排空之后调用）
func (s *TimerScheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
