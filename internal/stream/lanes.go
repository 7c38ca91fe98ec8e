package stream

import (
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

// ErrLanesStopped 通道池已关闭
var ErrLanesStopped = errors.New("lanes stopped")

// Lanes 按 deviceID 串行化的顺序工作通道池
// 同一设备的所有任务落在同一条通道上顺序执行（保证单设备全序），
// 不同设备可在不同通道上并行。关停时先排空在途任务再返回。
type Lanes struct {
	queues []chan func()
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	logger *zap.Logger
}

// NewLanes 创建并启动通道池
func NewLanes(count, queueSize int, logger *zap.Logger) *Lanes {
	if count <= 0 {
		count = 1
	}
	l := &Lanes{
		queues: make([]chan func(), count),
		logger: logger,
	}
	for i := range l.queues {
		l.queues[i] = make(chan func(), queueSize)
		l.wg.Add(1)
		go l.run(i)
	}
	return l
}

// run 单条通道的消费循环
func (l *Lanes) run(idx int) {
	defer l.wg.Done()
	for fn := range l.queues[idx] {
		fn()
	}
}

// Submit 提交任务到设备所属通道；队列满时短暂阻塞
// 持读锁发送，保证 Stop 不会在发送途中关闭通道
func (l *Lanes) Submit(deviceID string, fn func()) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrLanesStopped
	}
	l.queues[l.laneFor(deviceID)] <- fn
	return nil
}

// laneFor 设备到通道的稳定映射（FNV-1a）
func (l *Lanes) laneFor(deviceID string) int {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(len(l.queues)))
}

// Stop 关闭通道池，排空所有在途任务后返回
func (l *Lanes) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	for _, q := range l.queues {
		close(q)
	}
	l.wg.Wait()
}
