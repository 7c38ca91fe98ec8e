package broadcaster

import (
	"sync"

	"pulsenet-engine/internal/clock"
	"pulsenet-engine/internal/config"
	"pulsenet-engine/internal/models"

	"go.uber.org/zap"
)

// seenLimit 每接收人幂等去重键的保留上限
const seenLimit = 256

// Conn 投递连接（websocket 适配或测试替身）
type Conn interface {
	Send(payload []byte) error
	Close() error
}

// GroupResolver 事件归属组解析（默认按 userID 即家庭组）
type GroupResolver func(event models.LifecycleEvent) string

// Broadcaster 实时广播器
// 把生命周期事件扇出到订阅了事件归属组的接收人，逐接收人记录投递状态。
// 有意设计为尽力而为：离线接收人只保留有限积压，过期事件直接丢弃不补投。
type Broadcaster struct {
	cfg          *config.Config
	logger       *zap.Logger
	clk          clock.Clock
	resolveGroup GroupResolver

	queue chan models.LifecycleEvent
	wg    sync.WaitGroup

	mu         sync.Mutex
	groups     map[string]map[string]*recipient // groupID → recipientID → 接收人
	recipients map[string]*recipient
}

// recipient 单个接收人的投递视角
type recipient struct {
	mu      sync.Mutex
	id      string
	groupID string
	conn    Conn
	backlog []models.LifecycleEvent // 离线积压，旧的在前，有界
	seen    map[string]struct{}     // 已观测事件键（幂等去重）
	seenFifo []string
	status  map[string]models.DeliveryState // 事件键 → 投递状态
}

// NewBroadcaster 创建广播器
func NewBroadcaster(cfg *config.Config, clk clock.Clock, resolveGroup GroupResolver, logger *zap.Logger) *Broadcaster {
	if resolveGroup == nil {
		resolveGroup = func(event models.LifecycleEvent) string { return event.UserID }
	}
	return &Broadcaster{
		cfg:          cfg,
		logger:       logger,
		clk:          clk,
		resolveGroup: resolveGroup,
		queue:        make(chan models.LifecycleEvent, cfg.Broadcast.QueueSize),
		groups:       make(map[string]map[string]*recipient),
		recipients:   make(map[string]*recipient),
	}
}

// Start 启动派发协程
func (b *Broadcaster) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range b.queue {
			b.dispatch(event)
		}
	}()
}

// Stop 关闭队列并等待派发完成
func (b *Broadcaster) Stop() {
	close(b.queue)
	b.wg.Wait()
}

// Subscribe 订阅（幂等；重复订阅可变更组归属）
func (b *Broadcaster) Subscribe(recipientID, groupID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.recipients[recipientID]
	if ok && r.groupID == groupID {
		return
	}
	if ok {
		delete(b.groups[r.groupID], recipientID)
		r.groupID = groupID
	} else {
		r = &recipient{
			id:      recipientID,
			groupID: groupID,
			seen:    make(map[string]struct{}),
			status:  make(map[string]models.DeliveryState),
		}
		b.recipients[recipientID] = r
	}

	if b.groups[groupID] == nil {
		b.groups[groupID] = make(map[string]*recipient)
	}
	b.groups[groupID][recipientID] = r
}

// Unsubscribe 退订（幂等；只取消投递订阅，不影响情节状态）
func (b *Broadcaster) Unsubscribe(recipientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.recipients[recipientID]
	if !ok {
		return
	}
	delete(b.groups[r.groupID], recipientID)
	delete(b.recipients, recipientID)
}

// Attach 接收人上线：绑定连接并补投未过期的积压事件
func (b *Broadcaster) Attach(recipientID string, conn Conn) {
	b.mu.Lock()
	r, ok := b.recipients[recipientID]
	b.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = conn
	b.flushBacklogLocked(r)
}

// Detach 接收人离线：只解除连接，订阅与积压保留
func (b *Broadcaster) Detach(recipientID string) {
	b.mu.Lock()
	r, ok := b.recipients[recipientID]
	b.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	r.conn = nil
	r.mu.Unlock()
}

// Publish 发布生命周期事件
// 永不阻塞调用方：队列满时丢弃并告警（检测通路不等网络 I/O）。
func (b *Broadcaster) Publish(event models.LifecycleEvent) {
	select {
	case b.queue <- event:
	default:
		b.logger.Warn("Broadcast queue full, event dropped",
			zap.String("event_key", event.Key()),
		)
	}
}

// dispatch 把事件投给归属组的全部接收人
func (b *Broadcaster) dispatch(event models.LifecycleEvent) {
	groupID := b.resolveGroup(event)

	b.mu.Lock()
	members := make([]*recipient, 0, len(b.groups[groupID]))
	for _, r := range b.groups[groupID] {
		members = append(members, r)
	}
	b.mu.Unlock()

	for _, r := range members {
		b.deliver(r, event)
	}
}

// deliver 投递单接收人
// 幂等：同一 (episodeID, stage) 事件每接收人至多产生一次可见通知。
// 传输失败不作为 Publish 失败，只更新该接收人的 pending 状态。
func (b *Broadcaster) deliver(r *recipient, event models.LifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := event.Key()
	if _, dup := r.seen[key]; dup {
		return
	}
	b.markSeenLocked(r, key)

	if b.stale(event) {
		r.status[key] = models.DeliveryDropped
		return
	}

	if r.conn == nil {
		b.pushBacklogLocked(r, event)
		return
	}

	if err := r.conn.Send(Encode(event)); err != nil {
		b.logger.Debug("Delivery failed, recipient marked pending",
			zap.String("recipient_id", r.id),
			zap.String("event_key", key),
			zap.Error(err),
		)
		r.conn = nil
		b.pushBacklogLocked(r, event)
		return
	}

	r.status[key] = models.DeliveryDelivered
}

// flushBacklogLocked 重连补投（须持 r.mu）
func (b *Broadcaster) flushBacklogLocked(r *recipient) {
	var remaining []models.LifecycleEvent
	for i, event := range r.backlog {
		key := event.Key()
		if b.stale(event) {
			// 过期即丢：这是带新鲜度要求的现场交互报警，不是持久队列
			r.status[key] = models.DeliveryDropped
			continue
		}
		if err := r.conn.Send(Encode(event)); err != nil {
			r.conn = nil
			remaining = append(remaining, r.backlog[i:]...)
			break
		}
		r.status[key] = models.DeliveryDelivered
	}
	r.backlog = remaining
}

// pushBacklogLocked 入积压（有界，先丢最旧）
func (b *Broadcaster) pushBacklogLocked(r *recipient, event models.LifecycleEvent) {
	r.status[event.Key()] = models.DeliveryPending
	r.backlog = append(r.backlog, event)
	if limit := b.cfg.Broadcast.BacklogSize; len(r.backlog) > limit {
		dropped := r.backlog[0]
		r.status[dropped.Key()] = models.DeliveryDropped
		r.backlog = r.backlog[1:]
	}
}

// markSeenLocked 记录幂等键（有界 FIFO）
func (b *Broadcaster) markSeenLocked(r *recipient, key string) {
	r.seen[key] = struct{}{}
	r.seenFifo = append(r.seenFifo, key)
	if len(r.seenFifo) > seenLimit {
		oldest := r.seenFifo[0]
		r.seenFifo = r.seenFifo[1:]
		delete(r.seen, oldest)
		delete(r.status, oldest)
	}
}

// stale 事件是否超过新鲜度 TTL
func (b *Broadcaster) stale(event models.LifecycleEvent) bool {
	return b.clk.Now().Sub(event.OccurredAt) > b.cfg.Broadcast.AlertTTL
}

// DeliveryStatus 接收人的逐事件投递状态快照
func (b *Broadcaster) DeliveryStatus(recipientID string) map[string]models.DeliveryState {
	b.mu.Lock()
	r, ok := b.recipients[recipientID]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]models.DeliveryState, len(r.status))
	for k, v := range r.status {
		out[k] = v
	}
	return out
}

// AlertRecipients 按事件归属组解析报警接收人（状态机创建报警时调用）
func (b *Broadcaster) AlertRecipients(event models.LifecycleEvent) []string {
	return b.GroupRecipients(b.resolveGroup(event))
}

// GroupRecipients 组内接收人列表（报警 recipient_ids 填充用）
func (b *Broadcaster) GroupRecipients(groupID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.groups[groupID]))
	for id := range b.groups[groupID] {
		ids = append(ids, id)
	}
	return ids
}
