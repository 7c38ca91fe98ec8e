package broadcaster

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pulsenet-engine/internal/clock"
	"pulsenet-engine/internal/config"
	"pulsenet-engine/internal/models"
)

// fakeConn 测试连接：记录发送，failures>0 时先返回错误
type fakeConn struct {
	mu       sync.Mutex
	sent     [][]byte
	failures int
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errors.New("connection reset")
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newTestBroadcaster(t *testing.T) (*Broadcaster, *clock.Mock) {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)

	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewBroadcaster(cfg, clk, nil, zap.NewNop()), clk
}

func lifecycleEvent(clk *clock.Mock, episodeID string, stage models.EpisodeStage) models.LifecycleEvent {
	return models.LifecycleEvent{
		Type:       models.EventTypeForStage(stage),
		EpisodeID:  episodeID,
		DeviceID:   "device-1",
		UserID:     "user-1",
		ZoneID:     "zone-a",
		Stage:      stage,
		Score:      0.7,
		OccurredAt: clk.Now(),
	}
}

func TestBroadcaster_DeliversToGroupMembers(t *testing.T) {
	b, clk := newTestBroadcaster(t)

	connA := &fakeConn{}
	connB := &fakeConn{}
	b.Subscribe("caregiver-a", "user-1")
	b.Subscribe("caregiver-b", "user-1")
	b.Subscribe("outsider", "user-2")
	b.Attach("caregiver-a", connA)
	b.Attach("caregiver-b", connB)

	b.dispatch(lifecycleEvent(clk, "ep-1", models.StageDetected))

	assert.Equal(t, 1, connA.sentCount())
	assert.Equal(t, 1, connB.sentCount())

	status := b.DeliveryStatus("caregiver-a")
	assert.Equal(t, models.DeliveryDelivered, status["ep-1:detected"])
}

// 报警接收人与事件派发走同一套组解析
func TestBroadcaster_AlertRecipientsFollowGroup(t *testing.T) {
	b, clk := newTestBroadcaster(t)

	b.Subscribe("caregiver-a", "user-1")
	b.Subscribe("caregiver-b", "user-1")
	b.Subscribe("outsider", "user-2")

	ids := b.AlertRecipients(lifecycleEvent(clk, "ep-1", models.StageIntervening))
	assert.ElementsMatch(t, []string{"caregiver-a", "caregiver-b"}, ids)

	// 无订阅者的组：空列表而非 nil 恐慌
	none := b.AlertRecipients(models.LifecycleEvent{UserID: "user-9"})
	assert.Empty(t, none)
}

// 幂等：同一 (episode_id, stage) 重复派发不产生第二次通知
func TestBroadcaster_IdempotentDelivery(t *testing.T) {
	b, clk := newTestBroadcaster(t)

	conn := &fakeConn{}
	b.Subscribe("caregiver-a", "user-1")
	b.Attach("caregiver-a", conn)

	event := lifecycleEvent(clk, "ep-1", models.StageDetected)
	b.dispatch(event)
	b.dispatch(event)

	assert.Equal(t, 1, conn.sentCount())
}

// 离线接收人进积压，上线后补投
func TestBroadcaster_OfflineBacklogReplayedOnAttach(t *testing.T) {
	b, clk := newTestBroadcaster(t)

	b.Subscribe("caregiver-a", "user-1")
	b.dispatch(lifecycleEvent(clk, "ep-1", models.StageDetected))
	b.dispatch(lifecycleEvent(clk, "ep-1", models.StageIntervening))

	status := b.DeliveryStatus("caregiver-a")
	assert.Equal(t, models.DeliveryPending, status["ep-1:detected"])
	assert.Equal(t, models.DeliveryPending, status["ep-1:intervening"])

	conn := &fakeConn{}
	b.Attach("caregiver-a", conn)

	assert.Equal(t, 2, conn.sentCount())
	status = b.DeliveryStatus("caregiver-a")
	assert.Equal(t, models.DeliveryDelivered, status["ep-1:detected"])
	assert.Equal(t, models.DeliveryDelivered, status["ep-1:intervening"])
}

// 积压有界：超限先丢最旧
func TestBroadcaster_BacklogBoundedDropOldest(t *testing.T) {
	b, clk := newTestBroadcaster(t)
	limit := b.cfg.Broadcast.BacklogSize

	b.Subscribe("caregiver-a", "user-1")
	for i := 0; i <= limit; i++ {
		b.dispatch(lifecycleEvent(clk, fmt.Sprintf("ep-%d", i), models.StageDetected))
	}

	status := b.DeliveryStatus("caregiver-a")
	assert.Equal(t, models.DeliveryDropped, status["ep-0:detected"], "oldest backlog entry must be dropped")
	assert.Equal(t, models.DeliveryPending, status[fmt.Sprintf("ep-%d:detected", limit)])

	conn := &fakeConn{}
	b.Attach("caregiver-a", conn)
	assert.Equal(t, limit, conn.sentCount())
}

// 过期事件不补投：标记 dropped
func TestBroadcaster_StaleEventsDroppedNotReplayed(t *testing.T) {
	b, clk := newTestBroadcaster(t)

	b.Subscribe("caregiver-a", "user-1")
	b.dispatch(lifecycleEvent(clk, "ep-1", models.StageDetected))

	clk.Advance(b.cfg.Broadcast.AlertTTL + time.Second)

	conn := &fakeConn{}
	b.Attach("caregiver-a", conn)

	assert.Equal(t, 0, conn.sentCount())
	status := b.DeliveryStatus("caregiver-a")
	assert.Equal(t, models.DeliveryDropped, status["ep-1:detected"])
}

// 到达时已过期的事件直接丢弃
func TestBroadcaster_StaleOnArrival(t *testing.T) {
	b, clk := newTestBroadcaster(t)

	conn := &fakeConn{}
	b.Subscribe("caregiver-a", "user-1")
	b.Attach("caregiver-a", conn)

	event := lifecycleEvent(clk, "ep-1", models.StageDetected)
	clk.Advance(b.cfg.Broadcast.AlertTTL + time.Second)
	b.dispatch(event)

	assert.Equal(t, 0, conn.sentCount())
	assert.Equal(t, models.DeliveryDropped, b.DeliveryStatus("caregiver-a")["ep-1:detected"])
}

// 发送失败：连接解除，事件转入积压（pending）
func TestBroadcaster_SendFailureMovesToBacklog(t *testing.T) {
	b, clk := newTestBroadcaster(t)

	conn := &fakeConn{failures: 1}
	b.Subscribe("caregiver-a", "user-1")
	b.Attach("caregiver-a", conn)

	b.dispatch(lifecycleEvent(clk, "ep-1", models.StageDetected))

	assert.Equal(t, models.DeliveryPending, b.DeliveryStatus("caregiver-a")["ep-1:detected"])

	// 重连后补投
	fresh := &fakeConn{}
	b.Attach("caregiver-a", fresh)
	assert.Equal(t, 1, fresh.sentCount())
}

func TestBroadcaster_UnsubscribeStopsDelivery(t *testing.T) {
	b, clk := newTestBroadcaster(t)

	conn := &fakeConn{}
	b.Subscribe("caregiver-a", "user-1")
	b.Attach("caregiver-a", conn)
	b.Unsubscribe("caregiver-a")
	b.Unsubscribe("caregiver-a") // 幂等

	b.dispatch(lifecycleEvent(clk, "ep-1", models.StageDetected))

	assert.Equal(t, 0, conn.sentCount())
	assert.Nil(t, b.DeliveryStatus("caregiver-a"))
}

func TestBroadcaster_PublishThroughQueue(t *testing.T) {
	b, clk := newTestBroadcaster(t)
	b.Start()

	conn := &fakeConn{}
	b.Subscribe("caregiver-a", "user-1")
	b.Attach("caregiver-a", conn)

	b.Publish(lifecycleEvent(clk, "ep-1", models.StageDetected))
	b.Stop() // 等待派发完成

	assert.Equal(t, 1, conn.sentCount())
}

// 线格式：type 映射与 ISO-8601 时间戳
func TestWireMessageEncoding(t *testing.T) {
	b, clk := newTestBroadcaster(t)

	conn := &fakeConn{}
	b.Subscribe("caregiver-a", "user-1")
	b.Attach("caregiver-a", conn)

	b.dispatch(lifecycleEvent(clk, "ep-1", models.StageDetected))
	b.dispatch(lifecycleEvent(clk, "ep-1", models.StageAwaitingCheckIn))
	b.dispatch(lifecycleEvent(clk, "ep-1", models.StageResolved))

	require.Equal(t, 3, conn.sentCount())

	var msg WireMessage
	require.NoError(t, json.Unmarshal(conn.sent[0], &msg))
	assert.Equal(t, "episode-start", msg.Type)
	assert.Equal(t, "ep-1", msg.EpisodeID)
	assert.Equal(t, "user-1", msg.UserID)
	_, err := time.Parse(time.RFC3339, msg.Timestamp)
	assert.NoError(t, err, "timestamp must be ISO-8601")

	require.NoError(t, json.Unmarshal(conn.sent[1], &msg))
	assert.Equal(t, "pulse-checkin", msg.Type)

	require.NoError(t, json.Unmarshal(conn.sent[2], &msg))
	assert.Equal(t, "episode-resolution", msg.Type)
}
