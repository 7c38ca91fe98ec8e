package episode

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pulsenet-engine/internal/clock"
	"pulsenet-engine/internal/config"
	"pulsenet-engine/internal/models"
	"pulsenet-engine/internal/repository"
	"pulsenet-engine/internal/scorer"
)

// syncExecutor 在调用方 goroutine 上立即执行（测试用，等价于单通道全序）
type syncExecutor struct{}

func (syncExecutor) Submit(deviceID string, fn func()) error {
	fn()
	return nil
}

type capturedEvents struct {
	mu     sync.Mutex
	events []models.LifecycleEvent
}

func (c *capturedEvents) PublishLifecycle(event models.LifecycleEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *capturedEvents) all() []models.LifecycleEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.LifecycleEvent, len(c.events))
	copy(out, c.events)
	return out
}

func (c *capturedEvents) stages() []models.EpisodeStage {
	var out []models.EpisodeStage
	for _, e := range c.all() {
		out = append(out, e.Stage)
	}
	return out
}

type capturedAlerts struct {
	mu     sync.Mutex
	alerts []*models.Alert
}

func (c *capturedAlerts) CreateAlert(alert *models.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return nil
}

// stubRecipients 固定接收人解析（广播器替身）
type stubRecipients struct {
	ids []string
}

func (s *stubRecipients) AlertRecipients(event models.LifecycleEvent) []string {
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

type machineFixture struct {
	machine    *Machine
	clk        *clock.Mock
	repo       *repository.MemoryEpisodeRepository
	events     *capturedEvents
	alerts     *capturedAlerts
	recipients *stubRecipients
	cfg        *config.Config
}

func newMachineFixture(t *testing.T) *machineFixture {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)

	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := repository.NewMemoryEpisodeRepository()
	events := &capturedEvents{}
	alerts := &capturedAlerts{}
	recipients := &stubRecipients{ids: []string{"caregiver-a", "caregiver-b"}}
	sc := scorer.NewSustainedElevationScorer(72, 1.25, 60, 60)

	m := NewMachine(cfg, clk, syncExecutor{}, repo, alerts, events, recipients, nil, sc.Recovered, zap.NewNop())
	return &machineFixture{machine: m, clk: clk, repo: repo, events: events, alerts: alerts, recipients: recipients, cfg: cfg}
}

func testDevice() models.Device {
	return models.Device{DeviceID: "device-1", UserID: "user-1", ZoneID: "zone-a"}
}

func anomalousResult() scorer.Result {
	return scorer.Result{IsAnomalous: true, Score: 0.9, Kind: models.MetricHeartRate}
}

func triggerSample(clk *clock.Mock) models.VitalsSample {
	return models.VitalsSample{
		DeviceID:   "device-1",
		UserID:     "user-1",
		MetricKind: models.MetricHeartRate,
		Value:      130,
		Timestamp:  clk.Now(),
	}
}

func TestMachine_DetectionOpensEpisode(t *testing.T) {
	f := newMachineFixture(t)

	f.machine.HandleScore(testDevice(), anomalousResult(), triggerSample(f.clk))

	// Detected → Intervening 立即自动推进，各发一条事件
	assert.Equal(t, []models.EpisodeStage{models.StageDetected, models.StageIntervening}, f.events.stages())

	ep, ok := f.machine.OpenEpisode("device-1")
	require.True(t, ok)
	assert.Equal(t, models.StageIntervening, ep.Stage)
	assert.Equal(t, "zone-a", ep.ZoneID)
	assert.Equal(t, 130.0, ep.TriggerSample.Value)

	// 干预入口创建报警，分数 0.9 → critical
	require.Len(t, f.alerts.alerts, 1)
	assert.Equal(t, models.SeverityCritical, f.alerts.alerts[0].Severity)
	assert.Equal(t, ep.EpisodeID, f.alerts.alerts[0].EpisodeID)

	// 已持久化
	stored, err := f.repo.GetEpisode(ep.EpisodeID)
	require.NoError(t, err)
	assert.Equal(t, models.StageIntervening, stored.Stage)
}

// 不变式：同一设备任意时刻最多一个非终态情节
func TestMachine_SingleOpenEpisodePerDevice(t *testing.T) {
	f := newMachineFixture(t)

	f.machine.HandleScore(testDevice(), anomalousResult(), triggerSample(f.clk))
	first, _ := f.machine.OpenEpisode("device-1")

	// 重复检出被折叠抑制
	f.machine.HandleScore(testDevice(), anomalousResult(), triggerSample(f.clk))

	second, ok := f.machine.OpenEpisode("device-1")
	require.True(t, ok)
	assert.Equal(t, first.EpisodeID, second.EpisodeID)
	assert.Len(t, f.events.all(), 2, "suppressed detection must not emit events")
}

func TestMachine_InterventionTimeoutAdvancesToCheckIn(t *testing.T) {
	f := newMachineFixture(t)

	f.machine.HandleScore(testDevice(), anomalousResult(), triggerSample(f.clk))
	f.clk.Advance(f.cfg.Engine.InterventionTimeout)

	ep, ok := f.machine.OpenEpisode("device-1")
	require.True(t, ok)
	assert.Equal(t, models.StageAwaitingCheckIn, ep.Stage)
	assert.Equal(t, models.StageAwaitingCheckIn, f.events.stages()[2])
}

func TestMachine_CheckInWindowElapsesToEscalated(t *testing.T) {
	f := newMachineFixture(t)

	f.machine.HandleScore(testDevice(), anomalousResult(), triggerSample(f.clk))
	f.clk.Advance(f.cfg.Engine.InterventionTimeout)
	f.clk.Advance(f.cfg.Engine.CheckInWindow)

	_, ok := f.machine.OpenEpisode("device-1")
	assert.False(t, ok, "escalated episode must leave the open table")

	stages := f.events.stages()
	assert.Equal(t, models.StageEscalated, stages[len(stages)-1])

	// 升级必定创建 severity=high 报警
	require.Len(t, f.alerts.alerts, 2)
	assert.Equal(t, models.SeverityHigh, f.alerts.alerts[1].Severity)

	// 终态后定时器全部释放
	assert.Equal(t, 0, f.clk.PendingTimers())
}

func TestMachine_CheckInRecoveredResolves(t *testing.T) {
	f := newMachineFixture(t)

	f.machine.HandleScore(testDevice(), anomalousResult(), triggerSample(f.clk))
	f.clk.Advance(f.cfg.Engine.InterventionTimeout)

	// 摄像头脉搏回落（阈值 90 以下）
	checkin := models.VitalsSample{
		DeviceID:   "device-1",
		UserID:     "user-1",
		MetricKind: models.MetricPulse,
		Value:      78,
		Timestamp:  f.clk.Now(),
	}
	f.machine.HandleCheckIn(testDevice(), checkin)

	_, ok := f.machine.OpenEpisode("device-1")
	assert.False(t, ok)

	ep, err := f.repo.GetEpisode(f.events.all()[0].EpisodeID)
	require.NoError(t, err)
	assert.Equal(t, models.StageResolved, ep.Stage)
	require.NotNil(t, ep.Resolution)
	assert.Equal(t, models.ResolutionCheckIn, ep.Resolution.Type)
	require.NotNil(t, ep.Resolution.FinalValue)
	assert.Equal(t, 78.0, *ep.Resolution.FinalValue)
	assert.Equal(t, int(f.cfg.Engine.InterventionTimeout.Seconds()), ep.Resolution.DurationSeconds)
	assert.Equal(t, 0, f.clk.PendingTimers())
}

// 复测仍然升高：不等窗口耗尽，立即升级
func TestMachine_CheckInStillElevatedEscalates(t *testing.T) {
	f := newMachineFixture(t)

	f.machine.HandleScore(testDevice(), anomalousResult(), triggerSample(f.clk))
	f.clk.Advance(f.cfg.Engine.InterventionTimeout)

	checkin := models.VitalsSample{
		DeviceID:   "device-1",
		UserID:     "user-1",
		MetricKind: models.MetricPulse,
		Value:      140,
		Timestamp:  f.clk.Now(),
	}
	f.machine.HandleCheckIn(testDevice(), checkin)

	stages := f.events.stages()
	assert.Equal(t, models.StageEscalated, stages[len(stages)-1])
}

// 心率流样本不是复测：等待复测中的情节不受影响
func TestMachine_HeartRateSampleIsNotACheckIn(t *testing.T) {
	f := newMachineFixture(t)

	f.machine.HandleScore(testDevice(), anomalousResult(), triggerSample(f.clk))
	f.clk.Advance(f.cfg.Engine.InterventionTimeout)

	hr := models.VitalsSample{
		DeviceID:   "device-1",
		UserID:     "user-1",
		MetricKind: models.MetricHeartRate,
		Value:      78,
		Timestamp:  f.clk.Now(),
	}
	f.machine.HandleCheckIn(testDevice(), hr)

	ep, ok := f.machine.OpenEpisode("device-1")
	require.True(t, ok)
	assert.Equal(t, models.StageAwaitingCheckIn, ep.Stage)
}

func TestMachine_InterventionCompleteCancelsTimeout(t *testing.T) {
	f := newMachineFixture(t)

	f.machine.HandleScore(testDevice(), anomalousResult(), triggerSample(f.clk))
	ep, _ := f.machine.OpenEpisode("device-1")

	require.NoError(t, f.machine.InterventionComplete(ep.EpisodeID))

	cur, ok := f.machine.OpenEpisode("device-1")
	require.True(t, ok)
	assert.Equal(t, models.StageAwaitingCheckIn, cur.Stage)

	// 原定的干预超时已取消：推进超时时长不得重复转换
	before := len(f.events.all())
	f.clk.Advance(f.cfg.Engine.InterventionTimeout)
	afterAdvance, _ := f.machine.OpenEpisode("device-1")
	if afterAdvance != nil {
		assert.Equal(t, models.StageAwaitingCheckIn, afterAdvance.Stage)
		assert.Equal(t, before, len(f.events.all()))
	}
}

// 迟到的完成信号：干预已超时推进到等待复测后才收到完成回调。
// 信号不得动复测窗口定时器，窗口耗尽仍必须升级。
func TestMachine_LateInterventionCompleteKeepsCheckInTimer(t *testing.T) {
	f := newMachineFixture(t)

	f.machine.HandleScore(testDevice(), anomalousResult(), triggerSample(f.clk))
	ep, _ := f.machine.OpenEpisode("device-1")

	f.clk.Advance(f.cfg.Engine.InterventionTimeout)
	cur, ok := f.machine.OpenEpisode("device-1")
	require.True(t, ok)
	require.Equal(t, models.StageAwaitingCheckIn, cur.Stage)
	require.Equal(t, 1, f.clk.PendingTimers(), "checkin window timer must be armed")

	// 完成信号此时是无操作：阶段不变，复测窗口定时器保持挂载
	require.NoError(t, f.machine.InterventionComplete(ep.EpisodeID))
	cur, ok = f.machine.OpenEpisode("device-1")
	require.True(t, ok)
	assert.Equal(t, models.StageAwaitingCheckIn, cur.Stage)
	assert.Equal(t, 1, f.clk.PendingTimers(), "late completion must not cancel the checkin window timer")

	f.clk.Advance(f.cfg.Engine.CheckInWindow)
	_, ok = f.machine.OpenEpisode("device-1")
	assert.False(t, ok, "episode must have escalated when the window elapsed")

	stages := f.events.stages()
	assert.Equal(t, models.StageEscalated, stages[len(stages)-1])
	require.Len(t, f.alerts.alerts, 2)
	assert.Equal(t, models.SeverityHigh, f.alerts.alerts[1].Severity)
}

func TestMachine_InterventionCompleteUnknownEpisode(t *testing.T) {
	f := newMachineFixture(t)

	err := f.machine.InterventionComplete("no-such-episode")
	assert.ErrorIs(t, err, ErrEpisodeNotFound)
}

func TestMachine_StartManualCollapsesToExisting(t *testing.T) {
	f := newMachineFixture(t)

	first, err := f.machine.StartManual(testDevice(), triggerSample(f.clk))
	require.NoError(t, err)
	assert.Equal(t, models.StageIntervening, first.Stage)

	second, err := f.machine.StartManual(testDevice(), triggerSample(f.clk))
	require.NoError(t, err)
	assert.Equal(t, first.EpisodeID, second.EpisodeID, "second start must collapse into the open episode")
}

func TestMachine_ResolveManual(t *testing.T) {
	f := newMachineFixture(t)

	ep, err := f.machine.StartManual(testDevice(), triggerSample(f.clk))
	require.NoError(t, err)

	value := 82.0
	resolved, err := f.machine.ResolveManual(ep.EpisodeID, models.ResolutionManual, &value)
	require.NoError(t, err)
	assert.Equal(t, models.StageResolved, resolved.Stage)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, models.ResolutionManual, resolved.Resolution.Type)

	// 已终态的情节再次 resolve：返回当前状态，不报错
	again, err := f.machine.ResolveManual(ep.EpisodeID, models.ResolutionManual, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StageResolved, again.Stage)

	_, err = f.machine.ResolveManual("no-such-episode", models.ResolutionManual, nil)
	assert.ErrorIs(t, err, ErrEpisodeNotFound)
}

// 每次转换恰好一条事件，且 (episode_id, stage) 去重键互不相同
func TestMachine_ExactlyOneEventPerTransition(t *testing.T) {
	f := newMachineFixture(t)

	f.machine.HandleScore(testDevice(), anomalousResult(), triggerSample(f.clk))
	f.clk.Advance(f.cfg.Engine.InterventionTimeout)
	f.clk.Advance(f.cfg.Engine.CheckInWindow)

	events := f.events.all()
	require.Len(t, events, 4)

	seen := make(map[string]bool)
	for _, e := range events {
		assert.False(t, seen[e.Key()], "duplicate lifecycle event key %s", e.Key())
		seen[e.Key()] = true
	}
	assert.Equal(t, models.EventDetected, events[0].Type)
	assert.Equal(t, models.EventInterventionStarted, events[1].Type)
	assert.Equal(t, models.EventAwaitingCheckIn, events[2].Type)
	assert.Equal(t, models.EventEscalated, events[3].Type)
}

// 报警落库时带上接收人快照，每人初始投递状态为 pending
func TestMachine_AlertCarriesRecipientSnapshot(t *testing.T) {
	f := newMachineFixture(t)

	f.machine.HandleScore(testDevice(), anomalousResult(), triggerSample(f.clk))

	require.Len(t, f.alerts.alerts, 1)
	alert := f.alerts.alerts[0]
	assert.ElementsMatch(t, []string{"caregiver-a", "caregiver-b"}, alert.RecipientIDs)
	require.Len(t, alert.DeliveryStatus, 2)
	assert.Equal(t, models.DeliveryPending, alert.DeliveryStatus["caregiver-a"])
	assert.Equal(t, models.DeliveryPending, alert.DeliveryStatus["caregiver-b"])

	// 升级报警按升级时刻的快照重新解析
	f.recipients.ids = []string{"caregiver-c"}
	f.clk.Advance(f.cfg.Engine.InterventionTimeout)
	f.clk.Advance(f.cfg.Engine.CheckInWindow)

	require.Len(t, f.alerts.alerts, 2)
	escalation := f.alerts.alerts[1]
	assert.Equal(t, []string{"caregiver-c"}, escalation.RecipientIDs)
	assert.Equal(t, models.DeliveryPending, escalation.DeliveryStatus["caregiver-c"])
}

// 终态后同一设备可再开新情节
func TestMachine_NewEpisodeAfterTerminal(t *testing.T) {
	f := newMachineFixture(t)

	f.machine.HandleScore(testDevice(), anomalousResult(), triggerSample(f.clk))
	first, _ := f.machine.OpenEpisode("device-1")
	_, err := f.machine.ResolveManual(first.EpisodeID, models.ResolutionManual, nil)
	require.NoError(t, err)

	f.machine.HandleScore(testDevice(), anomalousResult(), triggerSample(f.clk))
	second, ok := f.machine.OpenEpisode("device-1")
	require.True(t, ok)
	assert.NotEqual(t, first.EpisodeID, second.EpisodeID)
}
