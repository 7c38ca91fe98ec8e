package episode

import (
	"errors"
	"fmt"
	"sync"

	"pulsenet-engine/internal/clock"
	"pulsenet-engine/internal/config"
	"pulsenet-engine/internal/models"
	"pulsenet-engine/internal/scorer"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrEpisodeNotFound 未知情节
var ErrEpisodeNotFound = errors.New("episode not found")

// Repository 情节持久化（消费方接口，由 repository 包实现）
type Repository interface {
	CreateEpisode(ep *models.Episode) error
	UpdateEpisode(ep *models.Episode) error
	GetEpisode(episodeID string) (*models.Episode, error)
	ListEpisodesByUser(userID string, limit int, stage models.EpisodeStage) ([]*models.Episode, error)
}

// AlertSink 报警创建下游
type AlertSink interface {
	CreateAlert(alert *models.Alert) error
}

// EventPublisher 生命周期事件下游（广播、社区聚合、事件流）
type EventPublisher interface {
	PublishLifecycle(event models.LifecycleEvent)
}

// InterventionProvider 干预内容提供方（外部协作者）
// 状态机对其调用即发即弃：结果忽略，失败不得阻塞转换
type InterventionProvider interface {
	Invoke(ep models.Episode)
}

// RecipientResolver 报警接收人解析（由广播器实现，按事件归属组取当前订阅者）
type RecipientResolver interface {
	AlertRecipients(event models.LifecycleEvent) []string
}

// Executor 设备串行执行入口
// 定时回调与外部信号经由此入口回到设备通道，保持单设备全序
type Executor interface {
	Submit(deviceID string, fn func()) error
}

// openEntry 打开中的情节及其检出分数
type openEntry struct {
	ep    *models.Episode
	score float64
}

// Machine 情节状态机
// 独占 Episode 的变更权。不变式：同一设备任意时刻最多一个非终态情节。
// 所有状态转换都在设备所属串行通道上执行。
type Machine struct {
	cfg          *config.Config
	logger       *zap.Logger
	clk          clock.Clock
	timers       *TimerScheduler
	exec         Executor
	repo         Repository
	alerts       AlertSink
	publisher    EventPublisher
	recipients   RecipientResolver    // 可为 nil
	intervention InterventionProvider // 可为 nil
	recovered    func(models.VitalsSample) bool

	mu   sync.Mutex
	open map[string]*openEntry // deviceID → 打开中的情节
	byID map[string]string     // episodeID → deviceID（仅打开中的）
}

// NewMachine 创建状态机
// recovered 为复测样本的恢复判定（通常取打分器的 Recovered）
func NewMachine(
	cfg *config.Config,
	clk clock.Clock,
	exec Executor,
	repo Repository,
	alerts AlertSink,
	publisher EventPublisher,
	recipients RecipientResolver,
	intervention InterventionProvider,
	recovered func(models.VitalsSample) bool,
	logger *zap.Logger,
) *Machine {
	return &Machine{
		cfg:          cfg,
		logger:       logger,
		clk:          clk,
		timers:       NewTimerScheduler(clk),
		exec:         exec,
		repo:         repo,
		alerts:       alerts,
		publisher:    publisher,
		recipients:   recipients,
		intervention: intervention,
		recovered:    recovered,
		open:         make(map[string]*openEntry),
		byID:         make(map[string]string),
	}
}

// HandleScore 处理打分结果（在设备通道上调用）
// 异常且无打开中情节时开启新情节；已有打开中情节时折叠抑制（重复检出不是错误）。
func (m *Machine) HandleScore(device models.Device, res scorer.Result, trigger models.VitalsSample) {
	if !res.IsAnomalous {
		return
	}

	m.mu.Lock()
	_, hasOpen := m.open[device.DeviceID]
	m.mu.Unlock()

	if hasOpen {
		// 折叠进已打开情节：检出事件被抑制，打分器照常继续评估
		m.logger.Debug("Detection suppressed, episode already open",
			zap.String("device_id", device.DeviceID),
			zap.Float64("score", res.Score),
		)
		return
	}

	m.openEpisode(device, res, trigger)
}

// HandleCheckIn 处理复测样本（在设备通道上调用）
// 摄像头测量的脉搏样本视为复测：回落则 Resolved，仍升高则立即 Escalated。
func (m *Machine) HandleCheckIn(device models.Device, sample models.VitalsSample) {
	if sample.MetricKind != models.MetricPulse {
		return
	}

	m.mu.Lock()
	entry, ok := m.open[device.DeviceID]
	m.mu.Unlock()
	if !ok || entry.ep.Stage != models.StageAwaitingCheckIn {
		return
	}

	if m.recovered(sample) {
		value := sample.Value
		m.resolve(entry, &models.Resolution{
			Type:       models.ResolutionCheckIn,
			FinalValue: &value,
			ResolvedAt: m.clk.Now(),
		})
		return
	}

	// 复测仍然升高：不等窗口耗尽，直接升级
	m.escalate(entry, "checkin still elevated")
}

// openEpisode None → Detected → Intervening
func (m *Machine) openEpisode(device models.Device, res scorer.Result, trigger models.VitalsSample) {
	now := m.clk.Now()
	ep := &models.Episode{
		EpisodeID:        uuid.New().String(),
		DeviceID:         device.DeviceID,
		UserID:           device.UserID,
		ZoneID:           device.ZoneID,
		Stage:            models.StageDetected,
		OpenedAt:         now,
		LastTransitionAt: now,
		TriggerSample:    trigger, // 值拷贝，窗口淘汰不影响情节历史
	}
	entry := &openEntry{ep: ep, score: res.Score}

	m.mu.Lock()
	m.open[device.DeviceID] = entry
	m.byID[ep.EpisodeID] = device.DeviceID
	m.mu.Unlock()

	if err := m.repo.CreateEpisode(ep); err != nil {
		m.logger.Error("Failed to persist episode",
			zap.String("episode_id", ep.EpisodeID),
			zap.Error(err),
		)
		// 持久化失败不阻塞检测通路，继续推进
	}

	m.logger.Info("Episode detected",
		zap.String("episode_id", ep.EpisodeID),
		zap.String("device_id", device.DeviceID),
		zap.String("zone_id", device.ZoneID),
		zap.Float64("score", res.Score),
	)
	m.emit(entry, models.StageDetected)

	// Detected → Intervening：立即、自动
	m.beginIntervention(entry)
}

// beginIntervention Detected → Intervening
func (m *Machine) beginIntervention(entry *openEntry) {
	ep := entry.ep
	m.transition(entry, models.StageIntervening)

	// 干预入口创建报警，级别按检出分数映射
	m.createAlert(entry, models.SeverityFromScore(entry.score))

	// 外部干预内容提供方：即发即弃，失败只记日志
	if m.intervention != nil {
		go func(snapshot models.Episode) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Intervention provider panicked",
						zap.String("episode_id", snapshot.EpisodeID),
						zap.Any("panic", r),
					)
				}
			}()
			m.intervention.Invoke(snapshot)
		}(*ep)
	}

	// 干预超时：超时本身是转换原因，不是失败
	episodeID := ep.EpisodeID
	deviceID := ep.DeviceID
	m.timers.Schedule(episodeID, m.cfg.Engine.InterventionTimeout, func() {
		m.submitForDevice(deviceID, func() {
			m.onInterventionDone(episodeID, "timeout")
		})
	})
}

// InterventionComplete 干预完成信号（外部协作者回调）
// 只投递到设备通道，不在此处取消定时器：同一键上可能已挂着复测窗口定时器，
// 取消与否由通道上的阶段判定决定（Schedule 按键替换会停掉旧的干预定时器）。
func (m *Machine) InterventionComplete(episodeID string) error {
	m.mu.Lock()
	deviceID, ok := m.byID[episodeID]
	m.mu.Unlock()
	if !ok {
		return ErrEpisodeNotFound
	}

	return m.exec.Submit(deviceID, func() {
		m.onInterventionDone(episodeID, "completed")
	})
}

// onInterventionDone Intervening → AwaitingCheckIn（信号或超时，先写者胜）
func (m *Machine) onInterventionDone(episodeID, cause string) {
	m.mu.Lock()
	deviceID, ok := m.byID[episodeID]
	var entry *openEntry
	if ok {
		entry = m.open[deviceID]
	}
	m.mu.Unlock()

	if entry == nil || entry.ep.Stage != models.StageIntervening {
		// TimerRace：另一方已推进，本次为无操作
		return
	}

	m.logger.Info("Intervention finished",
		zap.String("episode_id", episodeID),
		zap.String("cause", cause),
	)
	m.transition(entry, models.StageAwaitingCheckIn)

	// 复测窗口超时 → 升级
	deviceID = entry.ep.DeviceID
	m.timers.Schedule(episodeID, m.cfg.Engine.CheckInWindow, func() {
		m.submitForDevice(deviceID, func() {
			m.onCheckInTimeout(episodeID)
		})
	})
}

// onCheckInTimeout AwaitingCheckIn → Escalated（窗口耗尽无合格复测）
func (m *Machine) onCheckInTimeout(episodeID string) {
	m.mu.Lock()
	deviceID, ok := m.byID[episodeID]
	var entry *openEntry
	if ok {
		entry = m.open[deviceID]
	}
	m.mu.Unlock()

	if entry == nil || entry.ep.Stage != models.StageAwaitingCheckIn {
		return
	}
	m.escalate(entry, "checkin window elapsed")
}

// escalate → Escalated（终态；升级必定创建 severity=high 报警）
func (m *Machine) escalate(entry *openEntry, cause string) {
	ep := entry.ep
	m.logger.Warn("Episode escalated",
		zap.String("episode_id", ep.EpisodeID),
		zap.String("device_id", ep.DeviceID),
		zap.String("cause", cause),
	)

	m.timers.Cancel(ep.EpisodeID)
	m.transition(entry, models.StageEscalated)
	m.createAlert(entry, models.SeverityHigh)
	m.closeEntry(entry)
}

// resolve → Resolved（终态）
func (m *Machine) resolve(entry *openEntry, resolution *models.Resolution) {
	ep := entry.ep
	resolution.DurationSeconds = int(m.clk.Now().Sub(ep.OpenedAt).Seconds())
	ep.Resolution = resolution

	m.logger.Info("Episode resolved",
		zap.String("episode_id", ep.EpisodeID),
		zap.String("device_id", ep.DeviceID),
		zap.String("resolution_type", string(resolution.Type)),
	)

	m.timers.Cancel(ep.EpisodeID)
	m.transition(entry, models.StageResolved)
	m.closeEntry(entry)
}

// transition 推进阶段并恰好发出一条生命周期事件
func (m *Machine) transition(entry *openEntry, stage models.EpisodeStage) {
	ep := entry.ep
	ep.Stage = stage
	ep.LastTransitionAt = m.clk.Now()

	if err := m.repo.UpdateEpisode(ep); err != nil {
		m.logger.Error("Failed to update episode",
			zap.String("episode_id", ep.EpisodeID),
			zap.String("stage", string(stage)),
			zap.Error(err),
		)
	}
	m.emit(entry, stage)
}

// emit 发出生命周期事件
func (m *Machine) emit(entry *openEntry, stage models.EpisodeStage) {
	m.publisher.PublishLifecycle(m.lifecycleEvent(entry, stage))
}

// lifecycleEvent 按当前情节构造指定阶段的事件
func (m *Machine) lifecycleEvent(entry *openEntry, stage models.EpisodeStage) models.LifecycleEvent {
	ep := entry.ep
	return models.LifecycleEvent{
		Type:       models.EventTypeForStage(stage),
		EpisodeID:  ep.EpisodeID,
		DeviceID:   ep.DeviceID,
		UserID:     ep.UserID,
		ZoneID:     ep.ZoneID,
		Stage:      stage,
		Score:      entry.score,
		OccurredAt: ep.LastTransitionAt,
	}
}

// createAlert 创建报警；失败只记日志（DeliveryFailure 级别问题不回传）
// 接收人按报警时刻的订阅快照解析，每人初始投递状态为 pending。
func (m *Machine) createAlert(entry *openEntry, severity models.Severity) {
	ep := entry.ep

	var recipientIDs []string
	if m.recipients != nil {
		recipientIDs = m.recipients.AlertRecipients(m.lifecycleEvent(entry, ep.Stage))
	}
	status := make(map[string]models.DeliveryState, len(recipientIDs))
	for _, id := range recipientIDs {
		status[id] = models.DeliveryPending
	}

	alert := &models.Alert{
		AlertID:        uuid.New().String(),
		EpisodeID:      ep.EpisodeID,
		Severity:       severity,
		RecipientIDs:   recipientIDs,
		CreatedAt:      m.clk.Now(),
		DeliveryStatus: status,
		IsActive:       true,
	}
	if err := m.alerts.CreateAlert(alert); err != nil {
		m.logger.Error("Failed to create alert",
			zap.String("episode_id", ep.EpisodeID),
			zap.String("severity", string(severity)),
			zap.Error(err),
		)
	}
}

// closeEntry 终态情节摘出打开表（同一设备随后可再开新情节）
func (m *Machine) closeEntry(entry *openEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.open[entry.ep.DeviceID]; ok && cur == entry {
		delete(m.open, entry.ep.DeviceID)
		delete(m.byID, entry.ep.EpisodeID)
	}
}

// submitForDevice 定时回调回到设备通道；通道已关停时丢弃（引擎关停场景）
func (m *Machine) submitForDevice(deviceID string, fn func()) {
	if err := m.exec.Submit(deviceID, fn); err != nil {
		m.logger.Warn("Timer transition dropped, lanes stopped",
			zap.String("device_id", deviceID),
		)
	}
}

// StartManual 外部触发路径开启情节（POST /episodes/start）
// 已有打开中情节时折叠返回现有情节。在设备通道上同步执行。
func (m *Machine) StartManual(device models.Device, trigger models.VitalsSample) (*models.Episode, error) {
	type result struct {
		ep  *models.Episode
		err error
	}
	done := make(chan result, 1)

	err := m.exec.Submit(device.DeviceID, func() {
		m.mu.Lock()
		entry, hasOpen := m.open[device.DeviceID]
		m.mu.Unlock()

		if hasOpen {
			snapshot := *entry.ep
			done <- result{ep: &snapshot}
			return
		}

		m.openEpisode(device, scorer.Result{IsAnomalous: true, Score: 0.5, Kind: trigger.MetricKind}, trigger)

		m.mu.Lock()
		entry = m.open[device.DeviceID]
		m.mu.Unlock()
		if entry == nil {
			done <- result{err: fmt.Errorf("episode closed during open")}
			return
		}
		snapshot := *entry.ep
		done <- result{ep: &snapshot}
	})
	if err != nil {
		return nil, err
	}

	r := <-done
	return r.ep, r.err
}

// ResolveManual 外部恢复（PUT /episodes/{id}/resolve）
// 打开中的情节走 Resolved 转换；已终态的返回当前状态；未知返回 ErrEpisodeNotFound。
func (m *Machine) ResolveManual(episodeID string, resType models.ResolutionType, finalValue *float64) (*models.Episode, error) {
	m.mu.Lock()
	deviceID, isOpen := m.byID[episodeID]
	m.mu.Unlock()

	if !isOpen {
		ep, err := m.repo.GetEpisode(episodeID)
		if err != nil {
			return nil, ErrEpisodeNotFound
		}
		return ep, nil
	}

	type result struct {
		ep  *models.Episode
		err error
	}
	done := make(chan result, 1)

	err := m.exec.Submit(deviceID, func() {
		m.mu.Lock()
		entry := m.open[deviceID]
		m.mu.Unlock()

		if entry == nil || entry.ep.EpisodeID != episodeID {
			// 提交期间已终态：回落到持久化记录
			ep, err := m.repo.GetEpisode(episodeID)
			if err != nil {
				done <- result{err: ErrEpisodeNotFound}
				return
			}
			done <- result{ep: ep}
			return
		}

		m.resolve(entry, &models.Resolution{
			Type:       resType,
			FinalValue: finalValue,
			ResolvedAt: m.clk.Now(),
		})
		snapshot := *entry.ep
		done <- result{ep: &snapshot}
	})
	if err != nil {
		return nil, err
	}

	r := <-done
	return r.ep, r.err
}

// OpenEpisode 查询设备当前打开中的情节
func (m *Machine) OpenEpisode(deviceID string) (*models.Episode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.open[deviceID]
	if !ok {
		return nil, false
	}
	snapshot := *entry.ep
	return &snapshot, true
}

// Stop 释放全部定时器（须在设备通道排空之后调用，避免遗留转换）
func (m *Machine) Stop() {
	m.timers.CancelAll()
}
