package community

import (
	"sort"
	"sync"
	"time"

	"pulsenet-engine/internal/clock"
	"pulsenet-engine/internal/config"
	"pulsenet-engine/internal/models"

	"go.uber.org/zap"
)

// appliedLimit 幂等去重键的保留上限
const appliedLimit = 4096

// DeviceRegistry 设备活性查询（失联设备从关联统计中剔除）
type DeviceRegistry interface {
	LastSeen(deviceID string) (time.Time, bool)
}

// activeEpisode 区域内活跃情节
type activeEpisode struct {
	episodeID  string
	deviceID   string
	detectedAt time.Time
	escalated  bool
}

// zoneState 单区域状态
type zoneState struct {
	episodes map[string]*activeEpisode // episodeID → 活跃情节
}

// Aggregator 社区聚合器
// 对 Episode 只读：由生命周期事件维护各区域的活跃情节集并派生风险等级。
// Detected 入集，Resolved 出集；Escalated 保持活跃（升级意味着风险仍在），
// 只能由外部处置动作显式清除。事件按 (episodeID, stage) 幂等消费。
type Aggregator struct {
	cfg     *config.Config
	logger  *zap.Logger
	clk     clock.Clock
	devices DeviceRegistry // 可为 nil（不做失联剔除）

	mu          sync.RWMutex
	zones       map[string]*zoneState
	byEpisode   map[string]string // episodeID → zoneID
	applied     map[string]struct{}
	appliedFifo []string
}

// NewAggregator 创建社区聚合器
func NewAggregator(cfg *config.Config, clk clock.Clock, devices DeviceRegistry, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		cfg:       cfg,
		logger:    logger,
		clk:       clk,
		devices:   devices,
		zones:     make(map[string]*zoneState),
		byEpisode: make(map[string]string),
		applied:   make(map[string]struct{}),
	}
}

// Apply 消费生命周期事件（反应式重算，不轮询）
func (a *Aggregator) Apply(event models.LifecycleEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// 幂等：重复投递的同一事件只生效一次
	key := event.Key()
	if _, dup := a.applied[key]; dup {
		return
	}
	a.applied[key] = struct{}{}
	a.appliedFifo = append(a.appliedFifo, key)
	if len(a.appliedFifo) > appliedLimit {
		oldest := a.appliedFifo[0]
		a.appliedFifo = a.appliedFifo[1:]
		delete(a.applied, oldest)
	}

	switch event.Stage {
	case models.StageDetected:
		zone := a.zoneLocked(event.ZoneID)
		zone.episodes[event.EpisodeID] = &activeEpisode{
			episodeID:  event.EpisodeID,
			deviceID:   event.DeviceID,
			detectedAt: event.OccurredAt,
		}
		a.byEpisode[event.EpisodeID] = event.ZoneID

	case models.StageResolved:
		a.removeLocked(event.EpisodeID)

	case models.StageEscalated:
		// 升级后仍计为活跃，等待外部处置清除
		if zoneID, ok := a.byEpisode[event.EpisodeID]; ok {
			if ep, ok := a.zones[zoneID].episodes[event.EpisodeID]; ok {
				ep.escalated = true
			}
		}
	}
}

// ClearEscalated 外部处置动作：把升级情节移出区域活跃集
func (a *Aggregator) ClearEscalated(episodeID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	zoneID, ok := a.byEpisode[episodeID]
	if !ok {
		return false
	}
	a.removeLocked(episodeID)
	a.logger.Info("Escalated episode cleared from zone",
		zap.String("episode_id", episodeID),
		zap.String("zone_id", zoneID),
	)
	return true
}

// removeLocked 摘除情节（须持写锁）
func (a *Aggregator) removeLocked(episodeID string) {
	zoneID, ok := a.byEpisode[episodeID]
	if !ok {
		return
	}
	delete(a.byEpisode, episodeID)
	if zone, ok := a.zones[zoneID]; ok {
		delete(zone.episodes, episodeID)
	}
}

// zoneLocked 取区域状态（须持写锁）
func (a *Aggregator) zoneLocked(zoneID string) *zoneState {
	zone, ok := a.zones[zoneID]
	if !ok {
		zone = &zoneState{episodes: make(map[string]*activeEpisode)}
		a.zones[zoneID] = zone
	}
	return zone
}

// Snapshot 区域风险快照（读取时重算，时效受限于事件延迟）
func (a *Aggregator) Snapshot(zoneID string) models.ZoneRiskSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked(zoneID)
}

// Summary 全部区域快照及整体状态（取最差区域）
func (a *Aggregator) Summary() (models.RiskLevel, []models.ZoneRiskSnapshot) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	zoneIDs := make([]string, 0, len(a.zones))
	for id := range a.zones {
		zoneIDs = append(zoneIDs, id)
	}
	sort.Strings(zoneIDs)

	overall := models.RiskLow
	snapshots := make([]models.ZoneRiskSnapshot, 0, len(zoneIDs))
	for _, id := range zoneIDs {
		snap := a.snapshotLocked(id)
		overall = models.Worst(overall, snap.RiskLevel)
		snapshots = append(snapshots, snap)
	}
	return overall, snapshots
}

// snapshotLocked 重算单区域快照（须持锁）
func (a *Aggregator) snapshotLocked(zoneID string) models.ZoneRiskSnapshot {
	now := a.clk.Now()
	snap := models.ZoneRiskSnapshot{
		ZoneID:     zoneID,
		RiskLevel:  models.RiskLow,
		ComputedAt: now,
	}

	zone, ok := a.zones[zoneID]
	if !ok || len(zone.episodes) == 0 {
		return snap
	}
	snap.ActiveEpisodeCount = len(zone.episodes)

	// 关联统计：时间窗口内、未失联设备的检出时间
	windowStart := now.Add(-a.cfg.Community.TemporalWindow)
	detections := make([]time.Time, 0, len(zone.episodes))
	seen := make(map[string]struct{})
	for _, ep := range zone.episodes {
		if ep.detectedAt.Before(windowStart) {
			continue
		}
		if a.deviceStale(ep.deviceID, now) {
			continue
		}
		// 每设备只计一次（不变式保证同设备最多一个非终态情节，双保险）
		if _, dup := seen[ep.deviceID]; dup {
			continue
		}
		seen[ep.deviceID] = struct{}{}
		detections = append(detections, ep.detectedAt)
	}

	clusterSize := a.maxCluster(detections)
	if clusterSize >= a.cfg.Community.ClusterThreshold {
		snap.CorrelatedClusterSize = clusterSize
	}

	// 风险映射：0→low；关联簇达标或非关联数量达标→high；其余→moderate
	switch {
	case snap.CorrelatedClusterSize >= a.cfg.Community.ClusterThreshold:
		snap.RiskLevel = models.RiskHigh
	case snap.ActiveEpisodeCount >= a.cfg.Community.UncorrelatedHigh:
		snap.RiskLevel = models.RiskHigh
	default:
		snap.RiskLevel = models.RiskModerate
	}
	return snap
}

// maxCluster 关联窗口内的最大检出数（滑动窗口扫描）
// 时间与空间共同关联而非单纯数量，指示共同外因（热浪、人群事故等）
func (a *Aggregator) maxCluster(detections []time.Time) int {
	if len(detections) == 0 {
		return 0
	}
	sort.Slice(detections, func(i, j int) bool { return detections[i].Before(detections[j]) })

	window := a.cfg.Community.CorrelationWindow
	best := 1
	start := 0
	for end := range detections {
		for detections[end].Sub(detections[start]) > window {
			start++
		}
		if n := end - start + 1; n > best {
			best = n
		}
	}
	return best
}

// deviceStale 设备是否失联（超过 TTL 未上报）
func (a *Aggregator) deviceStale(deviceID string, now time.Time) bool {
	if a.devices == nil {
		return false
	}
	lastSeen, ok := a.devices.LastSeen(deviceID)
	if !ok {
		return false
	}
	return now.Sub(lastSeen) > a.cfg.Community.DeviceTTL
}
