package models

import (
	"fmt"
	"time"
)

// EpisodeStage 情节阶段
type EpisodeStage string

const (
	StageDetected        EpisodeStage = "detected"         // 检测到异常
	StageIntervening     EpisodeStage = "intervening"      // 干预中
	StageAwaitingCheckIn EpisodeStage = "awaiting_checkin" // 等待复测确认
	StageResolved        EpisodeStage = "resolved"         // 已恢复（终态）
	StageEscalated       EpisodeStage = "escalated"        // 已升级（终态，但对社区风险仍计为活跃）
)

// Terminal 是否为终态
func (s EpisodeStage) Terminal() bool {
	return s == StageResolved || s == StageEscalated
}

// ResolutionType 恢复类型
type ResolutionType string

const (
	ResolutionCheckIn  ResolutionType = "checkin_recovered" // 复测体征恢复
	ResolutionManual   ResolutionType = "manual"            // 外部手动恢复
	ResolutionEscalate ResolutionType = "escalated"         // 升级关闭
)

// Resolution 情节结束信息
type Resolution struct {
	Type            ResolutionType `json:"type"`
	FinalValue      *float64       `json:"final_value,omitempty"` // 复测时的体征值
	DurationSeconds int            `json:"duration_seconds"`
	ResolvedAt      time.Time      `json:"resolved_at"`
}

// Episode 情节（一台设备的一次检出事件，沿固定阶段序列推进）
// 不变式：同一设备任意时刻最多一个非终态情节（由状态机保证）
type Episode struct {
	EpisodeID        string       `json:"episode_id" db:"episode_id"`
	DeviceID         string       `json:"device_id" db:"device_id"`
	UserID           string       `json:"user_id" db:"user_id"`
	ZoneID           string       `json:"zone_id" db:"zone_id"`
	Stage            EpisodeStage `json:"stage" db:"stage"`
	OpenedAt         time.Time    `json:"opened_at" db:"opened_at"`
	LastTransitionAt time.Time    `json:"last_transition_at" db:"last_transition_at"`
	// TriggerSample 触发样本的快照（值拷贝，不受滑动窗口淘汰影响）
	TriggerSample VitalsSample `json:"trigger_sample" db:"trigger_sample"`
	Resolution    *Resolution  `json:"resolution,omitempty" db:"resolution"`
}

// 生命周期事件类型（对应各阶段入口）
const (
	EventDetected            = "episode.detected"
	EventInterventionStarted = "episode.intervention_started"
	EventAwaitingCheckIn     = "episode.awaiting_checkin"
	EventResolved            = "episode.resolved"
	EventEscalated           = "episode.escalated"
)

// LifecycleEvent 情节生命周期事件
// 每次阶段转换恰好发出一条；下游（广播、社区聚合）须按 (episode_id, stage) 幂等消费
type LifecycleEvent struct {
	Type       string       `json:"type"`
	EpisodeID  string       `json:"episode_id"`
	DeviceID   string       `json:"device_id"`
	UserID     string       `json:"user_id"`
	ZoneID     string       `json:"zone_id"`
	Stage      EpisodeStage `json:"stage"`
	Score      float64      `json:"score"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// Key 幂等去重键
func (e LifecycleEvent) Key() string {
	return fmt.Sprintf("%s:%s", e.EpisodeID, e.Stage)
}

// EventTypeForStage 阶段对应的事件类型
func EventTypeForStage(stage EpisodeStage) string {
	switch stage {
	case StageDetected:
		return EventDetected
	case StageIntervening:
		return EventInterventionStarted
	case StageAwaitingCheckIn:
		return EventAwaitingCheckIn
	case StageResolved:
		return EventResolved
	case StageEscalated:
		return EventEscalated
	}
	return ""
}
