package models

import (
	"time"
)

// RiskLevel 社区风险等级
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
)

// worse 风险等级排序（用于 overall_status 取最差）
func (r RiskLevel) rank() int {
	switch r {
	case RiskHigh:
		return 2
	case RiskModerate:
		return 1
	}
	return 0
}

// Worst 返回两者中更差的风险等级
func Worst(a, b RiskLevel) RiskLevel {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ZoneRiskSnapshot 区域风险快照
// 派生数据：每次生命周期事件后重算，可随时由当前活跃情节集重建，不作为事实来源持久化
type ZoneRiskSnapshot struct {
	ZoneID                string    `json:"zone_id"`
	ActiveEpisodeCount    int       `json:"active_episode_count"`
	CorrelatedClusterSize int       `json:"correlated_cluster_size"`
	RiskLevel             RiskLevel `json:"risk_level"`
	ComputedAt            time.Time `json:"computed_at"`
}
