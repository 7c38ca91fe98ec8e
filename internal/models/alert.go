package models

import (
	"time"
)

// Severity 报警级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high" // 升级报警固定为 high
)

// SeverityFromScore 按异常分数映射报警级别
// score >= 0.8 → critical，>= 0.5 → warning，其余 → info
func SeverityFromScore(score float64) Severity {
	switch {
	case score >= 0.8:
		return SeverityCritical
	case score >= 0.5:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// DeliveryState 单个接收人的投递状态
type DeliveryState string

const (
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryPending   DeliveryState = "pending"
	DeliveryDropped   DeliveryState = "dropped" // 超过新鲜度 TTL 被丢弃
)

// Alert 报警（由需要通知照护人的阶段转换创建）
type Alert struct {
	AlertID        string                   `json:"alert_id" db:"alert_id"`
	EpisodeID      string                   `json:"episode_id" db:"episode_id"`
	Severity       Severity                 `json:"severity" db:"severity"`
	RecipientIDs   []string                 `json:"recipient_ids" db:"recipient_ids"`
	CreatedAt      time.Time                `json:"created_at" db:"created_at"`
	DeliveryStatus map[string]DeliveryState `json:"delivery_status" db:"delivery_status"`
	IsActive       bool                     `json:"is_active" db:"is_active"`
	AcknowledgedBy *string                  `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgedAt *time.Time               `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
}
