package models

import (
	"time"
)

// MetricKind 体征指标类型
type MetricKind string

const (
	MetricHeartRate MetricKind = "heart_rate" // 心率（穿戴设备）
	MetricHRV       MetricKind = "hrv"        // 心率变异性
	MetricPulse     MetricKind = "pulse"      // 脉搏（摄像头测量）
	MetricBreathing MetricKind = "breathing"  // 呼吸率（摄像头测量）
)

// Valid 检查指标类型是否合法
func (k MetricKind) Valid() bool {
	switch k {
	case MetricHeartRate, MetricHRV, MetricPulse, MetricBreathing:
		return true
	}
	return false
}

// VitalsSample 体征样本（归一化后的统一记录，生成后不可变）
type VitalsSample struct {
	DeviceID   string     `json:"device_id"`
	UserID     string     `json:"user_id"`
	MetricKind MetricKind `json:"metric_kind"`
	Value      float64    `json:"value"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Device 设备（zone 归属可能随 geofence 变化）
type Device struct {
	DeviceID   string    `json:"device_id" db:"device_id"`
	UserID     string    `json:"user_id" db:"user_id"`
	ZoneID     string    `json:"zone_id" db:"zone_id"`
	LastSeenAt time.Time `json:"last_seen_at" db:"last_seen_at"`
}
