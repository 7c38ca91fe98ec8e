package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"pulsenet-engine/internal/config"
	"pulsenet-engine/internal/models"
)

// MetricPoint 单个指标的最新采样点
type MetricPoint struct {
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"` // Unix 毫秒
}

// RealtimeVitals 设备实时体征缓存结构
// 每类指标各自保留最后一次采样, 前端轮询或页面刷新时直接读取
type RealtimeVitals struct {
	DeviceID  string       `json:"device_id"`
	UserID    string       `json:"user_id"`
	HeartRate *MetricPoint `json:"heart_rate,omitempty"`
	HRV       *MetricPoint `json:"hrv,omitempty"`
	Pulse     *MetricPoint `json:"pulse,omitempty"`
	Breathing *MetricPoint `json:"breathing,omitempty"`
	UpdatedAt int64        `json:"updated_at"` // Unix 毫秒
}

// AlertsCache 设备维度的活跃告警缓存
type AlertsCache struct {
	DeviceID  string         `json:"device_id"`
	Alerts    []models.Alert `json:"alerts"`
	UpdatedAt int64          `json:"updated_at"`
}

// RealtimeCache 实时数据缓存管理器
// 负责将最新体征与活跃告警写入 Redis, 供查询接口读取
type RealtimeCache struct {
	rdb    *redis.Client
	cfg    config.CacheConfig
	logger *zap.Logger
}

// NewRealtimeCache 创建实时缓存管理器
func NewRealtimeCache(rdb *redis.Client, cfg config.CacheConfig, logger *zap.Logger) *RealtimeCache {
	return &RealtimeCache{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger,
	}
}

func (c *RealtimeCache) realtimeKey(deviceID string) string {
	return c.cfg.RealtimeKeyPrefix + deviceID + c.cfg.RealtimeSuffix
}

func (c *RealtimeCache) alertsKey(deviceID string) string {
	return c.cfg.RealtimeKeyPrefix + deviceID + c.cfg.AlertSuffix
}

// UpdateRealtime 合并写入一条采样
// 同设备的采样经由单一 lane 串行处理, 读-改-写无并发冲突
func (c *RealtimeCache) UpdateRealtime(ctx context.Context, sample models.VitalsSample) error {
	key := c.realtimeKey(sample.DeviceID)

	// 1. 读取现有缓存 (可能不存在)
	var view RealtimeVitals
	raw, err := c.rdb.Get(ctx, key).Result()
	if err == nil {
		if err := json.Unmarshal([]byte(raw), &view); err != nil {
			c.logger.Warn("Failed to parse cached realtime data, resetting",
				zap.String("device_id", sample.DeviceID),
				zap.Error(err))
			view = RealtimeVitals{}
		}
	} else if err != redis.Nil {
		return fmt.Errorf("failed to read realtime cache: %w", err)
	}

	// 2. 合并本次采样
	view.DeviceID = sample.DeviceID
	view.UserID = sample.UserID
	point := &MetricPoint{
		Value:     sample.Value,
		Timestamp: sample.Timestamp.UnixMilli(),
	}
	switch sample.MetricKind {
	case models.MetricHeartRate:
		view.HeartRate = point
	case models.MetricHRV:
		view.HRV = point
	case models.MetricPulse:
		view.Pulse = point
	case models.MetricBreathing:
		view.Breathing = point
	}
	view.UpdatedAt = time.Now().UnixMilli()

	// 3. 写回
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to marshal realtime data: %w", err)
	}
	if err := c.rdb.Set(ctx, key, data, c.cfg.RealtimeTTL).Err(); err != nil {
		return fmt.Errorf("failed to write realtime cache: %w", err)
	}
	return nil
}

// GetRealtime 读取设备实时体征, 缓存未命中返回 (nil, nil)
func (c *RealtimeCache) GetRealtime(ctx context.Context, deviceID string) (*RealtimeVitals, error) {
	raw, err := c.rdb.Get(ctx, c.realtimeKey(deviceID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read realtime cache: %w", err)
	}
	var view RealtimeVitals
	if err := json.Unmarshal([]byte(raw), &view); err != nil {
		return nil, fmt.Errorf("failed to parse realtime cache: %w", err)
	}
	return &view, nil
}

// UpdateAlerts 覆盖写入设备的活跃告警列表
func (c *RealtimeCache) UpdateAlerts(ctx context.Context, deviceID string, alerts []models.Alert) error {
	cache := AlertsCache{
		DeviceID:  deviceID,
		Alerts:    alerts,
		UpdatedAt: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("failed to marshal alerts cache: %w", err)
	}
	if err := c.rdb.Set(ctx, c.alertsKey(deviceID), data, c.cfg.RealtimeTTL).Err(); err != nil {
		return fmt.Errorf("failed to write alerts cache: %w", err)
	}
	return nil
}

// GetAlerts 读取设备活跃告警缓存, 未命中返回 (nil, nil)
func (c *RealtimeCache) GetAlerts(ctx context.Context, deviceID string) (*AlertsCache, error) {
	raw, err := c.rdb.Get(ctx, c.alertsKey(deviceID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read alerts cache: %w", err)
	}
	var cache AlertsCache
	if err := json.Unmarshal([]byte(raw), &cache); err != nil {
		return nil, fmt.Errorf("failed to parse alerts cache: %w", err)
	}
	return &cache, nil
}
