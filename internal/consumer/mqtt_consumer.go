package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	mqttcommon "pulsenet-engine/internal/common/mqtt"
	"pulsenet-engine/internal/config"
	"pulsenet-engine/internal/models"
)

// Ingestor 体征样本的接收方（检测流水线入口）
type Ingestor interface {
	Ingest(sample models.VitalsSample, zoneID string) error
}

// vitalsPayload 穿戴设备上报的消息格式
// 主题: wearable/{device_id}/vitals
type vitalsPayload struct {
	UserID  string `json:"user_id"`
	ZoneID  string `json:"zone_id"`
	Metrics []struct {
		Kind      string  `json:"kind"`
		Value     float64 `json:"value"`
		Timestamp string  `json:"timestamp"` // ISO-8601
	} `json:"metrics"`
}

// MQTTConsumer MQTT体征消息消费者
type MQTTConsumer struct {
	config     *config.Config
	mqttClient *mqttcommon.Client
	ingestor   Ingestor
	logger     *zap.Logger
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(
	cfg *config.Config,
	mqttClient *mqttcommon.Client,
	ingestor Ingestor,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		config:     cfg,
		mqttClient: mqttClient,
		ingestor:   ingestor,
		logger:     logger,
	}
}

// Start 启动消费者
func (c *MQTTConsumer) Start(ctx context.Context) error {
	if err := c.mqttClient.Subscribe(c.config.Ingest.Topic, c.config.MQTT.QoS, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to vitals topic: %w", err)
	}

	c.logger.Info("MQTT consumer started",
		zap.String("topic", c.config.Ingest.Topic),
	)

	// 等待上下文取消
	<-ctx.Done()
	return nil
}

// Stop 停止消费者
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	if err := c.mqttClient.Unsubscribe(c.config.Ingest.Topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}

	c.logger.Info("MQTT consumer stopped")
	return nil
}

// handleMessage 处理MQTT消息
func (c *MQTTConsumer) handleMessage(topic string, payload []byte) error {
	c.logger.Debug("Received MQTT message",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)

	// 1. 从主题中提取设备标识符
	// 主题格式: wearable/{device_id}/vitals
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return fmt.Errorf("invalid topic format: %s", topic)
	}
	deviceID := parts[1]

	// 2. 解析消息
	var msg vitalsPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Error("Failed to unmarshal MQTT message",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	// 3. 逐条送入检测流水线
	// 单条失败不中断批次，只记录日志
	accepted := 0
	for _, m := range msg.Metrics {
		ts, err := time.Parse(time.RFC3339, m.Timestamp)
		if err != nil {
			c.logger.Warn("Invalid metric timestamp, skipping",
				zap.String("device_id", deviceID),
				zap.String("timestamp", m.Timestamp),
				zap.Error(err),
			)
			continue
		}

		sample := models.VitalsSample{
			DeviceID:   deviceID,
			UserID:     msg.UserID,
			MetricKind: models.MetricKind(m.Kind),
			Value:      m.Value,
			Timestamp:  ts,
		}
		if err := c.ingestor.Ingest(sample, msg.ZoneID); err != nil {
			c.logger.Warn("Failed to ingest sample",
				zap.String("device_id", deviceID),
				zap.String("kind", m.Kind),
				zap.Error(err),
			)
			continue
		}
		accepted++
	}

	c.logger.Debug("Ingested vitals batch",
		zap.String("device_id", deviceID),
		zap.Int("accepted", accepted),
		zap.Int("total", len(msg.Metrics)),
	)

	return nil
}
