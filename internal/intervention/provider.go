package intervention

import (
	"context"

	"pulsenet-engine/internal/config"
	"pulsenet-engine/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// invokeRequest 干预内容请求体
type invokeRequest struct {
	EpisodeID    string  `json:"episode_id"`
	UserID       string  `json:"user_id"`
	DeviceID     string  `json:"device_id"`
	MetricKind   string  `json:"metric_kind"`
	TriggerValue float64 `json:"trigger_value"`
}

// Provider 干预内容提供方客户端（语音合成/生成式内容为外部黑盒）
// 状态机即发即弃地调用：响应被忽略，任何失败只记日志，绝不阻塞阶段转换。
type Provider struct {
	cfg    *config.Config
	client *resty.Client
	logger *zap.Logger
}

// NewProvider 创建干预内容客户端
func NewProvider(cfg *config.Config, logger *zap.Logger) *Provider {
	client := resty.New().
		SetBaseURL(cfg.Intervention.ProviderURL).
		SetTimeout(cfg.Intervention.Timeout)

	return &Provider{
		cfg:    cfg,
		client: client,
		logger: logger,
	}
}

// Invoke 请求为情节生成干预内容
func (p *Provider) Invoke(ep models.Episode) {
	if p.cfg.Intervention.ProviderURL == "" {
		return
	}

	resp, err := p.client.R().
		SetContext(context.Background()).
		SetBody(invokeRequest{
			EpisodeID:    ep.EpisodeID,
			UserID:       ep.UserID,
			DeviceID:     ep.DeviceID,
			MetricKind:   string(ep.TriggerSample.MetricKind),
			TriggerValue: ep.TriggerSample.Value,
		}).
		Post("/interventions")
	if err != nil {
		p.logger.Warn("Intervention provider request failed",
			zap.String("episode_id", ep.EpisodeID),
			zap.Error(err),
		)
		return
	}
	if resp.IsError() {
		p.logger.Warn("Intervention provider returned error",
			zap.String("episode_id", ep.EpisodeID),
			zap.Int("status", resp.StatusCode()),
		)
	}
}
