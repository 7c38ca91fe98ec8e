package broadcaster

import (
	"encoding/json"
	"time"

	"pulsenet-engine/internal/models"
)

// 下行消息类型（持久双向 socket 上的 JSON 协议）
const (
	WireEpisodeStart      = "episode-start"
	WireEpisodeResolution = "episode-resolution"
	WirePulseCheckIn      = "pulse-checkin"
)

// WireMessage 下行 JSON 消息
type WireMessage struct {
	Type      string  `json:"type"`
	UserID    string  `json:"userId"`
	EpisodeID string  `json:"episodeId"`
	DeviceID  string  `json:"deviceId"`
	Stage     string  `json:"stage"`
	Score     float64 `json:"score"`
	Timestamp string  `json:"timestamp"` // ISO-8601
}

// wireType 生命周期事件到消息类型的映射
func wireType(stage models.EpisodeStage) string {
	switch stage {
	case models.StageDetected, models.StageIntervening:
		return WireEpisodeStart
	case models.StageAwaitingCheckIn:
		return WirePulseCheckIn
	default:
		return WireEpisodeResolution
	}
}

// Encode 序列化生命周期事件为下行消息
func Encode(event models.LifecycleEvent) []byte {
	msg := WireMessage{
		Type:      wireType(event.Stage),
		UserID:    event.UserID,
		EpisodeID: event.EpisodeID,
		DeviceID:  event.DeviceID,
		Stage:     string(event.Stage),
		Score:     event.Score,
		Timestamp: event.OccurredAt.UTC().Format(time.RFC3339),
	}
	payload, _ := json.Marshal(msg)
	return payload
}
