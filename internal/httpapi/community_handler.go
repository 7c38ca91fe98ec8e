package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"pulsenet-engine/internal/community"
)

// DeviceCounter 在线设备计数
type DeviceCounter interface {
	DeviceCount() int
}

// CommunityHandler 社区风险查询 Handler
type CommunityHandler struct {
	aggregator *community.Aggregator
	devices    DeviceCounter
	logger     *zap.Logger
}

// NewCommunityHandler 创建社区 Handler
func NewCommunityHandler(aggregator *community.Aggregator, devices DeviceCounter, logger *zap.Logger) *CommunityHandler {
	return &CommunityHandler{
		aggregator: aggregator,
		devices:    devices,
		logger:     logger,
	}
}

// ZoneStatus 查询单区域风险快照
// GET /api/v1/community/zones/{zoneId}/status
// 无活跃情节的区域返回 low 快照而非 404（快照随时可由当前状态重建）
func (h *CommunityHandler) ZoneStatus(w http.ResponseWriter, r *http.Request, zoneID string) {
	snapshot := h.aggregator.Snapshot(zoneID)
	writeJSON(w, http.StatusOK, snapshot)
}

// Summary 社区整体风险概览
// GET /api/v1/community/summary
func (h *CommunityHandler) Summary(w http.ResponseWriter, r *http.Request) {
	overall, zones := h.aggregator.Summary()
	writeJSON(w, http.StatusOK, map[string]any{
		"overall_status": overall,
		"zones":          zones,
		"computed_at":    time.Now().UTC(),
	})
}

// Pulse 社区脉搏：活跃区域与在线设备规模
// GET /api/v1/community/pulse
func (h *CommunityHandler) Pulse(w http.ResponseWriter, r *http.Request) {
	_, zones := h.aggregator.Summary()
	writeJSON(w, http.StatusOK, map[string]any{
		"zones":         len(zones),
		"total_devices": h.devices.DeviceCount(),
		"computed_at":   time.Now().UTC(),
	})
}
