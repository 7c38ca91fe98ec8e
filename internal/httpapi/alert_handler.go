package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"pulsenet-engine/internal/community"
	"pulsenet-engine/internal/repository"
)

// AlertHandler 报警查询与外部确认 Handler
type AlertHandler struct {
	repo       repository.AlertRepository
	aggregator *community.Aggregator
	logger     *zap.Logger
}

// NewAlertHandler 创建报警 Handler
func NewAlertHandler(repo repository.AlertRepository, aggregator *community.Aggregator, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{
		repo:       repo,
		aggregator: aggregator,
		logger:     logger,
	}
}

// ListAlerts 全部报警（新→旧），已确认的报警仍可见（is_active=false）
// GET /api/v1/alerts
func (h *AlertHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.repo.ListAlerts()
	if err != nil {
		h.logger.Error("Failed to list alerts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

// ListActiveAlerts 仅未确认报警
// GET /api/v1/alerts/active
func (h *AlertHandler) ListActiveAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.repo.ListActiveAlerts()
	if err != nil {
		h.logger.Error("Failed to list active alerts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

// resolveAlertRequest POST /alerts/{id}/resolve 请求体
type resolveAlertRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
}

// ResolveAlert 外部确认报警
// POST /api/v1/alerts/{id}/resolve
// 升级情节在此处才从社区风险统计中移除
func (h *AlertHandler) ResolveAlert(w http.ResponseWriter, r *http.Request, alertID string) {
	var req resolveAlertRequest
	if err := readBodyJSON(r, 1<<20, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidBody, "invalid request body")
		return
	}
	if strings.TrimSpace(req.AcknowledgedBy) == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidBody, "acknowledged_by is required")
		return
	}

	alert, err := h.repo.ResolveAlert(alertID, req.AcknowledgedBy)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeAlertNotFound, "alert not found")
			return
		}
		h.logger.Error("Failed to resolve alert",
			zap.String("alert_id", alertID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to resolve alert")
		return
	}

	if h.aggregator.ClearEscalated(alert.EpisodeID) {
		h.logger.Info("Escalated episode cleared from community risk",
			zap.String("episode_id", alert.EpisodeID),
			zap.String("alert_id", alertID),
		)
	}

	writeJSON(w, http.StatusOK, alert)
}
