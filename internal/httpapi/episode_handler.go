package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"pulsenet-engine/internal/episode"
	"pulsenet-engine/internal/models"
	"pulsenet-engine/internal/repository"
	"pulsenet-engine/internal/stream"
)

// EpisodeHandler 情节生命周期 Handler
type EpisodeHandler struct {
	machine *episode.Machine
	repo    repository.EpisodeRepository
	logger  *zap.Logger
}

// NewEpisodeHandler 创建情节 Handler
func NewEpisodeHandler(machine *episode.Machine, repo repository.EpisodeRepository, logger *zap.Logger) *EpisodeHandler {
	return &EpisodeHandler{
		machine: machine,
		repo:    repo,
		logger:  logger,
	}
}

// startEpisodeRequest POST /episodes/start 请求体
type startEpisodeRequest struct {
	DeviceID   string  `json:"device_id"`
	UserID     string  `json:"user_id"`
	ZoneID     string  `json:"zone_id"`
	MetricKind string  `json:"metric_kind"`
	Value      float64 `json:"value"`
	Timestamp  string  `json:"timestamp"` // ISO-8601，缺省取当前时间
}

type episodeResponse struct {
	EpisodeID        string             `json:"episode_id"`
	DeviceID         string             `json:"device_id"`
	UserID           string             `json:"user_id"`
	ZoneID           string             `json:"zone_id"`
	Stage            string             `json:"stage"`
	OpenedAt         time.Time          `json:"opened_at"`
	LastTransitionAt time.Time          `json:"last_transition_at"`
	Resolution       *models.Resolution `json:"resolution,omitempty"`
}

func toEpisodeResponse(ep *models.Episode) episodeResponse {
	return episodeResponse{
		EpisodeID:        ep.EpisodeID,
		DeviceID:         ep.DeviceID,
		UserID:           ep.UserID,
		ZoneID:           ep.ZoneID,
		Stage:            string(ep.Stage),
		OpenedAt:         ep.OpenedAt,
		LastTransitionAt: ep.LastTransitionAt,
		Resolution:       ep.Resolution,
	}
}

// StartEpisode 外部触发路径开启情节
// POST /api/v1/episodes/start
func (h *EpisodeHandler) StartEpisode(w http.ResponseWriter, r *http.Request) {
	var req startEpisodeRequest
	if err := readBodyJSON(r, 1<<20, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidBody, "invalid request body")
		return
	}

	ts := time.Now()
	if req.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidSample, "timestamp must be ISO-8601")
			return
		}
		ts = parsed
	}

	sample := models.VitalsSample{
		DeviceID:   req.DeviceID,
		UserID:     req.UserID,
		MetricKind: models.MetricKind(req.MetricKind),
		Value:      req.Value,
		Timestamp:  ts,
	}
	if err := stream.Validate(sample); err != nil {
		writeErrorDetails(w, http.StatusBadRequest, ErrCodeInvalidSample, "invalid vitals sample",
			map[string]any{"reason": err.Error()})
		return
	}

	// zone 归一化与流接入保持一致：未指定时落入兜底区域
	zoneID := req.ZoneID
	if zoneID == "" {
		zoneID = stream.DefaultZone
	}
	device := models.Device{
		DeviceID:   req.DeviceID,
		UserID:     req.UserID,
		ZoneID:     zoneID,
		LastSeenAt: ts,
	}

	ep, err := h.machine.StartManual(device, sample)
	if err != nil {
		h.logger.Error("Failed to start episode",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to start episode")
		return
	}

	writeJSON(w, http.StatusCreated, toEpisodeResponse(ep))
}

// resolveEpisodeRequest PUT /episodes/{id}/resolve 请求体
type resolveEpisodeRequest struct {
	ResolutionType string   `json:"resolution_type,omitempty"` // 缺省 manual
	FinalValue     *float64 `json:"final_value,omitempty"`
}

// ResolveEpisode 外部手动恢复
// PUT /api/v1/episodes/{id}/resolve
func (h *EpisodeHandler) ResolveEpisode(w http.ResponseWriter, r *http.Request, episodeID string) {
	var req resolveEpisodeRequest
	if err := readBodyJSON(r, 1<<20, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidBody, "invalid request body")
		return
	}

	resType := models.ResolutionManual
	switch req.ResolutionType {
	case "", string(models.ResolutionManual):
	case string(models.ResolutionCheckIn):
		resType = models.ResolutionCheckIn
	default:
		writeError(w, http.StatusBadRequest, ErrCodeInvalidBody, "unknown resolution_type")
		return
	}

	ep, err := h.machine.ResolveManual(episodeID, resType, req.FinalValue)
	if err != nil {
		if errors.Is(err, episode.ErrEpisodeNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeEpisodeNotFound, "episode not found")
			return
		}
		h.logger.Error("Failed to resolve episode",
			zap.String("episode_id", episodeID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to resolve episode")
		return
	}

	writeJSON(w, http.StatusOK, toEpisodeResponse(ep))
}

// CompleteIntervention 干预完成信号（干预内容提供方回调）
// POST /api/v1/episodes/{id}/intervention/complete
func (h *EpisodeHandler) CompleteIntervention(w http.ResponseWriter, r *http.Request, episodeID string) {
	if err := h.machine.InterventionComplete(episodeID); err != nil {
		if errors.Is(err, episode.ErrEpisodeNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeEpisodeNotFound, "episode not found or already closed")
			return
		}
		h.logger.Error("Failed to signal intervention completion",
			zap.String("episode_id", episodeID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to complete intervention")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"episode_id": episodeID, "status": "accepted"})
}

// ListUserEpisodes 查询用户情节历史（新→旧）
// GET /api/v1/episodes/user/{userId}?limit=&status=
func (h *EpisodeHandler) ListUserEpisodes(w http.ResponseWriter, r *http.Request, userID string) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var stage models.EpisodeStage
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		stage = models.EpisodeStage(status)
	}

	episodes, err := h.repo.ListEpisodesByUser(userID, limit, stage)
	if err != nil {
		h.logger.Error("Failed to list episodes",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to list episodes")
		return
	}

	out := make([]episodeResponse, 0, len(episodes))
	for _, ep := range episodes {
		out = append(out, toEpisodeResponse(ep))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"episodes": out,
		"total":    len(out),
	})
}
